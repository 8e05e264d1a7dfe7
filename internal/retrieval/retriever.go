// Package retrieval resolves workflow output references to document bytes. A reference
// is a local path, a file:// URI, an http(s) URL, a drs:// object URI or an s3:// URI.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

const (
	schemeFile  = "file"
	schemeHTTP  = "http"
	schemeHTTPS = "https"
	schemeDRS   = "drs"
	schemeS3    = "s3"

	retryWaitMin = 100 * time.Millisecond
	retryWaitMax = 2 * time.Second

	downloadPattern = "ingest_download_*"
)

var (
	// uriScheme matches the scheme of a URI reference. Anything without one is a plain path.
	uriScheme = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*):`)

	// Windows paths such as C:/data/doc.json look like a one-letter scheme.
	windowsDrive = regexp.MustCompile(`^[a-zA-Z]$`)
)

var (
	// ErrEmptyReference is returned for blank references.
	ErrEmptyReference = errors.New("document reference cannot be empty")

	// ErrInvalidReference is returned when a reference cannot be parsed.
	ErrInvalidReference = errors.New("invalid document reference")

	// ErrUnsupportedScheme is returned for reference schemes no retriever handles.
	ErrUnsupportedScheme = errors.New("unsupported reference scheme")

	// ErrTooLarge is returned when a document exceeds the configured size limit.
	ErrTooLarge = errors.New("document exceeds size limit")

	// ErrUnexpectedStatus is returned when an HTTP download does not answer 200 OK.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")

	// ErrNoAccessMethod is returned when a DRS object offers no usable access method.
	ErrNoAccessMethod = errors.New("no usable DRS access method")
)

type (
	// ObjectGetter is the subset of the S3 client used for s3:// references.
	ObjectGetter interface {
		GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	}

	// Retriever fetches referenced documents. Safe for concurrent use.
	Retriever struct {
		cfg        *Config
		http       *retryablehttp.Client
		httpClient *http.Client
		s3         ObjectGetter
		logger     *slog.Logger
	}

	// Option configures optional Retriever behavior.
	Option func(*Retriever)
)

// WithLogger replaces the default JSON stdout logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// WithHTTPClient sets the client underneath the retrying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Retriever) {
		r.httpClient = client
	}
}

// WithS3Client sets the client used for s3:// references and DRS s3 access methods.
func WithS3Client(client ObjectGetter) Option {
	return func(r *Retriever) {
		r.s3 = client
	}
}

// New creates a retriever. Without WithS3Client, an S3 client is built from the AWS
// default credential chain and the configured region and endpoint.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Retriever, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Retriever{
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(r)
	}

	client := retryablehttp.NewClient()
	if r.httpClient != nil {
		// Copy so the configured timeout never leaks into the caller's client.
		httpClient := *r.httpClient
		client.HTTPClient = &httpClient
	}

	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.Logger = r.logger
	r.http = client

	if r.s3 == nil {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}

		r.s3 = s3Client
	}

	return r, nil
}

func newS3Client(ctx context.Context, cfg *Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

// Fetch returns the bytes of the referenced document.
func (r *Retriever) Fetch(ctx context.Context, reference string) ([]byte, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrEmptyReference
	}

	// Plain paths are opened as given; '#', '?' and '%' are part of a file name.
	match := uriScheme.FindStringSubmatch(reference)
	if match == nil || windowsDrive.MatchString(match[1]) {
		return r.readFile(reference)
	}

	u, err := url.Parse(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidReference, reference, err)
	}

	switch {
	case u.Scheme == schemeFile:
		return r.readFile(u.Path)
	case u.Scheme == schemeHTTP || u.Scheme == schemeHTTPS:
		return r.download(ctx, reference)
	case u.Scheme == schemeDRS:
		return r.fetchDRS(ctx, u)
	case u.Scheme == schemeS3:
		return r.fetchS3(ctx, u)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func (r *Retriever) readFile(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // paths come from trusted workflow outputs
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	defer func() {
		_ = f.Close()
	}()

	return r.readLimited(f, path)
}

// readLimited reads at most MaxBytes; anything larger fails with ErrTooLarge.
func (r *Retriever) readLimited(reader io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(reader, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	if int64(len(data)) > r.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, name, r.cfg.MaxBytes)
	}

	return data, nil
}

// get issues a retried GET and returns the response of a 200 OK answer.
func (r *Retriever) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidReference, rawURL, err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()

		r.logger.Error("HTTP error encountered while downloading document",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))

		return nil, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, rawURL, resp.StatusCode)
	}

	return resp, nil
}

// download streams an HTTP document into the temporary directory and reads it back.
// The downloaded file never outlives the call.
func (r *Retriever) download(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := r.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	dir, cleanup, err := r.tempDir()
	if err != nil {
		return nil, err
	}

	defer cleanup()

	f, err := os.CreateTemp(dir, downloadPattern)
	if err != nil {
		return nil, fmt.Errorf("directory %s is not writable: %w", dir, err)
	}

	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	written, err := io.Copy(f, io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}

	if written > r.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, rawURL, r.cfg.MaxBytes)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind download of %s: %w", rawURL, err)
	}

	r.logger.Debug("Downloaded document",
		slog.String("url", rawURL),
		slog.Int64("bytes", written))

	return r.readLimited(f, rawURL)
}

// tempDir returns the directory for downloads and a cleanup func. A configured
// directory is left in place; a process-owned one is removed.
func (r *Retriever) tempDir() (string, func(), error) {
	if r.cfg.TempDir != "" {
		info, err := os.Stat(r.cfg.TempDir)
		if err != nil || !info.IsDir() {
			return "", nil, fmt.Errorf("directory does not exist or is not writable: %s", r.cfg.TempDir)
		}

		return r.cfg.TempDir, func() {}, nil
	}

	dir, err := os.MkdirTemp("", "cohortbase-retrieval-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}

	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("Failed to remove temporary directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
		}
	}, nil
}

// fetchS3 reads s3://bucket/key.
func (r *Retriever) fetchS3(ctx context.Context, u *url.URL) ([]byte, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: %s needs a bucket and a key", ErrInvalidReference, u.String())
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", u.String(), err)
	}

	defer func() {
		_ = out.Body.Close()
	}()

	if out.ContentLength != nil && *out.ContentLength > r.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, u.String(), *out.ContentLength)
	}

	return r.readLimited(out.Body, u.String())
}
