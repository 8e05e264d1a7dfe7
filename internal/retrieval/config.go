package retrieval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultMaxBytes = 256 << 20 // 256 MiB
	defaultRetries  = 3
	defaultS3Region = "us-east-1"
)

var (
	// ErrInvalidTimeout is returned when the retrieval timeout is not positive.
	ErrInvalidTimeout = errors.New("retrieval timeout must be positive")

	// ErrInvalidMaxBytes is returned when the document size limit is not positive.
	ErrInvalidMaxBytes = errors.New("retrieval max bytes must be positive")

	// ErrInvalidRetries is returned when the retry count is negative.
	ErrInvalidRetries = errors.New("retrieval retries cannot be negative")
)

// Config holds document retrieval settings.
type Config struct {
	Timeout time.Duration // Per-request timeout for HTTP, DRS and S3 calls

	// TempDir receives downloads. When empty, each download gets its own temporary
	// directory that is removed once the document is read.
	TempDir string

	MaxBytes int64 // Largest document accepted, in bytes
	Retries  int   // Retry attempts for HTTP and DRS downloads

	// DRSURL overrides the DRS service derived from the host of drs:// URIs,
	// e.g. "http://drs.internal/api/drs".
	DRSURL string

	S3Region    string
	S3Endpoint  string // Custom endpoint for S3-compatible stores such as MinIO
	S3PathStyle bool
}

// LoadConfig loads retrieval configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Timeout:     config.GetEnvDuration("COHORTBASE_RETRIEVAL_TIMEOUT", defaultTimeout),
		TempDir:     config.GetEnvStr("COHORTBASE_RETRIEVAL_TEMP_DIR", ""),
		MaxBytes:    config.GetEnvInt64("COHORTBASE_RETRIEVAL_MAX_BYTES", defaultMaxBytes),
		Retries:     config.GetEnvInt("COHORTBASE_RETRIEVAL_RETRIES", defaultRetries),
		DRSURL:      strings.TrimRight(config.GetEnvStr("COHORTBASE_DRS_URL", ""), "/"),
		S3Region:    config.GetEnvStr("COHORTBASE_S3_REGION", defaultS3Region),
		S3Endpoint:  config.GetEnvStr("COHORTBASE_S3_ENDPOINT", ""),
		S3PathStyle: config.GetEnvBool("COHORTBASE_S3_PATH_STYLE", false),
	}
}

// Validate checks if the retrieval configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidTimeout, c.Timeout)
	}

	if c.MaxBytes <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxBytes, c.MaxBytes)
	}

	if c.Retries < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidRetries, c.Retries)
	}

	return nil
}
