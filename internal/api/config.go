// Package api provides the HTTP API server for cohortbase ingestion.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

const (
	defaultPort           int    = 8080
	maxPort               int    = 65535
	defaultHost           string = "0.0.0.0"
	defaultCORSMaxAge     int    = 86400
	defaultTimeout               = 30 * time.Second
	defaultIngestTimeout         = 5 * time.Minute
	defaultLogLevel              = slog.LevelInfo
	defaultMaxRequestSize int64  = 1048576 // 1 MiB
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidIngestTimeout indicates the per-request ingestion timeout is zero or negative.
	ErrInvalidIngestTimeout = errors.New("ingest timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds HTTP server configuration.
	// Pure configuration only - no runtime dependencies.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		IngestTimeout      time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int

		// Version is reported by /health. Set by main from build information.
		Version string
	}

	// CORSConfig holds CORS configuration options.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables with sensible defaults.
//
// Ingestion of large documents can outlast the default write timeout; raise
// COHORTBASE_WRITE_TIMEOUT together with COHORTBASE_INGEST_TIMEOUT.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("COHORTBASE_PORT", defaultPort),
		Host:            config.GetEnvStr("COHORTBASE_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("COHORTBASE_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("COHORTBASE_WRITE_TIMEOUT", defaultIngestTimeout),
		ShutdownTimeout: config.GetEnvDuration("COHORTBASE_SHUTDOWN_TIMEOUT", defaultTimeout),
		IngestTimeout:   config.GetEnvDuration("COHORTBASE_INGEST_TIMEOUT", defaultIngestTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("COHORTBASE_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("COHORTBASE_CORS_ALLOWED_ORIGINS", "*"),
		), // "*" is the development default; restrict in production
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("COHORTBASE_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("COHORTBASE_CORS_ALLOWED_HEADERS", "Content-Type,X-Correlation-ID,X-Client-ID"),
		),
		CORSMaxAge: config.GetEnvInt("COHORTBASE_CORS_MAX_AGE", defaultCORSMaxAge),
		Version:    "dev",
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig CORS fields to a middleware.CORSConfig.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.IngestTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidIngestTimeout, c.IngestTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
