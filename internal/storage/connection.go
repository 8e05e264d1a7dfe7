package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	pingTimeout        = 5 * time.Second
	healthCheckTimeout = 2 * time.Second
)

var (
	// ErrNoDatabaseConnection is returned when a store is created without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")

	// ErrDatabaseUnavailable is returned by HealthCheck when the database cannot be reached.
	ErrDatabaseUnavailable = errors.New("database unavailable")
)

// Connection wraps a pooled PostgreSQL handle configured from Config.
type Connection struct {
	*sql.DB

	config *Config
}

// NewConnection opens a connection pool and verifies it with a ping.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.MaskDatabaseURL(), err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return &Connection{DB: db, config: cfg}, nil
}

// HealthCheck pings the database with a short timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	}

	return nil
}

// Close closes the connection pool.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}
