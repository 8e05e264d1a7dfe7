package storage

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

const (
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 10 * time.Minute
	defaultLockTimeout      = 5 * time.Second
	defaultStatementTimeout = 30 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when DATABASE_URL is unset or blank.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidPoolSize is returned when a connection pool limit is negative or idle exceeds open.
	ErrInvalidPoolSize = errors.New("invalid database pool size")

	// ErrInvalidTimeout is returned when a lock or statement timeout is negative.
	ErrInvalidTimeout = errors.New("invalid database timeout")
)

// keywordPassword matches the password setting of a key=value connection string.
var keywordPassword = regexp.MustCompile(`(password\s*=\s*)('(?:[^'\\]|\\.)*'|\S+)`)

// Config holds the PostgreSQL pool settings and the per-transaction timeouts applied to
// every ingestion unit of work. A zero timeout leaves the server default in place.
type Config struct {
	databaseURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// LockTimeout bounds how long a unit of work waits on a row lock held by a concurrent
	// ingestion of the same shared entity.
	LockTimeout time.Duration

	// StatementTimeout bounds each statement of a unit of work.
	StatementTimeout time.Duration
}

// LoadConfig reads the DATABASE_* environment.
func LoadConfig() *Config {
	return &Config{
		databaseURL:      config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:     config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:     config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:  config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:  config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		LockTimeout:      config.GetEnvDuration("DATABASE_LOCK_TIMEOUT", defaultLockTimeout),
		StatementTimeout: config.GetEnvDuration("DATABASE_STATEMENT_TIMEOUT", defaultStatementTimeout),
	}
}

// Validate checks the URL, pool limits and timeouts.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("%w: open=%d idle=%d", ErrInvalidPoolSize, c.MaxOpenConns, c.MaxIdleConns)
	}

	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: idle %d exceeds open %d", ErrInvalidPoolSize, c.MaxIdleConns, c.MaxOpenConns)
	}

	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: lock timeout %v", ErrInvalidTimeout, c.LockTimeout)
	}

	if c.StatementTimeout < 0 {
		return fmt.Errorf("%w: statement timeout %v", ErrInvalidTimeout, c.StatementTimeout)
	}

	return nil
}

// transactionSettings returns the SET LOCAL statements run at the start of each unit of
// work. PostgreSQL does not accept bind parameters in SET, so values are whole milliseconds
// formatted from durations and never from input.
func (c *Config) transactionSettings() []string {
	if c == nil {
		return nil
	}

	var settings []string

	if ms := c.LockTimeout.Milliseconds(); ms > 0 {
		settings = append(settings, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms))
	}

	if ms := c.StatementTimeout.Milliseconds(); ms > 0 {
		settings = append(settings, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", ms))
	}

	return settings
}

// MaskDatabaseURL hides the password of a postgres:// URL or a key=value connection string.
func (c *Config) MaskDatabaseURL() string {
	dsn := c.databaseURL

	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return keywordPassword.ReplaceAllString(dsn, "${1}***")
	}

	// The password may itself contain '@', so the host starts after the last one.
	at := strings.LastIndex(rest, "@")
	if at == -1 {
		return dsn
	}

	user, password, ok := strings.Cut(rest[:at], ":")
	if !ok || password == "" {
		return dsn
	}

	return scheme + "://" + user + ":***" + rest[at:]
}
