package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cohortbase-io/cohortbase/internal/config"
)

type (
	// MigrationRunner runs migration commands against one database.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() (*SchemaStatus, error)
		Drop() error
		Close() error
	}

	// SchemaStatus compares the database schema version with the migrations in the binary.
	SchemaStatus struct {
		Current   int
		Available int
		Dirty     bool
	}

	// Runner implements MigrationRunner using golang-migrate over the embedded SQL files.
	Runner struct {
		migrate    *migrate.Migrate
		db         *sql.DB
		migrations *MigrationSet
		logger     *slog.Logger
	}

	// RunnerOption configures optional Runner behavior.
	RunnerOption func(*Runner)

	// migrateLogger forwards golang-migrate output to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// WithMigrationSet replaces the embedded migrations.
func WithMigrationSet(set *MigrationSet) RunnerOption {
	return func(r *Runner) {
		r.migrations = set
	}
}

// WithRunnerLogger replaces the default JSON stdout logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewMigrationRunner validates the migrations, connects to the database and prepares
// golang-migrate with an iofs source.
func NewMigrationRunner(ctx context.Context, cfg *Config, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		migrations: NewMigrationSet(nil),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger.Info("Initializing migration runner", slog.String("config", cfg.String()))

	if err := r.migrations.Validate(); err != nil {
		return nil, fmt.Errorf("migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(r.migrations.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: r.logger}
	m.LockTimeout = cfg.LockTimeout

	r.migrate = m
	r.db = db

	return r, nil
}

// Up applies all pending migrations. Nothing to apply is not an error.
func (r *Runner) Up() error {
	if err := r.migrations.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.migrations.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, os.ErrNotExist) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// Status reports the applied version against the migrations in the binary.
func (r *Runner) Status() (*SchemaStatus, error) {
	status := &SchemaStatus{Available: r.migrations.MaxSequence()}

	version, dirty, err := r.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("failed to get migration version: %w", err)
	}

	if err == nil {
		status.Current = int(version) //nolint:gosec // migration sequences are three digits
		status.Dirty = dirty
	}

	return status, nil
}

// Drop removes every table in the database.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Warn("All tables dropped")

	return nil
}

// Close releases the migration source and database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Pending returns how many migrations the database is behind.
func (s *SchemaStatus) Pending() int {
	if s.Current >= s.Available {
		return 0
	}

	return s.Available - s.Current
}

// String summarizes the status for operators.
func (s *SchemaStatus) String() string {
	state := "clean"
	if s.Dirty {
		state = "dirty (needs manual intervention)"
	}

	switch {
	case s.Current == 0 && s.Available > 0:
		return fmt.Sprintf("no migrations applied; %d available", s.Available)
	case s.Current > s.Available:
		return fmt.Sprintf("database schema v%03d is newer than this migrator (v%03d)", s.Current, s.Available)
	case s.Pending() > 0:
		return fmt.Sprintf("schema v%03d (%s); %d migration(s) pending", s.Current, state, s.Pending())
	default:
		return fmt.Sprintf("schema v%03d (%s); up to date", s.Current, state)
	}
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
