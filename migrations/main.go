// Package main is the cohortbase schema migration tool. The SQL migrations are embedded
// in the binary, so it needs nothing but DATABASE_URL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

// Set at build time with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const (
	name           = "migrator"
	connectTimeout = 30 * time.Second
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Do not ask for confirmation before drop")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (commit %s, built %s)\n", name, Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	runner, err := NewMigrationRunner(ctx, cfg, WithRunnerLogger(logger))

	cancel()

	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	confirm := func() bool {
		return *assumeYes || askConfirmation(os.Stdin, os.Stdout)
	}

	err = executeCommand(flag.Arg(0), runner, confirm, os.Stdout)

	_ = runner.Close()

	if err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand runs one migrator command. Drop runs only when confirm returns true.
func executeCommand(command string, runner MigrationRunner, confirm func() bool, out io.Writer) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status", "version":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintf(out, "Migration status: %s\n", status)

		return nil
	case "drop":
		if !confirm() {
			_, _ = fmt.Fprintln(out, "Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func askConfirmation(in io.Reader, out io.Writer) bool {
	_, _ = fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	response, _ := bufio.NewReader(in).ReadString('\n')

	return strings.EqualFold(strings.TrimSpace(response), "y")
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - cohortbase schema migrations

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Show applied and available schema versions
    version  Alias for status
    drop     Drop all tables (asks for confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --yes      Skip the drop confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL            PostgreSQL connection string (required)
    MIGRATION_TABLE         Migration tracking table (default: schema_migrations)
    MIGRATION_LOCK_TIMEOUT  Wait for the migration lock (default: 15s)
    LOG_LEVEL               debug, info, warn or error (default: info)
`, name, Version, name)
}
