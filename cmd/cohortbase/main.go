// Package main provides the cohortbase ingestion API service.
//
// The service accepts ingest requests over HTTP, validates and normalizes clinical and
// genomic JSON documents, and persists the resulting entity graph to PostgreSQL.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/cohortbase-io/cohortbase/internal/api"
	"github.com/cohortbase-io/cohortbase/internal/api/middleware"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
	"github.com/cohortbase-io/cohortbase/internal/metrics"
	"github.com/cohortbase-io/cohortbase/internal/retrieval"
	"github.com/cohortbase-io/cohortbase/internal/schema"
	"github.com/cohortbase-io/cohortbase/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "cohortbase"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()
	serverConfig.Version = version

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting cohortbase service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.Duration("ingest_timeout", serverConfig.IngestTimeout),
		slog.Int64("max_request_size", serverConfig.MaxRequestSize),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Graceful shutdown of the limiter is handled by server.shutdown()
	var rateLimiter middleware.RateLimiter

	middlewareConfig := middleware.LoadConfig()
	if middlewareConfig.Enabled {
		rateLimiter = middleware.NewInMemoryRateLimiter(middlewareConfig)

		logger.Info("Rate limiter initialized",
			slog.Int("global_rps", middlewareConfig.GlobalRPS),
			slog.Int("global_burst", middlewareConfig.GlobalBurst),
			slog.Int("client_rps", middlewareConfig.ClientRPS),
			slog.Int("client_burst", middlewareConfig.ClientBurst),
			slog.Int("max_clients", middlewareConfig.MaxClients),
		)
	} else {
		logger.Warn("Rate limiting disabled",
			slog.String("note", "Set COHORTBASE_RATE_LIMIT_ENABLED=true to enable per-client rate limits"),
		)
	}

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	store, err := storage.NewPostgresStore(dbConn, storage.WithStoreLogger(logger))
	if err != nil {
		logger.Error("Failed to create ingestion store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Ingestion store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
		slog.Duration("database_lock_timeout", storageConfig.LockTimeout),
		slog.Duration("database_statement_timeout", storageConfig.StatementTimeout),
	)

	recorder := metrics.NewRecorder()

	service, err := newIngestionService(logger, store, recorder)
	if err != nil {
		logger.Error("Failed to create ingestion service", slog.String("error", err.Error()))

		_ = dbConn.Close()

		os.Exit(1)
	}

	server := api.NewServer(serverConfig, service, rateLimiter, recorder.Handler())

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)

		_ = dbConn.Close()

		os.Exit(1)
	}

	logger.Info("cohortbase service stopped")
}

// newIngestionService assembles the validator, deprecation table and retriever around store.
func newIngestionService(logger *slog.Logger, store ingestion.Store, recorder *metrics.Recorder) (*ingestion.Service, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}

	retrievalConfig := retrieval.LoadConfig()

	retriever, err := retrieval.New(context.Background(), retrievalConfig, retrieval.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	logger.Info("Document retrieval configured",
		slog.Duration("timeout", retrievalConfig.Timeout),
		slog.Int64("max_bytes", retrievalConfig.MaxBytes),
		slog.Int("retries", retrievalConfig.Retries),
		slog.String("drs_url", retrievalConfig.DRSURL),
		slog.String("s3_region", retrievalConfig.S3Region),
	)

	service, err := ingestion.NewService(store,
		ingestion.Config{
			Validator: validator,
			Changes:   schema.LoadChangesFromEnv(),
		},
		ingestion.WithLogger(logger),
		ingestion.WithRetriever(retriever),
		ingestion.WithMetrics(recorder),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("Ingestion service ready", slog.Any("workflows", service.Workflows()))

	return service, nil
}
