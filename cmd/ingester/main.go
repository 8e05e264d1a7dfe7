// Package main provides the cohortbase Kafka ingester.
//
// The ingester consumes ingest requests from a Kafka topic, runs them through the same
// ingestion service as the HTTP API and optionally publishes each outcome to a second
// topic. Prometheus metrics are served on COHORTBASE_METRICS_ADDR when it is set.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/cohortbase-io/cohortbase/internal/config"
	"github.com/cohortbase-io/cohortbase/internal/consumer"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
	"github.com/cohortbase-io/cohortbase/internal/metrics"
	"github.com/cohortbase-io/cohortbase/internal/retrieval"
	"github.com/cohortbase-io/cohortbase/internal/schema"
	"github.com/cohortbase-io/cohortbase/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingester"
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting cohortbase ingester",
		slog.String("service", name),
		slog.String("version", version),
	)

	if err := run(logger); err != nil {
		logger.Error("Ingester failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("cohortbase ingester stopped")
}

func run(logger *slog.Logger) error {
	kafkaConfig := consumer.LoadConfig()
	if err := kafkaConfig.Validate(); err != nil {
		return err
	}

	logger.Info("Loaded kafka configuration",
		slog.Any("brokers", kafkaConfig.Brokers),
		slog.String("topic", kafkaConfig.Topic),
		slog.String("group_id", kafkaConfig.GroupID),
		slog.String("outcome_topic", kafkaConfig.OutcomeTopic),
		slog.Duration("ingest_timeout", kafkaConfig.IngestTimeout),
		slog.Int("ingest_retries", kafkaConfig.IngestRetries),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return err
	}

	defer func() {
		_ = dbConn.Close()
	}()

	store, err := storage.NewPostgresStore(dbConn, storage.WithStoreLogger(logger))
	if err != nil {
		return err
	}

	logger.Info("Ingestion store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Duration("database_lock_timeout", storageConfig.LockTimeout),
	)

	recorder := metrics.NewRecorder()

	service, err := newIngestionService(logger, store, recorder)
	if err != nil {
		return err
	}

	kafkaConsumer, err := consumer.New(kafkaConfig, service, consumer.WithLogger(logger))
	if err != nil {
		return err
	}

	defer func() {
		if err := kafkaConsumer.Close(); err != nil {
			logger.Error("Failed to close kafka consumer", slog.String("error", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return kafkaConsumer.Run(ctx)
	})

	if addr := config.GetEnvStr("COHORTBASE_METRICS_ADDR", ""); addr != "" {
		metricsServer := newMetricsServer(addr, recorder)

		group.Go(func() error {
			logger.Info("Metrics endpoint listening", slog.String("address", addr))

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		group.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()

			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

func newMetricsServer(addr string, recorder *metrics.Recorder) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", recorder.Handler())
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newIngestionService assembles the validator, deprecation table and retriever around store.
func newIngestionService(logger *slog.Logger, store ingestion.Store, recorder *metrics.Recorder) (*ingestion.Service, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}

	retriever, err := retrieval.New(context.Background(), retrieval.LoadConfig(), retrieval.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return ingestion.NewService(store,
		ingestion.Config{
			Validator: validator,
			Changes:   schema.LoadChangesFromEnv(),
		},
		ingestion.WithLogger(logger),
		ingestion.WithRetriever(retriever),
		ingestion.WithMetrics(recorder),
	)
}
