package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/api/middleware"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	service     *ingestion.Service
	rateLimiter middleware.RateLimiter
	metrics     http.Handler
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig:
//   - service: ingestion service (required)
//   - rateLimiter: rate limiter implementation (nil disables rate limiting)
//   - metrics: handler served at /metrics (nil disables the endpoint)
func NewServer(
	cfg *ServerConfig,
	service *ingestion.Service,
	rateLimiter middleware.RateLimiter,
	metrics http.Handler,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		service:     service,
		rateLimiter: rateLimiter,
		metrics:     metrics,
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - every response carries one, including 429s and panics
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RateLimit - block requests before expensive operations (probes exempt)
	//   4. RequestLogger - log only requests that got past the limiter
	//   5. CORS - lightweight header manipulation
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRateLimit(rateLimiter, logger, publicPaths...),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting cohortbase API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
			slog.Duration("ingest_timeout", s.config.IngestTimeout),
			slog.Any("workflows", s.service.Workflows()),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server. In-flight ingestions run to completion
// or until the shutdown timeout.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the in-memory limiter's cleanup goroutine
	if limiter, ok := s.rateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
