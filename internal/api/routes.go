package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceName        = "cohortbase"
)

// publicPaths bypass rate limiting: probes and scrapes must work under load.
var publicPaths = []string{"/ping", "/ready", "/health", "/metrics"} //nolint:gochecknoglobals

// setupRoutes registers all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	routes := []Route{
		{"GET /ping", s.handlePing},     // K8s liveness probe
		{"GET /ready", s.handleReady},   // K8s readiness probe, checks storage
		{"GET /health", s.handleHealth}, // status, uptime, version, workflows
		{"/", s.handleNotFound},         // Catch-all handler for 404 responses

		{"POST /api/v1/ingest", s.handleIngest},
		{"POST /api/v1/datasets", s.handleCreateDataset},
		{"POST /api/v1/datasets/{dataset_id}/tables", s.handleCreateTable},
		{"GET /api/v1/workflows", s.handleWorkflows},
	}

	for _, route := range routes {
		mux.HandleFunc(route.Pattern, route.Handler)
	}

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeText(w, r, http.StatusOK, "pong")
}

// handleReady responds to Kubernetes readiness probes with a storage health check.
//
// Response codes:
//   - 200 OK: storage is reachable
//   - 503 Service Unavailable: storage is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.service.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		s.writeText(w, r, http.StatusServiceUnavailable, "storage unavailable")

		return
	}

	s.writeText(w, r, http.StatusOK, "ready")
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     s.config.Version,
		Uptime:      uptime,
		Workflows:   s.service.Workflows(),
	})
}

// handleWorkflows lists the registered workflow IDs.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, WorkflowList{Workflows: s.service.Workflows()})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

func (s *Server) writeText(w http.ResponseWriter, r *http.Request, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Cohortbase-Version", s.config.Version)
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// writeJSON marshals body before writing headers so an encoding failure can still
// become a 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	s.writeEncoded(w, r, status, "application/json", body)
}

func (s *Server) writeEncoded(w http.ResponseWriter, r *http.Request, status int, contentType string, body any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Cohortbase-Version", s.config.Version)
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
