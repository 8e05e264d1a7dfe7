package api

import (
	"net/http"

	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string   `json:"status"`
		ServiceName string   `json:"serviceName"`
		Version     string   `json:"version"`
		Uptime      string   `json:"uptime,omitempty"`
		Workflows   []string `json:"workflows"`
	}

	// IngestResponse is the body of POST /api/v1/ingest: the outcome document, plus the
	// RFC 7807 type, title and instance members when the call failed.
	IngestResponse struct {
		ingestion.Outcome

		Type          string `json:"type,omitempty"`
		Title         string `json:"title,omitempty"`
		Instance      string `json:"instance,omitempty"`
		CorrelationID string `json:"correlationId"`
	}

	// DatasetRequest is the body of POST /api/v1/datasets.
	DatasetRequest struct {
		ID    string `json:"id,omitempty"`
		Title string `json:"title"`
	}

	// TableRequest is the body of POST /api/v1/datasets/{dataset_id}/tables.
	TableRequest struct {
		ID       string             `json:"id,omitempty"`
		Name     string             `json:"name"`
		DataType ingestion.DataType `json:"data_type"` //nolint:tagliatelle
	}

	// WorkflowList is the body of GET /api/v1/workflows.
	WorkflowList struct {
		Workflows []string `json:"workflows"`
	}

	// Route represents an HTTP route configuration with a pattern and handler.
	Route struct {
		Pattern string           // Go 1.22+ mux pattern, e.g. "GET /ping"
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)
