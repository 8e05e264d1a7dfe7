package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cohortbase-io/cohortbase/internal/api/middleware"
)

const contentTypeProblemJSON = "application/problem+json"

// ProblemDetail represents an RFC 7807 Problem Details structure.
// See https://tools.ietf.org/html/rfc7807 for specification.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   middleware.ProblemTypeURL(status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)
	}
}

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, detail)
}

// Conflict creates a 409 Conflict problem.
func Conflict(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusConflict, detail)
}

// PayloadTooLarge creates a 413 Payload Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusRequestEntityTooLarge, detail)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnsupportedMediaType, detail)
}

// ServiceUnavailable creates a 503 Service Unavailable problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, detail)
}
