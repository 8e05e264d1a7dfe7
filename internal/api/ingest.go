package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cohortbase-io/cohortbase/internal/api/middleware"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

// handleIngest runs one ingestion call. The body is an ingest request:
//
//	{"table_id": "...", "workflow_id": "phenopackets_json",
//	 "workflow_outputs": {"json_document": "drs://host/object-id"}}
//
// The response body is always the outcome document. Failures use
// application/problem+json and carry the RFC 7807 type and title members.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	data, problem := s.readJSONBody(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), s.config.IngestTimeout)
	defer cancel()

	outcome := s.service.IngestRequest(ctx, data, correlationID)
	status := outcomeStatusCode(outcome)

	response := IngestResponse{Outcome: outcome, CorrelationID: correlationID}
	contentType := "application/json"

	if !outcome.Success {
		response.Type = middleware.ProblemTypeURL(status)
		response.Title = http.StatusText(status)
		response.Instance = r.URL.Path
		contentType = contentTypeProblemJSON
	}

	s.writeEncoded(w, r, status, contentType, response)
}

// outcomeStatusCode maps an outcome to its HTTP status:
//
//	success                       200
//	schema validation failure     422
//	malformed input               400
//	referential (already exists)  409
//	referential (missing)         404
//	retrieval                     502
//	storage                       500
func outcomeStatusCode(outcome ingestion.Outcome) int {
	if outcome.Success {
		return http.StatusOK
	}

	switch outcome.ErrorKind {
	case ingestion.KindSchemaValidation:
		return http.StatusUnprocessableEntity
	case ingestion.KindMalformedInput:
		return http.StatusBadRequest
	case ingestion.KindReferential:
		if errors.Is(outcome.Err(), ingestion.ErrAlreadyExists) {
			return http.StatusConflict
		}

		return http.StatusNotFound
	case ingestion.KindRetrieval:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSONBody enforces the JSON content type and the request size limit.
func (s *Server) readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, *ProblemDetail) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, UnsupportedMediaType("Content-Type must be application/json")
	}

	// Fail fast for known oversized requests; unknown sizes are caught while reading.
	if r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, PayloadTooLarge(
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
			)
		}

		s.logger.Warn("Failed to read request body",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		return nil, BadRequest("Failed to read request body")
	}

	return data, nil
}
