package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cohortbase-io/cohortbase/internal/api/middleware"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

// handleCreateDataset registers a dataset. 201 with the stored dataset, 400 when
// invalid, 409 when the ID is taken.
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req DatasetRequest
	if !s.decodeTarget(w, r, &req) {
		return
	}

	dataset := &ingestion.Dataset{ID: req.ID, Title: req.Title}
	if err := s.service.RegisterDataset(r.Context(), dataset); err != nil {
		s.writeTargetError(w, r, err)

		return
	}

	w.Header().Set("Location", "/api/v1/datasets/"+dataset.ID)
	s.writeJSON(w, r, http.StatusCreated, dataset)
}

// handleCreateTable registers an ingestion target under a dataset. 201 with the stored
// table, 400 when invalid, 404 when the dataset does not exist, 409 when the ID is taken.
func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req TableRequest
	if !s.decodeTarget(w, r, &req) {
		return
	}

	table := &ingestion.Table{
		ID:        req.ID,
		Name:      req.Name,
		DataType:  req.DataType,
		DatasetID: r.PathValue("dataset_id"),
	}

	if err := s.service.RegisterTable(r.Context(), table); err != nil {
		s.writeTargetError(w, r, err)

		return
	}

	w.Header().Set("Location", "/api/v1/datasets/"+table.DatasetID+"/tables/"+table.ID)
	s.writeJSON(w, r, http.StatusCreated, table)
}

// decodeTarget reads a registration body into into. It writes the error response and
// returns false on failure.
func (s *Server) decodeTarget(w http.ResponseWriter, r *http.Request, into any) bool {
	data, problem := s.readJSONBody(w, r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return false
	}

	if err := json.Unmarshal(data, into); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return false
	}

	return true
}

func (s *Server) writeTargetError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingestion.ErrMalformedInput):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	case errors.Is(err, ingestion.ErrConflict):
		WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
	case errors.Is(err, ingestion.ErrNotFound):
		WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))
	default:
		s.logger.Error("Failed to register ingestion target",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to register ingestion target"))
	}
}
