package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/cohortbase-io/cohortbase/internal/config"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
	"github.com/cohortbase-io/cohortbase/internal/metrics"
	"github.com/cohortbase-io/cohortbase/internal/schema"
	"github.com/cohortbase-io/cohortbase/internal/storage"
)

// TestServer_PostgresIntegration drives the full HTTP stack against a migrated
// PostgreSQL database.
func TestServer_PostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := storage.NewPostgresStore(&storage.Connection{DB: testDB.Connection},
		storage.WithStoreLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	validator, err := schema.NewValidator()
	require.NoError(t, err)

	recorder := metrics.NewRecorder()

	svc, err := ingestion.NewService(store, ingestion.Config{Validator: validator},
		ingestion.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		ingestion.WithMetrics(recorder))
	require.NoError(t, err)

	server := NewServer(testServerConfig(), svc, nil, recorder.Handler())

	t.Run("Ready", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get(server, "/ready").Code)
	})

	t.Run("Register targets", func(t *testing.T) {
		rec := post(t, server, "/api/v1/datasets", `{"id": "`+testDataset+`", "title": "Integration"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = post(t, server, "/api/v1/datasets/"+testDataset+"/tables",
			`{"id": "`+testTable+`", "name": "phenopackets", "data_type": "phenopacket"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		rec = post(t, server, "/api/v1/datasets/"+testDataset+"/tables",
			`{"id": "`+testTable+`", "name": "again", "data_type": "phenopacket"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = post(t, server, "/api/v1/datasets/missing/tables", `{"name": "t", "data_type": "experiment"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Ingest and reject duplicate", func(t *testing.T) {
		body := ingestBody(testTable, ingestion.WorkflowPhenopackets, minimalPhenopacket)

		rec := post(t, server, "/api/v1/ingest", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		response := decodeIngestResponse(t, rec)
		assert.Contains(t, response.CreatedIDs, "pkt-api-1")

		rec = post(t, server, "/api/v1/ingest", body)
		require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

		var failure map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failure))
		assert.Equal(t, string(ingestion.KindReferential), failure["error_kind"])
		assert.Equal(t, "https://cohortbase.io/problems/409", failure["type"])

		var packets int
		require.NoError(t, testDB.Connection.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM phenopackets WHERE table_id = $1`, testTable).Scan(&packets))
		assert.Equal(t, 1, packets)
	})

	t.Run("Ready reports a closed database", func(t *testing.T) {
		require.NoError(t, testDB.Connection.Close())

		assert.Equal(t, http.StatusServiceUnavailable, get(server, "/ready").Code)
	})
}
