package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortbase-io/cohortbase/internal/ingestion"
	"github.com/cohortbase-io/cohortbase/internal/schema"
)

func TestRecorder_ObserveIngestion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := NewRecorder()

	success := ingestion.Outcome{
		Success: true,
		Status:  ingestion.StatusSuccess,
		Created: []ingestion.CreatedEntity{
			{Kind: ingestion.KindSubject, ID: "patient:1"},
			{Kind: ingestion.KindPhenotypicFeature, ID: "f1"},
			{Kind: ingestion.KindPhenotypicFeature, ID: "f2"},
		},
	}

	failure := ingestion.Outcome{
		Status:    ingestion.StatusValidationFailed,
		ErrorKind: ingestion.KindSchemaValidation,
		Warnings:  []schema.Warning{{PropertyName: "library_strategy"}},
	}

	r.ObserveIngestion(ingestion.WorkflowPhenopackets, success, 120*time.Millisecond)
	r.ObserveIngestion(ingestion.WorkflowPhenopackets, success, 80*time.Millisecond)
	r.ObserveIngestion(ingestion.WorkflowExperiments, failure, 10*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(
		r.ingestionsTotal.WithLabelValues(ingestion.WorkflowPhenopackets, string(ingestion.StatusSuccess))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		r.ingestionsTotal.WithLabelValues(ingestion.WorkflowExperiments, string(ingestion.StatusValidationFailed))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.warningsTotal.WithLabelValues(ingestion.WorkflowExperiments)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(
		r.failuresTotal.WithLabelValues(ingestion.WorkflowExperiments, string(ingestion.KindSchemaValidation))), 0)

	assert.InDelta(t, 2, testutil.ToFloat64(r.entitiesCreated.WithLabelValues(string(ingestion.KindSubject))), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(
		r.entitiesCreated.WithLabelValues(string(ingestion.KindPhenotypicFeature))), 0)

	assert.Equal(t, 2, testutil.CollectAndCount(r.durationSeconds))
}

func TestRecorder_Handler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	r := NewRecorder()
	r.ObserveIngestion(ingestion.WorkflowFHIR, ingestion.Outcome{Success: true, Status: ingestion.StatusSuccess}, time.Second)

	server := httptest.NewServer(r.Handler())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL) //nolint:noctx
	require.NoError(t, err)

	defer func() {
		_ = resp.Body.Close()
	}()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `cohortbase_ingestions_total{status="success",workflow="fhir_json"} 1`), text)
	assert.Contains(t, text, "cohortbase_ingestion_duration_seconds_bucket")
	assert.Contains(t, text, "go_goroutines")
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first := NewRecorder()
	second := NewRecorder()

	first.ObserveIngestion(ingestion.WorkflowMCode, ingestion.Outcome{Status: ingestion.StatusIngestFailed}, time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(first.ingestionsTotal))
	assert.Equal(t, 0, testutil.CollectAndCount(second.ingestionsTotal))
	assert.NotSame(t, first.Registry(), second.Registry())
}
