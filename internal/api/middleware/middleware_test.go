package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCORSConfig struct {
	origins []string
}

func (c testCORSConfig) GetAllowedOrigins() []string { return c.origins }
func (c testCORSConfig) GetAllowedMethods() []string { return []string{"GET", "POST"} }
func (c testCORSConfig) GetAllowedHeaders() []string { return []string{"Content-Type"} }
func (c testCORSConfig) GetMaxAge() int              { return 600 }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestCorrelationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		_, err := uuid.Parse(seen)
		require.NoError(t, err, "generated correlation id should be a UUID")
		assert.Equal(t, seen, rec.Header().Get(CorrelationIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, "pipeline-run-42")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "pipeline-run-42", seen)
		assert.Equal(t, "pipeline-run-42", rec.Header().Get(CorrelationIDHeader))
	})

	t.Run("rejected", func(t *testing.T) {
		for _, bad := range []string{"has space", strings.Repeat("x", 200)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(CorrelationIDHeader, bad)

			handler.ServeHTTP(httptest.NewRecorder(), req)

			assert.NotEqual(t, bad, seen)
		}
	})

	assert.Equal(t, "unknown", GetCorrelationID(t.Context()))
}

func TestRecovery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := Apply(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("adapter exploded")
	}), WithCorrelationID(), WithRecovery(logger))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", nil)
	req.Header.Set(CorrelationIDHeader, "corr-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "corr-1", problem["correlationId"])
	assert.Equal(t, "/api/v1/ingest", problem["instance"])
	assert.NotContains(t, rec.Body.String(), "adapter exploded")

	assert.Contains(t, logs.String(), "adapter exploded")
	assert.Contains(t, logs.String(), "stack_trace")
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := Recovery(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestCORS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		origins    []string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{name: "wildcard", origins: []string{"*"}, origin: "https://a.test", method: http.MethodGet, wantOrigin: "*", wantStatus: http.StatusOK},
		{name: "listed origin", origins: []string{"https://a.test", "https://b.test"}, origin: "https://b.test", method: http.MethodGet, wantOrigin: "https://b.test", wantStatus: http.StatusOK},
		{name: "unlisted origin", origins: []string{"https://a.test"}, origin: "https://evil.test", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight", origins: []string{"*"}, origin: "https://a.test", method: http.MethodOptions, wantOrigin: "*", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/ingest", nil)
			req.Header.Set("Origin", tt.origin)

			rec := httptest.NewRecorder()
			CORS(testCORSConfig{origins: tt.origins})(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
			assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
			assert.Equal(t, CorrelationIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
		})
	}
}

func TestRequestLogger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
		}

		_, _ = w.Write([]byte("body"))
	}), WithCorrelationID(), WithRequestLogger(logger))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	require.Len(t, lines, 2)

	var ok, failed map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &failed))

	assert.Equal(t, "INFO", ok["level"])
	assert.InDelta(t, 200, ok["status_code"], 0)
	assert.InDelta(t, 4, ok["bytes"], 0)
	assert.NotEmpty(t, ok["correlation_id"])

	assert.Equal(t, "WARN", failed["level"])
	assert.InDelta(t, 502, failed["status_code"], 0)
}
