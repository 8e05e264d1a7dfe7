// Package middleware provides HTTP middleware components for the cohortbase API.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// CorrelationIDHeader carries the request correlation ID in both directions.
	CorrelationIDHeader = "X-Correlation-ID"

	maxCorrelationIDLength = 128
)

// correlationIDKey is the context key for correlation ID.
type correlationIDKey struct{}

// CorrelationID creates a middleware that adds a correlation ID to each request.
// A caller-supplied X-Correlation-ID is kept when it is printable and short; otherwise
// a new UUID is generated.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := strings.TrimSpace(r.Header.Get(CorrelationIDHeader))
			if !validCorrelationID(correlationID) {
				correlationID = uuid.NewString()
			}

			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(WithCorrelationIDContext(r.Context(), correlationID)))
		})
	}
}

// WithCorrelationIDContext returns a copy of ctx carrying correlationID.
func WithCorrelationIDContext(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}

	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}

	return true
}
