package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics in downstream handlers and
// answers with a 500 problem detail.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}

				// http.ErrAbortHandler is the documented way to abort a response.
				if recovered == http.ErrAbortHandler { //nolint:errorlint // sentinel panic value
					panic(recovered)
				}

				correlationID := GetCorrelationID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
					slog.Any("panic", recovered),
					slog.String("stack_trace", string(debug.Stack())),
				)

				detail := "An unexpected error occurred while processing the request"
				if err := writeRFC7807Error(w, r, http.StatusInternalServerError, detail, correlationID); err != nil {
					logger.Error("Failed to encode error response",
						slog.Any("error", err),
						slog.String("correlation_id", correlationID),
					)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
