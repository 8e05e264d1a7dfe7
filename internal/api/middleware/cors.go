package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSConfig is implemented by api.CORSConfig. Declared here so the api package can
// depend on middleware and not the other way around.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetMaxAge() int
}

// CORS creates a middleware that handles Cross-Origin Resource Sharing (CORS).
// Preflight requests are answered with 204 and never reach the next handler.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setCORSOriginHeader(w, r, config.GetAllowedOrigins())
			setCORSListHeader(w, "Access-Control-Allow-Methods", config.GetAllowedMethods())
			setCORSListHeader(w, "Access-Control-Allow-Headers", config.GetAllowedHeaders())
			w.Header().Set("Access-Control-Expose-Headers", CorrelationIDHeader)

			if maxAge := config.GetMaxAge(); maxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// setCORSOriginHeader sets the Access-Control-Allow-Origin header based on allowed origins.
func setCORSOriginHeader(w http.ResponseWriter, r *http.Request, allowedOrigins []string) {
	if len(allowedOrigins) == 0 {
		return
	}

	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		return
	}

	// The answer depends on the request origin, so caches must key on it.
	w.Header().Add("Vary", "Origin")

	if origin := r.Header.Get("Origin"); origin != "" && slices.Contains(allowedOrigins, origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}

func setCORSListHeader(w http.ResponseWriter, header string, values []string) {
	if len(values) > 0 {
		w.Header().Set(header, strings.Join(values, ", "))
	}
}
