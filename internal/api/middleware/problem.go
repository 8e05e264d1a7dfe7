package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const contentTypeProblemJSON = "application/problem+json"

// ProblemTypeURL returns the RFC 7807 problem type URI for an HTTP status.
func ProblemTypeURL(statusCode int) string {
	return fmt.Sprintf("https://cohortbase.io/problems/%d", statusCode)
}

// writeRFC7807Error writes an RFC 7807 compliant error response without importing the api package.
func writeRFC7807Error(w http.ResponseWriter, r *http.Request, statusCode int, detail, correlationID string) error {
	problem := map[string]any{
		"type":          ProblemTypeURL(statusCode),
		"title":         http.StatusText(statusCode),
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
