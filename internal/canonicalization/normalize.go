package canonicalization

import (
	"strings"
)

// ReferenceID extracts the identifier from a FHIR-style reference.
//
// Rules:
//   - "Patient/p-1" → "p-1"
//   - "https://fhir.example.org/Patient/p-1" → "p-1"
//   - "Patient/p-1/_history/2" → "p-1"
//   - "urn:uuid:0c3151bd" → "0c3151bd"
//   - "p-1" → "p-1" (bare identifiers pass through)
//
// Returns an empty string for blank references.
func ReferenceID(reference string) string {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return ""
	}

	if strings.HasPrefix(ref, "urn:uuid:") || strings.HasPrefix(ref, "urn:oid:") {
		return ref[strings.LastIndex(ref, ":")+1:]
	}

	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}

	ref = strings.TrimSuffix(ref, "/")

	return ref[strings.LastIndex(ref, "/")+1:]
}

// CodeID formats a coded value as "system:code".
//
// The system is reduced to its last path segment when it is a URL, so
// "http://snomed.info/sct" with code "363346000" becomes "sct:363346000".
// An empty system yields the bare code.
func CodeID(system, code string) string {
	code = strings.TrimSpace(code)
	system = strings.TrimSuffix(strings.TrimSpace(system), "/")

	if system == "" {
		return code
	}

	if strings.Contains(system, "://") {
		system = system[strings.LastIndex(system, "/")+1:]
	}

	return system + ":" + code
}
