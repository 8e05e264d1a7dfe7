// Package canonicalization provides deterministic keys for entity reuse.
//
// Natural keys let the ingestion graph decide reuse-existing vs. create-new for
// entities that carry no stable identifier of their own (genes, diseases,
// procedures, variants). Two values produce the same key if and only if they are
// structurally equal once encoded as canonical JSON.
//
// This package provides pure utility functions that operate on plain values
// rather than domain types, so both storage backends derive identical keys.
//
// Key functions:
//   - NaturalKey: SHA256 over the canonical JSON of a kind and its key fields
//   - GenerateResourceID: Resource identifier derived from namespace prefix and version
package canonicalization

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxResourceIDLength is the maximum length for derived resource IDs.
// Must match database schema: resources.id VARCHAR(255).
const MaxResourceIDLength = 255

// Sentinel errors for canonicalization operations.
var (
	// ErrEmptyKind is returned when a natural key is requested without an entity kind.
	ErrEmptyKind = errors.New("natural key kind cannot be empty")

	// ErrUnencodable is returned when key fields cannot be encoded as JSON.
	ErrUnencodable = errors.New("natural key fields are not JSON encodable")

	// ErrEmptyNamespacePrefix is returned when a resource has no namespace prefix.
	ErrEmptyNamespacePrefix = errors.New("resource namespace prefix cannot be empty")

	// ErrResourceIDTooLong is returned when a derived resource ID exceeds MaxResourceIDLength.
	ErrResourceIDTooLong = errors.New("resource ID too long")
)

// NaturalKey generates the reuse key for a deduplicated entity.
//
// Formula: SHA256(canonicalJSON([kind, field1, field2, ...]))
//
// Parameters:
//   - kind: Entity kind (e.g., "gene", "disease"); keeps equal payloads of different kinds apart
//   - fields: Key fields in a fixed order; any JSON-encodable value, including json.RawMessage
//
// Canonical form:
//   - Object keys sorted lexicographically
//   - Insignificant whitespace removed
//   - Numbers preserved as written (no float rounding)
//
// Examples:
//   - NaturalKey("gene", "HGNC:347", []string{}, "ETF1") → same key on every call
//   - NaturalKey("gene", json.RawMessage(`{"b":1,"a":2}`)) == NaturalKey("gene", json.RawMessage(`{"a":2, "b":1}`))
//
// Returns: 64-character lowercase hex string (SHA256 output).
func NaturalKey(kind string, fields ...any) (string, error) {
	if strings.TrimSpace(kind) == "" {
		return "", ErrEmptyKind
	}

	values := make([]any, 0, len(fields)+1)
	values = append(values, kind)
	values = append(values, fields...)

	canonical, err := Canonicalize(values)
	if err != nil {
		return "", err
	}

	return hashSHA256(canonical), nil
}

// Canonicalize encodes v as canonical JSON.
//
// The value is marshaled, decoded back into generic form with json.Number, and
// marshaled again; encoding/json writes map keys in sorted order.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnencodable, err)
	}

	return canonical, nil
}

// GenerateResourceID derives the identifier of an ontology resource.
//
// Formula: "{namespacePrefix}:{version}", or "{namespacePrefix}" when version is empty.
// Surrounding whitespace is trimmed from both parts.
//
// Examples:
//   - GenerateResourceID("HP", "2019-04-15") → "HP:2019-04-15"
//   - GenerateResourceID(" NCBITaxon ", "") → "NCBITaxon"
//   - GenerateResourceID("", "1.0") → ErrEmptyNamespacePrefix
//
// IDs longer than MaxResourceIDLength are rejected rather than cut, since two resources
// sharing a long prefix would otherwise collide.
func GenerateResourceID(namespacePrefix, version string) (string, error) {
	prefix := strings.TrimSpace(namespacePrefix)
	if prefix == "" {
		return "", ErrEmptyNamespacePrefix
	}

	id := prefix
	if v := strings.TrimSpace(version); v != "" {
		id = prefix + ":" + v
	}

	if len(id) > MaxResourceIDLength {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrResourceIDTooLong, len(id), MaxResourceIDLength)
	}

	return id, nil
}

// hashSHA256 computes the SHA256 hash of the input bytes.
//
// Returns: 64-character lowercase hex string (SHA256 output).
func hashSHA256(input []byte) string {
	hash := sha256.Sum256(input)

	return hex.EncodeToString(hash[:])
}
