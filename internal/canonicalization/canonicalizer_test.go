package canonicalization

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ==============================================================================
// Unit Tests: Natural Key Generation
// ==============================================================================

func TestNaturalKey_Format(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key, err := NaturalKey("gene", "HGNC:347", []string{"ensembl:ENSRNOG00000019450"}, "ETF1")
	if err != nil {
		t.Fatalf("NaturalKey() unexpected error: %v", err)
	}

	if len(key) != 64 {
		t.Errorf("NaturalKey() returned %d chars, expected 64 (SHA256 hex)", len(key))
	}

	if !isHexString(key) {
		t.Errorf("NaturalKey() returned non-hex string: %s", key)
	}
}

func TestNaturalKey_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	term := map[string]string{"id": "NCIT:C3224", "label": "Melanoma"}

	key1, _ := NaturalKey("disease", term, nil)
	key2, _ := NaturalKey("disease", term, nil)
	key3, _ := NaturalKey("disease", term, nil)

	if key1 != key2 || key2 != key3 {
		t.Error("NaturalKey() is not deterministic")
	}
}

func TestNaturalKey_KeyOrderInsensitive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	key1, err := NaturalKey("variant", json.RawMessage(`{"hgvs":"NM_000059.3:c.8632+1G>T","id":"v1"}`))
	if err != nil {
		t.Fatalf("NaturalKey() unexpected error: %v", err)
	}

	key2, err := NaturalKey("variant", json.RawMessage(`{ "id": "v1",  "hgvs": "NM_000059.3:c.8632+1G>T" }`))
	if err != nil {
		t.Fatalf("NaturalKey() unexpected error: %v", err)
	}

	if key1 != key2 {
		t.Errorf("NaturalKey() differs for reordered object keys: %s vs %s", key1, key2)
	}
}

func TestNaturalKey_KindSeparatesEqualPayloads(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	payload := map[string]string{"id": "HP:0000822"}

	geneKey, _ := NaturalKey("gene", payload)
	diseaseKey, _ := NaturalKey("disease", payload)

	if geneKey == diseaseKey {
		t.Error("NaturalKey() returned same key for different kinds")
	}
}

func TestNaturalKey_DifferentValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		a    []any
		b    []any
	}{
		{
			name: "different symbol",
			a:    []any{"HGNC:347", "ETF1"},
			b:    []any{"HGNC:347", "ETF2"},
		},
		{
			name: "null versus empty string",
			a:    []any{"HGNC:347", nil},
			b:    []any{"HGNC:347", ""},
		},
		{
			name: "number precision preserved",
			a:    []any{json.RawMessage(`{"value":1.0}`)},
			b:    []any{json.RawMessage(`{"value":1.00}`)},
		},
		{
			name: "field order matters",
			a:    []any{"a", "b"},
			b:    []any{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyA, _ := NaturalKey("gene", tt.a...)
			keyB, _ := NaturalKey("gene", tt.b...)

			if keyA == keyB {
				t.Errorf("NaturalKey() collided for %v and %v", tt.a, tt.b)
			}
		})
	}
}

func TestNaturalKey_Errors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := NaturalKey("  "); !errors.Is(err, ErrEmptyKind) {
		t.Errorf("NaturalKey() with blank kind error = %v, want ErrEmptyKind", err)
	}

	if _, err := NaturalKey("gene", make(chan int)); !errors.Is(err, ErrUnencodable) {
		t.Errorf("NaturalKey() with channel error = %v, want ErrUnencodable", err)
	}

	if _, err := NaturalKey("gene", json.RawMessage(`{"broken"`)); err == nil {
		t.Error("NaturalKey() with malformed raw JSON expected error")
	}
}

func TestCanonicalize_SortsKeys(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	got, err := Canonicalize(json.RawMessage(`{"z": {"b": 2, "a": 1}, "m": [3, 1]}`))
	if err != nil {
		t.Fatalf("Canonicalize() unexpected error: %v", err)
	}

	want := `{"m":[3,1],"z":{"a":1,"b":2}}`
	if string(got) != want {
		t.Errorf("Canonicalize() = %s, want %s", got, want)
	}
}

// ==============================================================================
// Unit Tests: Resource ID Derivation
// ==============================================================================

func TestGenerateResourceID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		prefix  string
		version string
		want    string
		wantErr error
	}{
		{name: "prefix and version", prefix: "HP", version: "2019-04-15", want: "HP:2019-04-15"},
		{name: "trims whitespace", prefix: " NCIT ", version: " 20.05d ", want: "NCIT:20.05d"},
		{name: "prefix only", prefix: "NCBITaxon", version: "", want: "NCBITaxon"},
		{name: "blank version", prefix: "UO", version: "   ", want: "UO"},
		{name: "empty prefix", prefix: "", version: "1.0", wantErr: ErrEmptyNamespacePrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateResourceID(tt.prefix, tt.version)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("GenerateResourceID() error = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("GenerateResourceID() unexpected error: %v", err)
			}

			if got != tt.want {
				t.Errorf("GenerateResourceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateResourceID_TooLong(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	limit := strings.Repeat("v", MaxResourceIDLength-len("HP:"))

	id, err := GenerateResourceID("HP", limit)
	if err != nil {
		t.Fatalf("GenerateResourceID() at the limit unexpected error: %v", err)
	}

	if len(id) != MaxResourceIDLength {
		t.Errorf("GenerateResourceID() length = %d, want %d", len(id), MaxResourceIDLength)
	}

	// Versions that only differ past the limit must not map to one ID.
	for _, version := range []string{limit + "a", limit + "b"} {
		id, err := GenerateResourceID("HP", version)
		if !errors.Is(err, ErrResourceIDTooLong) {
			t.Errorf("GenerateResourceID() = (%q, %v), want %v", id, err, ErrResourceIDTooLong)
		}
	}
}

// Helper function to check if string is lowercase hex.
func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
