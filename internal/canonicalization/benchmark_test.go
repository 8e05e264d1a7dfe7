package canonicalization

import (
	"encoding/json"
	"testing"
)

// ==============================================================================
// Benchmarks: Natural Key Performance
// ==============================================================================

func Benchmark_NaturalKey(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	term := json.RawMessage(`{"id":"NCIT:C3224","label":"Melanoma"}`)
	stage := json.RawMessage(`[{"id":"NCIT:C27977","label":"Stage IIIA"}]`)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = NaturalKey("disease", term, stage, nil, nil)
	}
}

func Benchmark_ReferenceID(b *testing.B) {
	if !testing.Short() {
		b.Skip("skipping benchmark in non-short mode")
	}

	refs := []string{
		"Patient/p-1",
		"https://fhir.example.org/baseR4/Patient/p-1/_history/3",
		"urn:uuid:0c3151bd-1cbf-4d64-b04d-cd9187a4c6e0",
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for _, ref := range refs {
			_ = ReferenceID(ref)
		}
	}
}
