package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==============================================================================
// Unit Tests: Deprecated Value Warnings
// ==============================================================================

func TestChangeTable_WarnsOnDeprecatedValue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := NewChangeTable(DefaultVersion, DefaultChanges())
	doc := map[string]any{"library_strategy": "DNase-Hypersensitivity"}

	warnings := table.Check(Experiment, doc)

	require.Len(t, warnings, 1)
	assert.Equal(t, Warning{
		PropertyName:         "library_strategy",
		PropertyValue:        "DNase-Hypersensitivity",
		DeprecatedValue:      "DNase-Hypersensitivity",
		SuggestedReplacement: "DNase-Seq",
		Version:              "2.0.0",
	}, warnings[0])
}

func TestChangeTable_CaseInsensitive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := NewChangeTable(DefaultVersion, DefaultChanges())

	warnings := table.Check(Experiment, map[string]any{"library_strategy": "dnase-HYPERSENSITIVITY"})

	require.Len(t, warnings, 1)
	assert.Equal(t, "dnase-HYPERSENSITIVITY", warnings[0].PropertyValue)
}

func TestChangeTable_NoWarningForCurrentValue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := NewChangeTable(DefaultVersion, DefaultChanges())

	assert.Empty(t, table.Check(Experiment, map[string]any{"library_strategy": "DNase-Seq"}))
	assert.Empty(t, table.Check(Experiment, map[string]any{"molecule": "genomic DNA"}))
	assert.Empty(t, table.Check(Phenopacket, map[string]any{"library_strategy": "DNase-Hypersensitivity"}))
}

func TestChangeTable_VersionGate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	changes := []Change{
		{Schema: Experiment, Property: "molecule", DeprecatedValue: "old", SuggestedReplacement: "new", Version: "3.1.0"},
		{Schema: Experiment, Property: "molecule", DeprecatedValue: "older", SuggestedReplacement: "new", Version: "1.0.0"},
		{Schema: Experiment, Property: "molecule", DeprecatedValue: "bad", SuggestedReplacement: "new", Version: "not-a-version"},
	}

	tests := []struct {
		version string
		want    int
	}{
		{version: "1.0.0", want: 1},
		{version: "3.0.9", want: 1},
		{version: "3.1.0", want: 2},
		{version: "v4.0.0", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, NewChangeTable(tt.version, changes).Len())
		})
	}
}

func TestChangeTable_TraversesArrays(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	table := NewChangeTable("1.0.0", []Change{{
		Schema:               Phenopacket,
		Property:             "biosamples.sampled_tissue.label",
		DeprecatedValue:      "skin of body",
		SuggestedReplacement: "skin",
		Version:              "1.0.0",
	}})

	doc := map[string]any{
		"biosamples": []any{
			map[string]any{"sampled_tissue": map[string]any{"label": "Skin of Body"}},
			map[string]any{"sampled_tissue": map[string]any{"label": "liver"}},
			map[string]any{"sampled_tissue": map[string]any{"label": "skin of body"}},
		},
	}

	assert.Len(t, table.Check(Phenopacket, doc), 2)
}

func TestChangeTable_NilSafe(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var table *ChangeTable

	assert.Empty(t, table.Check(Experiment, map[string]any{"molecule": "genomic"}))
}
