package schema

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

type (
	// Change records a value deprecated by a schema revision.
	Change struct {
		// Schema is the schema the property belongs to.
		Schema Name `yaml:"schema"`

		// Property is a dot-separated path from the document root. Arrays met along the
		// path are traversed element-wise, so "biosamples.sampled_tissue.label" checks
		// every biosample.
		Property string `yaml:"property"`

		//nolint:tagliatelle // snake_case is intentional for YAML config files
		DeprecatedValue string `yaml:"deprecated_value"`

		//nolint:tagliatelle // snake_case is intentional for YAML config files
		SuggestedReplacement string `yaml:"suggested_replacement"`

		// Version is the schema version that introduced the change.
		Version string `yaml:"version"`
	}

	// Warning is a non-fatal diagnostic for a submitted deprecated value.
	Warning struct {
		PropertyName         string `json:"property_name"`
		PropertyValue        any    `json:"property_value"`
		DeprecatedValue      string `json:"deprecated_value"`
		SuggestedReplacement string `json:"suggested_replacement"`
		Version              string `json:"version"`
	}

	// ChangeTable holds the changes in effect for the running schema version.
	ChangeTable struct {
		version string
		changes map[Name][]Change
	}
)

// DefaultVersion is the schema version assumed when none is configured.
const DefaultVersion = "2.0.0"

// DefaultChanges returns the built-in deprecations.
func DefaultChanges() []Change {
	return []Change{
		{
			Schema:               Experiment,
			Property:             "library_strategy",
			DeprecatedValue:      "DNase-Hypersensitivity",
			SuggestedReplacement: "DNase-Seq",
			Version:              "2.0.0",
		},
		{
			Schema:               Experiment,
			Property:             "molecule",
			DeprecatedValue:      "genomic",
			SuggestedReplacement: "genomic DNA",
			Version:              "2.0.0",
		},
		{
			Schema:               Experiment,
			Property:             "library_source",
			DeprecatedValue:      "Transcriptomic_Single_Cell",
			SuggestedReplacement: "Transcriptomic Single Cell",
			Version:              "2.0.0",
		},
	}
}

// NewChangeTable keeps the changes introduced at or before version.
// Changes with a version that is not valid semver are dropped.
func NewChangeTable(version string, changes []Change) *ChangeTable {
	running := canonicalVersion(version)

	table := &ChangeTable{
		version: version,
		changes: make(map[Name][]Change),
	}

	for _, change := range changes {
		introduced := canonicalVersion(change.Version)
		if !semver.IsValid(introduced) || !semver.IsValid(running) {
			continue
		}

		if semver.Compare(introduced, running) > 0 {
			continue
		}

		table.changes[change.Schema] = append(table.changes[change.Schema], change)
	}

	return table
}

// Version returns the running schema version.
func (t *ChangeTable) Version() string {
	return t.version
}

// Len returns the number of changes in effect.
func (t *ChangeTable) Len() int {
	n := 0
	for _, changes := range t.changes {
		n += len(changes)
	}

	return n
}

// Check compares doc against the changes recorded for schema name.
//
// String values compare case-insensitively; other values compare by their JSON text.
// Check never fails: documents that do not match the expected shape yield no warnings.
func (t *ChangeTable) Check(name Name, doc any) []Warning {
	if t == nil {
		return nil
	}

	var warnings []Warning

	for _, change := range t.changes[name] {
		for _, value := range collect(doc, strings.Split(change.Property, ".")) {
			if !matches(value, change.DeprecatedValue) {
				continue
			}

			warnings = append(warnings, Warning{
				PropertyName:         change.Property,
				PropertyValue:        value,
				DeprecatedValue:      change.DeprecatedValue,
				SuggestedReplacement: change.SuggestedReplacement,
				Version:              change.Version,
			})
		}
	}

	return warnings
}

func collect(node any, path []string) []any {
	if list, ok := node.([]any); ok {
		var out []any
		for _, item := range list {
			out = append(out, collect(item, path)...)
		}

		return out
	}

	if len(path) == 0 {
		return []any{node}
	}

	object, ok := node.(map[string]any)
	if !ok {
		return nil
	}

	next, ok := object[path[0]]
	if !ok {
		return nil
	}

	return collect(next, path[1:])
}

func matches(value any, deprecated string) bool {
	switch v := value.(type) {
	case string:
		return strings.EqualFold(v, deprecated)
	case nil:
		return false
	default:
		return fmt.Sprint(v) == deprecated
	}
}

func canonicalVersion(version string) string {
	version = strings.TrimSpace(version)
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}

	return version
}
