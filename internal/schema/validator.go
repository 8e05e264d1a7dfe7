// Package schema validates documents against the embedded draft-7 JSON schemas and
// reports deprecated values recorded for the running schema version.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Name identifies an embedded schema.
type Name string

const (
	Phenopacket      Name = "phenopacket"
	Experiment       Name = "experiment"
	ExperimentResult Name = "experiment_result"
	ExperimentBatch  Name = "experiment_batch"
	FHIRBundle       Name = "fhir_bundle"
	MCodePacket      Name = "mcodepacket"
	IngestRequest    Name = "ingest_request"
)

const baseURL = "https://schemas.cohortbase.io/"

//go:embed schemas/*.json
var schemaFiles embed.FS

// Sentinel errors for schema operations.
var (
	// ErrUnknownSchema is returned when a schema name has no embedded definition.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrCompile is returned when an embedded schema fails to compile.
	ErrCompile = errors.New("schema compilation failed")
)

// Issue is one structural validation failure.
type Issue struct {
	// SchemaPath is the dot-joined location of the failing keyword within the schema,
	// e.g. "properties.library_strategy.enum".
	SchemaPath string `json:"schema_path"`

	// FaultyValue is the submitted value at the failing location.
	FaultyValue any `json:"faulty_value"`

	// PropertySchema is the sub-schema holding the failing keyword, so clients can
	// show valid alternatives.
	PropertySchema any `json:"property_schema"`

	Message string `json:"message"`

	// InstancePath is the JSON pointer of the faulty value within the document.
	InstancePath string `json:"instance_path"`

	// Index is the position of the item within a list document, when applicable.
	Index *int `json:"index,omitempty"`
}

// WithIndex returns copies of issues attributed to list position idx.
func WithIndex(issues []Issue, idx int) []Issue {
	out := make([]Issue, len(issues))

	for i, issue := range issues {
		position := idx
		issue.Index = &position
		issue.Message = fmt.Sprintf("item %d: %s", idx, issue.Message)
		out[i] = issue
	}

	return out
}

// Validator holds the compiled embedded schemas. Safe for concurrent use.
type Validator struct {
	compiled map[Name]*jsonschema.Schema
	raw      map[Name]any
}

// NewValidator compiles every embedded schema as draft-7 with format assertions enabled.
func NewValidator() (*Validator, error) {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true

	v := &Validator{
		compiled: make(map[Name]*jsonschema.Schema, len(entries)),
		raw:      make(map[Name]any, len(entries)),
	}

	for _, entry := range entries {
		data, err := schemaFiles.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCompile, err)
		}

		name := Name(strings.TrimSuffix(entry.Name(), ".json"))

		raw, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompile, name, err)
		}

		v.raw[name] = raw

		if err := compiler.AddResource(baseURL+entry.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompile, name, err)
		}
	}

	for name := range v.raw {
		compiled, err := compiler.Compile(baseURL + string(name) + ".json")
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCompile, name, err)
		}

		v.compiled[name] = compiled
	}

	return v, nil
}

// Validate checks doc against the named schema.
//
// doc must be a generic JSON value as produced by Decode. The returned issues are
// sorted by instance path and are empty when the document conforms.
func (v *Validator) Validate(name Name, doc any) ([]Issue, error) {
	compiled, ok := v.compiled[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	err := compiled.Validate(doc)
	if err == nil {
		return nil, nil
	}

	var validationErr *jsonschema.ValidationError
	if !errors.As(err, &validationErr) {
		return nil, err
	}

	var issues []Issue

	for _, leaf := range leaves(validationErr) {
		issues = append(issues, v.issueFor(name, doc, leaf))
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].InstancePath < issues[j].InstancePath
	})

	return issues, nil
}

// Schema returns the decoded embedded schema, for clients that render valid options.
func (v *Validator) Schema(name Name) (any, bool) {
	raw, ok := v.raw[name]

	return raw, ok
}

func (v *Validator) issueFor(name Name, doc any, leaf *jsonschema.ValidationError) Issue {
	keywordPointer := leaf.KeywordLocation
	if _, fragment, ok := strings.Cut(leaf.AbsoluteKeywordLocation, "#"); ok {
		keywordPointer = fragment
	}

	tokens := pointerTokens(keywordPointer)

	var propertySchema any
	if len(tokens) > 0 {
		propertySchema, _ = lookup(v.raw[name], tokens[:len(tokens)-1])
	}

	faulty, _ := lookup(doc, pointerTokens(leaf.InstanceLocation))

	return Issue{
		SchemaPath:     strings.Join(tokens, "."),
		FaultyValue:    faulty,
		PropertySchema: propertySchema,
		Message:        leaf.Message,
		InstancePath:   leaf.InstanceLocation,
	}
}

// Decode parses JSON into the generic form the validator expects, keeping numbers
// as json.Number so no precision is lost.
func Decode(data []byte) (any, error) {
	return decode(data)
}

func decode(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}

	if decoder.More() {
		return nil, errors.New("unexpected data after top-level value")
	}

	return doc, nil
}

// leaves flattens a validation error tree to the failures that have no causes.
func leaves(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}

	var out []*jsonschema.ValidationError
	for _, cause := range err.Causes {
		out = append(out, leaves(cause)...)
	}

	return out
}

// pointerTokens splits a JSON pointer into unescaped reference tokens.
func pointerTokens(pointer string) []string {
	pointer = strings.TrimPrefix(pointer, "#")
	if pointer == "" || pointer == "/" {
		return nil
	}

	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			part = unescaped
		}

		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}

	return parts
}

// lookup walks tokens through a generic JSON value.
func lookup(node any, tokens []string) (any, bool) {
	for _, token := range tokens {
		switch current := node.(type) {
		case map[string]any:
			next, ok := current[token]
			if !ok {
				return nil, false
			}

			node = next
		case []any:
			idx, err := strconv.Atoi(token)
			if err != nil || idx < 0 || idx >= len(current) {
				return nil, false
			}

			node = current[idx]
		default:
			return nil, false
		}
	}

	return node, true
}
