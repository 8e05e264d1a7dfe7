package ingestion

import (
	"context"
	"sort"
)

// Workflow IDs.
const (
	WorkflowPhenopackets   = "phenopackets_json"
	WorkflowExperiments    = "experiments_json"
	WorkflowDerivedResults = "maf_derived_from_vcf_json"
	WorkflowFHIR           = "fhir_json"
	WorkflowMCodeFHIR      = "mcode_fhir_json"
	WorkflowMCode          = "mcode_json"
)

// DerivedDataTableID is the table ID accepted by workflows whose output attaches to
// existing entities rather than to a table.
const DerivedDataTableID = "FROM_DERIVED_DATA"

// adapter turns the retrieved outputs of a workflow into a plan. Preparing is pure:
// documents are decoded and validated, and nothing touches storage.
type adapter interface {
	prepare(check *documentCheck, outputs Outputs) (plan, error)
}

// plan writes prepared documents through the graph inside one unit of work.
type plan interface {
	apply(ctx context.Context, g *graph) error
}

// Workflow describes one registered ingestion workflow.
type Workflow struct {
	ID       string
	DataType DataType

	// Required and Optional list the output keys the workflow reads. Missing required
	// outputs fail the request; unknown outputs are ignored.
	Required []string
	Optional []string

	// Literals are output keys taken as plain strings rather than document references.
	Literals []string

	// AcceptsDerivedTable allows DerivedDataTableID in place of a real table.
	AcceptsDerivedTable bool

	adapter adapter
}

func (w Workflow) isLiteral(key string) bool {
	for _, literal := range w.Literals {
		if literal == key {
			return true
		}
	}

	return false
}

func (w Workflow) reads(key string) bool {
	for _, keys := range [][]string{w.Required, w.Optional} {
		for _, k := range keys {
			if k == key {
				return true
			}
		}
	}

	return false
}

// DefaultWorkflows returns the built-in workflow registry.
func DefaultWorkflows() []Workflow {
	return []Workflow{
		{
			ID:       WorkflowPhenopackets,
			DataType: DataTypePhenopacket,
			Required: []string{OutputJSONDocument},
			adapter:  phenopacketAdapter{},
		},
		{
			ID:       WorkflowExperiments,
			DataType: DataTypeExperiment,
			Required: []string{OutputJSONDocument},
			adapter:  experimentAdapter{},
		},
		{
			ID:                  WorkflowDerivedResults,
			DataType:            DataTypeExperiment,
			Required:            []string{OutputJSONDocument},
			AcceptsDerivedTable: true,
			adapter:             derivedResultsAdapter{},
		},
		{
			ID:       WorkflowFHIR,
			DataType: DataTypePhenopacket,
			Required: []string{OutputPatients},
			Optional: []string{OutputObservations, OutputConditions, OutputSpecimens, OutputCreatedBy},
			Literals: []string{OutputCreatedBy},
			adapter:  fhirAdapter{},
		},
		{
			ID:       WorkflowMCodeFHIR,
			DataType: DataTypeMCodePacket,
			Required: []string{OutputJSONDocument},
			adapter:  mcodeBundleAdapter{},
		},
		{
			ID:       WorkflowMCode,
			DataType: DataTypeMCodePacket,
			Required: []string{OutputJSONDocument},
			adapter:  mcodeAdapter{},
		},
	}
}

// registry indexes workflows by ID.
type registry map[string]Workflow

func newRegistry(workflows []Workflow) registry {
	r := make(registry, len(workflows))
	for _, w := range workflows {
		if w.adapter != nil {
			r[w.ID] = w
		}
	}

	return r
}

// ids returns the registered workflow IDs in sorted order.
func (r registry) ids() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
