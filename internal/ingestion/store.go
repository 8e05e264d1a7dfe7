package ingestion

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by lookups for entities that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when registering a dataset or table whose ID is taken.
	ErrConflict = errors.New("already registered")

	// ErrTransient marks storage failures that are safe to retry with a fresh unit of
	// work, such as deadlocks between concurrent ingestions sharing entities.
	ErrTransient = errors.New("transient storage conflict")
)

// Relation names a many-to-many association between two entity kinds.
type Relation string

const (
	RelPhenopacketFeatures   Relation = "phenopacket_phenotypic_features"
	RelPhenopacketBiosamples Relation = "phenopacket_biosamples"
	RelPhenopacketGenes      Relation = "phenopacket_genes"
	RelPhenopacketDiseases   Relation = "phenopacket_diseases"
	RelPhenopacketHTSFiles   Relation = "phenopacket_hts_files"
	RelMetadataResources     Relation = "metadata_resources"
	RelBiosampleFeatures     Relation = "biosample_phenotypic_features"
	RelBiosampleVariants     Relation = "biosample_variants"
	RelBiosampleHTSFiles     Relation = "biosample_hts_files"
	RelExperimentResults     Relation = "experiment_experiment_results"
	RelDatasetResources      Relation = "dataset_additional_resources"
	RelMCodePacketConditions Relation = "mcodepacket_cancer_conditions"
	RelMCodePacketProcedures Relation = "mcodepacket_cancer_related_procedures"
	RelMCodePacketLabsVitals Relation = "mcodepacket_labs_vitals"
	RelProcedureReasons      Relation = "cancer_related_procedure_reason_references"
)

// Relations returns every association the graph builder may create.
func Relations() []Relation {
	return []Relation{
		RelPhenopacketFeatures,
		RelPhenopacketBiosamples,
		RelPhenopacketGenes,
		RelPhenopacketDiseases,
		RelPhenopacketHTSFiles,
		RelMetadataResources,
		RelBiosampleFeatures,
		RelBiosampleVariants,
		RelBiosampleHTSFiles,
		RelExperimentResults,
		RelDatasetResources,
		RelMCodePacketConditions,
		RelMCodePacketProcedures,
		RelMCodePacketLabsVitals,
		RelProcedureReasons,
	}
}

// Store is what ingestion needs from persistence.
//
// The domain package defines this interface; concrete implementations (PostgreSQL,
// in-memory) live in internal/storage.
type Store interface {
	// Begin opens an atomic unit of work. Nothing written through the returned
	// UnitOfWork is observable by other callers until Commit succeeds.
	Begin(ctx context.Context) (UnitOfWork, error)

	// CreateDataset registers a dataset. Fails with ErrConflict when the ID is taken.
	CreateDataset(ctx context.Context, dataset *Dataset) error

	// CreateTable registers an ingestion target. Fails with ErrNotFound when the
	// dataset does not exist and ErrConflict when the ID is taken.
	CreateTable(ctx context.Context, table *Table) error

	// HealthCheck verifies the storage backend is ready to serve requests.
	HealthCheck(ctx context.Context) error
}

// UnitOfWork is one atomic ingestion. Rollback after Commit is a no-op, so callers
// may always defer Rollback.
type UnitOfWork interface {
	EntityResolver
	EntityWriter
	EntityFinder

	Commit() error
	Rollback() error
}

// EntityResolver decides reuse-existing vs. create-new, one method per reusable kind.
//
// Each method returns created=true when the entity did not exist and was inserted.
// A reused entity is never modified; attributes on the argument that differ from the
// stored row are ignored. Natural-key kinds (Gene, Disease, Procedure, Variant) must
// have Key set before the call.
type EntityResolver interface {
	ResolveSubject(ctx context.Context, subject *Subject) (bool, error)
	ResolveResource(ctx context.Context, resource *Resource) (bool, error)
	ResolveGene(ctx context.Context, gene *Gene) (bool, error)
	ResolveDisease(ctx context.Context, disease *Disease) (bool, error)
	ResolveProcedure(ctx context.Context, procedure *Procedure) (bool, error)
	ResolveVariant(ctx context.Context, variant *Variant) (bool, error)
	ResolveHTSFile(ctx context.Context, file *HTSFile) (bool, error)
	ResolveBiosample(ctx context.Context, biosample *Biosample) (bool, error)
	ResolveInstrument(ctx context.Context, instrument *Instrument) (bool, error)
	ResolveCancerCondition(ctx context.Context, condition *CancerCondition) (bool, error)
	ResolveTNMStaging(ctx context.Context, staging *TNMStaging) (bool, error)
	ResolveCancerRelatedProcedure(ctx context.Context, procedure *CancerRelatedProcedure) (bool, error)
	ResolveMedicationStatement(ctx context.Context, statement *MedicationStatement) (bool, error)
	ResolveLabsVital(ctx context.Context, labsVital *LabsVital) (bool, error)
}

// EntityWriter inserts always-new entities and associations.
type EntityWriter interface {
	CreatePhenotypicFeature(ctx context.Context, feature *PhenotypicFeature) error
	CreateMetadata(ctx context.Context, metadata *Metadata) error
	CreatePhenopacket(ctx context.Context, phenopacket *Phenopacket) error
	CreateExperimentResult(ctx context.Context, result *ExperimentResult) error
	CreateExperiment(ctx context.Context, experiment *Experiment) error
	CreateMCodePacket(ctx context.Context, packet *MCodePacket) error

	// Link associates two existing entities. Linking an existing pair is a no-op.
	Link(ctx context.Context, relation Relation, fromID, toID string) error
}

// EntityFinder answers the lookups adapters need for referential checks.
type EntityFinder interface {
	// FindTable returns ErrNotFound when the table does not exist.
	FindTable(ctx context.Context, id string) (*Table, error)

	// Exists reports whether an entity of kind with the given ID is visible to this unit.
	// For natural-key kinds the ID is the natural key.
	Exists(ctx context.Context, kind Kind, id string) (bool, error)

	// FindPhenopacketsBySubject returns the IDs of root records owned by a subject, oldest first.
	FindPhenopacketsBySubject(ctx context.Context, subjectID string) ([]string, error)

	// FindExperimentsByResultIdentifier returns the IDs of experiments owning an
	// experiment result with the given identifier, ordered by experiment ID.
	FindExperimentsByResultIdentifier(ctx context.Context, identifier string) ([]string, error)
}
