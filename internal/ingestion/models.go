// Package ingestion turns validated clinical and genomic documents into a normalized entity graph.
//
// The package owns the domain model, the format adapters that walk each supported
// document shape, the graph builder that orders creation and reuse of entities, and the
// service that runs one ingestion request as a single atomic unit of work. Storage is
// reached only through the Store and UnitOfWork interfaces defined in store.go;
// concrete implementations live in internal/storage.
package ingestion

import (
	"encoding/json"
	"time"
)

// DataType is the declared kind of document a Table accepts.
type DataType string

const (
	// DataTypePhenopacket tables hold phenopacket root records (phenopacket and FHIR workflows).
	DataTypePhenopacket DataType = "phenopacket"

	// DataTypeExperiment tables hold experiments and their results.
	DataTypeExperiment DataType = "experiment"

	// DataTypeMCodePacket tables hold oncology packets.
	DataTypeMCodePacket DataType = "mcodepacket"
)

// IsValid reports whether dt is a known data type.
func (dt DataType) IsValid() bool {
	switch dt {
	case DataTypePhenopacket, DataTypeExperiment, DataTypeMCodePacket:
		return true
	default:
		return false
	}
}

// Kind names an entity type in the graph. Kinds appear in created-entity reports,
// in existence lookups, and as metric labels.
type Kind string

const (
	KindSubject                Kind = "subject"
	KindResource               Kind = "resource"
	KindGene                   Kind = "gene"
	KindDisease                Kind = "disease"
	KindProcedure              Kind = "procedure"
	KindVariant                Kind = "variant"
	KindHTSFile                Kind = "hts_file"
	KindBiosample              Kind = "biosample"
	KindPhenotypicFeature      Kind = "phenotypic_feature"
	KindMetadata               Kind = "metadata"
	KindPhenopacket            Kind = "phenopacket"
	KindInstrument             Kind = "instrument"
	KindExperiment             Kind = "experiment"
	KindExperimentResult       Kind = "experiment_result"
	KindMCodePacket            Kind = "mcodepacket"
	KindCancerCondition        Kind = "cancer_condition"
	KindTNMStaging             Kind = "tnm_staging"
	KindCancerRelatedProcedure Kind = "cancer_related_procedure"
	KindMedicationStatement    Kind = "medication_statement"
	KindLabsVital              Kind = "labs_vital"
)

type (
	// Dataset groups Tables and carries dataset-wide additional resources.
	Dataset struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}

	// Table is the ingestion target. Every root record created by one ingestion call
	// is attached to exactly one Table.
	Table struct {
		ID        string   `json:"id"`
		Name      string   `json:"name"`
		DataType  DataType `json:"data_type"`
		DatasetID string   `json:"dataset_id"`
	}

	// OntologyClass is a coded term, e.g. {"id": "HP:0000822", "label": "Hypertension"}.
	OntologyClass struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
)

// ============================================================================
// Phenopacket Domain Models
// ============================================================================

type (
	// Subject is an individual. Reused across documents by ID.
	Subject struct {
		ID            string         `json:"id"`
		AlternateIDs  []string       `json:"alternate_ids,omitempty"`
		DateOfBirth   *time.Time     `json:"date_of_birth,omitempty"`
		Sex           string         `json:"sex,omitempty"`
		KaryotypicSex string         `json:"karyotypic_sex,omitempty"`
		Taxonomy      *OntologyClass `json:"taxonomy,omitempty"`

		// Age is the submitted age element, kept verbatim.
		Age json.RawMessage `json:"age,omitempty"`

		// AgeNumeric is Age expressed in AgeUnit, rounded half-even to two decimals.
		// Nil when no single duration was submitted (absent age or an age range).
		AgeNumeric *float64 `json:"age_numeric,omitempty"`
		AgeUnit    string   `json:"age_unit,omitempty"`

		Active          *bool           `json:"active,omitempty"`
		Deceased        *bool           `json:"deceased,omitempty"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Procedure is the collection procedure of a biosample, deduplicated by value.
	Procedure struct {
		Key       string          `json:"-"`
		Code      OntologyClass   `json:"code"`
		BodySite  *OntologyClass  `json:"body_site,omitempty"`
		Performed json.RawMessage `json:"performed,omitempty"`
	}

	// Biosample is a biological sample. Reused by ID; phenotypic features and variants
	// are attached only when the sample is first created.
	Biosample struct {
		ID                        string          `json:"id"`
		IndividualID              string          `json:"individual_id,omitempty"`
		ProcedureKey              string          `json:"procedure_key,omitempty"`
		Description               string          `json:"description,omitempty"`
		SampledTissue             *OntologyClass  `json:"sampled_tissue,omitempty"`
		Taxonomy                  *OntologyClass  `json:"taxonomy,omitempty"`
		IndividualAgeAtCollection json.RawMessage `json:"individual_age_at_collection,omitempty"`
		HistologicalDiagnosis     *OntologyClass  `json:"histological_diagnosis,omitempty"`
		TumorProgression          *OntologyClass  `json:"tumor_progression,omitempty"`
		TumorGrade                *OntologyClass  `json:"tumor_grade,omitempty"`
		DiagnosticMarkers         []OntologyClass `json:"diagnostic_markers,omitempty"`
		IsControlSample           bool            `json:"is_control_sample"`
		ExtraProperties           json.RawMessage `json:"extra_properties,omitempty"`
	}

	// PhenotypicFeature is always created fresh; it is never deduplicated.
	PhenotypicFeature struct {
		ID              string          `json:"id"`
		Description     string          `json:"description,omitempty"`
		Type            OntologyClass   `json:"type"`
		Negated         bool            `json:"negated"`
		Severity        *OntologyClass  `json:"severity,omitempty"`
		Modifiers       []OntologyClass `json:"modifiers,omitempty"`
		Onset           json.RawMessage `json:"onset,omitempty"`
		Evidence        json.RawMessage `json:"evidence,omitempty"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Variant is deduplicated by (allele type, allele, zygosity).
	Variant struct {
		Key             string          `json:"-"`
		AlleleType      string          `json:"allele_type"`
		Allele          json.RawMessage `json:"allele"`
		Zygosity        *OntologyClass  `json:"zygosity,omitempty"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Gene is deduplicated by its gene identifier.
	Gene struct {
		Key             string          `json:"-"`
		ID              string          `json:"id"`
		AlternateIDs    []string        `json:"alternate_ids,omitempty"`
		Symbol          string          `json:"symbol"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Disease is deduplicated by (term, disease stage, TNM finding, onset).
	Disease struct {
		Key                string          `json:"-"`
		Term               OntologyClass   `json:"term"`
		DiseaseStage       []OntologyClass `json:"disease_stage,omitempty"`
		ClinicalTNMFinding []OntologyClass `json:"clinical_tnm_finding,omitempty"`
		Onset              json.RawMessage `json:"onset,omitempty"`
		ExtraProperties    json.RawMessage `json:"extra_properties,omitempty"`
	}

	// HTSFile is a high-throughput sequencing file, deduplicated by URI.
	HTSFile struct {
		URI                           string          `json:"uri"`
		Description                   string          `json:"description,omitempty"`
		HTSFormat                     string          `json:"hts_format"`
		GenomeAssembly                string          `json:"genome_assembly"`
		IndividualToSampleIdentifiers json.RawMessage `json:"individual_to_sample_identifiers,omitempty"`
		ExtraProperties               json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Resource describes an ontology or terminology. Its ID is derived from
	// namespace prefix and version.
	Resource struct {
		ID              string          `json:"id"`
		Name            string          `json:"name"`
		NamespacePrefix string          `json:"namespace_prefix"`
		URL             string          `json:"url"`
		Version         string          `json:"version"`
		IRIPrefix       string          `json:"iri_prefix"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Metadata is per-root-record provenance. Always new.
	Metadata struct {
		ID                       string          `json:"id"`
		Created                  time.Time       `json:"created"`
		CreatedBy                string          `json:"created_by"`
		SubmittedBy              string          `json:"submitted_by,omitempty"`
		PhenopacketSchemaVersion string          `json:"phenopacket_schema_version,omitempty"`
		ExternalReferences       json.RawMessage `json:"external_references,omitempty"`
		ExtraProperties          json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Phenopacket is the root record of the phenopacket data type. Always new.
	Phenopacket struct {
		ID         string `json:"id"`
		SubjectID  string `json:"subject_id"`
		MetadataID string `json:"metadata_id"`
		TableID    string `json:"table_id"`
	}
)

// ============================================================================
// Experiment Domain Models
// ============================================================================

type (
	// Instrument is reused by Identifier and never mutated by later documents.
	Instrument struct {
		Identifier      string          `json:"identifier"`
		Platform        string          `json:"platform,omitempty"`
		Description     string          `json:"description,omitempty"`
		Model           string          `json:"model,omitempty"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// ExperimentResult is a file or document produced by an experiment. Always new.
	ExperimentResult struct {
		ID               string          `json:"id"`
		Identifier       string          `json:"identifier,omitempty"`
		Description      string          `json:"description,omitempty"`
		Filename         string          `json:"filename,omitempty"`
		GenomeAssemblyID string          `json:"genome_assembly_id,omitempty"`
		FileFormat       string          `json:"file_format,omitempty"`
		DataOutputType   string          `json:"data_output_type,omitempty"`
		Usage            string          `json:"usage,omitempty"`
		CreationDate     string          `json:"creation_date,omitempty"`
		CreatedBy        string          `json:"created_by,omitempty"`
		ExtraProperties  json.RawMessage `json:"extra_properties,omitempty"`
	}

	// Experiment links an existing biosample to an instrument and its results.
	Experiment struct {
		ID                  string          `json:"id"`
		StudyType           string          `json:"study_type,omitempty"`
		ExperimentType      string          `json:"experiment_type"`
		ExperimentOntology  []OntologyClass `json:"experiment_ontology,omitempty"`
		Molecule            string          `json:"molecule,omitempty"`
		MoleculeOntology    []OntologyClass `json:"molecule_ontology,omitempty"`
		LibraryStrategy     string          `json:"library_strategy"`
		LibrarySource       string          `json:"library_source,omitempty"`
		LibrarySelection    string          `json:"library_selection,omitempty"`
		LibraryLayout       string          `json:"library_layout,omitempty"`
		ExtractionProtocol  string          `json:"extraction_protocol,omitempty"`
		ReferenceRegistryID string          `json:"reference_registry_id,omitempty"`
		QCFlags             []string        `json:"qc_flags,omitempty"`
		BiosampleID         string          `json:"biosample_id"`
		InstrumentID        string          `json:"instrument_id,omitempty"`
		TableID             string          `json:"table_id"`
		ExtraProperties     json.RawMessage `json:"extra_properties,omitempty"`
	}
)

// ============================================================================
// Oncology (mCODE) Domain Models
// ============================================================================

type (
	// CancerCondition is a primary or secondary cancer diagnosis. Reused by ID.
	CancerCondition struct {
		ID                          string          `json:"id"`
		ConditionType               string          `json:"condition_type"`
		Code                        OntologyClass   `json:"code"`
		ClinicalStatus              *OntologyClass  `json:"clinical_status,omitempty"`
		VerificationStatus          *OntologyClass  `json:"verification_status,omitempty"`
		DateOfDiagnosis             string          `json:"date_of_diagnosis,omitempty"`
		BodySite                    []OntologyClass `json:"body_site,omitempty"`
		Laterality                  *OntologyClass  `json:"laterality,omitempty"`
		HistologyMorphologyBehavior *OntologyClass  `json:"histology_morphology_behavior,omitempty"`
		ExtraProperties             json.RawMessage `json:"extra_properties,omitempty"`
	}

	// TNMStaging is a stage group with its tumor, nodes and metastases categories.
	TNMStaging struct {
		ID                        string          `json:"id"`
		CancerConditionID         string          `json:"cancer_condition"`
		TNMType                   string          `json:"tnm_type"`
		StageGroup                OntologyClass   `json:"stage_group"`
		PrimaryTumorCategory      *OntologyClass  `json:"primary_tumor_category,omitempty"`
		RegionalNodesCategory     *OntologyClass  `json:"regional_nodes_category,omitempty"`
		DistantMetastasesCategory *OntologyClass  `json:"distant_metastases_category,omitempty"`
		ExtraProperties           json.RawMessage `json:"extra_properties,omitempty"`
	}

	// CancerRelatedProcedure is a radiation or surgical procedure. Reused by ID.
	CancerRelatedProcedure struct {
		ID              string          `json:"id"`
		ProcedureType   string          `json:"procedure_type"`
		Code            OntologyClass   `json:"code"`
		BodySite        []OntologyClass `json:"body_site,omitempty"`
		Laterality      *OntologyClass  `json:"laterality,omitempty"`
		TreatmentIntent []OntologyClass `json:"treatment_intent,omitempty"`
		ReasonCode      []OntologyClass `json:"reason_code,omitempty"`
		ReasonReference []string        `json:"reason_reference,omitempty"`
		ExtraProperties json.RawMessage `json:"extra_properties,omitempty"`
	}

	// MedicationStatement is a cancer-related medication. Reused by ID.
	MedicationStatement struct {
		ID                string          `json:"id"`
		MedicationCode    OntologyClass   `json:"medication_code"`
		TerminationReason []OntologyClass `json:"termination_reason,omitempty"`
		TreatmentIntent   *OntologyClass  `json:"treatment_intent,omitempty"`
		StartDate         string          `json:"start_date,omitempty"`
		EndDate           string          `json:"end_date,omitempty"`
		ExtraProperties   json.RawMessage `json:"extra_properties,omitempty"`
	}

	// LabsVital is a tumor marker observation for an individual. Reused by ID.
	LabsVital struct {
		ID                   string          `json:"id"`
		IndividualID         string          `json:"individual"`
		TumorMarkerCode      OntologyClass   `json:"tumor_marker_code"`
		TumorMarkerDataValue json.RawMessage `json:"tumor_marker_data_value,omitempty"`
		ExtraProperties      json.RawMessage `json:"extra_properties,omitempty"`
	}

	// MCodePacket is the root record of the mcodepacket data type. Always new.
	MCodePacket struct {
		ID                    string          `json:"id"`
		SubjectID             string          `json:"subject"`
		TableID               string          `json:"table_id"`
		DateOfDeath           string          `json:"date_of_death,omitempty"`
		CancerDiseaseStatus   *OntologyClass  `json:"cancer_disease_status,omitempty"`
		MedicationStatementID string          `json:"medication_statement,omitempty"`
		ExtraProperties       json.RawMessage `json:"extra_properties,omitempty"`
	}
)
