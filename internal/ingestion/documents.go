package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// Outputs maps a workflow output key to its retrieved bytes. Literal outputs such as
// "created_by" hold the plain string value.
type Outputs map[string][]byte

// documentCheck validates the documents of one request before any storage work and
// accumulates every issue and deprecation warning it meets.
type documentCheck struct {
	validator *schema.Validator
	changes   *schema.ChangeTable

	issues   []schema.Issue
	warnings []schema.Warning
}

func newDocumentCheck(validator *schema.Validator, changes *schema.ChangeTable) *documentCheck {
	return &documentCheck{validator: validator, changes: changes}
}

// validate checks one document against name. Warnings are recorded whether or not the
// document conforms. It reports true when the document conforms; issues are kept for
// err so every item of a list is checked before the request is rejected.
func (c *documentCheck) validate(name schema.Name, raw []byte, index int) (bool, error) {
	doc, err := schema.Decode(raw)
	if err != nil {
		return false, atIndex(NewMalformedInputError(err, "document is not valid JSON"), index)
	}

	c.warnings = append(c.warnings, c.changes.Check(name, doc)...)

	issues, err := c.validator.Validate(name, doc)
	if err != nil {
		return false, NewMalformedInputError(err, "cannot validate %s document", name)
	}

	if len(issues) == 0 {
		return true, nil
	}

	if index >= 0 {
		issues = schema.WithIndex(issues, index)
	}

	c.issues = append(c.issues, issues...)

	return false, nil
}

// warn records the deprecation warnings of one document without validating it. Bytes
// that do not decode yield no warnings.
func (c *documentCheck) warn(name schema.Name, raw []byte) {
	doc, err := schema.Decode(raw)
	if err != nil {
		return
	}

	c.warnings = append(c.warnings, c.changes.Check(name, doc)...)
}

// err returns the schema validation error for the issues gathered so far, or nil.
func (c *documentCheck) err() error {
	if len(c.issues) == 0 {
		return nil
	}

	return newSchemaValidationError(c.issues)
}

// splitDocument returns the items of a document that may be a single object or a list.
// Single objects yield one item with index -1, so messages carry no position.
func splitDocument(raw []byte) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, NewMalformedInputError(nil, "document is empty")
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, false, NewMalformedInputError(err, "document is not valid JSON")
		}

		return items, true, nil
	case '{':
		return []json.RawMessage{trimmed}, false, nil
	default:
		return nil, false, NewMalformedInputError(nil, "document must be a JSON object or array")
	}
}

func itemIndex(i int, list bool) int {
	if list {
		return i
	}

	return -1
}

// atIndex prefixes the message of an ingestion error with its list position.
func atIndex(err error, index int) error {
	if index < 0 {
		return err
	}

	return withPrefix(err, fmt.Sprintf("item %d", index))
}

// withPrefix returns a copy of the ingestion error with prefix added to its message.
func withPrefix(err error, prefix string) error {
	if err == nil {
		return nil
	}

	ingestErr := *asIngestError(err)
	if ingestErr.Message == "" {
		ingestErr.Message = prefix
	} else {
		ingestErr.Message = prefix + ": " + ingestErr.Message
	}

	return &ingestErr
}

func decodeItem(raw []byte, into any, index int) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return atIndex(NewMalformedInputError(err, "document does not match the expected shape"), index)
	}

	return nil
}

func requireOutput(outputs Outputs, key string) ([]byte, error) {
	data, ok := outputs[key]
	if !ok {
		return nil, NewMalformedInputError(nil, "missing workflow output: %s", key)
	}

	return data, nil
}

// ============================================================================
// Phenopacket Documents
// ============================================================================

type (
	phenopacketDocument struct {
		ID                 string                      `json:"id"`
		Subject            individualDocument          `json:"subject"`
		PhenotypicFeatures []phenotypicFeatureDocument `json:"phenotypic_features"`
		Biosamples         []biosampleDocument         `json:"biosamples"`
		Genes              []Gene                      `json:"genes"`
		Diseases           []Disease                   `json:"diseases"`
		HTSFiles           []HTSFile                   `json:"hts_files"`
		MetaData           metadataDocument            `json:"meta_data"`
	}

	individualDocument struct {
		ID              string          `json:"id"`
		AlternateIDs    []string        `json:"alternate_ids"`
		DateOfBirth     string          `json:"date_of_birth"`
		Sex             string          `json:"sex"`
		KaryotypicSex   string          `json:"karyotypic_sex"`
		Taxonomy        *OntologyClass  `json:"taxonomy"`
		Age             json.RawMessage `json:"age"`
		Active          *bool           `json:"active"`
		Deceased        *bool           `json:"deceased"`
		ExtraProperties json.RawMessage `json:"extra_properties"`
	}

	phenotypicFeatureDocument struct {
		PhenotypicFeature

		Excluded bool `json:"excluded"`
	}

	biosampleDocument struct {
		Biosample

		Procedure          Procedure                   `json:"procedure"`
		PhenotypicFeatures []phenotypicFeatureDocument `json:"phenotypic_features"`
		HTSFiles           []HTSFile                   `json:"hts_files"`
		Variants           []Variant                   `json:"variants"`
	}

	metadataDocument struct {
		Created                  *time.Time      `json:"created"`
		CreatedBy                string          `json:"created_by"`
		SubmittedBy              string          `json:"submitted_by"`
		PhenopacketSchemaVersion string          `json:"phenopacket_schema_version"`
		Resources                []Resource      `json:"resources"`
		ExternalReferences       json.RawMessage `json:"external_references"`
		ExtraProperties          json.RawMessage `json:"extra_properties"`
	}
)

// subject maps an individual to a Subject. A blank date of birth is absent, and the
// numeric age is derived from the submitted age element.
func (d individualDocument) subject() (*Subject, error) {
	dob, err := parseDate(d.DateOfBirth)
	if err != nil {
		return nil, NewMalformedInputError(err, "subject %s has an invalid date_of_birth", d.ID)
	}

	ageNumeric, ageUnit, err := NormalizeAge(d.Age)
	if err != nil {
		return nil, NewMalformedInputError(err, "subject %s has an invalid age", d.ID)
	}

	return &Subject{
		ID:              d.ID,
		AlternateIDs:    d.AlternateIDs,
		DateOfBirth:     dob,
		Sex:             d.Sex,
		KaryotypicSex:   d.KaryotypicSex,
		Taxonomy:        d.Taxonomy,
		Age:             d.Age,
		AgeNumeric:      ageNumeric,
		AgeUnit:         ageUnit,
		Active:          d.Active,
		Deceased:        d.Deceased,
		ExtraProperties: d.ExtraProperties,
	}, nil
}

func (d phenotypicFeatureDocument) feature() *PhenotypicFeature {
	feature := d.PhenotypicFeature
	feature.Negated = feature.Negated || d.Excluded

	return &feature
}

var dateLayouts = []string{time.RFC3339Nano, time.DateOnly}

// parseDate accepts RFC 3339 timestamps and plain dates. Blank input yields nil.
func parseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var lastErr error

	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			utc := parsed.UTC()

			return &utc, nil
		}

		lastErr = err
	}

	return nil, lastErr
}

// ============================================================================
// Experiment Documents
// ============================================================================

type (
	experimentBatchDocument struct {
		Resources   []Resource        `json:"resources"`
		Experiments []json.RawMessage `json:"experiments"`
	}

	experimentDocument struct {
		Experiment

		BiosampleRef      string             `json:"biosample"`
		Instrument        *Instrument        `json:"instrument"`
		ExperimentResults []ExperimentResult `json:"experiment_results"`
	}

)

// derivedFrom reads extra_properties.derived_from, the back-reference of a derived result.
func derivedFrom(result *ExperimentResult) string {
	if len(result.ExtraProperties) == 0 {
		return ""
	}

	var extra struct {
		DerivedFrom string `json:"derived_from"`
	}

	if err := json.Unmarshal(result.ExtraProperties, &extra); err != nil {
		return ""
	}

	return extra.DerivedFrom
}

// ============================================================================
// FHIR Documents
// ============================================================================

type (
	fhirBundle struct {
		ResourceType string      `json:"resourceType"`
		Entry        []fhirEntry `json:"entry"`
	}

	fhirEntry struct {
		FullURL  string       `json:"fullUrl"`
		Resource fhirResource `json:"resource"`
	}

	// fhirResource is the union of the resource fields the adapters read.
	fhirResource struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Meta         struct {
			Profile []string `json:"profile"`
		} `json:"meta"`

		// Patient
		Identifier      []fhirIdentifier `json:"identifier"`
		Gender          string           `json:"gender"`
		BirthDate       string           `json:"birthDate"`
		Active          *bool            `json:"active"`
		DeceasedBoolean *bool            `json:"deceasedBoolean"`

		// Observation, Condition, Specimen, Procedure, MedicationStatement
		Subject                   *fhirReference        `json:"subject"`
		Code                      *fhirCodeableConcept  `json:"code"`
		Interpretation            []fhirCodeableConcept `json:"interpretation"`
		Specimen                  *fhirReference        `json:"specimen"`
		HasMember                 []fhirReference       `json:"hasMember"`
		Focus                     []fhirReference       `json:"focus"`
		ValueCodeableConcept      *fhirCodeableConcept  `json:"valueCodeableConcept"`
		ValueQuantity             json.RawMessage       `json:"valueQuantity"`
		EffectiveDateTime         string                `json:"effectiveDateTime"`
		ClinicalStatus            *fhirCodeableConcept  `json:"clinicalStatus"`
		VerificationStatus        *fhirCodeableConcept  `json:"verificationStatus"`
		RecordedDate              string                `json:"recordedDate"`
		BodySite                  json.RawMessage       `json:"bodySite"`
		Type                      *fhirCodeableConcept  `json:"type"`
		Collection                *fhirCollection       `json:"collection"`
		ReasonCode                []fhirCodeableConcept `json:"reasonCode"`
		ReasonReference           []fhirReference       `json:"reasonReference"`
		MedicationCodeableConcept *fhirCodeableConcept  `json:"medicationCodeableConcept"`
		StatusReason              []fhirCodeableConcept `json:"statusReason"`
		EffectivePeriod           *fhirPeriod           `json:"effectivePeriod"`
		Extension                 []fhirExtension       `json:"extension"`
	}

	fhirIdentifier struct {
		Value string `json:"value"`
	}

	fhirReference struct {
		Reference string `json:"reference"`
	}

	fhirCoding struct {
		System  string `json:"system"`
		Code    string `json:"code"`
		Display string `json:"display"`
	}

	fhirCodeableConcept struct {
		Coding []fhirCoding `json:"coding"`
		Text   string       `json:"text"`
	}

	fhirCollection struct {
		Method   *fhirCodeableConcept `json:"method"`
		BodySite *fhirCodeableConcept `json:"bodySite"`
	}

	fhirPeriod struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}

	fhirExtension struct {
		URL                  string               `json:"url"`
		ValueCodeableConcept *fhirCodeableConcept `json:"valueCodeableConcept"`
	}
)

func (r *fhirResource) hasProfile(profile string) bool {
	for _, p := range r.Meta.Profile {
		if p == profile {
			return true
		}
	}

	return false
}

// bodySites reads bodySite, which is a list of concepts on Condition and Procedure but a
// single concept on Specimen collections and in some older bundles.
func (r *fhirResource) bodySites() []fhirCodeableConcept {
	if len(r.BodySite) == 0 {
		return nil
	}

	var list []fhirCodeableConcept
	if err := json.Unmarshal(r.BodySite, &list); err == nil {
		return list
	}

	var single fhirCodeableConcept
	if err := json.Unmarshal(r.BodySite, &single); err == nil {
		return []fhirCodeableConcept{single}
	}

	return nil
}

// first returns the first coding of a concept, or nil.
func (c *fhirCodeableConcept) first() *fhirCoding {
	if c == nil || len(c.Coding) == 0 {
		return nil
	}

	return &c.Coding[0]
}
