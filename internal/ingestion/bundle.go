package ingestion

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/cohortbase-io/cohortbase/internal/canonicalization"
	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// mCODE profile URLs.
const (
	mcodeProfileBase = "http://hl7.org/fhir/us/mcode/StructureDefinition/"

	ProfileCancerPatient                 = mcodeProfileBase + "mcode-cancer-patient"
	ProfilePrimaryCancerCondition        = mcodeProfileBase + "mcode-primary-cancer-condition"
	ProfileSecondaryCancerCondition      = mcodeProfileBase + "mcode-secondary-cancer-condition"
	ProfileTumorMarker                   = mcodeProfileBase + "mcode-tumor-marker"
	ProfileClinicalStageGroup            = mcodeProfileBase + "mcode-tnm-clinical-stage-group"
	ProfileClinicalPrimaryTumor          = mcodeProfileBase + "mcode-tnm-clinical-primary-tumor-category"
	ProfileClinicalRegionalNodes         = mcodeProfileBase + "mcode-tnm-clinical-regional-nodes-category"
	ProfileClinicalDistantMetastases     = mcodeProfileBase + "mcode-tnm-clinical-distant-metastases-category"
	ProfilePathologicalStageGroup        = mcodeProfileBase + "mcode-tnm-pathological-stage-group"
	ProfilePathologicalPrimaryTumor      = mcodeProfileBase + "mcode-tnm-pathological-primary-tumor-category"
	ProfilePathologicalRegionalNodes     = mcodeProfileBase + "mcode-tnm-pathological-regional-nodes-category"
	ProfilePathologicalDistantMetastases = mcodeProfileBase + "mcode-tnm-pathological-distant-metastases-category"
	ProfileRadiationProcedure            = mcodeProfileBase + "mcode-cancer-related-radiation-procedure"
	ProfileSurgicalProcedure             = mcodeProfileBase + "mcode-cancer-related-surgical-procedure"
	ProfileMedicationStatement           = mcodeProfileBase + "mcode-cancer-related-medication-statement"
	ProfileCancerDiseaseStatus           = mcodeProfileBase + "mcode-cancer-disease-status"
)

const (
	tnmClinical   = "clinical"
	tnmPathologic = "pathologic"
)

// stagingCategory is the TNM category an observation reports.
type stagingCategory int

const (
	categoryPrimaryTumor stagingCategory = iota + 1
	categoryRegionalNodes
	categoryDistantMetastases
)

var categoryProfiles = map[string]stagingCategory{
	ProfileClinicalPrimaryTumor:          categoryPrimaryTumor,
	ProfileClinicalRegionalNodes:         categoryRegionalNodes,
	ProfileClinicalDistantMetastases:     categoryDistantMetastases,
	ProfilePathologicalPrimaryTumor:      categoryPrimaryTumor,
	ProfilePathologicalRegionalNodes:     categoryRegionalNodes,
	ProfilePathologicalDistantMetastases: categoryDistantMetastases,
}

// bundleScan holds the entries of an mCODE bundle sorted into buckets by resource type
// and profile, plus the hasMember lists of stage groups.
type bundleScan struct {
	patient             *fhirResource
	conditions          []CancerCondition
	primaryConditionIDs []string
	stageGroups         []*fhirResource
	categoryEntries     []*fhirResource
	members             map[string][]string
	procedures          []CancerRelatedProcedure
	labsVitals          []LabsVital
	medications         []MedicationStatement
	diseaseStatus       *OntologyClass
}

// resolveMCodeBundle maps an mCODE FHIR bundle to one oncology packet.
//
// Stage groups name their categories through hasMember, and members may appear anywhere
// in the bundle. The resolver therefore scans every entry first, recording each group's
// member IDs, then tags the category observations, then joins categories into the
// groups that list them. Category observations never become stagings of their own.
func resolveMCodeBundle(bundle *fhirBundle) (*mcodeRecord, error) {
	scan := scanBundle(bundle)

	if scan.patient == nil {
		return nil, NewMalformedInputError(nil, "bundle has no Patient resource")
	}

	subject, err := patientToSubject(scan.patient)
	if err != nil {
		return nil, err
	}

	categories := tagCategories(scan.categoryEntries)

	record := &mcodeRecord{
		id:                   uuid.NewString(),
		subject:              subject,
		labsVitals:           scan.labsVitals,
		procedures:           scan.procedures,
		medicationStatements: scan.medications,
		cancerDiseaseStatus:  scan.diseaseStatus,
	}

	conditionIndex := make(map[string]int, len(scan.conditions))
	for i, condition := range scan.conditions {
		record.conditions = append(record.conditions, cancerConditionDocument{CancerCondition: condition})
		conditionIndex[condition.ID] = i
	}

	for _, group := range scan.stageGroups {
		staging := joinStageGroup(group, scan.members[group.ID], categories)

		staging.CancerConditionID = stagingCondition(group, scan.primaryConditionIDs)
		if staging.CancerConditionID == "" {
			return nil, NewMalformedInputError(nil,
				"stage group %s has no focus and the bundle has no primary cancer condition", group.ID)
		}

		if i, ok := conditionIndex[staging.CancerConditionID]; ok {
			record.conditions[i].TNMStaging = append(record.conditions[i].TNMStaging, staging)
		} else {
			record.stagings = append(record.stagings, staging)
		}
	}

	for i := range record.labsVitals {
		if record.labsVitals[i].IndividualID == "" {
			record.labsVitals[i].IndividualID = subject.ID
		}
	}

	return record, nil
}

// scanBundle is the first pass: classify every entry and record stage group members.
func scanBundle(bundle *fhirBundle) *bundleScan {
	scan := &bundleScan{members: make(map[string][]string)}

	for i := range bundle.Entry {
		resource := &bundle.Entry[i].Resource

		switch resource.ResourceType {
		case "Patient":
			if scan.patient == nil || resource.hasProfile(ProfileCancerPatient) {
				scan.patient = resource
			}
		case "Condition":
			scan.addCondition(resource)
		case "Observation":
			scan.addObservation(resource)
		case "Procedure":
			scan.addProcedure(resource)
		case "MedicationStatement":
			if resource.hasProfile(ProfileMedicationStatement) {
				scan.medications = append(scan.medications, medicationStatement(resource))
			}
		}
	}

	return scan
}

func (s *bundleScan) addCondition(resource *fhirResource) {
	var conditionType string

	switch {
	case resource.hasProfile(ProfilePrimaryCancerCondition):
		conditionType = "primary"
		s.primaryConditionIDs = append(s.primaryConditionIDs, resource.ID)
	case resource.hasProfile(ProfileSecondaryCancerCondition):
		conditionType = "secondary"
	default:
		return
	}

	condition := CancerCondition{
		ID:                          resource.ID,
		ConditionType:               conditionType,
		ClinicalStatus:              resource.ClinicalStatus.plainClass(),
		VerificationStatus:          resource.VerificationStatus.plainClass(),
		DateOfDiagnosis:             resource.RecordedDate,
		BodySite:                    systemClasses(resource.bodySites()),
		Laterality:                  resource.extensionClass("laterality"),
		HistologyMorphologyBehavior: resource.extensionClass("histology-morphology-behavior"),
	}

	if code := resource.Code.systemClass(); code != nil {
		condition.Code = *code
	}

	s.conditions = append(s.conditions, condition)
}

func (s *bundleScan) addObservation(resource *fhirResource) {
	switch {
	case resource.hasProfile(ProfileClinicalStageGroup), resource.hasProfile(ProfilePathologicalStageGroup):
		s.stageGroups = append(s.stageGroups, resource)

		for _, member := range resource.HasMember {
			s.members[resource.ID] = append(s.members[resource.ID], canonicalization.ReferenceID(member.Reference))
		}
	case resource.hasProfile(ProfileTumorMarker):
		s.labsVitals = append(s.labsVitals, labsVital(resource))
	case resource.hasProfile(ProfileCancerDiseaseStatus):
		s.diseaseStatus = resource.ValueCodeableConcept.systemClass()
	default:
		for profile := range categoryProfiles {
			if resource.hasProfile(profile) {
				s.categoryEntries = append(s.categoryEntries, resource)

				return
			}
		}
	}
}

func (s *bundleScan) addProcedure(resource *fhirResource) {
	var procedureType string

	switch {
	case resource.hasProfile(ProfileRadiationProcedure):
		procedureType = "radiation"
	case resource.hasProfile(ProfileSurgicalProcedure):
		procedureType = "surgical"
	default:
		return
	}

	procedure := CancerRelatedProcedure{
		ID:            resource.ID,
		ProcedureType: procedureType,
		BodySite:      systemClasses(resource.bodySites()),
		Laterality:    resource.extensionClass("laterality"),
		ReasonCode:    systemClasses(resource.ReasonCode),
	}

	if code := resource.Code.systemClass(); code != nil {
		procedure.Code = *code
	}

	if intent := resource.extensionClass("treatment-intent"); intent != nil {
		procedure.TreatmentIntent = []OntologyClass{*intent}
	}

	for _, reference := range resource.ReasonReference {
		procedure.ReasonReference = append(procedure.ReasonReference, canonicalization.ReferenceID(reference.Reference))
	}

	s.procedures = append(s.procedures, procedure)
}

// categoryValue is a tagged TNM category observation.
type categoryValue struct {
	category stagingCategory
	value    *OntologyClass
}

// tagCategories is the second pass: tag each category observation with its kind.
func tagCategories(entries []*fhirResource) map[string]categoryValue {
	tagged := make(map[string]categoryValue, len(entries))

	for _, resource := range entries {
		for _, profile := range resource.Meta.Profile {
			category, ok := categoryProfiles[profile]
			if !ok {
				continue
			}

			tagged[resource.ID] = categoryValue{category: category, value: observationValue(resource)}

			break
		}
	}

	return tagged
}

// joinStageGroup is the join pass: attach every tagged category the group lists.
func joinStageGroup(group *fhirResource, memberIDs []string, categories map[string]categoryValue) TNMStaging {
	staging := TNMStaging{
		ID:      group.ID,
		TNMType: tnmClinical,
	}

	if group.hasProfile(ProfilePathologicalStageGroup) {
		staging.TNMType = tnmPathologic
	}

	if value := observationValue(group); value != nil {
		staging.StageGroup = *value
	}

	for _, memberID := range memberIDs {
		member, ok := categories[memberID]
		if !ok {
			continue
		}

		switch member.category {
		case categoryPrimaryTumor:
			staging.PrimaryTumorCategory = member.value
		case categoryRegionalNodes:
			staging.RegionalNodesCategory = member.value
		case categoryDistantMetastases:
			staging.DistantMetastasesCategory = member.value
		}
	}

	return staging
}

// stagingCondition picks the condition a stage group belongs to: its focus, else the
// first primary cancer condition of the bundle.
func stagingCondition(group *fhirResource, primaryConditionIDs []string) string {
	for _, focus := range group.Focus {
		if id := canonicalization.ReferenceID(focus.Reference); id != "" {
			return id
		}
	}

	if len(primaryConditionIDs) > 0 {
		return primaryConditionIDs[0]
	}

	return ""
}

// observationValue prefers valueCodeableConcept and falls back to the observation code.
func observationValue(resource *fhirResource) *OntologyClass {
	if value := resource.ValueCodeableConcept.systemClass(); value != nil {
		return value
	}

	return resource.Code.systemClass()
}

func labsVital(resource *fhirResource) LabsVital {
	labsVital := LabsVital{ID: resource.ID}

	if resource.Subject != nil {
		labsVital.IndividualID = canonicalization.ReferenceID(resource.Subject.Reference)
	}

	if code := resource.Code.systemClass(); code != nil {
		labsVital.TumorMarkerCode = *code
	}

	switch {
	case resource.ValueCodeableConcept != nil:
		if value := resource.ValueCodeableConcept.systemClass(); value != nil {
			labsVital.TumorMarkerDataValue, _ = json.Marshal(value)
		}
	case len(resource.ValueQuantity) > 0:
		labsVital.TumorMarkerDataValue = resource.ValueQuantity
	}

	return labsVital
}

func medicationStatement(resource *fhirResource) MedicationStatement {
	statement := MedicationStatement{
		ID:                resource.ID,
		TerminationReason: systemClasses(resource.StatusReason),
		TreatmentIntent:   resource.extensionClass("treatment-intent"),
	}

	if code := resource.MedicationCodeableConcept.systemClass(); code != nil {
		statement.MedicationCode = *code
	}

	if resource.EffectivePeriod != nil {
		statement.StartDate = resource.EffectivePeriod.Start
		statement.EndDate = resource.EffectivePeriod.End
	}

	return statement
}

// extensionClass reads the first extension whose URL ends with suffix.
func (r *fhirResource) extensionClass(suffix string) *OntologyClass {
	for _, extension := range r.Extension {
		if strings.HasSuffix(extension.URL, suffix) {
			return extension.ValueCodeableConcept.systemClass()
		}
	}

	return nil
}

// mcodeBundleAdapter ingests an mCODE FHIR bundle as one oncology packet.
type mcodeBundleAdapter struct{}

func (mcodeBundleAdapter) prepare(check *documentCheck, outputs Outputs) (plan, error) {
	raw, err := requireOutput(outputs, OutputJSONDocument)
	if err != nil {
		return nil, err
	}

	ok, err := check.validate(schema.FHIRBundle, raw, -1)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, check.err()
	}

	var bundle fhirBundle
	if err := decodeItem(raw, &bundle, -1); err != nil {
		return nil, err
	}

	record, err := resolveMCodeBundle(&bundle)
	if err != nil {
		return nil, err
	}

	return &mcodePlan{records: []*mcodeRecord{record}}, nil
}
