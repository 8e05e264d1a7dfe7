package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cohortbase-io/cohortbase/internal/canonicalization"
	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// FHIR workflow output keys.
const (
	OutputPatients     = "patients"
	OutputObservations = "observations"
	OutputConditions   = "conditions"
	OutputSpecimens    = "specimens"
	OutputCreatedBy    = "created_by"
)

const (
	defaultFHIRCreatedBy   = "Imported from file."
	fhirSchemaVersion      = "1.0.0-RC3"
	negativeInterpretation = "NEG"
)

var genderToSex = map[string]string{
	"male":    "MALE",
	"female":  "FEMALE",
	"other":   "OTHER_SEX",
	"unknown": "UNKNOWN_SEX",
}

// fhirAdapter ingests FHIR bundles of patients and, optionally, their specimens,
// observations and conditions. Each patient becomes a subject with a new root record;
// the other resources attach to the root record of the subject they reference.
type fhirAdapter struct{}

type fhirPlan struct {
	createdBy    string
	patients     *fhirBundle
	specimens    *fhirBundle
	observations *fhirBundle
	conditions   *fhirBundle
}

func (fhirAdapter) prepare(check *documentCheck, outputs Outputs) (plan, error) {
	if _, err := requireOutput(outputs, OutputPatients); err != nil {
		return nil, err
	}

	p := &fhirPlan{createdBy: defaultFHIRCreatedBy}
	if createdBy := strings.TrimSpace(string(outputs[OutputCreatedBy])); createdBy != "" {
		p.createdBy = createdBy
	}

	bundles := []struct {
		key  string
		into **fhirBundle
	}{
		{OutputPatients, &p.patients},
		{OutputSpecimens, &p.specimens},
		{OutputObservations, &p.observations},
		{OutputConditions, &p.conditions},
	}

	for _, b := range bundles {
		raw, ok := outputs[b.key]
		if !ok {
			continue
		}

		bundle, err := prepareBundle(check, b.key, raw)
		if err != nil {
			return nil, err
		}

		*b.into = bundle
	}

	if err := check.err(); err != nil {
		return nil, err
	}

	return p, nil
}

// prepareBundle validates one bundle output. Issues are labelled with the output key.
func prepareBundle(check *documentCheck, key string, raw []byte) (*fhirBundle, error) {
	before := len(check.issues)

	ok, err := check.validate(schema.FHIRBundle, raw, -1)
	if err != nil {
		return nil, withPrefix(err, key)
	}

	for i := before; i < len(check.issues); i++ {
		check.issues[i].Message = key + ": " + check.issues[i].Message
	}

	if !ok {
		return nil, nil
	}

	var bundle fhirBundle
	if err := decodeItem(raw, &bundle, -1); err != nil {
		return nil, err
	}

	return &bundle, nil
}

func (p *fhirPlan) apply(ctx context.Context, g *graph) error {
	packets := make(map[string]string)

	for _, entry := range p.patients.entries("Patient") {
		if err := p.ingestPatient(ctx, g, entry, packets); err != nil {
			return err
		}
	}

	for _, entry := range p.specimens.entries("Specimen") {
		if err := ingestSpecimen(ctx, g, entry, packets); err != nil {
			return err
		}
	}

	for _, entry := range p.observations.entries("Observation") {
		if err := ingestObservation(ctx, g, entry, packets); err != nil {
			return err
		}
	}

	for _, entry := range p.conditions.entries("Condition") {
		if err := ingestCondition(ctx, g, entry, packets); err != nil {
			return err
		}
	}

	return nil
}

// entries returns the resources of the given type, in bundle order.
func (b *fhirBundle) entries(resourceType string) []*fhirResource {
	if b == nil {
		return nil
	}

	var out []*fhirResource

	for i := range b.Entry {
		if b.Entry[i].Resource.ResourceType == resourceType {
			out = append(out, &b.Entry[i].Resource)
		}
	}

	return out
}

func (p *fhirPlan) ingestPatient(ctx context.Context, g *graph, resource *fhirResource, packets map[string]string) error {
	subject, err := patientToSubject(resource)
	if err != nil {
		return err
	}

	if err := g.subject(ctx, subject); err != nil {
		return err
	}

	metadata := &Metadata{
		Created:                  time.Now().UTC(),
		CreatedBy:                p.createdBy,
		PhenopacketSchemaVersion: fhirSchemaVersion,
	}

	if err := g.metadata(ctx, metadata); err != nil {
		return err
	}

	phenopacket := &Phenopacket{ID: uuid.NewString(), SubjectID: subject.ID, MetadataID: metadata.ID}
	if err := g.phenopacket(ctx, phenopacket); err != nil {
		return err
	}

	packets[subject.ID] = phenopacket.ID

	return nil
}

func patientToSubject(resource *fhirResource) (*Subject, error) {
	dob, err := parseDate(resource.BirthDate)
	if err != nil {
		return nil, NewMalformedInputError(err, "Patient %s has an invalid birthDate", resource.ID)
	}

	subject := &Subject{
		ID:          resource.ID,
		DateOfBirth: dob,
		Active:      resource.Active,
		Deceased:    resource.DeceasedBoolean,
	}

	for _, identifier := range resource.Identifier {
		if identifier.Value != "" {
			subject.AlternateIDs = append(subject.AlternateIDs, identifier.Value)
		}
	}

	if resource.Gender != "" {
		sex, ok := genderToSex[strings.ToLower(resource.Gender)]
		if !ok {
			sex = genderToSex["unknown"]
		}

		subject.Sex = sex
	}

	return subject, nil
}

// subjectPacket finds the root record a resource attaches to: one created for its
// subject in this call, else the oldest already stored.
func subjectPacket(ctx context.Context, g *graph, resource *fhirResource, packets map[string]string) (string, string, error) {
	if resource.Subject == nil || resource.Subject.Reference == "" {
		return "", "", NewReferentialError(resource.ID,
			"%s %s doesn't have a subject", resource.ResourceType, resource.ID)
	}

	subjectID := canonicalization.ReferenceID(resource.Subject.Reference)

	if packetID, ok := packets[subjectID]; ok {
		return subjectID, packetID, nil
	}

	packetIDs, err := g.uow.FindPhenopacketsBySubject(ctx, subjectID)
	if err != nil {
		return "", "", fmt.Errorf("find phenopackets of subject %s: %w", subjectID, err)
	}

	if len(packetIDs) == 0 {
		return "", "", NewReferentialError(subjectID,
			"subject %s of %s %s has not been ingested", subjectID, resource.ResourceType, resource.ID)
	}

	packets[subjectID] = packetIDs[0]

	return subjectID, packetIDs[0], nil
}

func ingestSpecimen(ctx context.Context, g *graph, resource *fhirResource, packets map[string]string) error {
	subjectID, packetID, err := subjectPacket(ctx, g, resource, packets)
	if err != nil {
		return err
	}

	procedure := &Procedure{}

	if resource.Collection != nil {
		if code := resource.Collection.Method.plainClass(); code != nil {
			procedure.Code = *code
		}

		procedure.BodySite = resource.Collection.BodySite.plainClass()
	}

	if err := g.procedure(ctx, procedure); err != nil {
		return err
	}

	biosample := &Biosample{
		ID:            resource.ID,
		IndividualID:  subjectID,
		ProcedureKey:  procedure.Key,
		SampledTissue: resource.Type.plainClass(),
	}

	if _, err := g.biosample(ctx, biosample); err != nil {
		return err
	}

	return g.link(ctx, RelPhenopacketBiosamples, packetID, biosample.ID)
}

func ingestObservation(ctx context.Context, g *graph, resource *fhirResource, packets map[string]string) error {
	_, packetID, err := subjectPacket(ctx, g, resource, packets)
	if err != nil {
		return err
	}

	feature := &PhenotypicFeature{Description: resource.ID}
	if code := resource.Code.plainClass(); code != nil {
		feature.Type = *code
	}

	for i := range resource.Interpretation {
		if coding := resource.Interpretation[i].first(); coding != nil && coding.Code == negativeInterpretation {
			feature.Negated = true
		}
	}

	if err := g.phenotypicFeature(ctx, feature); err != nil {
		return err
	}

	if err := g.link(ctx, RelPhenopacketFeatures, packetID, feature.ID); err != nil {
		return err
	}

	if resource.Specimen == nil || resource.Specimen.Reference == "" {
		return nil
	}

	biosampleID := canonicalization.ReferenceID(resource.Specimen.Reference)

	exists, err := g.exists(ctx, KindBiosample, biosampleID)
	if err != nil {
		return err
	}

	if !exists {
		g.logger.Warn("Observation references a specimen that has not been ingested",
			slog.String("observation_id", resource.ID),
			slog.String("biosample_id", biosampleID))

		return nil
	}

	return g.link(ctx, RelBiosampleFeatures, biosampleID, feature.ID)
}

func ingestCondition(ctx context.Context, g *graph, resource *fhirResource, packets map[string]string) error {
	_, packetID, err := subjectPacket(ctx, g, resource, packets)
	if err != nil {
		return err
	}

	disease := &Disease{}
	if code := resource.Code.plainClass(); code != nil {
		disease.Term = *code
	}

	if err := g.disease(ctx, disease); err != nil {
		return err
	}

	return g.link(ctx, RelPhenopacketDiseases, packetID, disease.Key)
}

// plainClass maps the first coding to {code, display}.
func (c *fhirCodeableConcept) plainClass() *OntologyClass {
	coding := c.first()
	if coding == nil {
		return nil
	}

	return &OntologyClass{ID: coding.Code, Label: coding.Display}
}

// systemClass maps the first coding to {"<system>:<code>", display}.
func (c *fhirCodeableConcept) systemClass() *OntologyClass {
	coding := c.first()
	if coding == nil {
		return nil
	}

	return &OntologyClass{ID: canonicalization.CodeID(coding.System, coding.Code), Label: coding.Display}
}

// systemClasses maps every coding of every concept.
func systemClasses(concepts []fhirCodeableConcept) []OntologyClass {
	var out []OntologyClass

	for _, concept := range concepts {
		for _, coding := range concept.Coding {
			out = append(out, OntologyClass{
				ID:    canonicalization.CodeID(coding.System, coding.Code),
				Label: coding.Display,
			})
		}
	}

	return out
}
