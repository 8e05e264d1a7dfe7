package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cohortbase-io/cohortbase/internal/schema"
)

type (
	// mcodePacketDocument is the native oncology packet shape.
	mcodePacketDocument struct {
		ID                      string                   `json:"id"`
		Subject                 individualDocument       `json:"subject"`
		CancerCondition         json.RawMessage          `json:"cancer_condition"`
		TNMStaging              []TNMStaging             `json:"tnm_staging"`
		TumorMarker             []LabsVital              `json:"tumor_marker"`
		CancerRelatedProcedures []CancerRelatedProcedure `json:"cancer_related_procedures"`
		MedicationStatement     *MedicationStatement     `json:"medication_statement"`
		DateOfDeath             string                   `json:"date_of_death"`
		CancerDiseaseStatus     *OntologyClass           `json:"cancer_disease_status"`
		ExtraProperties         json.RawMessage          `json:"extra_properties"`
	}

	cancerConditionDocument struct {
		CancerCondition

		TNMStaging []TNMStaging `json:"tnm_staging"`
	}

	// mcodeRecord is one oncology packet ready to ingest, whichever shape it came from.
	mcodeRecord struct {
		id                   string
		subject              *Subject
		conditions           []cancerConditionDocument
		stagings             []TNMStaging
		labsVitals           []LabsVital
		procedures           []CancerRelatedProcedure
		medicationStatements []MedicationStatement
		dateOfDeath          string
		cancerDiseaseStatus  *OntologyClass
		extraProperties      json.RawMessage
	}
)

// conditions reads cancer_condition, which may be a single object or a list.
func (d *mcodePacketDocument) conditions() ([]cancerConditionDocument, error) {
	raw := bytes.TrimSpace(d.CancerCondition)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if raw[0] == '[' {
		var list []cancerConditionDocument
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, NewMalformedInputError(err, "cancer_condition does not match the expected shape")
		}

		return list, nil
	}

	var single cancerConditionDocument
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, NewMalformedInputError(err, "cancer_condition does not match the expected shape")
	}

	return []cancerConditionDocument{single}, nil
}

func (d *mcodePacketDocument) record() (*mcodeRecord, error) {
	subject, err := d.Subject.subject()
	if err != nil {
		return nil, err
	}

	conditions, err := d.conditions()
	if err != nil {
		return nil, err
	}

	record := &mcodeRecord{
		id:                  d.ID,
		subject:             subject,
		conditions:          conditions,
		stagings:            d.TNMStaging,
		labsVitals:          d.TumorMarker,
		procedures:          d.CancerRelatedProcedures,
		dateOfDeath:         d.DateOfDeath,
		cancerDiseaseStatus: d.CancerDiseaseStatus,
		extraProperties:     d.ExtraProperties,
	}

	if d.MedicationStatement != nil {
		record.medicationStatements = []MedicationStatement{*d.MedicationStatement}
	}

	return record, nil
}

// mcodeAdapter ingests native oncology packets, a single object or a list.
type mcodeAdapter struct{}

type mcodePlan struct {
	list    bool
	records []*mcodeRecord
}

func (mcodeAdapter) prepare(check *documentCheck, outputs Outputs) (plan, error) {
	raw, err := requireOutput(outputs, OutputJSONDocument)
	if err != nil {
		return nil, err
	}

	items, list, err := splitDocument(raw)
	if err != nil {
		return nil, err
	}

	p := &mcodePlan{list: list}

	for i, item := range items {
		idx := itemIndex(i, list)

		ok, err := check.validate(schema.MCodePacket, item, idx)
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		var doc mcodePacketDocument
		if err := decodeItem(item, &doc, idx); err != nil {
			return nil, err
		}

		record, err := doc.record()
		if err != nil {
			return nil, atIndex(err, idx)
		}

		p.records = append(p.records, record)
	}

	if err := check.err(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *mcodePlan) apply(ctx context.Context, g *graph) error {
	for i, record := range p.records {
		if err := ingestMCodeRecord(ctx, g, record); err != nil {
			return atIndex(err, itemIndex(i, p.list))
		}
	}

	return nil
}

// ingestMCodeRecord resolves every oncology entity of a packet, then creates the packet.
// Conditions precede the stagings and procedures that reference them.
func ingestMCodeRecord(ctx context.Context, g *graph, record *mcodeRecord) error {
	id := record.id
	if id == "" {
		id = uuid.NewString()
	}

	exists, err := g.exists(ctx, KindMCodePacket, id)
	if err != nil {
		return err
	}

	if exists {
		return NewDuplicateError(id, "mcodepacket %s", id)
	}

	if err := g.subject(ctx, record.subject); err != nil {
		return err
	}

	conditionIDs := make([]string, 0, len(record.conditions))

	for i := range record.conditions {
		condition := &record.conditions[i]
		if err := g.cancerCondition(ctx, &condition.CancerCondition); err != nil {
			return err
		}

		conditionIDs = append(conditionIDs, condition.ID)

		for j := range condition.TNMStaging {
			condition.TNMStaging[j].CancerConditionID = condition.ID
			if err := g.tnmStaging(ctx, &condition.TNMStaging[j]); err != nil {
				return err
			}
		}
	}

	for i := range record.stagings {
		staging := &record.stagings[i]
		if err := requireEntity(ctx, g, KindCancerCondition, staging.CancerConditionID,
			"TNM staging %s", staging.ID); err != nil {
			return err
		}

		if err := g.tnmStaging(ctx, staging); err != nil {
			return err
		}
	}

	procedureIDs, err := ingestCancerRelatedProcedures(ctx, g, record.procedures)
	if err != nil {
		return err
	}

	var medicationStatementID string

	for i := range record.medicationStatements {
		if err := g.medicationStatement(ctx, &record.medicationStatements[i]); err != nil {
			return err
		}

		if medicationStatementID == "" {
			medicationStatementID = record.medicationStatements[i].ID
		}
	}

	if len(record.medicationStatements) > 1 {
		g.logger.Warn("Packet has several medication statements, referencing the first",
			slog.String("mcodepacket_id", id),
			slog.Int("count", len(record.medicationStatements)))
	}

	labsVitalIDs := make([]string, 0, len(record.labsVitals))

	for i := range record.labsVitals {
		labsVital := &record.labsVitals[i]
		if labsVital.IndividualID == "" {
			labsVital.IndividualID = record.subject.ID
		}

		if labsVital.IndividualID != record.subject.ID {
			if err := requireEntity(ctx, g, KindSubject, labsVital.IndividualID,
				"tumor marker %s", labsVital.ID); err != nil {
				return err
			}
		}

		if err := g.labsVital(ctx, labsVital); err != nil {
			return err
		}

		labsVitalIDs = append(labsVitalIDs, labsVital.ID)
	}

	packet := &MCodePacket{
		ID:                    id,
		SubjectID:             record.subject.ID,
		DateOfDeath:           record.dateOfDeath,
		CancerDiseaseStatus:   record.cancerDiseaseStatus,
		MedicationStatementID: medicationStatementID,
		ExtraProperties:       record.extraProperties,
	}

	if err := g.mcodePacket(ctx, packet); err != nil {
		return err
	}

	if err := g.linkAll(ctx, RelMCodePacketConditions, packet.ID, conditionIDs); err != nil {
		return err
	}

	if err := g.linkAll(ctx, RelMCodePacketProcedures, packet.ID, procedureIDs); err != nil {
		return err
	}

	return g.linkAll(ctx, RelMCodePacketLabsVitals, packet.ID, labsVitalIDs)
}

// ingestCancerRelatedProcedures resolves procedures. Every reason reference must name
// a known cancer condition; references are linked when the procedure is first created.
func ingestCancerRelatedProcedures(ctx context.Context, g *graph, procedures []CancerRelatedProcedure) ([]string, error) {
	ids := make([]string, 0, len(procedures))

	for i := range procedures {
		procedure := &procedures[i]

		for _, conditionID := range procedure.ReasonReference {
			if err := requireEntity(ctx, g, KindCancerCondition, conditionID,
				"cancer related procedure %s", procedure.ID); err != nil {
				return nil, err
			}
		}

		created, err := resolve(ctx, g, KindCancerRelatedProcedure, procedure.ID, procedure,
			g.uow.ResolveCancerRelatedProcedure)
		if err != nil {
			return nil, err
		}

		if created {
			if err := g.linkAll(ctx, RelProcedureReasons, procedure.ID, procedure.ReasonReference); err != nil {
				return nil, err
			}
		}

		ids = append(ids, procedure.ID)
	}

	return ids, nil
}

// requireEntity fails with a referential error naming owner when id is blank or unknown.
func requireEntity(ctx context.Context, g *graph, kind Kind, id, owner string, args ...any) error {
	label := fmt.Sprintf(owner, args...)

	if id == "" {
		return NewReferentialError(id, "%s does not name a %s", label, kind)
	}

	exists, err := g.exists(ctx, kind, id)
	if err != nil {
		return err
	}

	if !exists {
		return NewReferentialError(id, "%s references %s %s which does not exist", label, kind, id)
	}

	return nil
}
