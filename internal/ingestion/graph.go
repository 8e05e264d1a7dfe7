package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cohortbase-io/cohortbase/internal/canonicalization"
)

// CreatedEntity names one entity created by an ingestion call.
type CreatedEntity struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// graph orders entity creation for one unit of work. Every referenced child is resolved
// before its parent is created, and links are made only once both sides exist.
//
// The graph records what it created so the outcome can report it; reused entities are
// never written.
type graph struct {
	uow     UnitOfWork
	table   *Table
	logger  *slog.Logger
	created []CreatedEntity
}

func newGraph(uow UnitOfWork, table *Table, logger *slog.Logger) *graph {
	return &graph{uow: uow, table: table, logger: logger}
}

func (g *graph) track(kind Kind, id string) {
	g.created = append(g.created, CreatedEntity{Kind: kind, ID: id})
}

// resolve runs a get-or-create and records the entity when it was created.
func resolve[T any](
	ctx context.Context,
	g *graph,
	kind Kind,
	id string,
	entity *T,
	fn func(context.Context, *T) (bool, error),
) (bool, error) {
	created, err := fn(ctx, entity)
	if err != nil {
		return false, fmt.Errorf("resolve %s %s: %w", kind, id, err)
	}

	if created {
		g.track(kind, id)
	} else {
		g.logger.Debug("Reusing existing entity",
			slog.String("kind", string(kind)),
			slog.String("id", id))
	}

	return created, nil
}

// create inserts an always-new entity and records it.
func create[T any](
	ctx context.Context,
	g *graph,
	kind Kind,
	id string,
	entity *T,
	fn func(context.Context, *T) error,
) error {
	if err := fn(ctx, entity); err != nil {
		return fmt.Errorf("create %s %s: %w", kind, id, err)
	}

	g.track(kind, id)

	return nil
}

func (g *graph) link(ctx context.Context, relation Relation, fromID, toID string) error {
	if err := g.uow.Link(ctx, relation, fromID, toID); err != nil {
		return fmt.Errorf("link %s %s -> %s: %w", relation, fromID, toID, err)
	}

	return nil
}

func (g *graph) linkAll(ctx context.Context, relation Relation, fromID string, toIDs []string) error {
	for _, toID := range toIDs {
		if err := g.link(ctx, relation, fromID, toID); err != nil {
			return err
		}
	}

	return nil
}

// exists reports whether an entity is visible to the unit of work.
func (g *graph) exists(ctx context.Context, kind Kind, id string) (bool, error) {
	ok, err := g.uow.Exists(ctx, kind, id)
	if err != nil {
		return false, fmt.Errorf("look up %s %s: %w", kind, id, err)
	}

	return ok, nil
}

// ============================================================================
// Reusable Entities
// ============================================================================

func (g *graph) subject(ctx context.Context, subject *Subject) error {
	_, err := resolve(ctx, g, KindSubject, subject.ID, subject, g.uow.ResolveSubject)

	return err
}

// resource derives the resource ID from namespace prefix and version before the
// get-or-create.
func (g *graph) resource(ctx context.Context, resource *Resource) error {
	id, err := canonicalization.GenerateResourceID(resource.NamespacePrefix, resource.Version)
	if err != nil {
		return NewMalformedInputError(err, "resource %q has an invalid identifier", resource.Name)
	}

	resource.ID = id

	_, err = resolve(ctx, g, KindResource, resource.ID, resource, g.uow.ResolveResource)

	return err
}

func (g *graph) gene(ctx context.Context, gene *Gene) error {
	key, err := naturalKey(KindGene, gene.ID)
	if err != nil {
		return err
	}

	gene.Key = key

	_, err = resolve(ctx, g, KindGene, gene.Key, gene, g.uow.ResolveGene)

	return err
}

func (g *graph) disease(ctx context.Context, disease *Disease) error {
	key, err := naturalKey(KindDisease, disease.Term, disease.DiseaseStage, disease.ClinicalTNMFinding, disease.Onset)
	if err != nil {
		return err
	}

	disease.Key = key

	_, err = resolve(ctx, g, KindDisease, disease.Key, disease, g.uow.ResolveDisease)

	return err
}

func (g *graph) procedure(ctx context.Context, procedure *Procedure) error {
	key, err := naturalKey(KindProcedure, procedure.Code, procedure.BodySite, procedure.Performed)
	if err != nil {
		return err
	}

	procedure.Key = key

	_, err = resolve(ctx, g, KindProcedure, procedure.Key, procedure, g.uow.ResolveProcedure)

	return err
}

func (g *graph) variant(ctx context.Context, variant *Variant) error {
	key, err := naturalKey(KindVariant, variant.AlleleType, variant.Allele, variant.Zygosity)
	if err != nil {
		return err
	}

	variant.Key = key

	_, err = resolve(ctx, g, KindVariant, variant.Key, variant, g.uow.ResolveVariant)

	return err
}

func (g *graph) htsFile(ctx context.Context, file *HTSFile) error {
	_, err := resolve(ctx, g, KindHTSFile, file.URI, file, g.uow.ResolveHTSFile)

	return err
}

// biosample reports whether the sample was created, since features, variants and files
// are attached only on first creation.
func (g *graph) biosample(ctx context.Context, biosample *Biosample) (bool, error) {
	return resolve(ctx, g, KindBiosample, biosample.ID, biosample, g.uow.ResolveBiosample)
}

// instrument resolves by identifier, generating one when absent.
func (g *graph) instrument(ctx context.Context, instrument *Instrument) error {
	if instrument.Identifier == "" {
		instrument.Identifier = uuid.NewString()
	}

	_, err := resolve(ctx, g, KindInstrument, instrument.Identifier, instrument, g.uow.ResolveInstrument)

	return err
}

func (g *graph) cancerCondition(ctx context.Context, condition *CancerCondition) error {
	_, err := resolve(ctx, g, KindCancerCondition, condition.ID, condition, g.uow.ResolveCancerCondition)

	return err
}

func (g *graph) tnmStaging(ctx context.Context, staging *TNMStaging) error {
	_, err := resolve(ctx, g, KindTNMStaging, staging.ID, staging, g.uow.ResolveTNMStaging)

	return err
}

func (g *graph) medicationStatement(ctx context.Context, statement *MedicationStatement) error {
	_, err := resolve(ctx, g, KindMedicationStatement, statement.ID, statement, g.uow.ResolveMedicationStatement)

	return err
}

func (g *graph) labsVital(ctx context.Context, labsVital *LabsVital) error {
	_, err := resolve(ctx, g, KindLabsVital, labsVital.ID, labsVital, g.uow.ResolveLabsVital)

	return err
}

// ============================================================================
// Always-New Entities
// ============================================================================

func (g *graph) phenotypicFeature(ctx context.Context, feature *PhenotypicFeature) error {
	feature.ID = uuid.NewString()

	return create(ctx, g, KindPhenotypicFeature, feature.ID, feature, g.uow.CreatePhenotypicFeature)
}

// phenotypicFeatures creates every feature and returns their IDs in input order.
func (g *graph) phenotypicFeatures(ctx context.Context, docs []phenotypicFeatureDocument) ([]string, error) {
	ids := make([]string, 0, len(docs))

	for _, doc := range docs {
		feature := doc.feature()
		if err := g.phenotypicFeature(ctx, feature); err != nil {
			return nil, err
		}

		ids = append(ids, feature.ID)
	}

	return ids, nil
}

func (g *graph) metadata(ctx context.Context, metadata *Metadata) error {
	metadata.ID = uuid.NewString()

	return create(ctx, g, KindMetadata, metadata.ID, metadata, g.uow.CreateMetadata)
}

func (g *graph) phenopacket(ctx context.Context, phenopacket *Phenopacket) error {
	phenopacket.TableID = g.table.ID

	return create(ctx, g, KindPhenopacket, phenopacket.ID, phenopacket, g.uow.CreatePhenopacket)
}

func (g *graph) experimentResult(ctx context.Context, result *ExperimentResult) error {
	result.ID = uuid.NewString()

	return create(ctx, g, KindExperimentResult, result.ID, result, g.uow.CreateExperimentResult)
}

func (g *graph) experiment(ctx context.Context, experiment *Experiment) error {
	experiment.TableID = g.table.ID

	return create(ctx, g, KindExperiment, experiment.ID, experiment, g.uow.CreateExperiment)
}

func (g *graph) mcodePacket(ctx context.Context, packet *MCodePacket) error {
	packet.TableID = g.table.ID

	return create(ctx, g, KindMCodePacket, packet.ID, packet, g.uow.CreateMCodePacket)
}

// naturalKey hashes the canonical form of the key fields of kind.
func naturalKey(kind Kind, fields ...any) (string, error) {
	key, err := canonicalization.NaturalKey(string(kind), fields...)
	if err != nil {
		return "", NewMalformedInputError(err, "cannot derive %s key", kind)
	}

	return key, nil
}
