package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// OutputJSONDocument is the output key of single-document workflows.
const OutputJSONDocument = "json_document"

// phenopacketAdapter ingests a phenopacket or a list of phenopackets.
type phenopacketAdapter struct{}

type phenopacketPlan struct {
	list    bool
	packets []phenopacketDocument
}

func (phenopacketAdapter) prepare(check *documentCheck, outputs Outputs) (plan, error) {
	raw, err := requireOutput(outputs, OutputJSONDocument)
	if err != nil {
		return nil, err
	}

	items, list, err := splitDocument(raw)
	if err != nil {
		return nil, err
	}

	p := &phenopacketPlan{list: list}

	// Every item is validated before any is decoded, so all issues are reported together.
	for i, item := range items {
		ok, err := check.validate(schema.Phenopacket, item, itemIndex(i, list))
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		var doc phenopacketDocument
		if err := decodeItem(item, &doc, itemIndex(i, list)); err != nil {
			return nil, err
		}

		p.packets = append(p.packets, doc)
	}

	if err := check.err(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *phenopacketPlan) apply(ctx context.Context, g *graph) error {
	for i := range p.packets {
		if err := ingestPhenopacket(ctx, g, &p.packets[i]); err != nil {
			return atIndex(err, itemIndex(i, p.list))
		}
	}

	return nil
}

func ingestPhenopacket(ctx context.Context, g *graph, doc *phenopacketDocument) error {
	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}

	exists, err := g.exists(ctx, KindPhenopacket, id)
	if err != nil {
		return err
	}

	if exists {
		return NewDuplicateError(id, "phenopacket %s", id)
	}

	subject, err := doc.Subject.subject()
	if err != nil {
		return err
	}

	if err := g.subject(ctx, subject); err != nil {
		return err
	}

	featureIDs, err := g.phenotypicFeatures(ctx, doc.PhenotypicFeatures)
	if err != nil {
		return err
	}

	biosampleIDs := make([]string, 0, len(doc.Biosamples))

	for i := range doc.Biosamples {
		if err := ingestBiosample(ctx, g, &doc.Biosamples[i], subject.ID); err != nil {
			return err
		}

		biosampleIDs = append(biosampleIDs, doc.Biosamples[i].ID)
	}

	geneKeys := make([]string, 0, len(doc.Genes))

	for i := range doc.Genes {
		if err := g.gene(ctx, &doc.Genes[i]); err != nil {
			return err
		}

		geneKeys = append(geneKeys, doc.Genes[i].Key)
	}

	diseaseKeys := make([]string, 0, len(doc.Diseases))

	for i := range doc.Diseases {
		if err := g.disease(ctx, &doc.Diseases[i]); err != nil {
			return err
		}

		diseaseKeys = append(diseaseKeys, doc.Diseases[i].Key)
	}

	fileURIs, err := resolveHTSFiles(ctx, g, doc.HTSFiles)
	if err != nil {
		return err
	}

	metadataID, err := ingestMetadata(ctx, g, &doc.MetaData)
	if err != nil {
		return err
	}

	phenopacket := &Phenopacket{ID: id, SubjectID: subject.ID, MetadataID: metadataID}
	if err := g.phenopacket(ctx, phenopacket); err != nil {
		return err
	}

	links := []struct {
		relation Relation
		ids      []string
	}{
		{RelPhenopacketFeatures, featureIDs},
		{RelPhenopacketBiosamples, biosampleIDs},
		{RelPhenopacketGenes, geneKeys},
		{RelPhenopacketDiseases, diseaseKeys},
		{RelPhenopacketHTSFiles, fileURIs},
	}

	for _, l := range links {
		if err := g.linkAll(ctx, l.relation, phenopacket.ID, l.ids); err != nil {
			return err
		}
	}

	return nil
}

// ingestBiosample resolves a sample and its procedure. A sample without an owner is
// assigned to the packet subject; any other owner must already exist. Features,
// variants and files are attached only when the sample is first created.
func ingestBiosample(ctx context.Context, g *graph, doc *biosampleDocument, subjectID string) error {
	if doc.IndividualID == "" {
		doc.IndividualID = subjectID
	}

	if doc.IndividualID != subjectID {
		exists, err := g.exists(ctx, KindSubject, doc.IndividualID)
		if err != nil {
			return err
		}

		if !exists {
			return NewReferentialError(doc.IndividualID,
				"biosample %s references individual %s which does not exist", doc.ID, doc.IndividualID)
		}
	}

	if err := g.procedure(ctx, &doc.Procedure); err != nil {
		return err
	}

	biosample := doc.Biosample
	biosample.ProcedureKey = doc.Procedure.Key

	created, err := g.biosample(ctx, &biosample)
	if err != nil {
		return err
	}

	if !created {
		return nil
	}

	featureIDs, err := g.phenotypicFeatures(ctx, doc.PhenotypicFeatures)
	if err != nil {
		return err
	}

	if err := g.linkAll(ctx, RelBiosampleFeatures, biosample.ID, featureIDs); err != nil {
		return err
	}

	for i := range doc.Variants {
		if err := g.variant(ctx, &doc.Variants[i]); err != nil {
			return err
		}

		if err := g.link(ctx, RelBiosampleVariants, biosample.ID, doc.Variants[i].Key); err != nil {
			return err
		}
	}

	fileURIs, err := resolveHTSFiles(ctx, g, doc.HTSFiles)
	if err != nil {
		return err
	}

	return g.linkAll(ctx, RelBiosampleHTSFiles, biosample.ID, fileURIs)
}

func resolveHTSFiles(ctx context.Context, g *graph, files []HTSFile) ([]string, error) {
	uris := make([]string, 0, len(files))

	for i := range files {
		if err := g.htsFile(ctx, &files[i]); err != nil {
			return nil, err
		}

		uris = append(uris, files[i].URI)
	}

	return uris, nil
}

// ingestMetadata creates the provenance record of one root record and attaches the
// resources it uses.
func ingestMetadata(ctx context.Context, g *graph, doc *metadataDocument) (string, error) {
	resourceIDs := make([]string, 0, len(doc.Resources))

	for i := range doc.Resources {
		if err := g.resource(ctx, &doc.Resources[i]); err != nil {
			return "", err
		}

		resourceIDs = append(resourceIDs, doc.Resources[i].ID)
	}

	created := time.Now().UTC()
	if doc.Created != nil {
		created = doc.Created.UTC()
	}

	metadata := &Metadata{
		Created:                  created,
		CreatedBy:                doc.CreatedBy,
		SubmittedBy:              doc.SubmittedBy,
		PhenopacketSchemaVersion: doc.PhenopacketSchemaVersion,
		ExternalReferences:       doc.ExternalReferences,
		ExtraProperties:          doc.ExtraProperties,
	}

	if err := g.metadata(ctx, metadata); err != nil {
		return "", err
	}

	if err := g.linkAll(ctx, RelMetadataResources, metadata.ID, resourceIDs); err != nil {
		return "", err
	}

	return metadata.ID, nil
}
