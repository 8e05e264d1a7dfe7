package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// experimentAdapter ingests an experiment batch: {resources[], experiments[]}.
type experimentAdapter struct{}

type experimentPlan struct {
	resources   []Resource
	experiments []experimentDocument
}

func (experimentAdapter) prepare(check *documentCheck, outputs Outputs) (plan, error) {
	raw, err := requireOutput(outputs, OutputJSONDocument)
	if err != nil {
		return nil, err
	}

	ok, err := check.validate(schema.ExperimentBatch, raw, -1)
	if err != nil {
		return nil, err
	}

	if !ok {
		// The items still carry deprecation warnings when only the envelope is invalid.
		var envelope struct {
			Experiments []json.RawMessage `json:"experiments"`
		}

		if json.Unmarshal(raw, &envelope) == nil {
			for _, item := range envelope.Experiments {
				check.warn(schema.Experiment, item)
			}
		}

		return nil, check.err()
	}

	var batch experimentBatchDocument
	if err := decodeItem(raw, &batch, -1); err != nil {
		return nil, err
	}

	p := &experimentPlan{resources: batch.Resources}

	for i, item := range batch.Experiments {
		ok, err := check.validate(schema.Experiment, item, i)
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		var doc experimentDocument
		if err := decodeItem(item, &doc, i); err != nil {
			return nil, err
		}

		p.experiments = append(p.experiments, doc)
	}

	if err := check.err(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *experimentPlan) apply(ctx context.Context, g *graph) error {
	for i := range p.resources {
		if err := g.resource(ctx, &p.resources[i]); err != nil {
			return err
		}

		if err := g.link(ctx, RelDatasetResources, g.table.DatasetID, p.resources[i].ID); err != nil {
			return err
		}
	}

	for i := range p.experiments {
		if err := ingestExperiment(ctx, g, &p.experiments[i]); err != nil {
			return atIndex(err, i)
		}
	}

	return nil
}

// ingestExperiment checks the biosample before creating anything, so a missing sample
// leaves no instrument or results behind even before rollback.
func ingestExperiment(ctx context.Context, g *graph, doc *experimentDocument) error {
	exists, err := g.exists(ctx, KindBiosample, doc.BiosampleRef)
	if err != nil {
		return err
	}

	if !exists {
		return NewReferentialError(doc.BiosampleRef, "biosample %s does not exist", doc.BiosampleRef)
	}

	experiment := doc.Experiment
	if experiment.ID == "" {
		experiment.ID = uuid.NewString()
	}

	exists, err = g.exists(ctx, KindExperiment, experiment.ID)
	if err != nil {
		return err
	}

	if exists {
		return NewDuplicateError(experiment.ID, "experiment %s", experiment.ID)
	}

	resultIDs := make([]string, 0, len(doc.ExperimentResults))

	for i := range doc.ExperimentResults {
		if err := g.experimentResult(ctx, &doc.ExperimentResults[i]); err != nil {
			return err
		}

		resultIDs = append(resultIDs, doc.ExperimentResults[i].ID)
	}

	instrument := doc.Instrument
	if instrument == nil {
		instrument = &Instrument{}
	}

	if err := g.instrument(ctx, instrument); err != nil {
		return err
	}

	experiment.BiosampleID = doc.BiosampleRef
	experiment.InstrumentID = instrument.Identifier

	if err := g.experiment(ctx, &experiment); err != nil {
		return err
	}

	return g.linkAll(ctx, RelExperimentResults, experiment.ID, resultIDs)
}

// derivedResultsAdapter ingests experiment results derived from results already stored,
// such as MAF files produced from an ingested VCF. Each result names its source in
// extra_properties.derived_from and is attached to the experiment owning that source.
type derivedResultsAdapter struct{}

type derivedResultsPlan struct {
	list    bool
	results []ExperimentResult
}

func (derivedResultsAdapter) prepare(check *documentCheck, outputs Outputs) (plan, error) {
	raw, err := requireOutput(outputs, OutputJSONDocument)
	if err != nil {
		return nil, err
	}

	items, list, err := splitDocument(raw)
	if err != nil {
		return nil, err
	}

	p := &derivedResultsPlan{list: list}

	for i, item := range items {
		ok, err := check.validate(schema.ExperimentResult, item, itemIndex(i, list))
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		var result ExperimentResult
		if err := decodeItem(item, &result, itemIndex(i, list)); err != nil {
			return nil, err
		}

		p.results = append(p.results, result)
	}

	if err := check.err(); err != nil {
		return nil, err
	}

	return p, nil
}

// apply links each result to the experiment owning the result it was derived from.
// Results whose source cannot be found are skipped. When several experiments own a
// result with the source identifier, the first by experiment ID is used.
func (p *derivedResultsPlan) apply(ctx context.Context, g *graph) error {
	for i := range p.results {
		result := &p.results[i]
		source := derivedFrom(result)

		var experimentIDs []string

		if source != "" {
			ids, err := g.uow.FindExperimentsByResultIdentifier(ctx, source)
			if err != nil {
				return atIndex(fmt.Errorf("find experiments for result %s: %w", source, err), itemIndex(i, p.list))
			}

			experimentIDs = ids
		}

		if len(experimentIDs) == 0 {
			g.logger.Warn("Derived result could not be associated with an experiment",
				slog.String("file_format", result.FileFormat),
				slog.String("filename", result.Filename),
				slog.String("derived_from", source))

			continue
		}

		if len(experimentIDs) > 1 {
			g.logger.Warn("Derived result source is owned by several experiments, using the first",
				slog.String("derived_from", source),
				slog.Any("experiment_ids", experimentIDs))
		}

		if err := g.experimentResult(ctx, result); err != nil {
			return atIndex(err, itemIndex(i, p.list))
		}

		if err := g.link(ctx, RelExperimentResults, experimentIDs[0], result.ID); err != nil {
			return atIndex(err, itemIndex(i, p.list))
		}
	}

	return nil
}
