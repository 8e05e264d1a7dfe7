package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/cohortbase-io/cohortbase/internal/config"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
	"github.com/cohortbase-io/cohortbase/internal/schema"
)

const (
	itDatasetID = "dataset-it"
	itTableID   = "table-it"
)

// setupPostgresStore starts PostgreSQL, applies migrations and registers one
// phenopacket table.
func setupPostgresStore(ctx context.Context, t *testing.T) *PostgresStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewPostgresStore(&Connection{DB: testDB.Connection},
		WithStoreLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	require.NoError(t, store.CreateDataset(ctx, &ingestion.Dataset{ID: itDatasetID, Title: "Integration"}))
	require.NoError(t, store.CreateTable(ctx, &ingestion.Table{
		ID:        itTableID,
		Name:      "phenopackets",
		DataType:  ingestion.DataTypePhenopacket,
		DatasetID: itDatasetID,
	}))

	return store
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupPostgresStore(ctx, t)

	t.Run("HealthCheck", func(t *testing.T) {
		require.NoError(t, store.HealthCheck(ctx))
	})

	t.Run("DatasetsAndTables", func(t *testing.T) {
		err := store.CreateDataset(ctx, &ingestion.Dataset{ID: itDatasetID})
		assert.ErrorIs(t, err, ingestion.ErrConflict)

		err = store.CreateTable(ctx, &ingestion.Table{
			ID: itTableID, DataType: ingestion.DataTypePhenopacket, DatasetID: itDatasetID,
		})
		assert.ErrorIs(t, err, ingestion.ErrConflict)

		err = store.CreateTable(ctx, &ingestion.Table{
			ID: "orphan", DataType: ingestion.DataTypeExperiment, DatasetID: "missing",
		})
		assert.ErrorIs(t, err, ingestion.ErrNotFound)
	})

	t.Run("ResolveReusesCommittedEntities", func(t *testing.T) {
		uow, err := store.Begin(ctx)
		require.NoError(t, err)

		created, err := uow.ResolveGene(ctx, &ingestion.Gene{Key: "gene-key-347", ID: "HGNC:347", Symbol: "ETF1"})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = uow.ResolveGene(ctx, &ingestion.Gene{Key: "gene-key-347", ID: "HGNC:347", Symbol: "OTHER"})
		require.NoError(t, err)
		assert.False(t, created, "same unit must see its own write")
		require.NoError(t, uow.Commit())
		require.NoError(t, uow.Rollback(), "rollback after commit is a no-op")

		uow, err = store.Begin(ctx)
		require.NoError(t, err)

		defer func() {
			_ = uow.Rollback()
		}()

		created, err = uow.ResolveGene(ctx, &ingestion.Gene{Key: "gene-key-347", ID: "HGNC:347", Symbol: "CHANGED"})
		require.NoError(t, err)
		assert.False(t, created)

		var symbol string
		require.NoError(t, store.conn.QueryRowContext(ctx,
			`SELECT attributes->>'symbol' FROM genes WHERE id = $1`, "gene-key-347").Scan(&symbol))
		assert.Equal(t, "ETF1", symbol, "a reused entity is never modified")
	})

	t.Run("LockTimeoutIsTransient", func(t *testing.T) {
		bounded, err := NewPostgresStore(&Connection{DB: store.conn.DB, config: &Config{LockTimeout: 100 * time.Millisecond}},
			WithStoreLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		require.NoError(t, err)

		holder, err := store.Begin(ctx)
		require.NoError(t, err)

		defer func() {
			_ = holder.Rollback()
		}()

		_, err = holder.ResolveGene(ctx, &ingestion.Gene{Key: "gene-key-locked", ID: "HGNC:9", Symbol: "LOCK"})
		require.NoError(t, err)

		waiter, err := bounded.Begin(ctx)
		require.NoError(t, err)

		defer func() {
			_ = waiter.Rollback()
		}()

		started := time.Now()
		_, err = waiter.ResolveGene(ctx, &ingestion.Gene{Key: "gene-key-locked", ID: "HGNC:9", Symbol: "LOCK"})
		require.ErrorIs(t, err, ingestion.ErrTransient)
		assert.Less(t, time.Since(started), 5*time.Second)
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		uow, err := store.Begin(ctx)
		require.NoError(t, err)

		_, err = uow.ResolveSubject(ctx, &ingestion.Subject{ID: "rolled-back"})
		require.NoError(t, err)
		require.NoError(t, uow.Rollback())

		_, err = uow.ResolveSubject(ctx, &ingestion.Subject{ID: "after-close"})
		assert.ErrorIs(t, err, ErrUnitClosed)

		check, err := store.Begin(ctx)
		require.NoError(t, err)

		defer func() {
			_ = check.Rollback()
		}()

		exists, err := check.Exists(ctx, ingestion.KindSubject, "rolled-back")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("RootRecordsAndFinders", func(t *testing.T) {
		uow, err := store.Begin(ctx)
		require.NoError(t, err)

		for i, id := range []string{"pp-1", "pp-2"} {
			metadataID := id + "-meta"
			_, err = uow.ResolveSubject(ctx, &ingestion.Subject{ID: "subject-roots"})
			require.NoError(t, err)
			require.NoError(t, uow.CreateMetadata(ctx, &ingestion.Metadata{
				ID: metadataID, Created: time.Now().UTC(), CreatedBy: "it",
			}))
			require.NoError(t, uow.CreatePhenopacket(ctx, &ingestion.Phenopacket{
				ID: id, SubjectID: "subject-roots", MetadataID: metadataID, TableID: itTableID,
			}), "phenopacket %d", i)
		}

		table, err := uow.FindTable(ctx, itTableID)
		require.NoError(t, err)
		assert.Equal(t, ingestion.DataTypePhenopacket, table.DataType)

		_, err = uow.FindTable(ctx, "missing")
		assert.ErrorIs(t, err, ingestion.ErrNotFound)

		ids, err := uow.FindPhenopacketsBySubject(ctx, "subject-roots")
		require.NoError(t, err)
		assert.Equal(t, []string{"pp-1", "pp-2"}, ids)
		require.NoError(t, uow.Commit())

		dup, err := store.Begin(ctx)
		require.NoError(t, err)

		defer func() {
			_ = dup.Rollback()
		}()

		err = dup.CreateMetadata(ctx, &ingestion.Metadata{ID: "pp-1-meta", Created: time.Now().UTC()})
		assert.ErrorIs(t, err, ErrDuplicateEntity)
	})

	t.Run("LinksAndResultLookup", func(t *testing.T) {
		uow, err := store.Begin(ctx)
		require.NoError(t, err)

		_, err = uow.ResolveBiosample(ctx, &ingestion.Biosample{ID: "bs-links"})
		require.NoError(t, err)

		for _, id := range []string{"exp-b", "exp-a"} {
			require.NoError(t, uow.CreateExperiment(ctx, &ingestion.Experiment{
				ID: id, BiosampleID: "bs-links", TableID: itTableID, ExperimentType: "DNA Methylation",
			}))
			require.NoError(t, uow.CreateExperimentResult(ctx, &ingestion.ExperimentResult{
				ID: id + "-result", Identifier: "shared-vcf",
			}))
			require.NoError(t, uow.Link(ctx, ingestion.RelExperimentResults, id, id+"-result"))
			require.NoError(t, uow.Link(ctx, ingestion.RelExperimentResults, id, id+"-result"))
		}

		err = uow.Link(ctx, ingestion.Relation("bogus"), "a", "b")
		assert.ErrorIs(t, err, ErrUnknownRelation)
		require.NoError(t, uow.Commit())

		check, err := store.Begin(ctx)
		require.NoError(t, err)

		defer func() {
			_ = check.Rollback()
		}()

		ids, err := check.FindExperimentsByResultIdentifier(ctx, "shared-vcf")
		require.NoError(t, err)
		assert.Equal(t, []string{"exp-a", "exp-b"}, ids)

		var links int
		require.NoError(t, store.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entity_links WHERE relation = $1 AND from_id IN ('exp-a', 'exp-b')`,
			string(ingestion.RelExperimentResults)).Scan(&links))
		assert.Equal(t, 2, links)
	})

	t.Run("DeferredForeignKeysFailCommit", func(t *testing.T) {
		uow, err := store.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, uow.CreatePhenopacket(ctx, &ingestion.Phenopacket{
			ID: "pp-orphan", SubjectID: "nobody", MetadataID: "no-meta", TableID: itTableID,
		}))

		err = uow.Commit()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStoreFailed)
	})
}

func TestPostgresStore_ServiceIngestion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupPostgresStore(ctx, t)

	validator, err := schema.NewValidator()
	require.NoError(t, err)

	svc, err := ingestion.NewService(store, ingestion.Config{Validator: validator},
		ingestion.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	document := func(subjectID string) json.RawMessage {
		return json.RawMessage(`{
		  "subject": {"id": "` + subjectID + `", "sex": "MALE"},
		  "phenotypic_features": [{"type": {"id": "HP:0000822", "label": "Hypertension"}}],
		  "genes": [{"id": "HGNC:1100", "symbol": "BRCA1"}, {"id": "HGNC:1101", "symbol": "BRCA2"}],
		  "meta_data": {"created_by": "integration"}
		}`)
	}

	const workers = 6

	var wg sync.WaitGroup

	outcomes := make([]ingestion.Outcome, workers)

	for i := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcomes[i] = svc.Ingest(ctx, ingestion.Request{
				TableID:         itTableID,
				WorkflowID:      ingestion.WorkflowPhenopackets,
				WorkflowOutputs: map[string]json.RawMessage{ingestion.OutputJSONDocument: document("shared-subject")},
			})
		}()
	}

	wg.Wait()

	for i, outcome := range outcomes {
		require.True(t, outcome.Success, "ingestion %d failed: %s", i, outcome.Reason)
	}

	var genes, packets int
	require.NoError(t, store.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM genes WHERE attributes->>'id' IN ('HGNC:1100', 'HGNC:1101')`).Scan(&genes))
	require.NoError(t, store.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phenopackets WHERE subject_id = 'shared-subject'`).Scan(&packets))

	assert.Equal(t, 2, genes, "shared genes are created once")
	assert.Equal(t, workers, packets)

	bad := svc.Ingest(ctx, ingestion.Request{
		TableID:         "missing-table",
		WorkflowID:      ingestion.WorkflowPhenopackets,
		WorkflowOutputs: map[string]json.RawMessage{ingestion.OutputJSONDocument: document("other")},
	})
	assert.False(t, bad.Success)
	assert.True(t, errors.Is(bad.Err(), ingestion.ErrReferential))
}
