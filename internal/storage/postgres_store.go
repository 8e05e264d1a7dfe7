package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lib/pq"

	"github.com/cohortbase-io/cohortbase/internal/config"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

// PostgreSQL error codes the store classifies.
const (
	pqUniqueViolation      = "23505"
	pqForeignKeyViolation  = "23503"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqConnectionClass      = "08"
)

// ErrStoreFailed wraps database failures that have no more specific classification.
var ErrStoreFailed = errors.New("ingestion storage failed")

var _ ingestion.Store = (*PostgresStore)(nil)

// entityTables maps every entity kind to its table. Table names never come from input.
var entityTables = map[ingestion.Kind]string{
	ingestion.KindSubject:                "subjects",
	ingestion.KindResource:               "resources",
	ingestion.KindGene:                   "genes",
	ingestion.KindDisease:                "diseases",
	ingestion.KindProcedure:              "procedures",
	ingestion.KindVariant:                "variants",
	ingestion.KindHTSFile:                "hts_files",
	ingestion.KindBiosample:              "biosamples",
	ingestion.KindPhenotypicFeature:      "phenotypic_features",
	ingestion.KindMetadata:               "metadata",
	ingestion.KindPhenopacket:            "phenopackets",
	ingestion.KindInstrument:             "instruments",
	ingestion.KindExperiment:             "experiments",
	ingestion.KindExperimentResult:       "experiment_results",
	ingestion.KindMCodePacket:            "mcodepackets",
	ingestion.KindCancerCondition:        "cancer_conditions",
	ingestion.KindTNMStaging:             "tnm_stagings",
	ingestion.KindCancerRelatedProcedure: "cancer_related_procedures",
	ingestion.KindMedicationStatement:    "medication_statements",
	ingestion.KindLabsVital:              "labs_vitals",
}

type (
	// PostgresStore implements ingestion.Store on PostgreSQL. Each unit of work is one
	// database transaction; root record foreign keys are deferred to commit.
	PostgresStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// PostgresStoreOption configures optional PostgresStore behavior.
	PostgresStoreOption func(*PostgresStore)

	postgresUnit struct {
		tx     *sql.Tx
		logger *slog.Logger
		done   bool
	}
)

// WithStoreLogger replaces the default JSON stdout logger.
func WithStoreLogger(logger *slog.Logger) PostgresStoreOption {
	return func(s *PostgresStore) {
		s.logger = logger
	}
}

// NewPostgresStore creates a store over conn. The caller owns conn and closes it.
func NewPostgresStore(conn *Connection, opts ...PostgresStoreOption) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &PostgresStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck implements ingestion.Store.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// CreateDataset implements ingestion.Store.
func (s *PostgresStore) CreateDataset(ctx context.Context, dataset *ingestion.Dataset) error {
	if dataset == nil || dataset.ID == "" {
		return ErrEmptyID
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO datasets (id, title) VALUES ($1, $2)`,
		dataset.ID, dataset.Title)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: dataset %s", ingestion.ErrConflict, dataset.ID)
	}

	if err != nil {
		return classify(err, "create dataset %s", dataset.ID)
	}

	s.logger.Info("Dataset created", slog.String("dataset_id", dataset.ID))

	return nil
}

// CreateTable implements ingestion.Store.
func (s *PostgresStore) CreateTable(ctx context.Context, table *ingestion.Table) error {
	if table == nil || table.ID == "" {
		return ErrEmptyID
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO ingest_tables (id, name, data_type, dataset_id) VALUES ($1, $2, $3, $4)`,
		table.ID, table.Name, string(table.DataType), table.DatasetID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%w: table %s", ingestion.ErrConflict, table.ID)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: dataset %s", ingestion.ErrNotFound, table.DatasetID)
		}
	}

	if err != nil {
		return classify(err, "create table %s", table.ID)
	}

	s.logger.Info("Table created",
		slog.String("table_id", table.ID),
		slog.String("dataset_id", table.DatasetID),
		slog.String("data_type", string(table.DataType)))

	return nil
}

// Begin implements ingestion.Store.
func (s *PostgresStore) Begin(ctx context.Context) (ingestion.UnitOfWork, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin transaction")
	}

	for _, setting := range s.conn.config.transactionSettings() {
		if _, err := tx.ExecContext(ctx, setting); err != nil {
			_ = tx.Rollback()

			return nil, classify(err, "apply %q", setting)
		}
	}

	return &postgresUnit{tx: tx, logger: s.logger}, nil
}

// ============================================================================
// Unit of Work
// ============================================================================

// resolve inserts the entity unless one with the same ID exists. ON CONFLICT waits for
// a concurrent inserter of the same ID and then reports the row as reused.
func (u *postgresUnit) resolve(ctx context.Context, kind ingestion.Kind, id string, value any) (bool, error) {
	if u.done {
		return false, ErrUnitClosed
	}

	if id == "" {
		return false, fmt.Errorf("%w: %s", ErrEmptyID, kind)
	}

	attributes, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: failed to encode %s %s: %w", ErrStoreFailed, kind, id, err)
	}

	query := fmt.Sprintf( //nolint:gosec // table name comes from entityTables
		`INSERT INTO %s (id, attributes) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		entityTables[kind])

	result, err := u.tx.ExecContext(ctx, query, id, attributes)
	if err != nil {
		return false, classify(err, "resolve %s %s", kind, id)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify(err, "resolve %s %s", kind, id)
	}

	return affected == 1, nil
}

// insert writes an always-new entity with its extra indexed columns.
func (u *postgresUnit) insert(
	ctx context.Context,
	kind ingestion.Kind,
	id string,
	value any,
	columns []string,
	args ...any,
) error {
	if u.done {
		return ErrUnitClosed
	}

	if id == "" {
		return fmt.Errorf("%w: %s", ErrEmptyID, kind)
	}

	attributes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: failed to encode %s %s: %w", ErrStoreFailed, kind, id, err)
	}

	names := append([]string{"id", "attributes"}, columns...)
	placeholders := make([]string, len(names))

	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf( //nolint:gosec // identifiers are constants
		`INSERT INTO %s (%s) VALUES (%s)`,
		entityTables[kind], strings.Join(names, ", "), strings.Join(placeholders, ", "))

	_, err = u.tx.ExecContext(ctx, query, append([]any{id, attributes}, args...)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s", ErrDuplicateEntity, kind, id)
	}

	if err != nil {
		return classify(err, "create %s %s", kind, id)
	}

	return nil
}

func (u *postgresUnit) ResolveSubject(ctx context.Context, subject *ingestion.Subject) (bool, error) {
	return u.resolve(ctx, ingestion.KindSubject, subject.ID, subject)
}

func (u *postgresUnit) ResolveResource(ctx context.Context, resource *ingestion.Resource) (bool, error) {
	return u.resolve(ctx, ingestion.KindResource, resource.ID, resource)
}

func (u *postgresUnit) ResolveGene(ctx context.Context, gene *ingestion.Gene) (bool, error) {
	return u.resolve(ctx, ingestion.KindGene, gene.Key, gene)
}

func (u *postgresUnit) ResolveDisease(ctx context.Context, disease *ingestion.Disease) (bool, error) {
	return u.resolve(ctx, ingestion.KindDisease, disease.Key, disease)
}

func (u *postgresUnit) ResolveProcedure(ctx context.Context, procedure *ingestion.Procedure) (bool, error) {
	return u.resolve(ctx, ingestion.KindProcedure, procedure.Key, procedure)
}

func (u *postgresUnit) ResolveVariant(ctx context.Context, variant *ingestion.Variant) (bool, error) {
	return u.resolve(ctx, ingestion.KindVariant, variant.Key, variant)
}

func (u *postgresUnit) ResolveHTSFile(ctx context.Context, file *ingestion.HTSFile) (bool, error) {
	return u.resolve(ctx, ingestion.KindHTSFile, file.URI, file)
}

func (u *postgresUnit) ResolveBiosample(ctx context.Context, biosample *ingestion.Biosample) (bool, error) {
	if u.done {
		return false, ErrUnitClosed
	}

	if biosample.ID == "" {
		return false, fmt.Errorf("%w: %s", ErrEmptyID, ingestion.KindBiosample)
	}

	attributes, err := json.Marshal(biosample)
	if err != nil {
		return false, fmt.Errorf("%w: failed to encode biosample %s: %w", ErrStoreFailed, biosample.ID, err)
	}

	result, err := u.tx.ExecContext(ctx,
		`INSERT INTO biosamples (id, individual_id, attributes) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		biosample.ID, nullString(biosample.IndividualID), attributes)
	if err != nil {
		return false, classify(err, "resolve biosample %s", biosample.ID)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify(err, "resolve biosample %s", biosample.ID)
	}

	return affected == 1, nil
}

func (u *postgresUnit) ResolveInstrument(ctx context.Context, instrument *ingestion.Instrument) (bool, error) {
	return u.resolve(ctx, ingestion.KindInstrument, instrument.Identifier, instrument)
}

func (u *postgresUnit) ResolveCancerCondition(
	ctx context.Context,
	condition *ingestion.CancerCondition,
) (bool, error) {
	return u.resolve(ctx, ingestion.KindCancerCondition, condition.ID, condition)
}

func (u *postgresUnit) ResolveTNMStaging(ctx context.Context, staging *ingestion.TNMStaging) (bool, error) {
	return u.resolve(ctx, ingestion.KindTNMStaging, staging.ID, staging)
}

func (u *postgresUnit) ResolveCancerRelatedProcedure(
	ctx context.Context,
	procedure *ingestion.CancerRelatedProcedure,
) (bool, error) {
	return u.resolve(ctx, ingestion.KindCancerRelatedProcedure, procedure.ID, procedure)
}

func (u *postgresUnit) ResolveMedicationStatement(
	ctx context.Context,
	statement *ingestion.MedicationStatement,
) (bool, error) {
	return u.resolve(ctx, ingestion.KindMedicationStatement, statement.ID, statement)
}

func (u *postgresUnit) ResolveLabsVital(ctx context.Context, labsVital *ingestion.LabsVital) (bool, error) {
	return u.resolve(ctx, ingestion.KindLabsVital, labsVital.ID, labsVital)
}

func (u *postgresUnit) CreatePhenotypicFeature(ctx context.Context, feature *ingestion.PhenotypicFeature) error {
	return u.insert(ctx, ingestion.KindPhenotypicFeature, feature.ID, feature, nil)
}

func (u *postgresUnit) CreateMetadata(ctx context.Context, metadata *ingestion.Metadata) error {
	return u.insert(ctx, ingestion.KindMetadata, metadata.ID, metadata, nil)
}

func (u *postgresUnit) CreatePhenopacket(ctx context.Context, phenopacket *ingestion.Phenopacket) error {
	return u.insert(ctx, ingestion.KindPhenopacket, phenopacket.ID, phenopacket,
		[]string{"subject_id", "metadata_id", "table_id"},
		phenopacket.SubjectID, phenopacket.MetadataID, phenopacket.TableID)
}

func (u *postgresUnit) CreateExperimentResult(ctx context.Context, result *ingestion.ExperimentResult) error {
	return u.insert(ctx, ingestion.KindExperimentResult, result.ID, result,
		[]string{"identifier"}, nullString(result.Identifier))
}

func (u *postgresUnit) CreateExperiment(ctx context.Context, experiment *ingestion.Experiment) error {
	return u.insert(ctx, ingestion.KindExperiment, experiment.ID, experiment,
		[]string{"biosample_id", "instrument_id", "table_id"},
		experiment.BiosampleID, nullString(experiment.InstrumentID), experiment.TableID)
}

func (u *postgresUnit) CreateMCodePacket(ctx context.Context, packet *ingestion.MCodePacket) error {
	return u.insert(ctx, ingestion.KindMCodePacket, packet.ID, packet,
		[]string{"subject_id", "table_id"},
		packet.SubjectID, packet.TableID)
}

func (u *postgresUnit) Link(ctx context.Context, relation ingestion.Relation, fromID, toID string) error {
	if u.done {
		return ErrUnitClosed
	}

	if !knownRelation(relation) {
		return fmt.Errorf("%w: %s", ErrUnknownRelation, relation)
	}

	if fromID == "" || toID == "" {
		return fmt.Errorf("%w: %s link", ErrEmptyID, relation)
	}

	_, err := u.tx.ExecContext(ctx,
		`INSERT INTO entity_links (relation, from_id, to_id) VALUES ($1, $2, $3)
		 ON CONFLICT (relation, from_id, to_id) DO NOTHING`,
		string(relation), fromID, toID)
	if err != nil {
		return classify(err, "link %s %s -> %s", relation, fromID, toID)
	}

	return nil
}

func (u *postgresUnit) FindTable(ctx context.Context, id string) (*ingestion.Table, error) {
	var (
		table    ingestion.Table
		dataType string
	)

	err := u.tx.QueryRowContext(ctx,
		`SELECT id, name, data_type, dataset_id FROM ingest_tables WHERE id = $1`, id).
		Scan(&table.ID, &table.Name, &dataType, &table.DatasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: table %s", ingestion.ErrNotFound, id)
	}

	if err != nil {
		return nil, classify(err, "find table %s", id)
	}

	table.DataType = ingestion.DataType(dataType)

	return &table, nil
}

func (u *postgresUnit) Exists(ctx context.Context, kind ingestion.Kind, id string) (bool, error) {
	table, ok := entityTables[kind]
	if !ok {
		return false, fmt.Errorf("%w: unknown entity kind %s", ErrStoreFailed, kind)
	}

	var exists bool

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table) //nolint:gosec // constant table

	if err := u.tx.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, classify(err, "look up %s %s", kind, id)
	}

	return exists, nil
}

func (u *postgresUnit) FindPhenopacketsBySubject(ctx context.Context, subjectID string) ([]string, error) {
	return u.queryIDs(ctx,
		`SELECT id FROM phenopackets WHERE subject_id = $1 ORDER BY seq`, subjectID)
}

func (u *postgresUnit) FindExperimentsByResultIdentifier(ctx context.Context, identifier string) ([]string, error) {
	return u.queryIDs(ctx,
		`SELECT DISTINCT l.from_id
		 FROM entity_links l
		 JOIN experiment_results r ON r.id = l.to_id
		 WHERE l.relation = $1 AND r.identifier = $2
		 ORDER BY l.from_id`,
		string(ingestion.RelExperimentResults), identifier)
}

func (u *postgresUnit) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := u.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "query ids")
	}

	defer func() {
		_ = rows.Close()
	}()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err, "scan id")
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate ids")
	}

	return ids, nil
}

// Commit checks deferred foreign keys and makes the unit's writes visible.
func (u *postgresUnit) Commit() error {
	if u.done {
		return ErrUnitClosed
	}

	u.done = true

	if err := u.tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %w", ErrDuplicateEntity, err)
		}

		return classify(err, "commit")
	}

	return nil
}

// Rollback aborts the transaction. Safe to call after Commit.
func (u *postgresUnit) Rollback() error {
	if u.done {
		return nil
	}

	u.done = true

	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		u.logger.Warn("Failed to roll back unit of work", slog.String("error", err.Error()))

		return classify(err, "rollback")
	}

	return nil
}

// ============================================================================
// Error classification
// ============================================================================

// classify wraps err with the most specific sentinel: ingestion.ErrTransient for
// deadlocks and serialization failures, ErrDatabaseUnavailable for lost connections
// and ErrStoreFailed otherwise.
func classify(err error, format string, args ...any) error {
	operation := fmt.Sprintf(format, args...)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqDeadlockDetected, pqSerializationFailure, pqLockNotAvailable:
			return fmt.Errorf("%w: %s: %w", ingestion.ErrTransient, operation, err)
		}
	}

	if isDatabaseConnectionError(err) {
		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, operation, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrStoreFailed, operation, err)
}

// isDatabaseConnectionError reports class 08 connection exceptions and the
// database/sql connection sentinels.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), pqConnectionClass)
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
