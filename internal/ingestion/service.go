package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cohortbase-io/cohortbase/internal/config"
	"github.com/cohortbase-io/cohortbase/internal/schema"
)

const (
	maxCommitAttempts  = 3
	commitRetryBackoff = 50 * time.Millisecond

	// unknownWorkflow labels metrics for requests that never named a workflow.
	unknownWorkflow = "unknown"
)

// Sentinel errors for service construction and retrieval.
var (
	ErrNoStore     = errors.New("ingestion store is required")
	ErrNoValidator = errors.New("schema validator is required")
	ErrNoRetriever = errors.New("no retriever configured for document references")
)

type (
	// Retriever resolves a document reference (path, drs://, http(s)://, s3://) to bytes.
	Retriever interface {
		Fetch(ctx context.Context, reference string) ([]byte, error)
	}

	// MetricsRecorder observes finished ingestion calls.
	MetricsRecorder interface {
		ObserveIngestion(workflowID string, outcome Outcome, elapsed time.Duration)
	}

	// Config is assembled once at process start. Nil fields fall back to the built-in
	// workflows and deprecation table; Validator is required.
	Config struct {
		Workflows []Workflow
		Validator *schema.Validator
		Changes   *schema.ChangeTable
	}

	// Request is one ingestion call.
	Request struct {
		TableID    string `json:"table_id"`
		WorkflowID string `json:"workflow_id"`

		// WorkflowOutputs maps output keys to a document reference (a JSON string) or
		// an inline document (a JSON object or array).
		WorkflowOutputs map[string]json.RawMessage `json:"workflow_outputs"`

		// CorrelationID is set by the transport for log correlation.
		CorrelationID string `json:"-"`
	}

	// Service runs ingestion calls. Safe for concurrent use; every call runs in its own
	// unit of work.
	Service struct {
		store     Store
		workflows registry
		validator *schema.Validator
		changes   *schema.ChangeTable
		retriever Retriever
		metrics   MetricsRecorder
		logger    *slog.Logger
	}

	// ServiceOption configures optional Service behavior.
	ServiceOption func(*Service)
)

// WithLogger replaces the default JSON stdout logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRetriever sets the retriever used for document references. Without one, only
// inline documents are accepted.
func WithRetriever(r Retriever) ServiceOption {
	return func(s *Service) {
		s.retriever = r
	}
}

// WithMetrics sets the recorder notified after every call.
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates an ingestion service over store.
//
// Example:
//
//	svc, err := ingestion.NewService(store, ingestion.Config{Validator: validator},
//	    ingestion.WithRetriever(retriever),
//	    ingestion.WithMetrics(recorder))
func NewService(store Store, cfg Config, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrNoStore
	}

	if cfg.Validator == nil {
		return nil, ErrNoValidator
	}

	workflows := cfg.Workflows
	if workflows == nil {
		workflows = DefaultWorkflows()
	}

	changes := cfg.Changes
	if changes == nil {
		changes = schema.NewChangeTable(schema.DefaultVersion, schema.DefaultChanges())
	}

	s := &Service{
		store:     store,
		workflows: newRegistry(workflows),
		validator: cfg.Validator,
		changes:   changes,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Workflows returns the registered workflow IDs in sorted order.
func (s *Service) Workflows() []string {
	return s.workflows.ids()
}

// HealthCheck delegates to the store.
func (s *Service) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

// DecodeRequest parses and validates an ingest request. Structural failures are
// MalformedInput errors carrying the schema issues.
func DecodeRequest(data []byte, validator *schema.Validator) (Request, error) {
	doc, err := schema.Decode(data)
	if err != nil {
		return Request{}, NewMalformedInputError(err, "ingest request is not valid JSON")
	}

	issues, err := validator.Validate(schema.IngestRequest, doc)
	if err != nil {
		return Request{}, NewMalformedInputError(err, "cannot validate ingest request")
	}

	if len(issues) > 0 {
		return Request{}, &Error{
			Kind:    KindMalformedInput,
			Message: "ingest request does not match the expected shape",
			Issues:  issues,
		}
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, NewMalformedInputError(err, "ingest request does not match the expected shape")
	}

	return req, nil
}

// Ingest runs one ingestion call to completion and reports its outcome. Failures are
// returned as outcomes, never as errors: retrieval, then validation, then one unit of
// work that either commits every entity or none.
func (s *Service) Ingest(ctx context.Context, req Request) Outcome {
	start := time.Now()

	return s.finish(req, s.ingest(ctx, req), start)
}

// IngestRequest decodes a raw ingest request and runs it. A request that fails to
// decode is reported as a MalformedInput outcome.
func (s *Service) IngestRequest(ctx context.Context, data []byte, correlationID string) Outcome {
	start := time.Now()

	req, err := DecodeRequest(data, s.validator)
	if err != nil {
		return s.finish(Request{CorrelationID: correlationID}, failureOutcome(err, nil), start)
	}

	req.CorrelationID = correlationID

	return s.finish(req, s.ingest(ctx, req), start)
}

// finish records metrics and logs the summary line of one call.
func (s *Service) finish(req Request, outcome Outcome, start time.Time) Outcome {
	elapsed := time.Since(start)

	if s.metrics != nil {
		workflowID := req.WorkflowID
		if workflowID == "" {
			workflowID = unknownWorkflow
		}

		s.metrics.ObserveIngestion(workflowID, outcome, elapsed)
	}

	attrs := []any{
		slog.String("correlation_id", req.CorrelationID),
		slog.String("workflow_id", req.WorkflowID),
		slog.String("table_id", req.TableID),
		slog.String("status", string(outcome.Status)),
		slog.Int("created", len(outcome.Created)),
		slog.Int("warnings", len(outcome.Warnings)),
		slog.Int("errors", len(outcome.Errors)),
		slog.Duration("duration", elapsed),
	}

	if outcome.Success {
		s.logger.Info("Ingestion completed", attrs...)
	} else {
		attrs = append(attrs,
			slog.String("error_kind", string(outcome.ErrorKind)),
			slog.String("reason", outcome.Reason))
		s.logger.Warn("Ingestion failed", attrs...)
	}

	return outcome
}

func (s *Service) ingest(ctx context.Context, req Request) Outcome {
	workflow, ok := s.workflows[req.WorkflowID]
	if !ok {
		return failureOutcome(NewMalformedInputError(nil, "unknown workflow %q (registered: %s)",
			req.WorkflowID, strings.Join(s.workflows.ids(), ", ")), nil)
	}

	for _, key := range workflow.Required {
		if _, ok := req.WorkflowOutputs[key]; !ok {
			return failureOutcome(NewMalformedInputError(nil, "missing workflow output: %s", key), nil)
		}
	}

	outputs, err := s.retrieve(ctx, workflow, req.WorkflowOutputs)
	if err != nil {
		return failureOutcome(err, nil)
	}

	check := newDocumentCheck(s.validator, s.changes)

	p, err := workflow.adapter.prepare(check, outputs)
	if err != nil {
		return failureOutcome(err, check.warnings)
	}

	created, err := s.commitWithRetry(ctx, workflow, req.TableID, p)
	if err != nil {
		return failureOutcome(err, check.warnings)
	}

	return successOutcome(created, check.warnings)
}

// retrieve resolves the outputs the workflow reads. References are fetched in
// parallel; inline documents and literals are used as given.
func (s *Service) retrieve(ctx context.Context, workflow Workflow, raw map[string]json.RawMessage) (Outputs, error) {
	outputs := make(Outputs, len(raw))
	references := make(map[string]string)

	for key, value := range raw {
		if !workflow.reads(key) {
			continue
		}

		value = bytes.TrimSpace(value)
		if len(value) == 0 || value[0] != '"' {
			outputs[key] = value

			continue
		}

		var reference string
		if err := json.Unmarshal(value, &reference); err != nil {
			return nil, NewMalformedInputError(err, "workflow output %s is not a valid string", key)
		}

		if workflow.isLiteral(key) {
			outputs[key] = []byte(reference)

			continue
		}

		references[key] = reference
	}

	if len(references) == 0 {
		return outputs, nil
	}

	if s.retriever == nil {
		keys := make([]string, 0, len(references))
		for key := range references {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		return nil, NewRetrievalError(references[keys[0]], ErrNoRetriever)
	}

	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)

	for key, reference := range references {
		group.Go(func() error {
			data, err := s.retriever.Fetch(groupCtx, reference)
			if err != nil {
				return NewRetrievalError(reference, err)
			}

			mu.Lock()
			outputs[key] = data
			mu.Unlock()

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return outputs, nil
}

// commitWithRetry reruns the unit of work while the store reports transient conflicts.
func (s *Service) commitWithRetry(
	ctx context.Context,
	workflow Workflow,
	tableID string,
	p plan,
) ([]CreatedEntity, error) {
	for attempt := 1; ; attempt++ {
		created, err := s.commit(ctx, workflow, tableID, p)
		if err == nil || !errors.Is(err, ErrTransient) || attempt == maxCommitAttempts {
			return created, err
		}

		s.logger.Warn("Retrying unit of work after transient storage conflict",
			slog.String("workflow_id", workflow.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return nil, NewStorageError(ctx.Err(), "unit of work cancelled")
		case <-time.After(time.Duration(attempt) * commitRetryBackoff):
		}
	}
}

// commit applies the plan inside one unit of work. Any error rolls back everything.
func (s *Service) commit(ctx context.Context, workflow Workflow, tableID string, p plan) ([]CreatedEntity, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return nil, NewStorageError(err, "cannot begin unit of work")
	}

	defer func() {
		_ = uow.Rollback() // No-op after commit
	}()

	table, err := s.table(ctx, uow, workflow, tableID)
	if err != nil {
		return nil, err
	}

	g := newGraph(uow, table, s.logger)

	if err := p.apply(ctx, g); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, NewStorageError(err, "cannot commit unit of work")
	}

	return g.created, nil
}

// table returns the ingestion target. The derived-data table ID yields nil for
// workflows that attach to existing entities.
func (s *Service) table(ctx context.Context, uow UnitOfWork, workflow Workflow, tableID string) (*Table, error) {
	if tableID == DerivedDataTableID {
		if !workflow.AcceptsDerivedTable {
			return nil, NewMalformedInputError(nil, "workflow %s does not accept table %s", workflow.ID, tableID)
		}

		return nil, nil
	}

	table, err := uow.FindTable(ctx, tableID)
	if errors.Is(err, ErrNotFound) {
		return nil, NewReferentialError(tableID, "table %s does not exist", tableID)
	}

	if err != nil {
		return nil, NewStorageError(err, "cannot look up table %s", tableID)
	}

	if table.DataType != workflow.DataType {
		return nil, NewMalformedInputError(nil, "table %s holds %s data but workflow %s produces %s",
			tableID, table.DataType, workflow.ID, workflow.DataType)
	}

	return table, nil
}
