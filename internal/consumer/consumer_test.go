package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

// ==============================================================================
// Test doubles
// ==============================================================================

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	fetchErrs []error
	commitErr error
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}

	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]

		return kafka.Message{}, err
	}

	if len(r.queue) == 0 {
		return kafka.Message{}, io.EOF
	}

	msg := r.queue[0]
	r.queue = r.queue[1:]

	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commitErr != nil {
		return r.commitErr
	}

	r.committed = append(r.committed, msgs...)

	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true

	return nil
}

type fakeWriter struct {
	errs     []error
	written  []kafka.Message
	attempts int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.attempts++

	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]

		return err
	}

	w.written = append(w.written, msgs...)

	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true

	return nil
}

type ingestCall struct {
	data          string
	correlationID string
}

// fakeIngester answers with the queued outcomes first and then with outcome.
type fakeIngester struct {
	calls    []ingestCall
	outcomes []ingestion.Outcome
	outcome  ingestion.Outcome
	onCall   func()
}

func (f *fakeIngester) IngestRequest(_ context.Context, data []byte, correlationID string) ingestion.Outcome {
	f.calls = append(f.calls, ingestCall{data: string(data), correlationID: correlationID})

	if f.onCall != nil {
		f.onCall()
	}

	if len(f.outcomes) > 0 {
		outcome := f.outcomes[0]
		f.outcomes = f.outcomes[1:]

		return outcome
	}

	return f.outcome
}

func testConfig() *Config {
	return &Config{
		Brokers:        []string{"localhost:9092"},
		Topic:          "ingest-requests",
		GroupID:        "cohortbase-test",
		OutcomeTopic:   "ingest-outcomes",
		IngestTimeout:  time.Second,
		PublishRetries: 2,
		IngestRetries:  2,
		RetryInterval:  time.Millisecond,
		MaxRetryWait:   2 * time.Millisecond,
	}
}

func newTestConsumer(t *testing.T, reader Reader, writer Writer, ingester Ingester) *Consumer {
	t.Helper()

	cfg := testConfig()
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReader(reader),
	}

	if writer != nil {
		opts = append(opts, WithWriter(writer))
	} else {
		cfg.OutcomeTopic = ""
	}

	c, err := New(cfg, ingester, opts...)
	require.NoError(t, err)

	return c
}

func successOutcome() ingestion.Outcome {
	return ingestion.Outcome{
		Success:    true,
		Status:     ingestion.StatusSuccess,
		CreatedIDs: []string{"pkt-1"},
	}
}

func failedOutcome(kind ingestion.ErrorKind, reason string) ingestion.Outcome {
	return ingestion.Outcome{
		Status:    ingestion.StatusIngestFailed,
		ErrorKind: kind,
		Reason:    reason,
	}
}

// ==============================================================================
// Run
// ==============================================================================

func TestRun_ProcessesAndCommits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reader := &fakeReader{queue: []kafka.Message{
		{
			Partition: 0, Offset: 7, Key: []byte("key-1"), Value: []byte(`{"a":1}`),
			Headers: []kafka.Header{{Key: CorrelationIDHeader, Value: []byte("corr-1")}},
		},
		{Partition: 1, Offset: 8, Key: []byte("key-2"), Value: []byte(`{"b":2}`)},
		{Partition: 1, Offset: 9, Value: []byte(`{"c":3}`)},
	}}
	writer := &fakeWriter{}
	ingester := &fakeIngester{outcome: successOutcome()}

	c := newTestConsumer(t, reader, writer, ingester)

	require.NoError(t, c.Run(context.Background()))

	require.Len(t, ingester.calls, 3)
	assert.Equal(t, ingestCall{data: `{"a":1}`, correlationID: "corr-1"}, ingester.calls[0])
	assert.Equal(t, "key-2", ingester.calls[1].correlationID)
	assert.NotEmpty(t, ingester.calls[2].correlationID, "missing key and header gets a generated id")

	require.Len(t, reader.committed, 3)
	assert.Equal(t, int64(9), reader.committed[2].Offset)

	require.Len(t, writer.written, 3)
	assert.Equal(t, "corr-1", string(writer.written[0].Key))

	var published OutcomeMessage
	require.NoError(t, json.Unmarshal(writer.written[0].Value, &published))
	assert.True(t, published.Success)
	assert.Equal(t, "corr-1", published.CorrelationID)
	assert.Equal(t, int64(7), published.Offset)
	assert.Equal(t, []string{"pkt-1"}, published.CreatedIDs)
}

func TestRun_FailedOutcomeIsStillCommitted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reader := &fakeReader{queue: []kafka.Message{{Offset: 1, Value: []byte(`not json`)}}}
	writer := &fakeWriter{}
	ingester := &fakeIngester{outcome: ingestion.Outcome{
		Status:    ingestion.StatusIngestFailed,
		ErrorKind: ingestion.KindMalformedInput,
		Reason:    "request is not valid JSON",
	}}

	c := newTestConsumer(t, reader, writer, ingester)

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, reader.committed, 1)

	var published map[string]any
	require.NoError(t, json.Unmarshal(writer.written[0].Value, &published))
	assert.Equal(t, false, published["success"])
	assert.Equal(t, "malformed_input", published["error_kind"])
}

func TestRun_StorageFailureIsNotCommitted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reader := &fakeReader{queue: []kafka.Message{
		{Offset: 4, Value: []byte(`{"a":1}`)},
		{Offset: 5, Value: []byte(`{"b":2}`)},
	}}
	writer := &fakeWriter{}
	ingester := &fakeIngester{outcome: failedOutcome(ingestion.KindStorage, "database unavailable")}

	c := newTestConsumer(t, reader, writer, ingester)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrNotCommitted)
	assert.Contains(t, err.Error(), "offset 4")

	assert.Len(t, ingester.calls, 3, "first attempt plus two retries")
	assert.Empty(t, reader.committed)
	assert.Empty(t, writer.written, "no outcome is published for a request that will be redelivered")
	assert.Len(t, reader.queue, 1, "the consumer stops at the failing message")
}

func TestHandle_RetriesInfrastructureFailures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name          string
		outcomes      []ingestion.Outcome
		fallback      ingestion.Outcome
		wantCalls     int
		wantErr       error
		wantCommitted bool
		wantSuccess   bool
	}{
		{
			name:          "storage recovers",
			outcomes:      []ingestion.Outcome{failedOutcome(ingestion.KindStorage, "connection reset")},
			fallback:      successOutcome(),
			wantCalls:     2,
			wantCommitted: true,
			wantSuccess:   true,
		},
		{
			name:          "retrieval recovers",
			outcomes:      []ingestion.Outcome{failedOutcome(ingestion.KindRetrieval, "503 from drs")},
			fallback:      successOutcome(),
			wantCalls:     2,
			wantCommitted: true,
			wantSuccess:   true,
		},
		{
			name:      "storage exhausted",
			fallback:  failedOutcome(ingestion.KindStorage, "database unavailable"),
			wantCalls: 3,
			wantErr:   ErrNotCommitted,
		},
		{
			name:          "retrieval exhausted is reported",
			fallback:      failedOutcome(ingestion.KindRetrieval, "404 for s3://bucket/doc.json"),
			wantCalls:     3,
			wantCommitted: true,
		},
		{
			name:          "request errors are not retried",
			fallback:      failedOutcome(ingestion.KindSchemaValidation, "document failed validation"),
			wantCalls:     1,
			wantCommitted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{}
			writer := &fakeWriter{}
			ingester := &fakeIngester{outcomes: tt.outcomes, outcome: tt.fallback}

			c := newTestConsumer(t, reader, writer, ingester)

			err := c.Handle(context.Background(), kafka.Message{Offset: 6, Value: []byte(`{}`)})
			assert.Len(t, ingester.calls, tt.wantCalls)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, reader.committed)
				assert.Empty(t, writer.written)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantCommitted, len(reader.committed) == 1)
			require.Len(t, writer.written, 1)

			var published OutcomeMessage
			require.NoError(t, json.Unmarshal(writer.written[0].Value, &published))
			assert.Equal(t, tt.wantSuccess, published.Success)
		})
	}
}

func TestRun_ShutdownDuringIngestionIsNotCommitted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{queue: []kafka.Message{{Offset: 2, Value: []byte(`{}`)}}}
	writer := &fakeWriter{}
	ingester := &fakeIngester{
		outcome: failedOutcome(ingestion.KindStorage, "context canceled"),
		onCall:  cancel,
	}

	c := newTestConsumer(t, reader, writer, ingester)

	require.NoError(t, c.Run(ctx))
	assert.Len(t, ingester.calls, 1)
	assert.Empty(t, reader.committed)
	assert.Empty(t, writer.written)
}

func TestRun_WithoutOutcomeTopic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := testConfig()
	cfg.OutcomeTopic = ""

	reader := &fakeReader{queue: []kafka.Message{{Offset: 1, Value: []byte(`{}`)}}}

	c, err := New(cfg, &fakeIngester{outcome: successOutcome()},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReader(reader),
	)
	require.NoError(t, err)
	assert.Nil(t, c.writer)

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, reader.committed, 1)
}

func TestRun_RetriesTemporaryFetchErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reader := &fakeReader{
		fetchErrs: []error{kafka.RebalanceInProgress, kafka.LeaderNotAvailable},
		queue:     []kafka.Message{{Offset: 1, Value: []byte(`{}`)}},
	}
	ingester := &fakeIngester{outcome: successOutcome()}

	c := newTestConsumer(t, reader, &fakeWriter{}, ingester)

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, ingester.calls, 1)
}

func TestRun_StopsOnPermanentFetchError(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("broker gone")
	reader := &fakeReader{fetchErrs: []error{boom}}

	c := newTestConsumer(t, reader, &fakeWriter{}, &fakeIngester{})

	err := c.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "ingest-requests")
}

func TestRun_CancelledContext(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestConsumer(t, &fakeReader{queue: []kafka.Message{{Value: []byte(`{}`)}}}, nil, &fakeIngester{})

	assert.NoError(t, c.Run(ctx))
}

// ==============================================================================
// Handle
// ==============================================================================

func TestHandle_PublishFailureSkipsCommit(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name         string
		errs         []error
		wantErr      bool
		wantAttempts int
	}{
		{
			name:         "temporary then success",
			errs:         []error{kafka.NotEnoughReplicas},
			wantAttempts: 2,
		},
		{
			name:         "retries exhausted",
			errs:         []error{kafka.NotEnoughReplicas, kafka.NotEnoughReplicas, kafka.NotEnoughReplicas},
			wantErr:      true,
			wantAttempts: 3,
		},
		{
			name:         "permanent",
			errs:         []error{kafka.MessageSizeTooLarge},
			wantErr:      true,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{}
			writer := &fakeWriter{errs: tt.errs}

			c := newTestConsumer(t, reader, writer, &fakeIngester{outcome: successOutcome()})

			err := c.Handle(context.Background(), kafka.Message{Offset: 3, Key: []byte("k"), Value: []byte(`{}`)})

			assert.Equal(t, tt.wantAttempts, writer.attempts)

			if tt.wantErr {
				require.Error(t, err)
				assert.Empty(t, reader.committed, "offset must not be committed without a published outcome")

				return
			}

			require.NoError(t, err)
			assert.Len(t, reader.committed, 1)
		})
	}
}

func TestHandle_CommitFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("coordinator unavailable")
	c := newTestConsumer(t, &fakeReader{commitErr: boom}, nil, &fakeIngester{outcome: successOutcome()})

	err := c.Handle(context.Background(), kafka.Message{Partition: 2, Offset: 11, Value: []byte(`{}`)})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "offset 11")
}

// ==============================================================================
// Construction
// ==============================================================================

func TestNew(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("nil ingester", func(t *testing.T) {
		_, err := New(testConfig(), nil)
		assert.ErrorIs(t, err, ErrNilIngester)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Brokers = nil

		_, err := New(cfg, &fakeIngester{})
		assert.ErrorIs(t, err, ErrNoBrokers)
	})

	t.Run("builds kafka reader and writer", func(t *testing.T) {
		c, err := New(testConfig(), &fakeIngester{})
		require.NoError(t, err)

		assert.IsType(t, &kafka.Reader{}, c.reader)
		assert.IsType(t, &kafka.Writer{}, c.writer)
		assert.NoError(t, c.Close())
	})
}

func TestClose(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	reader := &fakeReader{}
	writer := &fakeWriter{}

	c := newTestConsumer(t, reader, writer, &fakeIngester{})

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
	assert.True(t, writer.closed)
}

func TestTemporary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rebalance", kafka.RebalanceInProgress, true},
		{"leader not available", kafka.LeaderNotAvailable, true},
		{"wrapped temporary", errors.Join(errors.New("ctx"), kafka.RequestTimedOut), true},
		{"message too large", kafka.MessageSizeTooLarge, false},
		{"plain error", errors.New("boom"), false},
		{"write errors all temporary", kafka.WriteErrors{nil, kafka.NotEnoughReplicas}, true},
		{"write errors mixed", kafka.WriteErrors{kafka.NotEnoughReplicas, kafka.MessageSizeTooLarge}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, temporary(tt.err))
		})
	}
}
