// Package consumer feeds ingest requests from a Kafka topic through the ingestion service.
//
// Each message value is an ingest request document. The offset of a message is committed
// only after its outcome exists and, when an outcome topic is configured, has been
// published. A failure before the commit leaves the message for redelivery.
//
// Storage and retrieval failures are retried in place. A storage failure that outlasts
// the retries stops the consumer without committing, so the request is redelivered once
// the database is back. A retrieval failure that outlasts them is reported and committed
// like any other failed outcome. An ingestion interrupted by shutdown is never committed.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

// CorrelationIDHeader carries the correlation id on request and outcome messages.
const CorrelationIDHeader = "X-Correlation-ID"

var (
	// ErrNilIngester is returned by New when no ingester is supplied.
	ErrNilIngester = errors.New("ingester cannot be nil")

	// ErrNotCommitted is returned by Handle when a storage failure leaves the message for
	// redelivery.
	ErrNotCommitted = errors.New("ingest request left uncommitted")
)

type (
	// Reader is the subset of *kafka.Reader the consumer uses.
	Reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		io.Closer
	}

	// Writer is the subset of *kafka.Writer the consumer uses.
	Writer interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		io.Closer
	}

	// Ingester runs one raw ingest request. *ingestion.Service implements it.
	Ingester interface {
		IngestRequest(ctx context.Context, data []byte, correlationID string) ingestion.Outcome
	}

	// Consumer reads ingest requests and reports their outcomes.
	Consumer struct {
		reader   Reader
		writer   Writer
		ingester Ingester
		logger   *slog.Logger
		config   *Config
	}

	// Option configures a Consumer.
	Option func(*Consumer)

	// OutcomeMessage is the value published on the outcome topic.
	OutcomeMessage struct {
		ingestion.Outcome

		CorrelationID string `json:"correlation_id"`
		Partition     int    `json:"source_partition"`
		Offset        int64  `json:"source_offset"`
	}
)

// WithLogger sets the consumer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithReader replaces the Kafka reader built from the config.
func WithReader(r Reader) Option {
	return func(c *Consumer) {
		c.reader = r
	}
}

// WithWriter replaces the Kafka writer built from the config.
func WithWriter(w Writer) Option {
	return func(c *Consumer) {
		c.writer = w
	}
}

// New creates a consumer. Unless replaced by options, the reader joins cfg.GroupID on
// cfg.Topic and a writer is created when cfg.OutcomeTopic is set.
func New(cfg *Config, ingester Ingester, opts ...Option) (*Consumer, error) {
	if ingester == nil {
		return nil, ErrNilIngester
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	c := &Consumer{
		ingester: ingester,
		logger:   slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		config:   cfg,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.reader == nil {
		c.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		})
	}

	if c.writer == nil && cfg.OutcomeTopic != "" {
		c.writer = &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.OutcomeTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}

	return c, nil
}

// Run consumes until ctx is cancelled or the reader is exhausted. It returns nil on a
// clean stop and the first unrecoverable fetch, publish or commit error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started",
		slog.String("topic", c.config.Topic),
		slog.String("group_id", c.config.GroupID),
		slog.String("outcome_topic", c.config.OutcomeTopic),
	)

	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Info("Kafka consumer stopped", slog.String("topic", c.config.Topic))

				return nil
			}

			return fmt.Errorf("failed to fetch message from topic %q: %w", c.config.Topic, err)
		}

		if err := c.Handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopped", slog.String("topic", c.config.Topic))

				return nil
			}

			return err
		}
	}
}

// Handle ingests one message, publishes its outcome and commits its offset.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) error {
	correlationID := messageCorrelationID(msg)

	outcome, err := c.ingest(ctx, msg, correlationID)
	if err != nil {
		return err
	}

	if c.writer != nil {
		if err := c.publish(ctx, msg, correlationID, outcome); err != nil {
			return err
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d on partition %d: %w", msg.Offset, msg.Partition, err)
	}

	c.logger.Debug("Kafka message processed",
		slog.String("correlation_id", correlationID),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.String("status", string(outcome.Status)),
	)

	return nil
}

// Close closes the reader and the writer.
func (c *Consumer) Close() error {
	var errs []error

	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
	}

	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ingest runs the request, retrying storage and retrieval failures with backoff. It
// returns an error, and the message must stay uncommitted, when ctx ends mid-ingestion
// or storage keeps failing.
func (c *Consumer) ingest(ctx context.Context, msg kafka.Message, correlationID string) (ingestion.Outcome, error) {
	wait := c.config.RetryInterval

	for attempt := 0; ; attempt++ {
		ingestCtx, cancel := context.WithTimeout(ctx, c.config.IngestTimeout)
		outcome := c.ingester.IngestRequest(ingestCtx, msg.Value, correlationID)

		cancel()

		if err := ctx.Err(); err != nil {
			return outcome, fmt.Errorf("ingestion of offset %d on partition %d interrupted: %w",
				msg.Offset, msg.Partition, err)
		}

		if !retryable(outcome) {
			return outcome, nil
		}

		if attempt >= c.config.IngestRetries {
			if outcome.ErrorKind == ingestion.KindStorage {
				return outcome, fmt.Errorf("%w: offset %d on partition %d: %s",
					ErrNotCommitted, msg.Offset, msg.Partition, outcome.Reason)
			}

			return outcome, nil
		}

		c.logger.Warn("Retrying failed ingestion",
			slog.String("correlation_id", correlationID),
			slog.String("error_kind", string(outcome.ErrorKind)),
			slog.Int("attempt", attempt+1),
			slog.String("reason", outcome.Reason),
		)

		if !sleep(ctx, wait) {
			return outcome, fmt.Errorf("ingestion of offset %d on partition %d interrupted: %w",
				msg.Offset, msg.Partition, ctx.Err())
		}

		wait = c.nextWait(wait)
	}
}

// retryable reports failures caused by infrastructure rather than by the request.
func retryable(outcome ingestion.Outcome) bool {
	if outcome.Success {
		return false
	}

	return outcome.ErrorKind == ingestion.KindStorage || outcome.ErrorKind == ingestion.KindRetrieval
}

// fetch retries rebalances and temporary broker errors until ctx ends.
func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	wait := c.config.RetryInterval

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err == nil || ctx.Err() != nil || !temporary(err) {
			return msg, err
		}

		c.logger.Warn("Temporary kafka fetch error",
			slog.String("topic", c.config.Topic),
			slog.String("error", err.Error()),
		)

		if !sleep(ctx, wait) {
			return kafka.Message{}, ctx.Err()
		}

		wait = c.nextWait(wait)
	}
}

// publish writes the outcome keyed by correlation id, backing off on temporary errors.
func (c *Consumer) publish(ctx context.Context, msg kafka.Message, correlationID string, outcome ingestion.Outcome) error {
	value, err := json.Marshal(OutcomeMessage{
		Outcome:       outcome,
		CorrelationID: correlationID,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	out := kafka.Message{
		Key:   []byte(correlationID),
		Value: value,
		Headers: []kafka.Header{
			{Key: CorrelationIDHeader, Value: []byte(correlationID)},
			{Key: "X-Source-Offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		},
	}

	wait := c.config.RetryInterval

	for attempt := 0; ; attempt++ {
		err = c.writer.WriteMessages(ctx, out)
		if err == nil {
			return nil
		}

		if attempt >= c.config.PublishRetries || !temporary(err) {
			break
		}

		c.logger.Warn("Temporary kafka write error",
			slog.String("correlation_id", correlationID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)

		if !sleep(ctx, wait) {
			break
		}

		wait = c.nextWait(wait)
	}

	return fmt.Errorf("failed to publish outcome for %s to topic %q: %w", correlationID, c.config.OutcomeTopic, err)
}

func (c *Consumer) nextWait(wait time.Duration) time.Duration {
	wait *= 2
	if wait > c.config.MaxRetryWait {
		wait = c.config.MaxRetryWait
	}

	return wait
}

// messageCorrelationID prefers the correlation header, then the message key, then a new UUID.
func messageCorrelationID(msg kafka.Message) string {
	for _, header := range msg.Headers {
		if header.Key == CorrelationIDHeader && len(header.Value) > 0 {
			return string(header.Value)
		}
	}

	if len(msg.Key) > 0 {
		return string(msg.Key)
	}

	return uuid.NewString()
}

func temporary(err error) bool {
	if errors.Is(err, kafka.RebalanceInProgress) {
		return true
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && !temporary(e) {
				return false
			}
		}

		return true
	}

	var kafkaErr kafka.Error
	if errors.As(err, &kafkaErr) {
		return kafkaErr.Temporary()
	}

	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
