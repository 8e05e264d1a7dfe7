package consumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/cohortbase-io/cohortbase/internal/config"
	"github.com/cohortbase-io/cohortbase/internal/ingestion"
	"github.com/cohortbase-io/cohortbase/internal/schema"
	"github.com/cohortbase-io/cohortbase/internal/storage"
)

const integrationRequest = `{
  "table_id": "table-kafka",
  "workflow_id": "phenopackets_json",
  "workflow_outputs": {"json_document": {
    "id": "pkt-kafka-1",
    "subject": {"id": "patient:kafka-1"},
    "meta_data": {"created_by": "kafka-test"}
  }}
}`

func TestConsumer_KafkaIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	testKafka := config.SetupTestKafka(ctx, t)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(testKafka.Container)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	validator, err := schema.NewValidator()
	require.NoError(t, err)

	svc, err := ingestion.NewService(storage.NewMemoryStore(), ingestion.Config{Validator: validator},
		ingestion.WithLogger(logger))
	require.NoError(t, err)

	require.NoError(t, svc.RegisterDataset(ctx, &ingestion.Dataset{ID: "dataset-kafka", Title: "Kafka"}))
	require.NoError(t, svc.RegisterTable(ctx, &ingestion.Table{
		ID:        "table-kafka",
		Name:      "phenopackets",
		DataType:  ingestion.DataTypePhenopacket,
		DatasetID: "dataset-kafka",
	}))

	cfg := testConfig()
	cfg.Brokers = testKafka.Brokers
	cfg.Topic = "ingest-requests-it"
	cfg.OutcomeTopic = "ingest-outcomes-it"
	cfg.GroupID = "cohortbase-it"
	cfg.IngestTimeout = 30 * time.Second
	cfg.MaxWait = 100 * time.Millisecond

	requests := &kafka.Writer{
		Addr:                   kafka.TCP(testKafka.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
	}
	t.Cleanup(func() { _ = requests.Close() })

	require.Eventually(t, func() bool {
		return requests.WriteMessages(ctx,
			kafka.Message{
				Key:     []byte("corr-kafka-1"),
				Value:   []byte(integrationRequest),
				Headers: []kafka.Header{{Key: CorrelationIDHeader, Value: []byte("corr-kafka-1")}},
			},
			kafka.Message{Key: []byte("corr-kafka-2"), Value: []byte(`{"table_id": 1}`)},
		) == nil
	}, time.Minute, time.Second, "request topic never became writable")

	c, err := New(cfg, svc, WithLogger(logger))
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)

	go func() { done <- c.Run(runCtx) }()

	outcomes := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     testKafka.Brokers,
		Topic:       cfg.OutcomeTopic,
		StartOffset: kafka.FirstOffset,
		MaxWait:     100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = outcomes.Close() })

	published := make(map[string]OutcomeMessage)

	for len(published) < 2 {
		msg, err := outcomes.ReadMessage(ctx)
		require.NoError(t, err)

		var outcome OutcomeMessage
		require.NoError(t, json.Unmarshal(msg.Value, &outcome))

		published[string(msg.Key)] = outcome
	}

	stop()
	require.NoError(t, <-done)
	require.NoError(t, c.Close())

	first := published["corr-kafka-1"]
	assert.True(t, first.Success, first.Reason)
	assert.Contains(t, first.CreatedIDs, "pkt-kafka-1")

	second := published["corr-kafka-2"]
	assert.False(t, second.Success)
	assert.Equal(t, ingestion.KindMalformedInput, second.ErrorKind)
}
