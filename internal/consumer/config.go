package consumer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cohortbase-io/cohortbase/internal/config"
)

const (
	defaultTopic          = "ingest-requests"
	defaultGroupID        = "cohortbase-ingester"
	defaultMinBytes       = 1
	defaultMaxBytes       = 10 << 20 // 10 MiB
	defaultMaxWait        = 500 * time.Millisecond
	defaultIngestTimeout  = 5 * time.Minute
	defaultPublishRetries = 5
	defaultIngestRetries  = 3
	defaultRetryInterval  = 100 * time.Millisecond
	defaultMaxRetryWait   = 5 * time.Second
)

var (
	// ErrNoBrokers is returned when no Kafka broker address is configured.
	ErrNoBrokers = errors.New("at least one kafka broker is required")

	// ErrEmptyTopic is returned when the request topic is empty.
	ErrEmptyTopic = errors.New("kafka topic cannot be empty")

	// ErrEmptyGroupID is returned when the consumer group is empty.
	ErrEmptyGroupID = errors.New("kafka consumer group cannot be empty")

	// ErrSameTopic is returned when outcomes would be published back onto the request topic.
	ErrSameTopic = errors.New("kafka outcome topic must differ from the request topic")

	// ErrInvalidIngestTimeout is returned when the per-message ingest timeout is not positive.
	ErrInvalidIngestTimeout = errors.New("ingest timeout must be positive")

	// ErrInvalidPublishRetries is returned when the publish retry count is negative.
	ErrInvalidPublishRetries = errors.New("publish retries cannot be negative")

	// ErrInvalidIngestRetries is returned when the ingest retry count is negative.
	ErrInvalidIngestRetries = errors.New("ingest retries cannot be negative")
)

// Config holds Kafka ingester settings.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string

	// OutcomeTopic receives one outcome document per request. Empty disables publishing.
	OutcomeTopic string

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	IngestTimeout  time.Duration // Upper bound for one ingestion call
	PublishRetries int           // Attempts after a temporary write failure
	IngestRetries  int           // Attempts after a storage or retrieval failure
	RetryInterval  time.Duration // First backoff interval, doubled per attempt
	MaxRetryWait   time.Duration
}

// LoadConfig loads Kafka configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Brokers:        config.GetEnvList("COHORTBASE_KAFKA_BROKERS", nil),
		Topic:          strings.TrimSpace(config.GetEnvStr("COHORTBASE_KAFKA_TOPIC", defaultTopic)),
		GroupID:        strings.TrimSpace(config.GetEnvStr("COHORTBASE_KAFKA_GROUP_ID", defaultGroupID)),
		OutcomeTopic:   strings.TrimSpace(config.GetEnvStr("COHORTBASE_KAFKA_OUTCOME_TOPIC", "")),
		MinBytes:       config.GetEnvInt("COHORTBASE_KAFKA_MIN_BYTES", defaultMinBytes),
		MaxBytes:       config.GetEnvInt("COHORTBASE_KAFKA_MAX_BYTES", defaultMaxBytes),
		MaxWait:        config.GetEnvDuration("COHORTBASE_KAFKA_MAX_WAIT", defaultMaxWait),
		IngestTimeout:  config.GetEnvDuration("COHORTBASE_INGEST_TIMEOUT", defaultIngestTimeout),
		PublishRetries: config.GetEnvInt("COHORTBASE_KAFKA_PUBLISH_RETRIES", defaultPublishRetries),
		IngestRetries:  config.GetEnvInt("COHORTBASE_KAFKA_INGEST_RETRIES", defaultIngestRetries),
		RetryInterval:  defaultRetryInterval,
		MaxRetryWait:   defaultMaxRetryWait,
	}
}

// Validate checks if the Kafka configuration is valid.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrEmptyTopic
	}

	if c.GroupID == "" {
		return ErrEmptyGroupID
	}

	if c.OutcomeTopic != "" && c.OutcomeTopic == c.Topic {
		return fmt.Errorf("%w: %s", ErrSameTopic, c.Topic)
	}

	if c.IngestTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidIngestTimeout, c.IngestTimeout)
	}

	if c.PublishRetries < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidPublishRetries, c.PublishRetries)
	}

	if c.IngestRetries < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidIngestRetries, c.IngestRetries)
	}

	return nil
}
