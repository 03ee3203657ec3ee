package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka durability appender.
type KafkaConfig struct {
	Brokers      []string      `json:"brokers"`
	TopicPrefix  string        `json:"topic_prefix"`
	BatchSize    int           `json:"batch_size"`
	BatchTimeout time.Duration `json:"batch_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	RequiredAcks int           `json:"required_acks"`
}

// DefaultKafkaConfig returns producer settings tuned for a low-latency
// market-data firehose: small batch linger, leader-only acks.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		TopicPrefix:  "datacore",
		BatchSize:    1000,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
	}
}

// KafkaAppender streams normalized records to Kafka, one topic per data
// type ("datacore.trade", "datacore.delta", ...), keyed by instrument so
// per-instrument order survives partitioning. It is append-only: range
// reads are served by a Reader implementation, not by Kafka.
type KafkaAppender struct {
	cfg    KafkaConfig
	writer *kafka.Writer
}

// NewKafkaAppender returns an appender over the configured brokers.
func NewKafkaAppender(cfg KafkaConfig) *KafkaAppender {
	return &KafkaAppender{
		cfg: cfg,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		},
	}
}

func (a *KafkaAppender) topic(rec Record) string {
	return a.cfg.TopicPrefix + "." + rec.DataType.String()
}

func (a *KafkaAppender) Append(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return a.writer.WriteMessages(ctx, kafka.Message{
		Topic: a.topic(rec),
		Key:   []byte(rec.InstrumentID.String()),
		Value: value,
		Time:  rec.Ts,
	})
}

func (a *KafkaAppender) Close() error {
	return a.writer.Close()
}
