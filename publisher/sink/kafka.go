package sink

import (
	"context"
	"fmt"

	"github.com/maxpert/rowhook/cfg"
	"github.com/maxpert/rowhook/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kafkaConfig := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kafkaConfig.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink writes committed row changes to Kafka. Messages are keyed by
// primary key and partitioned by key hash, so every change of one row lands
// on one partition in commit order. Writes are synchronous: a publisher's
// next message is not sent until the previous one was acked.
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig configures a KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int   // writer batch limit, raised with [[sinks]] batch_size
	BatchBytes       int64
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool // one topic per table is created on first publish
}

// DefaultKafkaConfig waits for all in-sync replicas and creates topics on demand.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink fails without brokers. The writer connects lazily on first publish.
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish writes one change to topic keyed by the row's primary key. A nil
// value is the tombstone that follows a delete, letting compacted topics
// drop the row.
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
