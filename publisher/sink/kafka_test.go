package sink

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Len(t, config.Brokers, 2)
	assert.Equal(t, "localhost:9092", config.Brokers[0])
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.True(t, config.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer sink.Close()

	require.NotNil(t, sink.writer)
	assert.Equal(t, 50, sink.writer.BatchSize)
	assert.Equal(t, int64(2048), sink.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, sink.writer.RequiredAcks)
	assert.False(t, sink.writer.Async, "publish must wait for the broker")
	assert.IsType(t, &kafka.Hash{}, sink.writer.Balancer)
}

func TestNewKafkaSinkDefaults(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	defer sink.Close()

	assert.Equal(t, DefaultKafkaBatchSize, sink.writer.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), sink.writer.BatchBytes)
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{}})
	assert.Error(t, err)
}

func TestKafkaSink_Close(t *testing.T) {
	sink, err := NewKafkaSink(DefaultKafkaConfig([]string{"localhost:9092"}))
	require.NoError(t, err)
	assert.NoError(t, sink.Close())

	var empty KafkaSink
	assert.NoError(t, empty.Close())
}
