package sink

import (
	"context"
	"sync"

	"github.com/maxpert/rowhook/cfg"
	"github.com/maxpert/rowhook/publisher"
)

func init() {
	publisher.RegisterSink("mock", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink is an in-memory Sink for tests and local runs
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
