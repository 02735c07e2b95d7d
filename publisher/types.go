package publisher

import (
	"context"

	"github.com/maxpert/rowhook/event"
)

// Message is one committed change ready for publishing.
type Message struct {
	TxnID     uint64     // Transaction that produced the change
	Seq       int        // Position within the transaction's batch
	Table     string     // Table name
	Operation event.Kind // Insert, update or delete
	Key       string     // Primary key rendered as text
	Before    any        // Previous row, nil for inserts
	After     any        // New row, nil for deletes
	CommitTS  int64      // Resolution time (unix ms)
	NodeID    uint64     // Originating node
}

// Sink represents a destination for messages (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a payload to the sink
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts messages to sink-specific payloads
type Transformer interface {
	// Transform converts a message to bytes for publishing
	Transform(msg Message) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether changes to a table should be published
type Filter interface {
	// Match returns true if the table should be published
	Match(table string) bool
}
