// Package transformer provides implementations of the publisher.Transformer
// interface for converting messages to sink payloads.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer encodes messages as a Debezium-style JSON envelope
// without the schema section:
//
//	{"before": ..., "after": ..., "op": "c|u|d", "ts_ms": ..., "source": {...}}
//
// Row values are encoded with encoding/json, so their json tags apply.
type JSONTransformer struct {
	connectorName string
}

// NewJSONTransformer creates a new JSON envelope transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{
		connectorName: "rowhook",
	}
}

type jsonEnvelope struct {
	Before any        `json:"before"`
	After  any        `json:"after"`
	Op     string     `json:"op"`
	TsMs   int64      `json:"ts_ms"`
	Source jsonSource `json:"source"`
}

type jsonSource struct {
	Connector string `json:"connector"`
	Table     string `json:"table"`
	Key       string `json:"key"`
	TxID      uint64 `json:"txId"`
	Seq       int    `json:"seq"`
	Node      uint64 `json:"node"`
}

// Transform converts a message to a JSON envelope
func (j *JSONTransformer) Transform(msg publisher.Message) ([]byte, error) {
	envelope := jsonEnvelope{
		Before: msg.Before,
		After:  msg.After,
		Op:     mapOperation(msg.Operation),
		TsMs:   msg.CommitTS,
		Source: jsonSource{
			Connector: j.connectorName,
			Table:     msg.Table,
			Key:       msg.Key,
			TxID:      msg.TxnID,
			Seq:       msg.Seq,
			Node:      msg.NodeID,
		},
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (j *JSONTransformer) Tombstone(key string) []byte {
	return nil
}

// mapOperation maps an event kind to a Debezium operation
func mapOperation(op event.Kind) string {
	switch op {
	case event.KindInsert:
		return "c" // create
	case event.KindUpdate:
		return "u"
	case event.KindDelete:
		return "d"
	default:
		log.Warn().Stringer("operation", op).Msg("unknown operation, defaulting to update")
		return "u"
	}
}
