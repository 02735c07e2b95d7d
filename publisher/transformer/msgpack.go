package transformer

import (
	"fmt"

	"github.com/maxpert/rowhook/encoding"
	"github.com/maxpert/rowhook/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return &MsgpackTransformer{}
	})
}

// MsgpackRecord is the msgpack payload of one message
type MsgpackRecord struct {
	TxnID    uint64 `msgpack:"txn"`    // Transaction ID
	Seq      int    `msgpack:"seq"`    // Position within the transaction
	Table    string `msgpack:"tbl"`    // Table name
	Op       string `msgpack:"op"`     // c, u or d
	Key      string `msgpack:"key"`    // Primary key
	Before   any    `msgpack:"before"` // Previous row
	After    any    `msgpack:"after"`  // New row
	CommitTS int64  `msgpack:"ts"`     // Resolution timestamp (unix ms)
	NodeID   uint64 `msgpack:"node"`   // Originating node
}

// MsgpackTransformer encodes messages as MsgpackRecord
type MsgpackTransformer struct{}

// Transform converts a message to msgpack
func (m *MsgpackTransformer) Transform(msg publisher.Message) ([]byte, error) {
	data, err := encoding.Marshal(MsgpackRecord{
		TxnID:    msg.TxnID,
		Seq:      msg.Seq,
		Table:    msg.Table,
		Op:       mapOperation(msg.Operation),
		Key:      msg.Key,
		Before:   msg.Before,
		After:    msg.After,
		CommitTS: msg.CommitTS,
		NodeID:   msg.NodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack: %w", err)
	}
	return data, nil
}

// Tombstone returns nil, the delete marker for compacted topics
func (m *MsgpackTransformer) Tombstone(key string) []byte {
	return nil
}
