// Package publisher forwards committed change events to external systems.
//
// A Publisher is a deferred listener: it sees a transaction's events only
// once the transaction has resolved, and publishes them only when it
// committed. Each event is filtered by table, turned into bytes by a
// Transformer, optionally compressed and handed to a Sink:
//
//	events -> Filter -> Transformer -> Compress -> Sink.Publish(topic, key, value)
//
// Topics are "{prefix}.{table}", or just the table name without a prefix.
// Deletes are followed by a tombstone on the same key for log-compacted
// topics.
//
// Sinks and transformers are looked up by name from the factories
// registered with RegisterSink and RegisterTransformer. The sink and
// transformer packages register theirs on import.
package publisher
