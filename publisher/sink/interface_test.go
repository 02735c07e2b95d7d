package sink

import "github.com/maxpert/rowhook/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)
