package transformer

import "github.com/maxpert/rowhook/publisher"

// Compile-time interface verification
var (
	_ publisher.Transformer = (*JSONTransformer)(nil)
	_ publisher.Transformer = (*MsgpackTransformer)(nil)
)
