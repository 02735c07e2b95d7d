package publisher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/rowhook/cfg"
	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/encoding"
	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/listener"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	SinkConfigs []cfg.SinkConfiguration // From config
	NodeID      uint64
}

// Registry owns one Publisher per configured sink and their listener
// registrations.
type Registry struct {
	nodeID     uint64
	publishers []*Publisher
	handles    []listener.Handle
	mu         sync.Mutex
}

// NewRegistry creates a publisher for every sink configuration
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		nodeID:     config.NodeID,
		publishers: make([]*Publisher, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close the sinks created so far
			registry.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("publishers", len(registry.publishers)).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink builds a Publisher for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Create transformer based on config.Format (stateless, no cleanup needed)
	trans, err := createTransformer(config.Format)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterTables)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	compression, err := encoding.ParseCompression(config.Compression)
	if err != nil {
		return err
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	pub, err := New(Config{
		Name:        config.Name,
		Sink:        snk,
		Transformer: trans,
		Filter:      filter,
		Compression: compression,
		TopicPrefix: config.TopicPrefix,
		NodeID:      r.nodeID,
	})
	if err != nil {
		snk.Close()
		return err
	}

	r.publishers = append(r.publishers, pub)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Str("compression", config.Compression).
		Msg("Added publisher sink")

	return nil
}

// Publishers returns the publishers in configuration order
func (r *Registry) Publishers() []*Publisher {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Publisher(nil), r.publishers...)
}

// Register adds every publisher to the coordinator as a deferred listener.
// Events of tables a publisher filters out are never buffered for it.
func (r *Registry) Register(c *dispatch.Coordinator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pub := range r.publishers {
		h, err := c.AddListener(pub, listener.WithFilter(registrationFilter(pub.Filter())))
		if err != nil {
			return fmt.Errorf("failed to register publisher %s: %w", pub.Name(), err)
		}
		r.handles = append(r.handles, h)
	}
	return nil
}

// Close unregisters the publishers and closes their sinks
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range r.handles {
		h.Remove()
	}
	r.handles = nil

	var errs []error
	for _, pub := range r.publishers {
		if err := pub.Close(); err != nil {
			log.Warn().Err(err).Str("sink", pub.Name()).Msg("Failed to close sink")
			errs = append(errs, err)
		}
	}
	r.publishers = nil

	return errors.Join(errs...)
}

func registrationFilter(f Filter) listener.Filter {
	if lf, ok := f.(listener.Filter); ok {
		return lf
	}
	return listener.FilterFunc(func(ev event.Event) bool {
		return f.Match(ev.Table().Name)
	})
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
