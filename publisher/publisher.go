package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/encoding"
	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/telemetry"
	"github.com/rs/zerolog/log"
)

// Config configures a Publisher
type Config struct {
	Name        string
	Sink        Sink
	Transformer Transformer
	Filter      Filter               // nil publishes every table
	Compression encoding.Compression // applied to every payload
	TopicPrefix string
	NodeID      uint64
}

// Publisher is a deferred listener that publishes committed events.
type Publisher struct {
	config Config
	now    func() time.Time
}

// New creates a Publisher. Sink and Transformer are required.
func New(config Config) (*Publisher, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("publisher name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("publisher %s: sink is required", config.Name)
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("publisher %s: transformer is required", config.Name)
	}
	if config.Filter == nil {
		config.Filter = &GlobFilter{}
	}
	return &Publisher{config: config, now: time.Now}, nil
}

func (p *Publisher) Name() string {
	return p.config.Name
}

// Filter returns the table filter, usable as a registration filter
func (p *Publisher) Filter() Filter {
	return p.config.Filter
}

// OnResolve publishes the batch of a committed transaction in order. A
// message that fails does not stop the rest; all failures are returned
// together. Rolled back batches are dropped.
func (p *Publisher) OnResolve(ctx context.Context, committed bool, events []event.Event) error {
	if !committed {
		log.Debug().Str("listener", p.config.Name).Int("events", len(events)).Msg("Rollback, nothing to publish")
		return nil
	}

	txnID, _ := dispatch.ResolvedTxnID(ctx)
	commitTS := p.now().UnixMilli()

	var errs []error
	published := 0
	for i, ev := range events {
		table := ev.Table().Name
		if !p.config.Filter.Match(table) {
			continue
		}

		before, after := event.Values(ev)
		msg := Message{
			TxnID:     txnID,
			Seq:       i,
			Table:     table,
			Operation: ev.Kind(),
			Key:       fmt.Sprint(ev.ID()),
			Before:    before,
			After:     after,
			CommitTS:  commitTS,
			NodeID:    p.config.NodeID,
		}

		if err := p.publish(ctx, msg); err != nil {
			telemetry.PublishedTotal.With(p.config.Name, "failed").Inc()
			errs = append(errs, fmt.Errorf("%s %s: %w", table, msg.Key, err))
			continue
		}
		telemetry.PublishedTotal.With(p.config.Name, "success").Inc()
		published++
	}

	log.Debug().
		Str("listener", p.config.Name).
		Uint64("txn_id", txnID).
		Int("events", len(events)).
		Int("published", published).
		Int("failed", len(errs)).
		Msg("Published transaction")

	return errors.Join(errs...)
}

// Close closes the sink
func (p *Publisher) Close() error {
	return p.config.Sink.Close()
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	data, err := p.config.Transformer.Transform(msg)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := p.buildTopic(msg.Table)
	if err := p.send(ctx, topic, msg.Key, data); err != nil {
		return err
	}

	// For DELETE operations, also send tombstone
	if msg.Operation == event.KindDelete {
		if err := p.send(ctx, topic, msg.Key, p.config.Transformer.Tombstone(msg.Key)); err != nil {
			return fmt.Errorf("tombstone: %w", err)
		}
	}
	return nil
}

func (p *Publisher) send(ctx context.Context, topic, key string, data []byte) error {
	payload, err := encoding.Compress(p.config.Compression, data)
	if err != nil {
		return err
	}
	return p.config.Sink.Publish(ctx, topic, key, payload)
}

// buildTopic builds the topic name for a table
func (p *Publisher) buildTopic(table string) string {
	if p.config.TopicPrefix == "" {
		return table
	}
	return fmt.Sprintf("%s.%s", p.config.TopicPrefix, table)
}
