// Package dispatch delivers change events to listeners.
//
// Immediate listeners are called inline with Notify. Events for deferred
// listeners are buffered per transaction and delivered once, in generation
// order, when the transaction resolves:
//
//	NONE --Begin--> ACTIVE --Resolve--> RESOLVING --flush done--> NONE
//
// The current transaction travels in the context returned by Begin. The
// coordinator keeps the buffers of all active transactions in a concurrent
// map keyed by transaction ID, so contexts of different transactions never
// see each other's buffers.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/id"
	"github.com/maxpert/rowhook/listener"
	"github.com/maxpert/rowhook/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// FlushPolicy decides which deferred listeners are called on resolution.
type FlushPolicy uint8

const (
	// FlushNonEmpty calls only listeners that buffered at least one event
	FlushNonEmpty FlushPolicy = iota
	// FlushAlways calls every registered deferred listener, possibly with
	// an empty batch
	FlushAlways
)

// ParseFlushPolicy maps the configuration names "non_empty" and "always".
func ParseFlushPolicy(s string) (FlushPolicy, error) {
	switch s {
	case "", "non_empty":
		return FlushNonEmpty, nil
	case "always":
		return FlushAlways, nil
	default:
		return 0, fmt.Errorf("unknown flush policy %q", s)
	}
}

const (
	stateActive int32 = iota + 1
	stateResolving
)

type txnState struct {
	id     uint64
	state  atomic.Int32
	start  time.Time
	mu     sync.Mutex
	buffer *Buffer // allocated on first deferred append
}

// append buffers events for the deferred listeners accepting them. It
// reports false, buffering nothing, once resolution has started; the state
// is checked under mu so takeBuffer cannot run between check and append.
func (t *txnState) append(deferred []listener.Entry, events []event.Event) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Load() != stateActive {
		return 0, false
	}

	appended := 0
	for _, ev := range events {
		for _, entry := range deferred {
			if !entry.Accepts(ev) {
				continue
			}
			if t.buffer == nil {
				t.buffer = NewBuffer()
			}
			t.buffer.Append(entry.ID, ev)
			appended++
		}
	}
	return appended, true
}

func (t *txnState) takeBuffer() *Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := t.buffer
	t.buffer = nil
	if buf == nil {
		buf = NewBuffer()
	}
	return buf
}

type txnKey struct {
	c *Coordinator
}

type resolvedKey struct{}

// ResolvedTxnID returns the ID of the transaction whose resolution ctx was
// handed out for. Deferred listeners use it to tag what they emit.
func ResolvedTxnID(ctx context.Context) (uint64, bool) {
	txnID, ok := ctx.Value(resolvedKey{}).(uint64)
	return txnID, ok
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithFlushPolicy sets the deferred flush policy. Defaults to FlushNonEmpty.
func WithFlushPolicy(p FlushPolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithIDGenerator sets the transaction ID source.
func WithIDGenerator(g id.Generator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// Coordinator fans events out to the listeners of its registry.
type Coordinator struct {
	registry *listener.Registry
	policy   FlushPolicy
	ids      id.Generator
	txns     *xsync.MapOf[uint64, *txnState]
}

// NewCoordinator creates a coordinator over registry. A nil registry gets a
// fresh one.
func NewCoordinator(registry *listener.Registry, opts ...Option) *Coordinator {
	if registry == nil {
		registry = listener.NewRegistry()
	}

	c := &Coordinator{
		registry: registry,
		policy:   FlushNonEmpty,
		ids:      &id.SequenceGenerator{},
		txns:     xsync.NewMapOf[uint64, *txnState](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the listener registry
func (c *Coordinator) Registry() *listener.Registry {
	return c.registry
}

// AddListener registers l with the coordinator's registry.
func (c *Coordinator) AddListener(l listener.Listener, opts ...listener.Option) (listener.Handle, error) {
	return c.registry.Add(l, opts...)
}

// ActiveTransactions returns the number of transactions that have begun and
// not finished resolving.
func (c *Coordinator) ActiveTransactions() int {
	return c.txns.Size()
}

// TxnID returns the transaction carried by ctx, if any.
func (c *Coordinator) TxnID(ctx context.Context) (uint64, bool) {
	txnID, ok := ctx.Value(txnKey{c}).(uint64)
	return txnID, ok && txnID != 0
}

// Begin starts buffering for a new transaction and returns a context that
// carries it. Pass the returned context to Notify and Resolve.
func (c *Coordinator) Begin(ctx context.Context) (context.Context, error) {
	if existing, ok := c.TxnID(ctx); ok {
		if _, active := c.txns.Load(existing); active {
			return ctx, fmt.Errorf("%w: txn %d", ErrTransactionActive, existing)
		}
	}

	st := &txnState{id: c.ids.NextID(), start: time.Now()}
	st.state.Store(stateActive)
	c.txns.Store(st.id, st)

	telemetry.ActiveTransactions.Inc()
	log.Debug().Uint64("txn_id", st.id).Msg("Transaction begun")

	return context.WithValue(ctx, txnKey{c}, st.id), nil
}

// Notify delivers events, in order, to every immediate listener and buffers
// them for deferred listeners when ctx carries an active transaction.
//
// Validation happens before any listener runs. The first immediate failure
// stops delivery and is returned as *ImmediateError; the events of a failed
// call are not buffered.
func (c *Coordinator) Notify(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}

	for i, ev := range events {
		if ev == nil || ev.Table() == nil || ev.ID() == nil {
			return fmt.Errorf("%w: event %d of %d is incomplete", event.ErrInvalidEvent, i+1, len(events))
		}
	}

	immediate, deferred := c.registry.Snapshot()

	for _, ev := range events {
		telemetry.EventsTotal.With(ev.Kind().String()).Inc()

		for _, entry := range immediate {
			if !entry.Accepts(ev) {
				continue
			}
			if err := entry.Immediate().OnEvent(ctx, ev); err != nil {
				telemetry.ImmediateFailuresTotal.Inc()
				return &ImmediateError{Listener: entry.Name(), Event: ev, Err: err}
			}
		}
	}

	txnID, ok := c.TxnID(ctx)
	if !ok || len(deferred) == 0 {
		return nil
	}

	st, ok := c.txns.Load(txnID)
	if !ok {
		log.Debug().Uint64("txn_id", txnID).Int("events", len(events)).
			Msg("Transaction already finished, skipping deferred listeners")
		return nil
	}
	if _, ok := st.append(deferred, events); !ok {
		log.Warn().Uint64("txn_id", txnID).Int("events", len(events)).
			Msg("Notify during transaction resolution, deferred listeners will not see these events")
	}
	return nil
}

// Resolve ends the transaction carried by ctx and flushes its buffer to the
// deferred listeners, in registration order. Every listener is attempted;
// failures are returned together as *FlushError. committed is passed
// through unchanged; listeners decide what a rollback means to them.
func (c *Coordinator) Resolve(ctx context.Context, committed bool) error {
	txnID, ok := c.TxnID(ctx)
	if !ok {
		return ErrNoTransaction
	}

	st, ok := c.txns.Load(txnID)
	if !ok || !st.state.CompareAndSwap(stateActive, stateResolving) {
		return fmt.Errorf("%w: txn %d", ErrNoTransaction, txnID)
	}

	defer func() {
		c.txns.Delete(txnID)
		telemetry.ActiveTransactions.Dec()
	}()

	outcome := outcomeLabel(committed)
	telemetry.TxnTotal.With(outcome).Inc()

	start := time.Now()
	buf := st.takeBuffer()
	_, deferred := c.registry.Snapshot()

	// Listeners run outside the transaction; writes they make are not
	// buffered into the one being resolved.
	flushCtx := context.WithValue(ctx, txnKey{c}, uint64(0))
	flushCtx = context.WithValue(flushCtx, resolvedKey{}, txnID)

	var failures []ListenerFailure
	for _, entry := range deferred {
		events := buf.Drain(entry.ID)
		if len(events) == 0 && c.policy == FlushNonEmpty {
			continue
		}

		telemetry.DeferredFlushesTotal.With(outcome).Inc()
		telemetry.FlushBatchSize.Observe(float64(len(events)))

		if err := callDeferred(flushCtx, entry.Deferred(), committed, events); err != nil {
			telemetry.DeferredFlushFailuresTotal.Inc()
			log.Error().Err(err).
				Uint64("txn_id", txnID).
				Str("listener", entry.Name()).
				Bool("committed", committed).
				Int("events", len(events)).
				Msg("Deferred listener failed")
			failures = append(failures, ListenerFailure{Listener: entry.Name(), Events: len(events), Err: err})
		}
	}

	// Whatever is left belongs to listeners removed before resolution
	if left := buf.Len(); left > 0 {
		log.Debug().Uint64("txn_id", txnID).Int("events", left).
			Msg("Dropped events of removed deferred listeners")
	}

	telemetry.FlushDurationSeconds.With(outcome).Observe(time.Since(start).Seconds())
	log.Debug().
		Uint64("txn_id", txnID).
		Bool("committed", committed).
		Dur("duration", time.Since(st.start)).
		Msg("Transaction resolved")

	if len(failures) > 0 {
		return &FlushError{TxnID: txnID, Committed: committed, Failures: failures}
	}
	return nil
}

func callDeferred(ctx context.Context, l listener.Deferred, committed bool, events []event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.OnResolve(ctx, committed, events)
}

func outcomeLabel(committed bool) string {
	if committed {
		return "committed"
	}
	return "rolled_back"
}
