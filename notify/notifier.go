// Package notify fans out commit signals to in-process subscribers.
package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/event"
)

// defaultSignalBufferSize is the buffer size for signal channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// Signal announces that a committed transaction changed a table.
type Signal struct {
	Table  string `json:"table"`
	TxnID  uint64 `json:"txn_id"`
	Events int    `json:"events"`
}

// Filter selects the tables a subscriber hears about. Empty means all.
type Filter struct {
	Tables []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(table string) bool {
	if len(s.filter.Tables) == 0 {
		return true
	}
	for _, t := range s.filter.Tables {
		if t == table {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a deferred listener turning committed batches into per-table
// signals. Rolled back batches produce nothing.
type Hub struct {
	name          string
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub(name string) *Hub {
	return &Hub{
		name:          name,
		subscriptions: make(map[uint64]*subscription),
	}
}

func (h *Hub) Name() string {
	return h.name
}

// OnResolve signals once per changed table, in order of first appearance.
func (h *Hub) OnResolve(ctx context.Context, committed bool, events []event.Event) error {
	if !committed || len(events) == 0 {
		return nil
	}

	txnID, _ := dispatch.ResolvedTxnID(ctx)
	var order []string
	counts := make(map[string]int)
	for _, ev := range events {
		table := ev.Table().Name
		if _, seen := counts[table]; !seen {
			order = append(order, table)
		}
		counts[table]++
	}

	for _, table := range order {
		h.Signal(Signal{Table: table, TxnID: txnID, Events: counts[table]})
	}
	return nil
}

// Signal sends sig to all matching subscribers (non-blocking).
func (h *Hub) Signal(sig Signal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(sig.Table) {
			continue
		}

		// Buffer full, skip this subscriber
		select {
		case sub.ch <- sig:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and
// an idempotent cancel function. Signals are dropped for subscribers whose
// buffer is full.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
