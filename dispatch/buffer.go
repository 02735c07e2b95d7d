package dispatch

import "github.com/maxpert/rowhook/event"

// Buffer accumulates the events of one transaction per deferred listener.
// A Buffer belongs to exactly one transaction and is not safe for
// concurrent use; the coordinator serializes access.
type Buffer struct {
	seqs  map[uint64][]event.Event
	total int
}

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	return &Buffer{seqs: make(map[uint64][]event.Event)}
}

// Append adds events to the end of the listener's sequence.
func (b *Buffer) Append(listenerID uint64, events ...event.Event) {
	if len(events) == 0 {
		return
	}
	b.seqs[listenerID] = append(b.seqs[listenerID], events...)
	b.total += len(events)
}

// Drain returns the listener's events in append order and forgets them.
func (b *Buffer) Drain(listenerID uint64) []event.Event {
	events, ok := b.seqs[listenerID]
	if !ok {
		return nil
	}
	delete(b.seqs, listenerID)
	b.total -= len(events)
	return events
}

// Pending returns the number of events buffered for a listener
func (b *Buffer) Pending(listenerID uint64) int {
	return len(b.seqs[listenerID])
}

// Len returns the number of buffered events across all listeners
func (b *Buffer) Len() int {
	return b.total
}
