package listener

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/rowhook/event"
	"github.com/rs/zerolog/log"
)

// ErrUnknownListener is returned when a listener implements neither or both
// of Immediate and Deferred.
var ErrUnknownListener = errors.New("listener must implement exactly one of Immediate or Deferred")

// Entry is a registered listener.
type Entry struct {
	ID      uint64
	Variant Variant
	Filter  Filter // nil accepts everything

	immediate Immediate
	deferred  Deferred
}

// Name returns the listener name
func (e Entry) Name() string {
	if e.immediate != nil {
		return e.immediate.Name()
	}
	if e.deferred != nil {
		return e.deferred.Name()
	}
	return ""
}

// Immediate returns the listener when Variant is VariantImmediate.
func (e Entry) Immediate() Immediate { return e.immediate }

// Deferred returns the listener when Variant is VariantDeferred.
func (e Entry) Deferred() Deferred { return e.deferred }

// Accepts reports whether the entry's filter lets ev through.
func (e Entry) Accepts(ev event.Event) bool {
	return e.Filter == nil || e.Filter.Accept(ev)
}

// Option configures a registration
type Option func(*Entry)

// WithFilter restricts which events reach the listener.
func WithFilter(f Filter) Option {
	return func(e *Entry) {
		e.Filter = f
	}
}

// Handle identifies a registration. Remove is idempotent.
type Handle struct {
	id       uint64
	registry *Registry
}

// ID returns the registration ID; IDs grow with registration order.
func (h Handle) ID() uint64 { return h.id }

// Remove unregisters the listener.
func (h Handle) Remove() {
	if h.registry != nil {
		h.registry.remove(h.id)
	}
}

// Registry is an owned, thread-safe set of listeners. Iteration order is
// registration order. Registries are never shared implicitly; each
// coordinator owns one.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  atomic.Uint64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers l and returns a handle that removes it.
func (r *Registry) Add(l Listener, opts ...Option) (Handle, error) {
	entry := Entry{}
	imm, isImmediate := l.(Immediate)
	def, isDeferred := l.(Deferred)

	switch {
	case isImmediate && !isDeferred:
		entry.Variant = VariantImmediate
		entry.immediate = imm
	case isDeferred && !isImmediate:
		entry.Variant = VariantDeferred
		entry.deferred = def
	default:
		return Handle{}, fmt.Errorf("%w: %T", ErrUnknownListener, l)
	}

	for _, opt := range opts {
		opt(&entry)
	}

	r.mu.Lock()
	entry.ID = r.nextID.Add(1)
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	log.Debug().
		Uint64("listener_id", entry.ID).
		Str("listener", l.Name()).
		Stringer("variant", entry.Variant).
		Msg("Registered listener")

	return Handle{id: entry.ID, registry: r}, nil
}

// Remove unregisters the listener with the given registration ID and
// reports whether it was present.
func (r *Registry) Remove(id uint64) bool {
	return r.remove(id)
}

func (r *Registry) remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.ID != id {
			continue
		}
		// Copy so snapshots handed out earlier stay intact
		entries := make([]Entry, 0, len(r.entries)-1)
		entries = append(entries, r.entries[:i]...)
		entries = append(entries, r.entries[i+1:]...)
		r.entries = entries
		log.Debug().Uint64("listener_id", id).Str("listener", e.Name()).Msg("Removed listener")
		return true
	}
	return false
}

// Contains reports whether the registration is still present.
func (r *Registry) Contains(id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Snapshot returns the current entries split by variant, each in
// registration order.
func (r *Registry) Snapshot() (immediate, deferred []Entry) {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	for _, e := range entries {
		switch e.Variant {
		case VariantImmediate:
			immediate = append(immediate, e)
		case VariantDeferred:
			deferred = append(deferred, e)
		}
	}
	return immediate, deferred
}

// Entries returns all registrations in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of registered listeners
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
