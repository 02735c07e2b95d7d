// Package listener defines the observers notified about change events and
// the registry that holds them.
//
// A listener is either Immediate (called synchronously from inside the write
// that produced the event) or Deferred (called once after the enclosing
// transaction resolves, with that transaction's ordered batch). The variant
// is decided by which interface the implementation satisfies.
package listener

import (
	"context"

	"github.com/maxpert/rowhook/event"
)

// Listener is the common part of every observer.
type Listener interface {
	// Name identifies the listener in logs, metrics and errors
	Name() string
}

// Immediate listeners see every event at emission time, independent of the
// transaction outcome. A returned error aborts the write.
type Immediate interface {
	Listener
	OnEvent(ctx context.Context, ev event.Event) error
}

// Deferred listeners see a transaction's events once it has resolved.
// committed reports the outcome; implementations that mutate external state
// must skip mutation when it is false.
type Deferred interface {
	Listener
	OnResolve(ctx context.Context, committed bool, events []event.Event) error
}

// Variant classifies a registered listener
type Variant uint8

const (
	VariantImmediate Variant = iota + 1
	VariantDeferred
)

func (v Variant) String() string {
	switch v {
	case VariantImmediate:
		return "immediate"
	case VariantDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ImmediateFunc adapts a function to the Immediate interface.
func ImmediateFunc(name string, fn func(ctx context.Context, ev event.Event) error) Immediate {
	return immediateFunc{name: name, fn: fn}
}

// DeferredFunc adapts a function to the Deferred interface.
func DeferredFunc(name string, fn func(ctx context.Context, committed bool, events []event.Event) error) Deferred {
	return deferredFunc{name: name, fn: fn}
}

type immediateFunc struct {
	name string
	fn   func(ctx context.Context, ev event.Event) error
}

func (f immediateFunc) Name() string { return f.name }

func (f immediateFunc) OnEvent(ctx context.Context, ev event.Event) error {
	return f.fn(ctx, ev)
}

type deferredFunc struct {
	name string
	fn   func(ctx context.Context, committed bool, events []event.Event) error
}

func (f deferredFunc) Name() string { return f.name }

func (f deferredFunc) OnResolve(ctx context.Context, committed bool, events []event.Event) error {
	return f.fn(ctx, committed, events)
}
