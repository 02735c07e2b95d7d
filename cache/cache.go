// Package cache keeps an in-memory copy of committed rows, fed by a
// deferred listener.
package cache

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/rowhook/event"
	"github.com/rs/zerolog/log"
)

// ErrUnexpectedType is returned for events whose key or value does not
// match the cache's types.
var ErrUnexpectedType = errors.New("unexpected type")

// Cache is a bounded LRU of committed rows keyed by primary key.
// Rolled back transactions leave it untouched.
type Cache[ID comparable, T any] struct {
	name  string
	store *lru.Cache[ID, T]
}

// New creates a cache holding up to size rows.
func New[ID comparable, T any](name string, size int) (*Cache[ID, T], error) {
	store, err := lru.New[ID, T](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache %s: %w", name, err)
	}
	return &Cache[ID, T]{name: name, store: store}, nil
}

func (c *Cache[ID, T]) Name() string {
	return c.name
}

// OnResolve applies committed changes in order. Mismatched events are
// skipped and reported together once the batch is applied.
func (c *Cache[ID, T]) OnResolve(_ context.Context, committed bool, events []event.Event) error {
	if !committed {
		log.Debug().Str("listener", c.name).Int("events", len(events)).Msg("Rollback, cache unchanged")
		return nil
	}

	var errs []error
	for _, ev := range events {
		if err := event.Dispatch(ev, applier[ID, T]{c.store}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the cached row for key
func (c *Cache[ID, T]) Get(key ID) (T, bool) {
	return c.store.Get(key)
}

// Contains reports whether key is cached without touching recency
func (c *Cache[ID, T]) Contains(key ID) bool {
	return c.store.Contains(key)
}

// Len returns the number of cached rows
func (c *Cache[ID, T]) Len() int {
	return c.store.Len()
}

// Keys returns cached keys from oldest to newest
func (c *Cache[ID, T]) Keys() []ID {
	return c.store.Keys()
}

// Purge drops every cached row
func (c *Cache[ID, T]) Purge() {
	c.store.Purge()
}

type applier[ID comparable, T any] struct {
	store *lru.Cache[ID, T]
}

func (a applier[ID, T]) key(ev event.Event) (ID, error) {
	key, ok := ev.ID().(ID)
	if !ok {
		return key, fmt.Errorf("%w: key %T of %s", ErrUnexpectedType, ev.ID(), ev)
	}
	return key, nil
}

func (a applier[ID, T]) put(ev event.Event, value any) error {
	key, err := a.key(ev)
	if err != nil {
		return err
	}
	v, ok := value.(T)
	if !ok {
		return fmt.Errorf("%w: value %T of %s", ErrUnexpectedType, value, ev)
	}
	a.store.Add(key, v)
	return nil
}

func (a applier[ID, T]) VisitInsert(e event.Insert) error {
	return a.put(e, e.Value())
}

func (a applier[ID, T]) VisitUpdate(e event.Update) error {
	return a.put(e, e.New())
}

func (a applier[ID, T]) VisitDelete(e event.Delete) error {
	key, err := a.key(e)
	if err != nil {
		return err
	}
	a.store.Remove(key)
	return nil
}
