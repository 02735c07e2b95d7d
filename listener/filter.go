package listener

import "github.com/maxpert/rowhook/event"

// Filter decides whether a listener is interested in an event.
// Deferred listeners only buffer events accepted by their filter.
type Filter interface {
	Accept(ev event.Event) bool
}

// FilterFunc adapts a function to the Filter interface
type FilterFunc func(ev event.Event) bool

func (f FilterFunc) Accept(ev event.Event) bool { return f(ev) }

// Tables accepts events whose table descriptor is one of the given tables.
func Tables(tables ...*event.Table) Filter {
	set := make(map[*event.Table]struct{}, len(tables))
	for _, t := range tables {
		set[t] = struct{}{}
	}
	return FilterFunc(func(ev event.Event) bool {
		_, ok := set[ev.Table()]
		return ok
	})
}

// Kinds accepts events of the given kinds.
func Kinds(kinds ...event.Kind) Filter {
	var mask uint8
	for _, k := range kinds {
		mask |= 1 << k
	}
	return FilterFunc(func(ev event.Event) bool {
		return mask&(1<<ev.Kind()) != 0
	})
}

// All accepts events accepted by every filter. Nil filters are ignored.
func All(filters ...Filter) Filter {
	var active []Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	return FilterFunc(func(ev event.Event) bool {
		for _, f := range active {
			if !f.Accept(ev) {
				return false
			}
		}
		return true
	})
}
