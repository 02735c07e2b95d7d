// Package event defines the immutable row-level change events produced by
// mapper write operations.
//
// Event is a closed sum type: the only implementations are Insert, Update
// and Delete. Use a type switch for ad-hoc handling or Dispatch with a
// Visitor when every variant must be handled; adding a variant breaks every
// Visitor at compile time.
package event

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrInvalidEvent is returned when an event is constructed without a
// required field.
var ErrInvalidEvent = errors.New("invalid event")

// Kind identifies the event variant
type Kind uint8

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Table describes the mapped entity an event belongs to.
// It is a descriptor, not a connection; a single *Table is shared by every
// event of the same mapper table.
type Table struct {
	Name string
	Type reflect.Type // Go type of the mapped values, may be nil
}

func (t *Table) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

// Event is one row-level change.
type Event interface {
	Kind() Kind
	Table() *Table
	ID() any
	String() string

	sealed()
}

// Insert records a newly inserted row.
type Insert struct {
	table *Table
	id    any
	value any
}

// Update records a changed row with both the previous and the new value.
type Update struct {
	table *Table
	id    any
	old   any
	new   any
}

// Delete records a removed row.
type Delete struct {
	table *Table
	id    any
}

func validate(table *Table, id any) error {
	if table == nil {
		return fmt.Errorf("%w: table is required", ErrInvalidEvent)
	}
	if isNil(id) {
		return fmt.Errorf("%w: id is required for table %s", ErrInvalidEvent, table.Name)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// sameInstance reports whether a and b reference the same pointer or map.
func sameInstance(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Pointer, reflect.Map:
		return ra.Pointer() == rb.Pointer()
	}
	return false
}

// NewInsert builds an Insert event.
func NewInsert(table *Table, id, value any) (Insert, error) {
	if err := validate(table, id); err != nil {
		return Insert{}, err
	}
	return Insert{table: table, id: id, value: value}, nil
}

// NewUpdate builds an Update event. Both values must be materialized.
func NewUpdate(table *Table, id, old, new any) (Update, error) {
	if err := validate(table, id); err != nil {
		return Update{}, err
	}
	if isNil(old) || isNil(new) {
		return Update{}, fmt.Errorf("%w: update on %s requires old and new values", ErrInvalidEvent, table.Name)
	}
	if sameInstance(old, new) {
		return Update{}, fmt.Errorf("%w: update on %s shares one instance for old and new", ErrInvalidEvent, table.Name)
	}
	return Update{table: table, id: id, old: old, new: new}, nil
}

// NewDelete builds a Delete event.
func NewDelete(table *Table, id any) (Delete, error) {
	if err := validate(table, id); err != nil {
		return Delete{}, err
	}
	return Delete{table: table, id: id}, nil
}

func (e Insert) Kind() Kind    { return KindInsert }
func (e Insert) Table() *Table { return e.table }
func (e Insert) ID() any       { return e.id }
func (e Insert) Value() any    { return e.value }
func (Insert) sealed()         {}

func (e Insert) String() string {
	return fmt.Sprintf("Insert{table=%s id=%v value=%+v}", e.table, e.id, e.value)
}

func (e Update) Kind() Kind    { return KindUpdate }
func (e Update) Table() *Table { return e.table }
func (e Update) ID() any       { return e.id }
func (e Update) Old() any      { return e.old }
func (e Update) New() any      { return e.new }
func (Update) sealed()         {}

func (e Update) String() string {
	return fmt.Sprintf("Update{table=%s id=%v old=%+v new=%+v}", e.table, e.id, e.old, e.new)
}

func (e Delete) Kind() Kind    { return KindDelete }
func (e Delete) Table() *Table { return e.table }
func (e Delete) ID() any       { return e.id }
func (Delete) sealed()         {}

func (e Delete) String() string {
	return fmt.Sprintf("Delete{table=%s id=%v}", e.table, e.id)
}
