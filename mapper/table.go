package mapper

import (
	"reflect"
	"sync"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/rowhook/event"
)

// Scanner is satisfied by *sql.Row and *sql.Rows
type Scanner interface {
	Scan(dest ...any) error
}

// Codec converts between an entity and its row.
type Codec[T any, ID comparable] interface {
	// ID returns the primary key of v
	ID(v T) ID
	// WithID returns v with a database generated key applied
	WithID(v T, generated int64) T
	// Record returns the non-key columns of v
	Record(v T) goqu.Record
	// Scan reads a row selected as the key column followed by Columns
	Scan(row Scanner) (T, error)
}

// Table maps entity type T to a SQL table keyed by ID.
type Table[T any, ID comparable] struct {
	Name     string
	IDColumn string
	// Columns lists the non-key columns in Scan order
	Columns []string
	// GeneratedKeys makes inserts omit the key and read it back
	GeneratedKeys bool
	Codec         Codec[T, ID]

	once       sync.Once
	descriptor *event.Table
}

// Descriptor returns the table identity carried by this table's events.
// Listeners filter on the returned pointer.
func (t *Table[T, ID]) Descriptor() *event.Table {
	t.once.Do(func() {
		t.descriptor = &event.Table{
			Name: t.Name,
			Type: reflect.TypeOf((*T)(nil)).Elem(),
		}
	})
	return t.descriptor
}

func (t *Table[T, ID]) selectColumns() []any {
	cols := make([]any, 0, len(t.Columns)+1)
	cols = append(cols, t.IDColumn)
	for _, c := range t.Columns {
		cols = append(cols, c)
	}
	return cols
}
