// Package mapper maps entities to SQL tables and reports every write as a
// change event to the session's coordinator.
package mapper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/listener"
	"github.com/maxpert/rowhook/session"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a row addressed by key does not exist.
var ErrNotFound = errors.New("row not found")

// Change pairs the previous and new state of an entity
type Change[T any] struct {
	Old T
	New T
}

// Dao reads and writes the rows of one table.
type Dao[T any, ID comparable] struct {
	session *session.Session
	table   *Table[T, ID]
	dialect goqu.DialectWrapper
}

// New creates a Dao over table using the session's SQL dialect.
func New[T any, ID comparable](s *session.Session, table *Table[T, ID]) *Dao[T, ID] {
	return &Dao[T, ID]{
		session: s,
		table:   table,
		dialect: goqu.Dialect(s.Driver()),
	}
}

// Table returns the table mapping
func (d *Dao[T, ID]) Table() *Table[T, ID] {
	return d.table
}

// AddListener registers l for events of this table only. Extra filters
// narrow the selection further.
func (d *Dao[T, ID]) AddListener(l listener.Listener, filters ...listener.Filter) (listener.Handle, error) {
	all := append([]listener.Filter{listener.Tables(d.table.Descriptor())}, filters...)
	return d.session.Coordinator().AddListener(l, listener.WithFilter(listener.All(all...)))
}

// Insert writes v and returns it with any generated key applied.
func (d *Dao[T, ID]) Insert(ctx context.Context, v T) (T, error) {
	inserted, err := d.BatchInsert(ctx, v)
	if err != nil {
		var zero T
		return zero, err
	}
	return inserted[0], nil
}

// BatchInsert writes values in order and notifies all inserts at once.
// When a row fails, the rows already written are still notified before the
// error is returned.
func (d *Dao[T, ID]) BatchInsert(ctx context.Context, values ...T) ([]T, error) {
	if len(values) == 0 {
		return nil, nil
	}

	if !d.table.GeneratedKeys {
		rows := make([]any, 0, len(values))
		for _, v := range values {
			rec := d.table.Codec.Record(v)
			rec[d.table.IDColumn] = d.table.Codec.ID(v)
			rows = append(rows, rec)
		}
		query, args, err := d.dialect.Insert(d.table.Name).Rows(rows...).Prepared(true).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("failed to build insert for %s: %w", d.table.Name, err)
		}
		if _, err := d.session.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", d.table.Name, err)
		}
	}

	inserted := make([]T, 0, len(values))
	events := make([]event.Event, 0, len(values))
	for _, v := range values {
		if d.table.GeneratedKeys {
			var err error
			if v, err = d.insertGenerated(ctx, v); err != nil {
				return inserted, d.notifyPartial(ctx, events, err)
			}
		}
		ev, err := event.NewInsert(d.table.Descriptor(), d.table.Codec.ID(v), v)
		if err != nil {
			return inserted, d.notifyPartial(ctx, events, err)
		}
		inserted = append(inserted, v)
		events = append(events, ev)
	}

	log.Debug().Str("table", d.table.Name).Int("rows", len(inserted)).Msg("Inserted rows")
	return inserted, d.session.Notify(ctx, events...)
}

func (d *Dao[T, ID]) insertGenerated(ctx context.Context, v T) (T, error) {
	query, args, err := d.dialect.Insert(d.table.Name).Rows(d.table.Codec.Record(v)).Prepared(true).ToSQL()
	if err != nil {
		return v, fmt.Errorf("failed to build insert for %s: %w", d.table.Name, err)
	}
	res, err := d.session.Querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return v, fmt.Errorf("failed to insert into %s: %w", d.table.Name, err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return v, fmt.Errorf("failed to read generated key of %s: %w", d.table.Name, err)
	}
	return d.table.Codec.WithID(v, key), nil
}

// notifyPartial reports the rows a failed batch already wrote, then returns
// cause joined with any listener error.
func (d *Dao[T, ID]) notifyPartial(ctx context.Context, events []event.Event, cause error) error {
	if len(events) == 0 {
		return cause
	}
	log.Warn().Err(cause).Str("table", d.table.Name).Int("rows", len(events)).Msg("Batch failed after partial write")
	return errors.Join(cause, d.session.Notify(ctx, events...))
}

// Update replaces old with updated. Both must carry the same key.
func (d *Dao[T, ID]) Update(ctx context.Context, old, updated T) (T, error) {
	if err := d.BatchUpdate(ctx, Change[T]{Old: old, New: updated}); err != nil {
		var zero T
		return zero, err
	}
	return updated, nil
}

// BatchUpdate applies changes in order and notifies all updates at once.
// It stops at the first change whose row does not exist; the rows updated
// before it are still notified.
func (d *Dao[T, ID]) BatchUpdate(ctx context.Context, changes ...Change[T]) error {
	if len(changes) == 0 {
		return nil
	}

	for _, ch := range changes {
		if oldKey, key := d.table.Codec.ID(ch.Old), d.table.Codec.ID(ch.New); oldKey != key {
			return fmt.Errorf("update of %s cannot change key %v to %v", d.table.Name, oldKey, key)
		}
	}

	events := make([]event.Event, 0, len(changes))
	for _, ch := range changes {
		key := d.table.Codec.ID(ch.New)
		ev, err := event.NewUpdate(d.table.Descriptor(), key, ch.Old, ch.New)
		if err != nil {
			return d.notifyPartial(ctx, events, err)
		}

		query, args, err := d.dialect.Update(d.table.Name).
			Set(d.table.Codec.Record(ch.New)).
			Where(goqu.C(d.table.IDColumn).Eq(key)).
			Prepared(true).
			ToSQL()
		if err != nil {
			return d.notifyPartial(ctx, events, fmt.Errorf("failed to build update for %s: %w", d.table.Name, err))
		}

		res, err := d.session.Querier(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return d.notifyPartial(ctx, events, fmt.Errorf("failed to update %s %v: %w", d.table.Name, key, err))
		}
		if n, err := res.RowsAffected(); err != nil {
			return d.notifyPartial(ctx, events, fmt.Errorf("failed to read affected rows of %s: %w", d.table.Name, err))
		} else if n == 0 {
			return d.notifyPartial(ctx, events, fmt.Errorf("%w: %s %v", ErrNotFound, d.table.Name, key))
		}
		events = append(events, ev)
	}

	log.Debug().Str("table", d.table.Name).Int("rows", len(events)).Msg("Updated rows")
	return d.session.Notify(ctx, events...)
}

// UnsafeUpdate writes updated without a known previous state. The current
// row is loaded first so the event still carries it.
func (d *Dao[T, ID]) UnsafeUpdate(ctx context.Context, updated T) (T, error) {
	old, err := d.FindByID(ctx, d.table.Codec.ID(updated))
	if err != nil {
		var zero T
		return zero, err
	}
	return d.Update(ctx, old, updated)
}

// Delete removes the row keyed by key and returns the number of rows
// removed. Nothing is notified when the row did not exist.
func (d *Dao[T, ID]) Delete(ctx context.Context, key ID) (int64, error) {
	query, args, err := d.dialect.Delete(d.table.Name).
		Where(goqu.C(d.table.IDColumn).Eq(key)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete for %s: %w", d.table.Name, err)
	}

	res, err := d.session.Querier(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s %v: %w", d.table.Name, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows of %s: %w", d.table.Name, err)
	}
	if n == 0 {
		return 0, nil
	}

	ev, err := event.NewDelete(d.table.Descriptor(), key)
	if err != nil {
		return n, err
	}
	return n, d.session.Notify(ctx, ev)
}

// FindByID loads the row keyed by key.
func (d *Dao[T, ID]) FindByID(ctx context.Context, key ID) (T, error) {
	var zero T
	query, args, err := d.dialect.From(d.table.Name).
		Select(d.table.selectColumns()...).
		Where(goqu.C(d.table.IDColumn).Eq(key)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return zero, fmt.Errorf("failed to build select for %s: %w", d.table.Name, err)
	}

	v, err := d.table.Codec.Scan(d.session.Querier(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s %v", ErrNotFound, d.table.Name, key)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load %s %v: %w", d.table.Name, key, err)
	}
	return v, nil
}

// FindAll loads every row ordered by key.
func (d *Dao[T, ID]) FindAll(ctx context.Context) ([]T, error) {
	query, args, err := d.dialect.From(d.table.Name).
		Select(d.table.selectColumns()...).
		Order(goqu.C(d.table.IDColumn).Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build select for %s: %w", d.table.Name, err)
	}

	rows, err := d.session.Querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", d.table.Name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := d.table.Codec.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", d.table.Name, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
