// Package session demarcates SQL transactions and signals their begin and
// resolution to a dispatch.Coordinator.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/event"
	"github.com/rs/zerolog/log"
)

// Querier is implemented by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Session couples a database handle with the coordinator that observes its
// writes.
type Session struct {
	db          *sql.DB
	driver      string
	coordinator *dispatch.Coordinator
}

type txKey struct {
	s *Session
}

// Tx is the top-level transaction of a Transaction call.
type Tx struct {
	id           uint64
	sqlTx        *sql.Tx
	rollbackOnly atomic.Bool
}

// ID returns the coordinator's transaction ID
func (t *Tx) ID() uint64 { return t.id }

// SetRollbackOnly makes the transaction roll back when it ends, even if the
// function returns nil.
func (t *Tx) SetRollbackOnly() { t.rollbackOnly.Store(true) }

// RollbackOnly reports whether the transaction is marked for rollback
func (t *Tx) RollbackOnly() bool { return t.rollbackOnly.Load() }

// Open connects using driver ("sqlite3" or "mysql").
func Open(driver, dsn string, coordinator *dispatch.Coordinator) (*Session, error) {
	dsn, err := normalizeDSN(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	return New(db, driver, coordinator), nil
}

// normalizeDSN makes mysql report matched rather than changed rows, so an
// update writing identical values still counts as affecting its row.
func normalizeDSN(driver, dsn string) (string, error) {
	if driver != "mysql" {
		return dsn, nil
	}
	config, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	config.ClientFoundRows = true
	return config.FormatDSN(), nil
}

// New wraps an existing handle. driver names the SQL dialect.
func New(db *sql.DB, driver string, coordinator *dispatch.Coordinator) *Session {
	if coordinator == nil {
		coordinator = dispatch.NewCoordinator(nil)
	}
	return &Session{db: db, driver: driver, coordinator: coordinator}
}

// DB returns the underlying handle
func (s *Session) DB() *sql.DB { return s.db }

// Driver returns the driver name, which doubles as the SQL dialect
func (s *Session) Driver() string { return s.driver }

// Coordinator returns the coordinator notified by this session
func (s *Session) Coordinator() *dispatch.Coordinator { return s.coordinator }

// Close closes the database handle
func (s *Session) Close() error {
	return s.db.Close()
}

// Current returns the transaction carried by ctx, or nil.
func (s *Session) Current(ctx context.Context) *Tx {
	tx, _ := ctx.Value(txKey{s}).(*Tx)
	return tx
}

// Querier returns the active transaction for ctx, or the database handle
// when there is none.
func (s *Session) Querier(ctx context.Context) Querier {
	if tx := s.Current(ctx); tx != nil {
		return tx.sqlTx
	}
	return s.db
}

// Notify forwards change events to the coordinator.
func (s *Session) Notify(ctx context.Context, events ...event.Event) error {
	return s.coordinator.Notify(ctx, events...)
}

// Transaction runs fn inside a transaction.
//
// The transaction commits when fn returns nil and it was not marked
// rollback-only; otherwise it rolls back. Either way the coordinator is told
// the outcome exactly once, after the database has committed or rolled back.
// A nested call joins the surrounding transaction; if the nested fn fails the
// whole transaction is marked rollback-only.
//
// The returned error joins fn's error, the database error and any
// *dispatch.FlushError. A FlushError never means the commit was undone.
func (s *Session) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if tx := s.Current(ctx); tx != nil {
		if err := fn(ctx, tx); err != nil {
			tx.SetRollbackOnly()
			return err
		}
		return nil
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	dctx, err := s.coordinator.Begin(ctx)
	if err != nil {
		sqlTx.Rollback()
		return err
	}

	txnID, _ := s.coordinator.TxnID(dctx)
	tx := &Tx{id: txnID, sqlTx: sqlTx}
	txCtx := context.WithValue(dctx, txKey{s}, tx)

	// Listeners run once the SQL transaction is over; hide it from them
	resolveCtx := context.WithValue(txCtx, txKey{s}, (*Tx)(nil))

	fnErr := s.run(txCtx, resolveCtx, tx, fn)

	var sqlErr error
	committed := false
	if fnErr != nil || tx.RollbackOnly() {
		if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			sqlErr = fmt.Errorf("failed to roll back transaction %d: %w", txnID, err)
		}
		log.Debug().Uint64("txn_id", txnID).Bool("rollback_only", tx.RollbackOnly()).Msg("Transaction rolled back")
	} else {
		if err := sqlTx.Commit(); err != nil {
			sqlErr = fmt.Errorf("failed to commit transaction %d: %w", txnID, err)
		} else {
			committed = true
			log.Debug().Uint64("txn_id", txnID).Msg("Transaction committed")
		}
	}

	flushErr := s.coordinator.Resolve(resolveCtx, committed)
	if flushErr != nil {
		log.Warn().Err(flushErr).Uint64("txn_id", txnID).Bool("committed", committed).
			Msg("Deferred listeners failed after transaction resolution")
	}

	return errors.Join(fnErr, sqlErr, flushErr)
}

// run calls fn and rolls back on panic before re-panicking.
func (s *Session) run(txCtx, resolveCtx context.Context, tx *Tx, fn func(ctx context.Context, tx *Tx) error) error {
	defer func() {
		if r := recover(); r != nil {
			tx.sqlTx.Rollback()
			if err := s.coordinator.Resolve(resolveCtx, false); err != nil {
				log.Warn().Err(err).Uint64("txn_id", tx.id).Msg("Deferred listeners failed after panic rollback")
			}
			panic(r)
		}
	}()
	return fn(txCtx, tx)
}
