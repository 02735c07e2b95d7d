package mapper_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/maxpert/rowhook/actors"
	"github.com/maxpert/rowhook/cache"
	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/listener"
	"github.com/maxpert/rowhook/mapper"
	"github.com/maxpert/rowhook/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolution struct {
	committed bool
	events    []event.Event
}

type fixture struct {
	session  *session.Session
	dao      *mapper.Dao[actors.Actor, int64]
	cache    *cache.Cache[int64, actors.Actor]
	resolved []resolution
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "mapper.db") + "?_busy_timeout=5000"
	s, err := session.Open("sqlite3", dsn, dispatch.NewCoordinator(nil))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, actors.Migrate(context.Background(), s))

	f := &fixture{session: s}
	f.dao = mapper.New(s, actors.Table)

	f.cache, err = cache.New[int64, actors.Actor]("actor-cache", 100)
	require.NoError(t, err)
	_, err = f.dao.AddListener(f.cache)
	require.NoError(t, err)

	_, err = f.dao.AddListener(listener.DeferredFunc("recorder", func(_ context.Context, committed bool, events []event.Event) error {
		f.resolved = append(f.resolved, resolution{committed: committed, events: events})
		return nil
	}))
	require.NoError(t, err)

	return f
}

func (f *fixture) tx(t *testing.T, fn func(ctx context.Context, tx *session.Tx) error) {
	t.Helper()
	require.NoError(t, f.session.Transaction(context.Background(), fn))
}

func kinds(events []event.Event) []event.Kind {
	out := make([]event.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind())
	}
	return out
}

func TestDao_InsertCommit(t *testing.T) {
	f := setup(t)

	var inserted actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		inserted, err = f.dao.Insert(ctx, actors.Actor{FirstName: "Penelope", LastName: "Guiness"})
		return err
	})

	require.NotZero(t, inserted.ID)
	require.Len(t, f.resolved, 1)
	assert.True(t, f.resolved[0].committed)
	require.Len(t, f.resolved[0].events, 1)

	ins, ok := f.resolved[0].events[0].(event.Insert)
	require.True(t, ok)
	assert.Equal(t, inserted.ID, ins.ID())
	assert.Equal(t, inserted, ins.Value())
	assert.Same(t, actors.Table.Descriptor(), ins.Table())

	assert.Equal(t, 1, f.cache.Len())
	cached, ok := f.cache.Get(inserted.ID)
	require.True(t, ok)
	assert.Equal(t, inserted, cached)
}

func TestDao_InsertRollback(t *testing.T) {
	f := setup(t)

	f.tx(t, func(ctx context.Context, tx *session.Tx) error {
		_, err := f.dao.Insert(ctx, actors.Actor{FirstName: "Nick", LastName: "Wahlberg"})
		tx.SetRollbackOnly()
		return err
	})

	require.Len(t, f.resolved, 1)
	assert.False(t, f.resolved[0].committed)
	assert.Len(t, f.resolved[0].events, 1)
	assert.Equal(t, 0, f.cache.Len())

	all, err := f.dao.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDao_InsertThenUpdate(t *testing.T) {
	f := setup(t)

	var updated actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		a, err := f.dao.Insert(ctx, actors.Actor{FirstName: "Ed", LastName: "Chase"})
		if err != nil {
			return err
		}
		changed := a
		changed.LastName = "Chaser"
		updated, err = f.dao.Update(ctx, a, changed)
		return err
	})

	require.Len(t, f.resolved, 1)
	assert.Equal(t, []event.Kind{event.KindInsert, event.KindUpdate}, kinds(f.resolved[0].events))

	upd := f.resolved[0].events[1].(event.Update)
	assert.Equal(t, "Chase", upd.Old().(actors.Actor).LastName)
	assert.Equal(t, "Chaser", upd.New().(actors.Actor).LastName)

	cached, ok := f.cache.Get(updated.ID)
	require.True(t, ok)
	assert.Equal(t, "Chaser", cached.LastName)
	assert.Equal(t, 1, f.cache.Len())
}

func TestDao_BatchInsert(t *testing.T) {
	f := setup(t)

	var inserted []actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		inserted, err = f.dao.BatchInsert(ctx,
			actors.Actor{FirstName: "Jennifer", LastName: "Davis"},
			actors.Actor{FirstName: "Johnny", LastName: "Lollobrigida"},
		)
		return err
	})

	require.Len(t, inserted, 2)
	require.Len(t, f.resolved, 1)
	events := f.resolved[0].events
	require.Len(t, events, 2)
	assert.Equal(t, inserted[0].ID, events[0].ID())
	assert.Equal(t, inserted[1].ID, events[1].ID())
	assert.Equal(t, 2, f.cache.Len())
}

func TestDao_SequentialTransactionsAccumulate(t *testing.T) {
	f := setup(t)

	var a actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		a, err = f.dao.Insert(ctx, actors.Actor{FirstName: "Bette", LastName: "Nicholson"})
		return err
	})
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		_, err := f.dao.Insert(ctx, actors.Actor{FirstName: "Grace", LastName: "Mostel"})
		return err
	})
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		changed := a
		changed.FirstName = "Betty"
		_, err := f.dao.Update(ctx, a, changed)
		return err
	})

	require.Len(t, f.resolved, 3)
	for i, r := range f.resolved {
		assert.True(t, r.committed)
		assert.Len(t, r.events, 1, "transaction %d", i)
	}
	assert.Equal(t, 2, f.cache.Len())
	cached, _ := f.cache.Get(a.ID)
	assert.Equal(t, "Betty", cached.FirstName)
}

func TestDao_BatchUpdateRollbackLeavesCache(t *testing.T) {
	f := setup(t)

	var inserted []actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		inserted, err = f.dao.BatchInsert(ctx,
			actors.Actor{FirstName: "Matthew", LastName: "Johansson"},
			actors.Actor{FirstName: "Joe", LastName: "Swank"},
		)
		return err
	})

	f.tx(t, func(ctx context.Context, tx *session.Tx) error {
		changes := make([]mapper.Change[actors.Actor], 0, len(inserted))
		for _, a := range inserted {
			changed := a
			changed.LastName += "-renamed"
			changes = append(changes, mapper.Change[actors.Actor]{Old: a, New: changed})
		}
		tx.SetRollbackOnly()
		return f.dao.BatchUpdate(ctx, changes...)
	})

	require.Len(t, f.resolved, 2)
	assert.False(t, f.resolved[1].committed)
	assert.Equal(t, []event.Kind{event.KindUpdate, event.KindUpdate}, kinds(f.resolved[1].events))

	for _, a := range inserted {
		cached, ok := f.cache.Get(a.ID)
		require.True(t, ok)
		assert.Equal(t, a.LastName, cached.LastName)

		stored, err := f.dao.FindByID(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, a, stored)
	}
}

func TestDao_UnsafeUpdateLoadsPrevious(t *testing.T) {
	f := setup(t)

	var a actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		a, err = f.dao.Insert(ctx, actors.Actor{FirstName: "Christian", LastName: "Gable"})
		return err
	})

	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		_, err := f.dao.UnsafeUpdate(ctx, actors.Actor{ID: a.ID, FirstName: "Christian", LastName: "Akroyd"})
		return err
	})

	require.Len(t, f.resolved, 2)
	upd := f.resolved[1].events[0].(event.Update)
	assert.Equal(t, a, upd.Old())
	assert.Equal(t, "Akroyd", upd.New().(actors.Actor).LastName)

	cached, _ := f.cache.Get(a.ID)
	assert.Equal(t, "Akroyd", cached.LastName)
}

func TestDao_UpdateMissingRow(t *testing.T) {
	f := setup(t)
	ghost := actors.Actor{ID: 404, FirstName: "No", LastName: "One"}

	err := f.session.Transaction(context.Background(), func(ctx context.Context, _ *session.Tx) error {
		_, err := f.dao.Update(ctx, ghost, ghost)
		return err
	})
	assert.ErrorIs(t, err, mapper.ErrNotFound)

	err = f.session.Transaction(context.Background(), func(ctx context.Context, _ *session.Tx) error {
		_, err := f.dao.UnsafeUpdate(ctx, ghost)
		return err
	})
	assert.ErrorIs(t, err, mapper.ErrNotFound)

	assert.Empty(t, f.resolved, "failed writes notify nothing")
}

func TestDao_BatchUpdatePartialFailureNotifiesWrittenRows(t *testing.T) {
	f := setup(t)

	a, err := f.dao.Insert(context.Background(), actors.Actor{FirstName: "Tom", LastName: "Miranda"})
	require.NoError(t, err)

	var seen []event.Event
	_, err = f.dao.AddListener(listener.ImmediateFunc("audit", func(_ context.Context, ev event.Event) error {
		seen = append(seen, ev)
		return nil
	}))
	require.NoError(t, err)

	renamed := a
	renamed.FirstName = "Tommy"
	ghost := actors.Actor{ID: 999, FirstName: "No", LastName: "One"}

	err = f.dao.BatchUpdate(context.Background(),
		mapper.Change[actors.Actor]{Old: a, New: renamed},
		mapper.Change[actors.Actor]{Old: ghost, New: ghost},
	)
	assert.ErrorIs(t, err, mapper.ErrNotFound)

	stored, err := f.dao.FindByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tommy", stored.FirstName)

	require.Len(t, seen, 1, "the row written before the failure is reported")
	assert.Equal(t, a.ID, seen[0].ID())
	assert.Equal(t, event.KindUpdate, seen[0].Kind())
}

func TestDao_BatchUpdatePartialFailureCommitted(t *testing.T) {
	f := setup(t)

	var a actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		a, err = f.dao.Insert(ctx, actors.Actor{FirstName: "Tom", LastName: "Miranda"})
		return err
	})

	renamed := a
	renamed.FirstName = "Tommy"
	ghost := actors.Actor{ID: 999, FirstName: "No", LastName: "One"}

	// The caller ignores the failed batch and commits what was written
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		err := f.dao.BatchUpdate(ctx,
			mapper.Change[actors.Actor]{Old: a, New: renamed},
			mapper.Change[actors.Actor]{Old: ghost, New: ghost},
		)
		assert.ErrorIs(t, err, mapper.ErrNotFound)
		return nil
	})

	require.Len(t, f.resolved, 2)
	assert.True(t, f.resolved[1].committed)
	assert.Equal(t, []event.Kind{event.KindUpdate}, kinds(f.resolved[1].events))

	cached, ok := f.cache.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "Tommy", cached.FirstName)
}

func TestDao_UpdateCannotChangeKey(t *testing.T) {
	f := setup(t)

	_, err := f.dao.Update(context.Background(), actors.Actor{ID: 1}, actors.Actor{ID: 2})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, mapper.ErrNotFound))
}

func TestDao_Delete(t *testing.T) {
	f := setup(t)

	var a actors.Actor
	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		var err error
		a, err = f.dao.Insert(ctx, actors.Actor{FirstName: "Zero", LastName: "Cage"})
		return err
	})
	require.True(t, f.cache.Contains(a.ID))

	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		n, err := f.dao.Delete(ctx, a.ID)
		assert.Equal(t, int64(1), n)
		if err != nil {
			return err
		}
		n, err = f.dao.Delete(ctx, a.ID)
		assert.Zero(t, n)
		return err
	})

	require.Len(t, f.resolved, 2)
	assert.Equal(t, []event.Kind{event.KindDelete}, kinds(f.resolved[1].events), "second delete hit nothing")
	assert.False(t, f.cache.Contains(a.ID))

	_, err := f.dao.FindByID(context.Background(), a.ID)
	assert.ErrorIs(t, err, mapper.ErrNotFound)
}

func TestDao_ImmediateListenerOutsideTransaction(t *testing.T) {
	f := setup(t)

	var seen []event.Event
	_, err := f.dao.AddListener(listener.ImmediateFunc("audit", func(_ context.Context, ev event.Event) error {
		seen = append(seen, ev)
		return nil
	}), listener.Kinds(event.KindInsert))
	require.NoError(t, err)

	_, err = f.dao.Insert(context.Background(), actors.Actor{FirstName: "Uma", LastName: "Wood"})
	require.NoError(t, err)

	assert.Len(t, seen, 1)
	assert.Empty(t, f.resolved, "no transaction, deferred listeners are not called")
	assert.Equal(t, 0, f.cache.Len())
}

func TestDao_ImmediateFailureFailsWrite(t *testing.T) {
	f := setup(t)
	veto := errors.New("veto")

	_, err := f.dao.AddListener(listener.ImmediateFunc("veto", func(context.Context, event.Event) error {
		return veto
	}))
	require.NoError(t, err)

	err = f.session.Transaction(context.Background(), func(ctx context.Context, _ *session.Tx) error {
		_, err := f.dao.Insert(ctx, actors.Actor{FirstName: "Kirsten", LastName: "Paltrow"})
		return err
	})
	assert.ErrorIs(t, err, dispatch.ErrImmediateListener)
	assert.ErrorIs(t, err, veto)

	assert.Empty(t, f.resolved, "the failed call buffered nothing")
	all, err := f.dao.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all, "transaction rolled back")
}

func TestDao_ListenerScopedToTable(t *testing.T) {
	f := setup(t)
	other := &event.Table{Name: "film"}

	f.tx(t, func(ctx context.Context, _ *session.Tx) error {
		ev, err := event.NewInsert(other, int64(1), "Academy Dinosaur")
		if err != nil {
			return err
		}
		return f.session.Notify(ctx, ev)
	})

	assert.Empty(t, f.resolved)
}

func TestDao_FindAll(t *testing.T) {
	f := setup(t)

	inserted, err := f.dao.BatchInsert(context.Background(),
		actors.Actor{FirstName: "A", LastName: "One"},
		actors.Actor{FirstName: "B", LastName: "Two"},
		actors.Actor{FirstName: "C", LastName: "Three"},
	)
	require.NoError(t, err)

	all, err := f.dao.FindAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, inserted, all)
}
