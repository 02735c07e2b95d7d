package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/listener"
)

var (
	actors = &event.Table{Name: "actor"}
	films  = &event.Table{Name: "film"}
)

func mustInsert(t *testing.T, table *event.Table, id int) event.Event {
	t.Helper()
	ev, err := event.NewInsert(table, id, id)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func receive(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig := <-ch:
		return sig
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
	return Signal{}
}

func expectNone(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %+v", sig)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_BasicSubscribeSignal(t *testing.T) {
	hub := NewHub("signals")

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	hub.Signal(Signal{Table: "actor", TxnID: 1})

	sig := receive(t, signals)
	if sig.Table != "actor" || sig.TxnID != 1 {
		t.Errorf("expected (actor, 1), got (%s, %d)", sig.Table, sig.TxnID)
	}
}

func TestHub_FilterSpecificTable(t *testing.T) {
	hub := NewHub("signals")

	signals, cancel := hub.Subscribe(Filter{Tables: []string{"actor"}})
	defer cancel()

	hub.Signal(Signal{Table: "film", TxnID: 1})
	hub.Signal(Signal{Table: "actor", TxnID: 2})

	if sig := receive(t, signals); sig.TxnID != 2 {
		t.Errorf("expected txn 2, got %d", sig.TxnID)
	}
	expectNone(t, signals)
}

func TestHub_OnResolveGroupsByTable(t *testing.T) {
	hub := NewHub("signals")
	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	events := []event.Event{
		mustInsert(t, actors, 1),
		mustInsert(t, films, 1),
		mustInsert(t, actors, 2),
	}
	if err := hub.OnResolve(context.Background(), true, events); err != nil {
		t.Fatal(err)
	}

	first := receive(t, signals)
	second := receive(t, signals)
	if first.Table != "actor" || first.Events != 2 {
		t.Errorf("unexpected first signal %+v", first)
	}
	if second.Table != "film" || second.Events != 1 {
		t.Errorf("unexpected second signal %+v", second)
	}
	expectNone(t, signals)
}

func TestHub_OnResolveIgnoresRollback(t *testing.T) {
	hub := NewHub("signals")
	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	if err := hub.OnResolve(context.Background(), false, []event.Event{mustInsert(t, actors, 1)}); err != nil {
		t.Fatal(err)
	}
	expectNone(t, signals)
}

func TestHub_CommittedTransactionThroughCoordinator(t *testing.T) {
	hub := NewHub("signals")
	c := dispatch.NewCoordinator(listener.NewRegistry())
	if _, err := c.AddListener(hub); err != nil {
		t.Fatal(err)
	}
	signals, cancel := hub.Subscribe(Filter{Tables: []string{"actor"}})
	defer cancel()

	ctx, err := c.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	txnID, _ := c.TxnID(ctx)
	if err := c.Notify(ctx, mustInsert(t, actors, 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Resolve(ctx, true); err != nil {
		t.Fatal(err)
	}

	sig := receive(t, signals)
	if sig.TxnID != txnID {
		t.Errorf("expected txn %d, got %d", txnID, sig.TxnID)
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	hub := NewHub("signals")

	signals, cancel := hub.Subscribe(Filter{})
	cancel()

	if _, ok := <-signals; ok {
		t.Error("expected channel to be closed")
	}
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}

	// Signal after cancel must not panic
	hub.Signal(Signal{Table: "actor", TxnID: 1})
}

func TestHub_DoubleCancel(t *testing.T) {
	hub := NewHub("signals")

	_, cancel := hub.Subscribe(Filter{})
	cancel()
	cancel()
}

func TestHub_BufferOverflowNonBlocking(t *testing.T) {
	hub := NewHub("signals")

	signals, cancel := hub.Subscribe(Filter{})
	defer cancel()

	for i := 0; i < defaultSignalBufferSize*2; i++ {
		hub.Signal(Signal{Table: "actor", TxnID: uint64(i)})
	}

	if n := len(signals); n != defaultSignalBufferSize {
		t.Errorf("expected %d buffered signals, got %d", defaultSignalBufferSize, n)
	}
}

func TestHub_ConcurrentSignalSubscribe(t *testing.T) {
	hub := NewHub("signals")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel := hub.Subscribe(Filter{})
			cancel()
		}()
		go func(n int) {
			defer wg.Done()
			hub.Signal(Signal{Table: "actor", TxnID: uint64(n)})
		}(i)
	}
	wg.Wait()
}
