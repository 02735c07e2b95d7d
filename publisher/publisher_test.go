package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/rowhook/dispatch"
	"github.com/maxpert/rowhook/encoding"
	"github.com/maxpert/rowhook/event"
	"github.com/maxpert/rowhook/listener"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var actorTable = &event.Table{Name: "actor"}

// captureTransformer records the messages it is asked to transform
type captureTransformer struct {
	messages []Message
}

func (c *captureTransformer) Transform(msg Message) ([]byte, error) {
	c.messages = append(c.messages, msg)
	return []byte(msg.Key), nil
}

func (c *captureTransformer) Tombstone(string) []byte { return nil }

func newTestPublisher(t *testing.T, config Config) (*Publisher, *memorySink) {
	t.Helper()
	snk := &memorySink{}
	config.Sink = snk
	if config.Name == "" {
		config.Name = "test"
	}
	if config.Transformer == nil {
		config.Transformer = keyTransformer{}
	}
	p, err := New(config)
	require.NoError(t, err)
	p.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return p, snk
}

func actorEvents(t *testing.T) []event.Event {
	ins, err := event.NewInsert(actorTable, int64(1), "Penelope")
	require.NoError(t, err)
	upd, err := event.NewUpdate(actorTable, int64(1), "Penelope", "Penny")
	require.NoError(t, err)
	del, err := event.NewDelete(actorTable, int64(1))
	require.NoError(t, err)
	return []event.Event{ins, upd, del}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Name: "x", Transformer: keyTransformer{}})
	assert.Error(t, err)
	_, err = New(Config{Name: "x", Sink: &memorySink{}})
	assert.Error(t, err)
	_, err = New(Config{Sink: &memorySink{}, Transformer: keyTransformer{}})
	assert.Error(t, err)
}

func TestPublisher_CommittedBatchInOrder(t *testing.T) {
	p, snk := newTestPublisher(t, Config{TopicPrefix: "cdc"})

	require.NoError(t, p.OnResolve(context.Background(), true, actorEvents(t)))

	assert.Equal(t, []published{
		{topic: "cdc.actor", key: "1", value: []byte("insert:1")},
		{topic: "cdc.actor", key: "1", value: []byte("update:1")},
		{topic: "cdc.actor", key: "1", value: []byte("delete:1")},
		{topic: "cdc.actor", key: "1", value: nil}, // tombstone
	}, snk.messages)
}

func TestPublisher_RollbackPublishesNothing(t *testing.T) {
	p, snk := newTestPublisher(t, Config{})

	require.NoError(t, p.OnResolve(context.Background(), false, actorEvents(t)))
	assert.Empty(t, snk.messages)
}

func TestPublisher_MessageFields(t *testing.T) {
	capture := &captureTransformer{}
	p, _ := newTestPublisher(t, Config{Transformer: capture, NodeID: 9})

	c := dispatch.NewCoordinator(nil)
	_, err := c.AddListener(p)
	require.NoError(t, err)

	ctx, err := c.Begin(context.Background())
	require.NoError(t, err)
	txnID, _ := c.TxnID(ctx)
	require.NoError(t, c.Notify(ctx, actorEvents(t)...))
	require.NoError(t, c.Resolve(ctx, true))

	require.Len(t, capture.messages, 3)
	for i, msg := range capture.messages {
		assert.Equal(t, txnID, msg.TxnID)
		assert.Equal(t, i, msg.Seq)
		assert.Equal(t, "actor", msg.Table)
		assert.Equal(t, "1", msg.Key)
		assert.Equal(t, int64(1700000000000), msg.CommitTS)
		assert.Equal(t, uint64(9), msg.NodeID)
	}

	assert.Nil(t, capture.messages[0].Before)
	assert.Equal(t, "Penelope", capture.messages[0].After)
	assert.Equal(t, "Penelope", capture.messages[1].Before)
	assert.Equal(t, "Penny", capture.messages[1].After)
	assert.Equal(t, event.KindDelete, capture.messages[2].Operation)
	assert.Nil(t, capture.messages[2].After)
}

func TestPublisher_FailuresAreCollected(t *testing.T) {
	p, snk := newTestPublisher(t, Config{})
	snk.failOn = "2"

	var events []event.Event
	for _, id := range []int64{1, 2, 3} {
		ev, err := event.NewInsert(actorTable, id, "x")
		require.NoError(t, err)
		events = append(events, ev)
	}

	err := p.OnResolve(context.Background(), true, events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink rejected 2")

	require.Len(t, snk.messages, 2, "remaining messages still published")
	assert.Equal(t, "1", snk.messages[0].key)
	assert.Equal(t, "3", snk.messages[1].key)
}

func TestPublisher_FilterSkipsTables(t *testing.T) {
	filter, err := NewGlobFilter([]string{"film"})
	require.NoError(t, err)
	p, snk := newTestPublisher(t, Config{Filter: filter})

	require.NoError(t, p.OnResolve(context.Background(), true, actorEvents(t)))
	assert.Empty(t, snk.messages)
}

func TestPublisher_Compression(t *testing.T) {
	p, snk := newTestPublisher(t, Config{Compression: encoding.CompressionZstd})

	require.NoError(t, p.OnResolve(context.Background(), true, actorEvents(t)))
	require.Len(t, snk.messages, 4)

	restored, err := encoding.Decompress(encoding.CompressionZstd, snk.messages[0].value)
	require.NoError(t, err)
	assert.Equal(t, []byte("insert:1"), restored)
	assert.Nil(t, snk.messages[3].value, "tombstones stay empty")
}

func TestPublisher_AsRegisteredListener(t *testing.T) {
	p, snk := newTestPublisher(t, Config{})
	c := dispatch.NewCoordinator(nil)
	_, err := c.AddListener(p, listener.WithFilter(registrationFilter(p.Filter())))
	require.NoError(t, err)

	ctx, err := c.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Notify(ctx, actorEvents(t)[0]))
	assert.Empty(t, snk.messages, "nothing published before resolution")

	require.NoError(t, c.Resolve(ctx, true))
	assert.Len(t, snk.messages, 1)
}
