package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"msgd/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(sender, dest, text string) PendingMessage {
	return PendingMessage{
		Sender:      protocol.User{AccountName: sender},
		Destination: dest,
		Text:        text,
		Time:        time.Now(),
	}
}

func texts(msgs []PendingMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestQueueDrainIsFIFO(t *testing.T) {
	q := NewQueue(0, nil)

	var want []string
	for i := 0; i < 100; i++ {
		text := fmt.Sprintf("m%d", i)
		want = append(want, text)
		require.NoError(t, q.Enqueue("bob", pending("alice", "bob", text)))
	}

	assert.Equal(t, want, texts(q.Drain("bob")))

	again := q.Drain("bob")
	assert.NotNil(t, again)
	assert.Empty(t, again)
	assert.Equal(t, 0, q.Total())
}

func TestQueueDrainUnknownDestination(t *testing.T) {
	q := NewQueue(0, nil)

	msgs := q.Drain("nobody")
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestQueueLimitPerDestination(t *testing.T) {
	q := NewQueue(2, nil)

	require.NoError(t, q.Enqueue("bob", pending("alice", "bob", "1")))
	require.NoError(t, q.Enqueue("bob", pending("alice", "bob", "2")))
	assert.ErrorIs(t, q.Enqueue("bob", pending("alice", "bob", "3")), ErrQueueFull)
	assert.NoError(t, q.Enqueue("carol", pending("alice", "carol", "1")))

	assert.Equal(t, 2, q.Len("bob"))
	assert.Equal(t, 1, q.Len("carol"))
	assert.Equal(t, 3, q.Total())
}

func TestQueueRequeueGoesFirst(t *testing.T) {
	q := NewQueue(1, nil)
	require.NoError(t, q.Enqueue("bob", pending("alice", "bob", "a")))

	drained := q.Drain("bob")
	require.NoError(t, q.Enqueue("bob", pending("alice", "bob", "c")))

	drained = append(drained, pending("alice", "bob", "b"))
	q.Requeue("bob", drained)

	assert.Equal(t, 3, q.Total())
	assert.Equal(t, []string{"a", "b", "c"}, texts(q.Drain("bob")))
}

func TestQueueConcurrentProducersKeepOrder(t *testing.T) {
	q := NewQueue(0, nil)

	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			sender := fmt.Sprintf("user%d", p)
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Enqueue("bob", pending(sender, "bob", fmt.Sprint(i))))
			}
		}(p)
	}
	wg.Wait()

	msgs := q.Drain("bob")
	require.Len(t, msgs, producers*perProducer)

	next := make(map[string]int)
	for _, m := range msgs {
		name := m.Sender.AccountName
		assert.Equal(t, fmt.Sprint(next[name]), m.Text, "out of order for %s", name)
		next[name]++
	}
}

func TestPendingMessageEnvelope(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	msg := PendingMessage{
		Sender:      protocol.User{AccountName: "alice"},
		Destination: "bob",
		Text:        "hi",
		Time:        ts,
	}

	env := msg.Envelope()
	assert.Equal(t, "alice", env.Sender())
	assert.Equal(t, "bob", env.Destination)
	assert.Equal(t, "hi", env.Text)
	assert.True(t, ts.Equal(env.Time))
}
