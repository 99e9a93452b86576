package server

import (
	"errors"
	"sync"
	"time"

	"msgd/metrics"
	"msgd/protocol"
)

var ErrQueueFull = errors.New("destination queue full")

// PendingMessage waits in the Queue until its destination is online.
type PendingMessage struct {
	Sender      protocol.User
	Destination string
	Text        string
	Time        time.Time
}

// Envelope rebuilds the MESSAGE envelope pushed to the destination.
func (m PendingMessage) Envelope() protocol.Message {
	return protocol.Message{
		Header:      protocol.Header{Time: m.Time, User: m.Sender},
		Destination: m.Destination,
		Text:        m.Text,
	}
}

// Queue holds undelivered messages per destination in FIFO order. Nothing is
// persisted; queued messages live as long as the process.
type Queue struct {
	mu      sync.Mutex
	byDest  map[string][]PendingMessage
	total   int
	limit   int
	metrics *metrics.Metrics
}

// NewQueue creates a queue holding at most limit messages per destination;
// limit 0 means unbounded.
func NewQueue(limit int, m *metrics.Metrics) *Queue {
	return &Queue{
		byDest:  make(map[string][]PendingMessage),
		limit:   limit,
		metrics: m,
	}
}

func (q *Queue) Enqueue(dest string, msg PendingMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.byDest[dest]) >= q.limit {
		return ErrQueueFull
	}
	q.byDest[dest] = append(q.byDest[dest], msg)
	q.total++
	q.metrics.SetPending(q.total)
	return nil
}

// Drain removes and returns every message for dest in insertion order.
// An unknown destination yields an empty slice.
func (q *Queue) Drain(dest string) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.byDest[dest]
	delete(q.byDest, dest)
	q.total -= len(msgs)
	q.metrics.SetPending(q.total)

	if msgs == nil {
		return []PendingMessage{}
	}
	return msgs
}

// Requeue puts undelivered messages back in front of anything queued since
// they were drained. The limit does not apply.
func (q *Queue) Requeue(dest string, msgs []PendingMessage) {
	if len(msgs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]PendingMessage, 0, len(msgs)+len(q.byDest[dest]))
	merged = append(merged, msgs...)
	merged = append(merged, q.byDest[dest]...)
	q.byDest[dest] = merged
	q.total += len(msgs)
	q.metrics.SetPending(q.total)
}

func (q *Queue) Len(dest string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byDest[dest])
}

func (q *Queue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}
