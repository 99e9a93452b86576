package server

import (
	"errors"
	"sync"

	"msgd/metrics"

	"go.uber.org/zap"
)

var ErrOffline = errors.New("destination offline")

// Delivery pushes envelopes to live connections. A failed write means the
// peer is gone: the destination is evicted from the registry and nobody is
// told, the sender included.
type Delivery struct {
	registry *Registry
	queue    *Queue
	logger   *zap.Logger
	metrics  *metrics.Metrics
	locks    keyedMutex
}

func NewDelivery(registry *Registry, queue *Queue, logger *zap.Logger, m *metrics.Metrics) *Delivery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delivery{
		registry: registry,
		queue:    queue,
		logger:   logger,
		metrics:  m,
		locks:    keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// Deliver sends msg (a protocol.Request or protocol.Response) to the
// connection registered for account. It returns ErrOffline when nobody is
// registered, or the *SendError after evicting the destination.
func (d *Delivery) Deliver(account string, msg interface{}) error {
	conn, ok := d.registry.Lookup(account)
	if !ok {
		return ErrOffline
	}

	err := conn.Send(msg)
	if err == nil {
		return nil
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		d.metrics.DeliveryFailure()
		if d.registry.Evict(account, conn) {
			d.logger.Info("destination unreachable, session evicted",
				zap.String("account", account),
				zap.String("conn", conn.ID()),
				zap.Error(err))
		}
	}
	return err
}

// DeliverToAll sends msg to every recipient. A failed recipient is evicted
// and reported; the remaining recipients still get the message. Offline
// recipients are skipped.
func (d *Delivery) DeliverToAll(msg interface{}, recipients []string) []string {
	var failed []string
	for _, name := range recipients {
		err := d.Deliver(name, msg)
		if err == nil || errors.Is(err, ErrOffline) {
			continue
		}
		failed = append(failed, name)
	}
	return failed
}

// Flush delivers everything queued for account in order. On a failed send
// the undelivered messages go back to the front of the queue so the next
// login flushes them. It returns how many messages were delivered.
func (d *Delivery) Flush(account string) (int, error) {
	unlock := d.locks.lock(account)
	defer unlock()

	if _, ok := d.registry.Lookup(account); !ok {
		return 0, nil
	}

	msgs := d.queue.Drain(account)
	for i, msg := range msgs {
		if err := d.Deliver(account, msg.Envelope()); err != nil {
			d.queue.Requeue(account, msgs[i:])
			return i, err
		}
	}

	if len(msgs) > 0 {
		d.logger.Debug("flushed pending messages",
			zap.String("account", account),
			zap.Int("count", len(msgs)))
	}
	return len(msgs), nil
}

// keyedMutex serializes flushes per destination so two flushes never
// reorder messages for the same account.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
