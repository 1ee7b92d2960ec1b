package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
)

// ErrFull is returned when a Memory channel would exceed its capacity
var ErrFull = errors.New("task channel full")

type memItem struct {
	raw       []byte
	attempt   int
	notBefore time.Time
	lease     int // bumped on every hand-out so stale deliveries cannot respond
}

type keyQueue struct {
	items []*memItem
	busy  bool // head is out with a consumer
}

// Memory is an in-process channel with strict per-key FIFO, retries included.
// A key's head stays in place until it is acked, so later tasks of the same
// key wait behind a task that is being retried.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]*keyQueue
	order    []string // keys with pending items, oldest first
	pending  int
	capacity int
	closed   bool
	changed  chan struct{}
	now      func() time.Time
}

// NewMemory returns an empty channel. capacity <= 0 means unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		queues:   make(map[string]*keyQueue),
		capacity: capacity,
		changed:  make(chan struct{}),
		now:      time.Now,
	}
}

// Submit enqueues all tasks under one lock
func (m *Memory) Submit(_ context.Context, tasks ...housekeeper.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	encoded := make([][]byte, len(tasks))
	for i, t := range tasks {
		raw, err := t.Encode()
		if err != nil {
			return housekeeper.Unavailable(fmt.Errorf("encode %s: %w", t.TaskType, err))
		}
		encoded[i] = raw
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return housekeeper.Unavailable(ErrClosed)
	}
	if m.capacity > 0 && m.pending+len(tasks) > m.capacity {
		return housekeeper.Unavailable(ErrFull)
	}
	for i, t := range tasks {
		m.pushLocked(t.Key(), &memItem{raw: encoded[i], attempt: t.Attempt})
	}
	m.broadcastLocked()
	return nil
}

// SubmitRaw enqueues an already encoded body under key, bypassing encoding.
// It exists for replaying stored dead letters and for poison message tests.
func (m *Memory) SubmitRaw(key string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return housekeeper.Unavailable(ErrClosed)
	}
	m.pushLocked(key, &memItem{raw: append([]byte(nil), raw...)})
	m.broadcastLocked()
	return nil
}

func (m *Memory) pushLocked(key string, it *memItem) {
	q, ok := m.queues[key]
	if !ok {
		q = &keyQueue{}
		m.queues[key] = q
		m.order = append(m.order, key)
	}
	q.items = append(q.items, it)
	m.pending++
}

func (m *Memory) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// NextBatch hands out up to max key heads that are idle and due
func (m *Memory) NextBatch(ctx context.Context, max int) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := m.now()
		var (
			out      []Delivery
			earliest time.Time
		)
		for _, key := range m.order {
			if len(out) >= max {
				break
			}
			q := m.queues[key]
			if q.busy || len(q.items) == 0 {
				continue
			}
			head := q.items[0]
			if head.notBefore.After(now) {
				if earliest.IsZero() || head.notBefore.Before(earliest) {
					earliest = head.notBefore
				}
				continue
			}
			q.busy = true
			head.lease++
			out = append(out, &memDelivery{m: m, key: key, item: head, lease: head.lease, attempt: head.attempt})
		}
		changed := m.changed
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if !earliest.IsZero() {
			timer = time.NewTimer(earliest.Sub(now))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			err := ctx.Err()
			if timer != nil {
				timer.Stop()
			}
			return nil, err
		case <-changed:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Len is the number of tasks not yet acked
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcastLocked()
	}
	return nil
}

func (m *Memory) heldLocked(key string, it *memItem, lease int) (*keyQueue, bool) {
	q, ok := m.queues[key]
	if !ok || !q.busy || len(q.items) == 0 || q.items[0] != it || it.lease != lease {
		return nil, false
	}
	return q, true
}

func (m *Memory) ack(key string, it *memItem, lease int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.heldLocked(key, it, lease)
	if !ok {
		return ErrAlreadyResponded
	}
	q.items = q.items[1:]
	q.busy = false
	m.pending--
	if len(q.items) == 0 {
		delete(m.queues, key)
		for i, k := range m.order {
			if k == key {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.broadcastLocked()
	return nil
}

func (m *Memory) nack(key string, it *memItem, lease int, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.heldLocked(key, it, lease)
	if !ok {
		return ErrAlreadyResponded
	}
	it.attempt++
	it.notBefore = m.now().Add(delay)
	q.busy = false
	m.broadcastLocked()
	return nil
}

// release frees the key's head without touching its attempt or due time
func (m *Memory) release(key string, it *memItem, lease int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.heldLocked(key, it, lease)
	if !ok {
		return ErrAlreadyResponded
	}
	q.busy = false
	m.broadcastLocked()
	return nil
}

type memDelivery struct {
	m       *Memory
	key     string
	item    *memItem
	lease   int
	attempt int
}

func (d *memDelivery) Task() (housekeeper.Task, error) {
	t, err := housekeeper.Decode(d.item.raw)
	if err != nil {
		return t, err
	}
	t.Attempt = d.attempt
	return t, nil
}

func (d *memDelivery) Ack() error { return d.m.ack(d.key, d.item, d.lease) }

func (d *memDelivery) Nack(delay time.Duration) error {
	return d.m.nack(d.key, d.item, d.lease, delay)
}

func (d *memDelivery) Release() error { return d.m.release(d.key, d.item, d.lease) }
