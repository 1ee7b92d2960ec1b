package processor

import (
	"sync"

	"github.com/austindbirch/housekeeper/internal/channel"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/metrics"
)

type item struct {
	d       channel.Delivery
	task    housekeeper.Task
	decoErr error
}

// dispatcher serializes items per ordering key. A key is on the ready queue
// or held by exactly one worker, never both, so tasks of one key run one at
// a time in arrival order while different keys run in parallel.
type dispatcher struct {
	mu      sync.Mutex
	pending map[string][]*item
	active  map[string]bool
	ready   chan string
}

// newDispatcher sizes ready for the in-flight bound: every queued key owns
// at least one in-flight item, so sends never block.
func newDispatcher(capacity int) *dispatcher {
	return &dispatcher{
		pending: make(map[string][]*item),
		active:  make(map[string]bool),
		ready:   make(chan string, capacity),
	}
}

func (k *dispatcher) add(key string, it *item) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pending[key] = append(k.pending[key], it)
	if !k.active[key] {
		k.active[key] = true
		k.ready <- key
	}
	k.updateGaugesLocked()
}

// take pops the head of key. Only the worker that received key from ready calls it.
func (k *dispatcher) take(key string) *item {
	k.mu.Lock()
	defer k.mu.Unlock()
	q := k.pending[key]
	if len(q) == 0 {
		return nil
	}
	it := q[0]
	q[0] = nil
	k.pending[key] = q[1:]
	k.updateGaugesLocked()
	return it
}

// done releases key after its head was handled, requeueing it when more items wait
func (k *dispatcher) done(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pending[key]) == 0 {
		delete(k.pending, key)
		delete(k.active, key)
	} else {
		k.ready <- key
	}
	k.updateGaugesLocked()
}

// drain removes everything still queued, for shutdown
func (k *dispatcher) drain() []*item {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []*item
	for key, q := range k.pending {
		out = append(out, q...)
		delete(k.pending, key)
		delete(k.active, key)
	}
	for len(k.ready) > 0 {
		<-k.ready
	}
	k.updateGaugesLocked()
	return out
}

func (k *dispatcher) updateGaugesLocked() {
	n := 0
	for _, q := range k.pending {
		n += len(q)
	}
	metrics.PendingTasks.Set(float64(n))
	metrics.InFlightKeys.Set(float64(len(k.active)))
}
