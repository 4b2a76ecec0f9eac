package engine

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/bamsammich/ringsync/internal/platform"
)

// queue is the inbox of one per-core worker.
type queue struct {
	inbox  chan *copyTask
	signal chan struct{} // wakes the worker for woken link waiters
	load   atomic.Int64  // tasks queued or admitted and not yet finished

	wakeMu sync.Mutex
	woken  []*copyTask

	id int
}

func newQueue(id, depth int) *queue {
	return &queue{
		id:     id,
		inbox:  make(chan *copyTask, depth),
		signal: make(chan struct{}, 1),
	}
}

// wake hands t back to the queue's worker from any goroutine.
func (q *queue) wake(t *copyTask) {
	q.wakeMu.Lock()
	q.woken = append(q.woken, t)
	q.wakeMu.Unlock()
	notify(q.signal)
}

func (q *queue) takeWoken(dst []*copyTask) []*copyTask {
	q.wakeMu.Lock()
	dst = append(dst, q.woken...)
	clear(q.woken)
	q.woken = q.woken[:0]
	q.wakeMu.Unlock()
	return dst
}

// QueueManager assigns copy tasks to per-core queues.
type QueueManager struct {
	queues    []*queue
	slotFreed chan struct{}
	nextID    atomic.Uint64
}

// NewQueueManager creates n queues whose inboxes hold depth tasks each.
func NewQueueManager(n, depth int) *QueueManager {
	m := &QueueManager{
		queues:    make([]*queue, n),
		slotFreed: make(chan struct{}, 1),
	}
	for i := range m.queues {
		m.queues[i] = newQueue(i, depth)
	}
	return m
}

// Submit places t on the queue its destination path hashes to, or on the
// least-loaded queue with room when that one is full. It fails with an
// *Error of Kind ResourceExhausted when every queue is full.
func (m *QueueManager) Submit(t *copyTask) (platform.OperationID, error) {
	if t.id == 0 {
		t.id = platform.OperationID(m.nextID.Add(1))
	}
	home := m.home(t.entry.DstPath)
	if m.offer(home, t) {
		return t.id, nil
	}
	for _, q := range m.byLoad(home) {
		if m.offer(q, t) {
			return t.id, nil
		}
	}
	return 0, newError(ResourceExhausted, "submit", t.entry.RelPath, ErrResourceExhausted)
}

func (m *QueueManager) home(path string) *queue {
	return m.queues[xxhash.Sum64String(path)%uint64(len(m.queues))]
}

func (m *QueueManager) offer(q *queue, t *copyTask) bool {
	q.load.Add(1)
	select {
	case q.inbox <- t:
		return true
	default:
		q.load.Add(-1)
		return false
	}
}

// byLoad returns every queue except skip, least loaded first.
func (m *QueueManager) byLoad(skip *queue) []*queue {
	out := make([]*queue, 0, len(m.queues)-1)
	for _, q := range m.queues {
		if q != skip {
			out = append(out, q)
		}
	}
	// Insertion sort; queue counts are small.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].load.Load() < out[j-1].load.Load(); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// SlotFreed is signalled whenever a worker takes a task off its inbox.
func (m *QueueManager) SlotFreed() <-chan struct{} { return m.slotFreed }

func (m *QueueManager) freed() { notify(m.slotFreed) }

// Close closes every inbox. No Submit may follow.
func (m *QueueManager) Close() {
	for _, q := range m.queues {
		close(q.inbox)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
