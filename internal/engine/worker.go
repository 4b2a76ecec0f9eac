package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/platform"
)

// budgetPoll is how often a worker throttled by the file budget checks
// for released units.
const budgetPoll = 5 * time.Millisecond

// worker owns one queue, one completion context and one buffer arena. It
// runs on a single locked OS thread and never blocks except at the I/O
// context boundary or on its inbox when idle.
type worker struct {
	run     *runState
	q       *queue
	io      platform.IOContext
	arena   *bufferArena
	byOp    map[platform.OperationID]*copyTask
	waiting map[*copyTask]struct{} // parked on the hardlink table
	active  []*copyTask            // admitted, each holding an arena slot
	ready   []*copyTask            // waiting for a slot: woken link waiters, received tasks
	woken   []*copyTask
	comps   []platform.Completion
	id      int
	closed  bool // inbox closed and drained
}

func newWorker(id int, run *runState, q *queue, ioc platform.IOContext) *worker {
	depth := ioc.Depth()
	return &worker{
		id:      id,
		run:     run,
		q:       q,
		io:      ioc,
		arena:   newBufferArena(depth, run.opts.BufferSize),
		byOp:    make(map[platform.OperationID]*copyTask, depth),
		waiting: make(map[*copyTask]struct{}),
		active:  make([]*copyTask, 0, depth),
		comps:   make([]platform.Completion, 0, depth),
	}
}

// loop processes tasks until the inbox is closed and every admitted task
// has finished, or until ctx is cancelled.
func (w *worker) loop(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.io.Close()

	if err := platform.PinToCPU(w.id % runtime.NumCPU()); err != nil {
		w.run.log.Debug("cpu affinity not applied", "worker", w.id, "error", err)
	}

	for {
		if ctx.Err() != nil {
			w.drain(ctx)
			return nil
		}

		now := time.Now()
		progressed := w.collectWoken()
		if w.admit() {
			progressed = true
		}
		for _, t := range w.active {
			if w.advance(t, now) {
				progressed = true
			}
		}

		if err := w.io.Flush(); err != nil {
			w.abandon(err)
			return fmt.Errorf("worker %d: %s flush: %w", w.id, w.io.Name(), err)
		}
		w.comps = w.io.Poll(w.comps[:0])
		for _, c := range w.comps {
			t, ok := w.byOp[c.ID]
			if !ok {
				continue
			}
			delete(w.byOp, c.ID)
			w.onCompletion(t, c, now)
			progressed = true
		}
		w.reap()

		if w.finished() {
			return nil
		}
		if !progressed {
			if err := w.idle(ctx); err != nil {
				w.abandon(err)
				return fmt.Errorf("worker %d: %s wait: %w", w.id, w.io.Name(), err)
			}
		}
	}
}

// admit moves woken link waiters, then inbox tasks, into the active set
// while arena slots and the run's file budget allow.
func (w *worker) admit() bool {
	admitted := false
	for w.arena.available() > 0 {
		if len(w.ready) == 0 && w.closed {
			return admitted
		}
		if !w.run.files.acquire() {
			return admitted
		}
		if len(w.ready) > 0 {
			t := w.ready[0]
			w.ready[0] = nil
			w.ready = w.ready[1:]
			w.take(t)
			admitted = true
			continue
		}
		select {
		case t, ok := <-w.q.inbox:
			if !ok {
				w.run.files.release()
				w.closed = true
				return admitted
			}
			w.run.queues.freed()
			w.take(t)
			admitted = true
		default:
			w.run.files.release()
			return admitted
		}
	}
	return admitted
}

// take hands t an arena slot. The caller holds a file budget unit for it.
func (w *worker) take(t *copyTask) {
	slot, buf, _ := w.arena.get(w.run.opts.BufferSize)
	t.slot, t.buf = slot, buf
	t.q = w.q
	w.active = append(w.active, t)
}

// putSlot returns t's arena slot and file budget unit, if it holds them.
func (w *worker) putSlot(t *copyTask) {
	if t.slot >= 0 {
		w.arena.put(t.slot)
		w.run.files.release()
	}
	t.slot, t.buf = -1, nil
}

func (w *worker) collectWoken() bool {
	w.woken = w.q.takeWoken(w.woken[:0])
	moved := false
	for _, t := range w.woken {
		if _, ok := w.waiting[t]; !ok {
			continue
		}
		delete(w.waiting, t)
		t.linkWait = false
		w.ready = append(w.ready, t)
		moved = true
	}
	clear(w.woken)
	return moved
}

// reap drops finished tasks and link waiters from the active set and
// returns their arena slots.
func (w *worker) reap() {
	kept := w.active[:0]
	for _, t := range w.active {
		switch {
		case t.terminal():
			w.putSlot(t)
			w.q.load.Add(-1)
		case t.linkWait:
			w.putSlot(t)
			w.waiting[t] = struct{}{}
		default:
			kept = append(kept, t)
		}
	}
	clear(w.active[len(kept):])
	w.active = kept
}

func (w *worker) finished() bool {
	return w.closed && len(w.active) == 0 && len(w.ready) == 0 && len(w.waiting) == 0
}

// idle suspends the worker until something can make progress: a
// completion, a new or woken task, a retry deadline, or cancellation.
// A worker throttled by the file budget polls for released units.
func (w *worker) idle(ctx context.Context) error {
	if w.io.InFlight() > 0 {
		return w.io.Wait()
	}

	next, ok := w.nextDeadline()
	throttled := w.arena.available() > 0 && w.run.files.available() == 0 &&
		(len(w.ready) > 0 || !w.closed)
	if throttled {
		poll := time.Now().Add(budgetPoll)
		if !ok || poll.Before(next) {
			next, ok = poll, true
		}
	}

	var timerC <-chan time.Time
	if ok {
		d := time.Until(next)
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerC = timer.C
	}

	var inbox <-chan *copyTask
	if !w.closed && len(w.ready) == 0 && w.arena.available() > 0 && !throttled {
		inbox = w.q.inbox
	}

	select {
	case t, ok := <-inbox:
		if !ok {
			w.closed = true
			return nil
		}
		w.run.queues.freed()
		w.ready = append(w.ready, t)
	case <-w.q.signal:
	case <-timerC:
	case <-ctx.Done():
	}
	return nil
}

func (w *worker) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, t := range w.active {
		if t.notBefore.IsZero() || t.inFlight {
			continue
		}
		if next.IsZero() || t.notBefore.Before(next) {
			next = t.notBefore
		}
	}
	return next, !next.IsZero()
}

// drain waits for in-flight operations and resolves every task the worker
// holds, or could still receive, as cancelled.
func (w *worker) drain(ctx context.Context) {
	for w.io.InFlight() > 0 {
		if err := w.io.Wait(); err != nil {
			w.run.log.Warn("draining io context", "worker", w.id, "error", err)
			break
		}
		w.comps = w.io.Poll(w.comps[:0])
		for _, c := range w.comps {
			if t, ok := w.byOp[c.ID]; ok {
				delete(w.byOp, c.ID)
				t.inFlight = false
			}
		}
	}
	w.cancelAll(context.Cause(ctx))
}

// abandon aborts the run and resolves every task after the I/O context
// broke.
func (w *worker) abandon(err error) {
	err = fmt.Errorf("worker %d: io context failed: %w", w.id, err)
	w.run.abort(err)
	w.cancelAll(err)
}

func (w *worker) cancelAll(cause error) {
	w.collectWoken()
	cancel := func(t *copyTask) {
		if !t.terminal() {
			w.fail(t, newError(Cancelled, "sync", t.entry.RelPath, cause))
		}
		w.putSlot(t)
		w.q.load.Add(-1)
	}
	for _, t := range w.active {
		cancel(t)
	}
	for _, t := range w.ready {
		cancel(t)
	}
	for t := range w.waiting {
		cancel(t)
	}
	clear(w.active)
	w.active = w.active[:0]
	w.ready = nil
	clear(w.waiting)
	clear(w.byOp)

	for !w.closed {
		t, ok := <-w.q.inbox
		if !ok {
			w.closed = true
			break
		}
		w.run.queues.freed()
		cancel(t)
	}
}

func (w *worker) emit(e event.Event) {
	e.WorkerID = w.id
	emitEvent(w.run.opts.Events, e)
}
