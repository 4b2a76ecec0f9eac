package engine

import "sync/atomic"

const (
	// budgetStep is the number of descriptor-exhaustion errors between
	// two reductions of the file budget.
	budgetStep = 5
	// budgetMinCut is the smallest reduction applied at once.
	budgetMinCut = 10
)

// fileBudget caps the number of tasks holding open files across all
// workers. The limit only shrinks, on EMFILE and ENFILE, and never below
// the floor fixed at construction.
type fileBudget struct {
	limit  atomic.Int64
	inUse  atomic.Int64
	errors atomic.Int64
	floor  int64
}

func newFileBudget(limit int) *fileBudget {
	n := int64(max(limit, 1))
	b := &fileBudget{floor: max(min(budgetMinCut, n), n/10)}
	b.limit.Store(n)
	return b
}

// acquire takes one unit if the budget allows it.
func (b *fileBudget) acquire() bool {
	for {
		cur := b.inUse.Load()
		if cur >= b.limit.Load() {
			return false
		}
		if b.inUse.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (b *fileBudget) release() { b.inUse.Add(-1) }

// available is the number of units acquire could hand out now.
func (b *fileBudget) available() int64 {
	return max(b.limit.Load()-b.inUse.Load(), 0)
}

func (b *fileBudget) Limit() int64 { return b.limit.Load() }

// shrink records one descriptor-exhaustion error. The first error and
// every budgetStep-th after it cut the limit by a quarter, at least
// budgetMinCut, down to the floor.
func (b *fileBudget) shrink() (from, to int64, changed bool) {
	if b.errors.Add(1)%budgetStep != 1 {
		return 0, 0, false
	}
	for {
		cur := b.limit.Load()
		next := max(cur-max(budgetMinCut, cur/4), b.floor)
		if next >= cur {
			return cur, cur, false
		}
		if b.limit.CompareAndSwap(cur, next) {
			return cur, next, true
		}
	}
}
