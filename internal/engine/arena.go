package engine

// bufferArena holds one buffer per queue-depth slot for a single worker.
// It is never shared across workers.
type bufferArena struct {
	bufs [][]byte
	free []int
}

func newBufferArena(slots, size int) *bufferArena {
	a := &bufferArena{
		bufs: make([][]byte, slots),
		free: make([]int, 0, slots),
	}
	for i := slots - 1; i >= 0; i-- {
		a.free = append(a.free, i)
	}
	return a
}

// get returns a free slot index and its buffer, allocating the buffer on
// first use. ok is false when every slot is taken.
func (a *bufferArena) get(size int) (slot int, buf []byte, ok bool) {
	if len(a.free) == 0 {
		return -1, nil, false
	}
	slot = a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	if a.bufs[slot] == nil {
		a.bufs[slot] = make([]byte, size)
	}
	return slot, a.bufs[slot], true
}

func (a *bufferArena) put(slot int) {
	if slot < 0 {
		return
	}
	a.free = append(a.free, slot)
}

func (a *bufferArena) available() int { return len(a.free) }
