package engine

import "sync"

const linkShards = 64

type linkState int

const (
	linkPending linkState = iota
	linkPublished
	linkFailed
)

// linkRecord tracks the destination of one multiply-linked source inode.
// Fields are guarded by the owning shard's mutex.
type linkRecord struct {
	err     error
	dst     string
	waiters []func()
	key     DevIno
	state   linkState
}

type linkShard struct {
	mu      sync.Mutex
	records map[DevIno]*linkRecord
}

// HardlinkTable maps (device, inode) pairs to the destination path of the
// first copy. A pair maps to exactly one destination for the lifetime of a
// run. It is the only structure mutated by several workers.
type HardlinkTable struct {
	shards [linkShards]linkShard
}

// NewHardlinkTable creates an empty table.
func NewHardlinkTable() *HardlinkTable {
	t := &HardlinkTable{}
	for i := range t.shards {
		t.shards[i].records = make(map[DevIno]*linkRecord)
	}
	return t
}

func (t *HardlinkTable) shard(key DevIno) *linkShard {
	// Device picks the shard group, inode spreads within a device.
	return &t.shards[(key.Dev*31+key.Ino)%linkShards]
}

// Claim registers dst for key. The first caller for a key gets first=true
// and must later Publish; later callers receive the existing record.
func (t *HardlinkTable) Claim(key DevIno, dst string) (rec *linkRecord, first bool) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[key]; ok {
		return rec, false
	}
	rec = &linkRecord{key: key, dst: dst}
	s.records[key] = rec
	return rec, true
}

// Publish records the outcome of the first writer and runs every waiter
// registered through Await. Waiters run on the caller's goroutine and must
// not block.
func (t *HardlinkTable) Publish(rec *linkRecord, err error) {
	s := t.shard(rec.key)
	s.mu.Lock()
	if err != nil {
		rec.state = linkFailed
		rec.err = err
	} else {
		rec.state = linkPublished
		rec.err = nil
	}
	waiters := rec.waiters
	rec.waiters = nil
	s.mu.Unlock()

	for _, wake := range waiters {
		wake()
	}
}

// Await returns the record's outcome if it is known. Otherwise wake is
// registered to run once it is, and resolved is false.
func (t *HardlinkTable) Await(rec *linkRecord, wake func()) (dst string, resolved bool, err error) {
	s := t.shard(rec.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch rec.state {
	case linkPublished:
		return rec.dst, true, nil
	case linkFailed:
		return "", true, rec.err
	default:
		rec.waiters = append(rec.waiters, wake)
		return "", false, nil
	}
}

// TakeOver lets a waiter replace a failed first writer. It succeeds for
// exactly one caller per failure; the winner copies content to dst and must
// Publish.
func (t *HardlinkTable) TakeOver(rec *linkRecord, dst string) bool {
	s := t.shard(rec.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.state != linkFailed {
		return false
	}
	rec.state = linkPending
	rec.err = nil
	rec.dst = dst
	return true
}

// Len returns the number of tracked inodes.
func (t *HardlinkTable) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
