package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/platform"
)

type taskState int

const (
	statePending taskState = iota
	stateOpened
	stateMethodSelected
	stateCopying
	stateMetadataApplied
	stateXattrApplied
	stateClosed
	stateDone
	stateFailed
)

var stateNames = [...]string{
	statePending:         "pending",
	stateOpened:          "opened",
	stateMethodSelected:  "method_selected",
	stateCopying:         "copying",
	stateMetadataApplied: "metadata_applied",
	stateXattrApplied:    "xattr_applied",
	stateClosed:          "closed",
	stateDone:            "done",
	stateFailed:          "failed",
}

func (s taskState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type taskKind int

const (
	kindCopy    taskKind = iota
	kindSymlink          // recreate the link verbatim
	kindLink             // hardlink to the first copy of the inode
	kindSpecial          // recreate a device node, fifo or socket
)

// copyTask is one entry in flight through a worker. It is owned by exactly
// one worker at a time.
type copyTask struct {
	notBefore time.Time // parked until then (retry backoff or bandwidth)
	err       *Error
	link      *linkRecord
	retry     *backoff.ExponentialBackOff // created on the first retry
	q         *queue
	src       *os.File
	dst       *os.File
	entry     Entry
	tmpPath   string
	segments  []Segment
	buf       []byte
	pending   []byte // read but not yet written
	off       int64  // next source offset within segments[seg]
	woff      int64  // destination offset of pending
	bytes     int64
	id        platform.OperationID
	srcFd     int
	dstFd     int
	slot      int
	seg       int
	attempts  int
	shorts    int // consecutive short transfers
	opLen     int
	reserved  int // bandwidth already reserved for the next op
	state     taskState
	method    platform.CopyMethod
	kind      taskKind
	opKind    platform.OpKind
	first     bool // publisher for link
	inFlight  bool
	linkWait  bool
	unchanged bool // destination content already current
}

func newTask(e Entry) *copyTask {
	t := &copyTask{entry: e, slot: -1, srcFd: -1, dstFd: -1}
	switch e.Type {
	case Symlink:
		t.kind = kindSymlink
	case Special:
		t.kind = kindSpecial
	}
	return t
}

func (t *copyTask) terminal() bool { return t.state == stateDone || t.state == stateFailed }

func (t *copyTask) pair() devPair { return devPair{src: t.entry.Dev, dst: t.entry.DstDev} }

// dstName is the path currently backing dstFd.
func (t *copyTask) dstName() string {
	if t.tmpPath != "" {
		return t.tmpPath
	}
	return t.entry.DstPath
}

func tmpName(dst string) string {
	return filepath.Join(
		filepath.Dir(dst),
		fmt.Sprintf(".%s.%s.ringsync-tmp", filepath.Base(dst), uuid.New().String()[:8]),
	)
}

// advance drives t through synchronous transitions until it has an
// operation in flight, is parked, waits on the hardlink table or is
// terminal.
func (w *worker) advance(t *copyTask, now time.Time) bool {
	progressed := false
	for !t.inFlight && !t.terminal() && !t.linkWait && !now.Before(t.notBefore) {
		progressed = true
		switch t.state {
		case statePending:
			w.start(t, now)
		case stateOpened:
			w.selectMethod(t)
		case stateMethodSelected:
			t.state = stateCopying
		case stateCopying:
			w.copyNext(t, now)
		case stateMetadataApplied:
			w.applyXattrs(t)
		case stateXattrApplied:
			w.closeOut(t)
		case stateClosed:
			w.complete(t)
		default:
			return progressed
		}
	}
	return progressed
}

// start opens the source and a temporary destination, or the existing
// destination when its content is already current.
func (w *worker) start(t *copyTask, now time.Time) {
	switch t.kind {
	case kindSymlink:
		w.makeSymlink(t, now)
		return
	case kindLink:
		w.resolveLink(t, now)
		return
	case kindSpecial:
		w.makeSpecial(t, now)
		return
	}

	e := t.entry
	if t.attempts == 0 {
		w.emit(event.Event{Type: event.FileStarted, Path: e.RelPath, Size: e.Size})
	}

	if st, err := platform.Lstat(e.DstPath); err == nil && st.IsRegular() &&
		st.Size == e.Size && st.Mtime.Equal(e.Mtime) {
		dst, err := os.OpenFile(e.DstPath, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
		if err != nil {
			w.retryOrFail(t, "open", e.DstPath, err, now)
			return
		}
		t.dst, t.dstFd = dst, int(dst.Fd()) //nolint:gosec // G115: fd fits in int
		t.unchanged = true
		t.state = stateCopying
		return
	}

	src, err := os.OpenFile(e.SrcPath, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		w.retryOrFail(t, "open", e.SrcPath, err, now)
		return
	}
	if !w.revalidate(t, src) {
		src.Close()
		return
	}

	tmp := tmpName(e.DstPath)
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		src.Close()
		w.retryOrFail(t, "create", tmp, err, now)
		return
	}
	w.run.tmps.register(tmp)

	t.src, t.srcFd = src, int(src.Fd()) //nolint:gosec // G115: fd fits in int
	t.dst, t.dstFd = dst, int(dst.Fd()) //nolint:gosec // G115: fd fits in int
	t.tmpPath = tmp
	t.state = stateOpened
}

// revalidate refreshes t's snapshot from the opened source. It fails t
// when the path no longer names a regular file.
func (w *worker) revalidate(t *copyTask, src *os.File) bool {
	st, err := platform.Fstat(int(src.Fd())) //nolint:gosec // G115: fd fits in int
	if err != nil {
		w.fail(t, wrapErr("fstat", t.entry.SrcPath, err))
		return false
	}
	if !st.IsRegular() {
		w.fail(t, newError(PermanentIO, "open", t.entry.SrcPath,
			fmt.Errorf("no longer a regular file (mode %o)", st.Mode)))
		return false
	}
	e := &t.entry
	if st.Size != e.Size || !st.Mtime.Equal(e.Mtime) {
		w.run.log.Debug("source changed since walk",
			"path", e.RelPath, "size", e.Size, "new_size", st.Size)
		w.run.stats.AddBytesTotal(st.Size - e.Size)
		e.Size, e.Mtime, e.Atime = st.Size, st.Mtime, st.Atime
	}
	return true
}

// selectMethod maps the source's data segments, sizes the destination and
// picks the copy method for the device pair.
func (w *worker) selectMethod(t *copyTask) {
	size := t.entry.Size
	if size > 0 {
		segs, err := DetectSparseSegments(t.srcFd, size)
		if err != nil {
			w.fail(t, wrapErr("seek", t.entry.SrcPath, err))
			return
		}
		t.segments = segs
		if len(segs) > 0 {
			t.off = segs[0].Offset
		}

		if dataLength(segs) < size {
			if err := t.dst.Truncate(size); err != nil {
				w.fail(t, wrapErr("truncate", t.tmpPath, err))
				return
			}
		} else {
			platform.Preallocate(t.dstFd, size)
		}
	}

	t.method = w.run.methods.choose(t.pair(), size)
	t.state = stateMethodSelected
}

// copyNext submits the next content operation, or moves on to ownership
// once every data segment has been written.
func (w *worker) copyNext(t *copyTask, now time.Time) {
	if len(t.pending) > 0 {
		w.submit(t, platform.Op{Kind: platform.OpWrite, Fd: t.dstFd, Buf: t.pending, Offset: t.woff})
		return
	}

	for t.seg < len(t.segments) && t.off >= t.segments[t.seg].End() {
		t.seg++
		if t.seg < len(t.segments) {
			t.off = t.segments[t.seg].Offset
		}
	}
	if t.seg >= len(t.segments) {
		w.applyOwner(t)
		return
	}

	remaining := t.segments[t.seg].End() - t.off
	if t.method == platform.ZeroCopy {
		n := int(min(remaining, zeroCopyChunk))
		if n = w.reserve(t, n, now); n == 0 {
			return
		}
		w.submit(t, platform.Op{Kind: platform.OpCopyRange, Fd: t.srcFd, DstFd: t.dstFd, Offset: t.off, Len: n})
		return
	}

	n := int(min(remaining, int64(len(t.buf))))
	if n = w.reserve(t, n, now); n == 0 {
		return
	}
	w.submit(t, platform.Op{Kind: platform.OpRead, Fd: t.srcFd, Buf: t.buf[:n], Offset: t.off})
}

func (w *worker) submit(t *copyTask, op platform.Op) {
	id, err := w.io.Submit(op)
	if err != nil {
		kind := PermanentIO
		if errors.Is(err, platform.ErrQueueFull) {
			kind = ResourceExhausted
		}
		w.fail(t, newError(kind, "submit "+op.Kind.String(), t.entry.SrcPath, err))
		return
	}
	t.inFlight = true
	t.opKind = op.Kind
	t.opLen = len(op.Buf)
	if op.Kind == platform.OpCopyRange {
		t.opLen = op.Len
	}
	w.byOp[id] = t
}

// onCompletion consumes the result of t's in-flight operation.
func (w *worker) onCompletion(t *copyTask, c platform.Completion, now time.Time) {
	t.inFlight = false
	if err := c.Err(); err != nil {
		if t.opKind == platform.OpCopyRange && platform.IsFallbackErr(err) {
			w.run.methods.fallback(t.pair())
			w.run.log.Debug("zero-copy unavailable, using read/write",
				"path", t.entry.RelPath, "src_dev", t.entry.Dev, "dst_dev", t.entry.DstDev, "error", err)
			t.method = platform.ReadWrite
			return
		}
		w.retryOrFail(t, t.opKind.String(), t.entry.SrcPath, err, now)
		return
	}

	n := c.Bytes()
	switch t.opKind {
	case platform.OpRead:
		if n == 0 {
			w.fail(t, newError(PartialCopy, "read", t.entry.SrcPath, io.ErrUnexpectedEOF))
			return
		}
		if !w.checkShort(t, n) {
			return
		}
		t.pending = t.buf[:n]
		t.woff = t.off
		t.off += int64(n)

	case platform.OpWrite:
		t.bytes += int64(n)
		w.run.stats.AddBytesCopied(int64(n))
		if !w.checkShort(t, n) {
			return
		}
		t.pending = t.pending[n:]
		t.woff += int64(n)

	case platform.OpCopyRange:
		if n == 0 {
			w.fail(t, newError(PartialCopy, "copy_file_range", t.entry.SrcPath, io.ErrUnexpectedEOF))
			return
		}
		if !w.checkShort(t, n) {
			return
		}
		t.off += int64(n)
		t.bytes += int64(n)
		w.run.stats.AddBytesCopied(int64(n))
		w.run.methods.confirm(t.pair())
	}
}

// checkShort counts consecutive short transfers and fails t once they
// exceed the limit. The remainder is resubmitted by copyNext.
func (w *worker) checkShort(t *copyTask, n int) bool {
	if n >= t.opLen {
		t.shorts = 0
		return true
	}
	t.shorts++
	if t.shorts > w.run.opts.MaxShortRetries {
		w.fail(t, newError(PartialCopy, t.opKind.String(), t.entry.SrcPath,
			fmt.Errorf("%w: %d of %d bytes after %d attempts", ErrShortTransfer, n, t.opLen, t.shorts)))
		return false
	}
	return true
}

// reserve takes n bytes from the bandwidth budget. It returns the number of
// bytes the next operation may move, or 0 when t was parked until the
// budget allows it.
func (w *worker) reserve(t *copyTask, n int, now time.Time) int {
	lim := w.run.limiter
	if lim == nil {
		return n
	}
	if t.reserved > 0 {
		n = min(n, t.reserved)
		t.reserved = 0
		return n
	}
	n = min(n, lim.Burst())
	r := lim.ReserveN(now, n)
	if !r.OK() {
		return n
	}
	if d := r.DelayFrom(now); d > 0 {
		t.reserved = n
		t.notBefore = now.Add(d)
		return 0
	}
	return n
}

// applyOwner moves Copying to MetadataApplied.
func (w *worker) applyOwner(t *copyTask) {
	if w.run.opts.PreserveOwner {
		if err := platform.Fchown(t.dstFd, t.entry.UID, t.entry.GID); err != nil {
			if e := w.run.attrFailure(t.entry.RelPath, "chown", err, w.id); e != nil {
				w.fail(t, e)
				return
			}
		}
	}
	t.state = stateMetadataApplied
}

// applyXattrs moves MetadataApplied to XattrApplied.
func (w *worker) applyXattrs(t *copyTask) {
	set := func(name string, value []byte) error {
		return platform.FSetXattr(t.dstFd, name, value)
	}
	if e := w.run.copyXattrs(t.entry.RelPath, t.entry.SrcPath, false, set, w.id); e != nil {
		w.fail(t, e)
		return
	}
	t.state = stateXattrApplied
}

// closeOut applies permission bits and times, closes both files and
// renames the temporary file into place.
func (w *worker) closeOut(t *copyTask) {
	e := t.entry
	if err := platform.Fchmod(t.dstFd, w.run.permFor(e.Perm())); err != nil {
		if ae := w.run.attrFailure(e.RelPath, "chmod", err, w.id); ae != nil {
			w.fail(t, ae)
			return
		}
	}
	if w.run.opts.PreserveTimes {
		if err := platform.SetFdTimes(t.dstFd, t.dstName(), e.Atime, e.Mtime); err != nil {
			if ae := w.run.attrFailure(e.RelPath, "utimes", err, w.id); ae != nil {
				w.fail(t, ae)
				return
			}
		}
	}

	if t.src != nil {
		t.src.Close()
		t.src, t.srcFd = nil, -1
	}
	err := t.dst.Close()
	t.dst, t.dstFd = nil, -1
	if err != nil {
		w.fail(t, wrapErr("close", t.dstName(), err))
		return
	}

	if t.tmpPath != "" {
		if err := os.Rename(t.tmpPath, e.DstPath); err != nil {
			w.fail(t, wrapErr("rename", e.DstPath, err))
			return
		}
		w.run.tmps.deregister(t.tmpPath)
		t.tmpPath = ""
	}
	t.state = stateClosed
}

// complete verifies the copy when asked to and records the outcome.
func (w *worker) complete(t *copyTask) {
	e := t.entry
	if w.run.opts.Verify && !t.unchanged {
		if err := verifyCopy(e.SrcPath, e.DstPath); err != nil {
			w.fail(t, wrapErr("verify", e.DstPath, err))
			return
		}
		w.run.stats.AddFilesVerified(1)
	}

	t.state = stateDone
	if t.unchanged {
		w.run.stats.AddFilesSkipped(1)
		w.emit(event.Event{Type: event.FileSkipped, Path: e.RelPath, Size: e.Size})
	} else {
		w.run.stats.AddFilesCopied(1)
		if t.method == platform.ZeroCopy {
			w.run.stats.AddZeroCopyFiles(1)
		}
		w.emit(event.Event{
			Type:   event.FileCompleted,
			Path:   e.RelPath,
			Size:   t.bytes,
			Method: t.method.String(),
		})
	}
	if t.first {
		w.run.links.Publish(t.link, nil)
	}
}

// makeSymlink recreates a symlink with its target verbatim.
func (w *worker) makeSymlink(t *copyTask, now time.Time) {
	e := t.entry
	created := false
	if existing, err := os.Readlink(e.DstPath); err != nil || existing != e.LinkTarget {
		tmp := tmpName(e.DstPath)
		if err := os.Symlink(e.LinkTarget, tmp); err != nil {
			w.retryOrFail(t, "symlink", e.DstPath, err, now)
			return
		}
		if err := os.Rename(tmp, e.DstPath); err != nil {
			_ = os.Remove(tmp)
			w.retryOrFail(t, "rename", e.DstPath, err, now)
			return
		}
		created = true
	}

	if w.run.opts.PreserveOwner {
		if err := platform.Lchown(e.DstPath, e.UID, e.GID); err != nil {
			if ae := w.run.attrFailure(e.RelPath, "lchown", err, w.id); ae != nil {
				w.fail(t, ae)
				return
			}
		}
	}
	set := func(name string, value []byte) error {
		return platform.SetXattr(e.DstPath, name, value, true)
	}
	if ae := w.run.copyXattrs(e.RelPath, e.SrcPath, true, set, w.id); ae != nil {
		w.fail(t, ae)
		return
	}
	if w.run.opts.PreserveTimes {
		if err := platform.SetPathTimes(e.DstPath, e.Atime, e.Mtime, true); err != nil {
			if ae := w.run.attrFailure(e.RelPath, "utimes", err, w.id); ae != nil {
				w.fail(t, ae)
				return
			}
		}
	}

	t.state = stateDone
	if created {
		w.run.stats.AddSymlinksCreated(1)
		w.emit(event.Event{Type: event.SymlinkCreated, Path: e.RelPath})
	} else {
		w.run.stats.AddFilesSkipped(1)
		w.emit(event.Event{Type: event.FileSkipped, Path: e.RelPath})
	}
}

// makeSpecial recreates a device node, fifo or socket. A destination of
// the same type and device number is reused.
func (w *worker) makeSpecial(t *copyTask, now time.Time) {
	e := t.entry
	created := false
	if st, err := platform.Lstat(e.DstPath); err != nil ||
		st.FileType() != e.Mode&syscall.S_IFMT || st.Rdev != e.Rdev {
		tmp := tmpName(e.DstPath)
		if err := platform.Mknod(tmp, e.Mode&syscall.S_IFMT|0o600, e.Rdev); err != nil {
			w.retryOrFail(t, "mknod", e.DstPath, err, now)
			return
		}
		w.run.tmps.register(tmp)
		if err := os.Rename(tmp, e.DstPath); err != nil {
			_ = os.Remove(tmp)
			w.run.tmps.deregister(tmp)
			w.retryOrFail(t, "rename", e.DstPath, err, now)
			return
		}
		w.run.tmps.deregister(tmp)
		created = true
	}

	if w.run.opts.PreserveOwner {
		if err := platform.Lchown(e.DstPath, e.UID, e.GID); err != nil {
			if ae := w.run.attrFailure(e.RelPath, "lchown", err, w.id); ae != nil {
				w.fail(t, ae)
				return
			}
		}
	}
	set := func(name string, value []byte) error {
		return platform.SetXattr(e.DstPath, name, value, true)
	}
	if ae := w.run.copyXattrs(e.RelPath, e.SrcPath, true, set, w.id); ae != nil {
		w.fail(t, ae)
		return
	}
	if err := platform.Chmod(e.DstPath, w.run.permFor(e.Perm())); err != nil {
		if ae := w.run.attrFailure(e.RelPath, "chmod", err, w.id); ae != nil {
			w.fail(t, ae)
			return
		}
	}
	if w.run.opts.PreserveTimes {
		if err := platform.SetPathTimes(e.DstPath, e.Atime, e.Mtime, true); err != nil {
			if ae := w.run.attrFailure(e.RelPath, "utimes", err, w.id); ae != nil {
				w.fail(t, ae)
				return
			}
		}
	}

	t.state = stateDone
	if created {
		w.run.stats.AddSpecialsCreated(1)
		w.emit(event.Event{Type: event.SpecialCreated, Path: e.RelPath})
	} else {
		w.run.stats.AddFilesSkipped(1)
		w.emit(event.Event{Type: event.FileSkipped, Path: e.RelPath})
	}
}

// resolveLink waits, without blocking the worker, for the first copy of the
// inode and links to it. If that copy failed, t copies the content itself
// and becomes the publisher.
func (w *worker) resolveLink(t *copyTask, now time.Time) {
	q := w.q
	dst, resolved, err := w.run.links.Await(t.link, func() { q.wake(t) })
	if !resolved {
		t.linkWait = true
		return
	}
	if err != nil {
		if w.run.links.TakeOver(t.link, t.entry.DstPath) {
			w.run.log.Debug("first copy of inode failed, copying content",
				"path", t.entry.RelPath, "error", err)
			t.kind = kindCopy
			t.first = true
		}
		return
	}
	w.linkTo(t, dst, now)
}

func (w *worker) linkTo(t *copyTask, target string, now time.Time) {
	e := t.entry
	if sameInode(target, e.DstPath) {
		t.state = stateDone
		w.run.stats.AddFilesSkipped(1)
		w.emit(event.Event{Type: event.FileSkipped, Path: e.RelPath})
		return
	}

	tmp := tmpName(e.DstPath)
	if err := os.Link(target, tmp); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			// Destination subtree sits on another filesystem: copy instead.
			t.kind = kindCopy
			t.link = nil
			return
		}
		w.retryOrFail(t, "link", e.DstPath, err, now)
		return
	}
	if err := os.Rename(tmp, e.DstPath); err != nil {
		_ = os.Remove(tmp)
		w.retryOrFail(t, "rename", e.DstPath, err, now)
		return
	}

	t.state = stateDone
	w.run.stats.AddHardlinksCreated(1)
	w.emit(event.Event{Type: event.HardlinkCreated, Path: e.RelPath})
}

func sameInode(a, b string) bool {
	sa, err := platform.Lstat(a)
	if err != nil {
		return false
	}
	sb, err := platform.Lstat(b)
	if err != nil {
		return false
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}

// retryOrFail parks t for another attempt after a transient error and
// fails it otherwise.
func (w *worker) retryOrFail(t *copyTask, op, path string, err error, now time.Time) {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		if from, to, ok := w.run.files.shrink(); ok {
			w.run.log.Warn("too many open files, lowering files in flight",
				"from", from, "to", to, "path", t.entry.RelPath)
		}
	}
	if t.retry == nil {
		t.retry = newBackOff()
	}
	if when, ok := w.run.retry.next(err, t.attempts, t.retry, now); ok {
		t.attempts++
		t.notBefore = when
		w.run.stats.AddRetries(1)
		w.run.log.Debug("transient error, retrying",
			"path", t.entry.RelPath, "op", op, "attempt", t.attempts, "error", err)
		w.emit(event.Event{Type: event.FileRetried, Path: t.entry.RelPath, Attempt: t.attempts, Error: err})
		return
	}
	w.fail(t, wrapErr(op, path, err))
}

// fail releases t's resources and records the failure.
func (w *worker) fail(t *copyTask, err *Error) {
	w.release(t)
	t.state = stateFailed
	t.err = err
	if t.first {
		w.run.links.Publish(t.link, err)
	}
	w.run.recordFailure(t.entry.RelPath, err, t.attempts+1, w.id)
}

// release closes t's files and removes its temporary file.
func (w *worker) release(t *copyTask) {
	if t.src != nil {
		t.src.Close()
		t.src, t.srcFd = nil, -1
	}
	if t.dst != nil {
		t.dst.Close()
		t.dst, t.dstFd = nil, -1
	}
	if t.tmpPath != "" {
		_ = os.Remove(t.tmpPath)
		w.run.tmps.deregister(t.tmpPath)
		t.tmpPath = ""
	}
	t.pending = nil
}
