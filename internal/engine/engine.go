package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/platform"
	"github.com/bamsammich/ringsync/internal/stats"
)

// Outcome summarises how a run ended.
type Outcome int

const (
	Success Outcome = iota
	PartialSuccess
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case PartialSuccess:
		return "partial success"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is the outcome of a sync job.
type Result struct {
	Err      error // set when Outcome is Aborted
	Failures []stats.Failure
	Stats    stats.Snapshot
	Outcome  Outcome
}

// runState is shared by the dispatcher and every worker of one job.
type runState struct {
	opts    Options
	log     *slog.Logger
	stats   *stats.Collector
	links   *HardlinkTable
	methods *methodCache
	queues  *QueueManager
	limiter *rate.Limiter
	tmps    *tmpRegistry
	files   *fileBudget
	cancel  context.CancelCauseFunc
	retry   retryPolicy
	umask   uint32
}

// permFor returns the permission bits to give a created entry whose source
// has perm. Without permission preservation the special bits are dropped
// and the process umask applies.
func (r *runState) permFor(perm uint32) uint32 {
	if r.opts.PreservePerms {
		return perm
	}
	return perm & 0o777 &^ r.umask
}

// abort stops the run; the first cause wins.
func (r *runState) abort(err error) {
	r.cancel(err)
}

// recordFailure accounts for a failed item. Cancelled items are counted but
// not listed, and with fail-fast any other failure aborts the run.
func (r *runState) recordFailure(rel string, err *Error, attempts, workerID int) {
	if err.Kind == Cancelled {
		r.stats.AddFilesCancelled(1)
		return
	}
	r.stats.RecordFailure(stats.Failure{
		Path:     rel,
		Kind:     err.Kind.String(),
		Attempts: attempts,
		Err:      err,
	})
	r.log.Error("sync failed", "path", rel, "kind", err.Kind.String(), "attempts", attempts, "error", err.Err)
	emitEvent(r.opts.Events, event.Event{Type: event.FileFailed, Path: rel, Error: err, WorkerID: workerID})
	if r.opts.FailFast {
		r.abort(fmt.Errorf("%w: %w", ErrAborted, err))
	}
}

// attrFailure decides whether a metadata error is tolerated. Missing
// support and permission errors are warnings unless strict; it returns nil
// after logging the warning, or the error to fail the item with.
func (r *runState) attrFailure(rel, op string, err error, workerID int) *Error {
	unsupported := platform.IsUnsupportedErr(err)
	if !unsupported && !isPermissionErr(err) {
		return newError(Metadata, op, rel, err)
	}
	if r.opts.Strict {
		if unsupported {
			return newError(AttributeUnsupported, op, rel, err)
		}
		return newError(Metadata, op, rel, err)
	}
	r.stats.AddAttrWarnings(1)
	r.log.Warn("attribute not preserved", "path", rel, "op", op, "error", err)
	emitEvent(r.opts.Events, event.Event{Type: event.AttrWarning, Path: rel, Error: err, WorkerID: workerID})
	return nil
}

// copyXattrs copies the extended attributes and ACLs selected by the
// options from src through set.
func (r *runState) copyXattrs(
	rel, src string,
	nofollow bool,
	set func(name string, value []byte) error,
	workerID int,
) *Error {
	if !r.opts.PreserveXattrs && !r.opts.PreserveACL {
		return nil
	}
	names, err := platform.ListXattrs(src, nofollow)
	if err != nil {
		if platform.IsUnsupportedErr(err) {
			return nil
		}
		return newError(Metadata, "listxattr", rel, err)
	}
	for _, name := range names {
		acl := platform.IsACLXattr(name)
		if (acl && !r.opts.PreserveACL) || (!acl && !r.opts.PreserveXattrs) {
			continue
		}
		value, err := platform.GetXattr(src, name, nofollow)
		if err != nil {
			if errors.Is(err, syscall.ENODATA) {
				continue
			}
			if e := r.attrFailure(rel, "getxattr "+name, err, workerID); e != nil {
				return e
			}
			continue
		}
		if err := set(name, value); err != nil {
			if e := r.attrFailure(rel, "setxattr "+name, err, workerID); e != nil {
				return e
			}
		}
	}
	return nil
}

// Job is a running sync.
type Job struct {
	run    *runState
	done   chan struct{}
	cancel context.CancelCauseFunc
	result Result
}

// Submit validates its arguments and starts syncing srcRoot to dstRoot in
// the background.
func Submit(ctx context.Context, srcRoot, dstRoot string, opts Options) (*Job, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	srcRoot, err := filepath.Abs(srcRoot)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	dstRoot, err = filepath.Abs(dstRoot)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	if _, err := os.Lstat(srcRoot); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	if dstRoot == srcRoot || strings.HasPrefix(dstRoot, srcRoot+string(filepath.Separator)) {
		return nil, fmt.Errorf("destination %s is inside source %s", dstRoot, srcRoot)
	}

	contexts := make([]platform.IOContext, 0, opts.CoreCount)
	for range opts.CoreCount {
		ioc, err := opts.newIOContext(opts.QueueDepth)
		if err != nil {
			for _, c := range contexts {
				c.Close()
			}
			return nil, fmt.Errorf("create io context: %w", err)
		}
		contexts = append(contexts, ioc)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	run := &runState{
		opts:    opts,
		log:     opts.Logger,
		stats:   stats.NewCollector(),
		links:   NewHardlinkTable(),
		methods: newMethodCache(opts.ZeroCopyThreshold, opts.CopyMethod),
		queues:  NewQueueManager(opts.CoreCount, opts.QueueDepth),
		limiter: newBWLimiter(opts.BWLimit),
		tmps:    &tmpRegistry{},
		files:   newFileBudget(opts.MaxFilesInFlight),
		cancel:  cancel,
		retry:   retryPolicy{maxRetries: max(opts.MaxRetries, 0)},
		umask:   platform.Umask(),
	}
	j := &Job{run: run, done: make(chan struct{}), cancel: cancel}

	run.log.Debug("starting sync",
		"src", srcRoot, "dst", dstRoot,
		"cores", opts.CoreCount, "queue_depth", opts.QueueDepth, "io", contexts[0].Name(),
		"max_files_in_flight", opts.MaxFilesInFlight, "copy_method", opts.CopyMethod.String())

	go j.execute(runCtx, srcRoot, dstRoot, contexts)
	return j, nil
}

// Run executes a sync, blocking until complete.
func Run(ctx context.Context, srcRoot, dstRoot string, opts Options) Result {
	j, err := Submit(ctx, srcRoot, dstRoot, opts)
	if err != nil {
		return Result{Outcome: Aborted, Err: err}
	}
	return j.Wait()
}

// Progress returns a point-in-time view of the job's counters. It is safe
// to call from any goroutine.
func (j *Job) Progress() stats.Snapshot { return j.run.stats.Snapshot() }

// Stats exposes the live collector for rate sampling.
func (j *Job) Stats() *stats.Collector { return j.run.stats }

// Cancel stops the job. In-flight work is drained and reported as
// cancelled.
func (j *Job) Cancel() { j.cancel(context.Canceled) }

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes and returns its result.
func (j *Job) Wait() Result {
	<-j.done
	return j.result
}

func (j *Job) execute(ctx context.Context, srcRoot, dstRoot string, contexts []platform.IOContext) {
	defer close(j.done)
	run := j.run

	g, gctx := errgroup.WithContext(ctx)
	for i, ioc := range contexts {
		w := newWorker(i, run, run.queues.queues[i], ioc)
		g.Go(func() error { return w.loop(gctx) })
	}

	var dirs []Entry
	g.Go(func() error {
		defer run.queues.Close()
		dirs = j.dispatch(gctx, srcRoot, dstRoot)
		return nil
	})
	groupErr := g.Wait()

	if !run.opts.DryRun {
		finalizeDirs(run, dirs)
	}
	if n := run.tmps.cleanup(); n > 0 {
		run.log.Warn("removed leftover temporary files", "count", n)
	}

	j.result = Result{
		Stats:    run.stats.Snapshot(),
		Failures: run.stats.Failures(),
	}
	switch cause := context.Cause(ctx); {
	case cause != nil:
		j.result.Outcome = Aborted
		j.result.Err = cause
	case groupErr != nil:
		j.result.Outcome = Aborted
		j.result.Err = groupErr
	case len(j.result.Failures) > 0:
		j.result.Outcome = PartialSuccess
	default:
		j.result.Outcome = Success
	}
	j.cancel(nil)

	run.log.Debug("sync finished",
		"outcome", j.result.Outcome.String(),
		"stats", j.result.Stats.String(),
		"hardlink_inodes", run.links.Len(),
		"file_budget", run.files.Limit())
}

// dispatch walks the source, resolves hardlinks and hands every file to
// the queue manager. It returns the directories seen, in walk order.
func (j *Job) dispatch(ctx context.Context, srcRoot, dstRoot string) []Entry {
	run := j.run
	walker := NewWalker(WalkerConfig{
		SrcRoot:         srcRoot,
		DstRoot:         dstRoot,
		CrossFilesystem: run.opts.CrossFilesystem,
		FailFast:        run.opts.FailFast,
		DryRun:          run.opts.DryRun,
		Filter:          run.opts.Filter,
	})

	emitEvent(run.opts.Events, event.Event{Type: event.WalkStarted, Path: srcRoot})
	var dirs []Entry
	for entry, err := range walker.Entries(ctx) {
		if err != nil {
			j.walkFailure(entry, err)
			continue
		}

		switch entry.Type {
		case Dir:
			dirs = append(dirs, entry)
			if entry.RelPath != "." {
				run.stats.AddDirsCreated(1)
				emitEvent(run.opts.Events, event.Event{Type: event.DirCreated, Path: entry.RelPath})
			}
			continue
		case Special:
			if !run.opts.PreserveDevices {
				run.stats.AddFilesSkipped(1)
				run.log.Debug("skipping special file", "path", entry.RelPath)
				emitEvent(run.opts.Events, event.Event{Type: event.FileSkipped, Path: entry.RelPath})
				continue
			}
		}

		run.stats.AddFilesScanned(1)
		run.stats.AddFilesTotal(1)
		if entry.Type == Regular {
			run.stats.AddBytesTotal(entry.Size)
		}
		if run.opts.DryRun {
			continue
		}

		t := newTask(entry)
		if entry.Type == Regular && entry.Nlink > 1 && run.opts.PreserveHardlinks {
			t.link, t.first = run.links.Claim(entry.DevIno(), entry.DstPath)
			if !t.first {
				t.kind = kindLink
			}
		}
		if err := j.submit(ctx, t); err != nil {
			e := wrapErr("submit", entry.RelPath, err)
			if t.first {
				run.links.Publish(t.link, e)
			}
			run.recordFailure(entry.RelPath, e, 1, -1)
			if e.Kind == ResourceExhausted {
				run.abort(e)
			}
			break
		}
	}

	snap := run.stats.Snapshot()
	emitEvent(run.opts.Events, event.Event{
		Type:      event.WalkComplete,
		Total:     snap.FilesTotal,
		TotalSize: snap.BytesTotal,
	})
	return dirs
}

// submit hands t to the queue manager, waiting for a freed slot while every
// queue is full. It gives up after the submit timeout.
func (j *Job) submit(ctx context.Context, t *copyTask) error {
	var timer *time.Timer
	for {
		_, err := j.run.queues.Submit(t)
		if err == nil {
			return nil
		}
		if timer == nil {
			timer = time.NewTimer(j.run.opts.SubmitTimeout)
			defer timer.Stop()
		}
		select {
		case <-j.run.queues.SlotFreed():
		case <-timer.C:
			return err
		case <-ctx.Done():
			return newError(Cancelled, "submit", t.entry.RelPath, context.Cause(ctx))
		}
	}
}

// walkFailure records a walker error. Boundary skips are reported, not
// counted as failures.
func (j *Job) walkFailure(entry Entry, err error) {
	run := j.run
	e := wrapErr("walk", entry.SrcPath, err)
	if e.Kind == FilesystemBoundary {
		run.stats.AddBoundariesSkipped(1)
		run.log.Info("skipping directory on another filesystem", "path", entry.RelPath)
		emitEvent(run.opts.Events, event.Event{Type: event.BoundarySkipped, Path: entry.RelPath})
		return
	}
	rel := entry.RelPath
	if rel == "" {
		rel = entry.SrcPath
	}
	run.recordFailure(rel, e, 1, -1)
}

func emitEvent(ch chan<- event.Event, e event.Event) {
	if ch == nil {
		return
	}
	e.Timestamp = time.Now()
	select {
	case ch <- e:
	default:
	}
}

// tmpRegistry tracks in-progress temporary files so that anything left
// behind by an aborted run can be removed.
type tmpRegistry struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func (r *tmpRegistry) register(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths == nil {
		r.paths = make(map[string]struct{})
	}
	r.paths[path] = struct{}{}
}

func (r *tmpRegistry) deregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, path)
}

// cleanup removes every registered file and returns how many there were.
func (r *tmpRegistry) cleanup() int {
	r.mu.Lock()
	paths := make([]string, 0, len(r.paths))
	for p := range r.paths {
		paths = append(paths, p)
	}
	r.paths = nil
	r.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
	return len(paths)
}
