package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/platform"
	"github.com/bamsammich/ringsync/internal/stats"
)

// createTestTree populates root with a standard test tree:
//
//	root.txt          (17 bytes)
//	big.bin           (320KB)
//	empty             (0 bytes)
//	sub/mid.txt       (19 bytes)
//	sub/deep/leaf.txt (17 bytes)
//	link.txt          → root.txt (symlink)
func createTestTree(t *testing.T, root string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	writeFile(t, filepath.Join(root, "root.txt"), []byte("root file content"), 0o644)
	writeFile(t, filepath.Join(root, "big.bin"), bytes.Repeat([]byte("ABCDEFGHIJKLMNOP"), 20000), 0o644)
	writeFile(t, filepath.Join(root, "empty"), nil, 0o644)
	writeFile(t, filepath.Join(root, "sub", "mid.txt"), []byte("middle file content"), 0o644)
	writeFile(t, filepath.Join(root, "sub", "deep", "leaf.txt"), []byte("leaf file content"), 0o644)
	require.NoError(t, os.Symlink("root.txt", filepath.Join(root, "link.txt")))
}

// verifyTreeCopy checks that dstRoot contains an exact copy of the test tree
// created by createTestTree under srcRoot.
func verifyTreeCopy(t *testing.T, srcRoot, dstRoot string) {
	t.Helper()

	files := []string{
		"root.txt",
		"big.bin",
		"empty",
		filepath.Join("sub", "mid.txt"),
		filepath.Join("sub", "deep", "leaf.txt"),
	}
	for _, rel := range files {
		require.Equal(t,
			contentHash(t, filepath.Join(srcRoot, rel)),
			contentHash(t, filepath.Join(dstRoot, rel)),
			"content mismatch: %s", rel)
	}

	for _, dir := range []string{"sub", filepath.Join("sub", "deep")} {
		info, err := os.Stat(filepath.Join(dstRoot, dir))
		require.NoError(t, err, "stat dir %s", dir)
		require.True(t, info.IsDir(), "%s should be a directory", dir)
	}

	target, err := os.Readlink(filepath.Join(dstRoot, "link.txt"))
	require.NoError(t, err, "readlink link.txt")
	require.Equal(t, "root.txt", target)
}

func writeFile(t *testing.T, path string, data []byte, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, perm))
	require.NoError(t, os.Chmod(path, perm))
}

func contentHash(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return blake3.Sum256(data)
}

func lstat(t *testing.T, path string) platform.Stat {
	t.Helper()
	st, err := platform.Lstat(path)
	require.NoError(t, err)
	return st
}

// testOptions returns full-preservation options sized for tests. Cores and
// depth are small so that overflow and admission paths are exercised.
func testOptions() Options {
	opts := DefaultOptions()
	opts.CoreCount = 2
	opts.QueueDepth = 4
	opts.SubmitTimeout = 10 * time.Second
	return opts
}

// drainEvents creates a buffered event channel, spawns a goroutine to
// collect it, and returns the channel plus an accessor for what arrived.
// The accessor may only be called after the run has finished.
func drainEvents(t *testing.T) (chan<- event.Event, func() []event.Event) {
	t.Helper()
	ch := make(chan event.Event, 4096)
	var (
		mu  sync.Mutex
		got []event.Event
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
	}()
	var once sync.Once
	finish := func() {
		once.Do(func() {
			close(ch)
			<-done
		})
	}
	t.Cleanup(finish)
	return ch, func() []event.Event {
		finish()
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func countEvents(events []event.Event, typ event.Type) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// recordingContexts wraps every io context a job creates so tests can
// inspect them after the run.
type recordingContexts struct {
	mu       sync.Mutex
	contexts []platform.IOContext
	wrap     func(platform.IOContext) platform.IOContext
}

func (r *recordingContexts) factory(depth int) (platform.IOContext, error) {
	ioc, err := platform.NewEmulated(depth)
	if err != nil {
		return nil, err
	}
	if r.wrap != nil {
		ioc = r.wrap(ioc)
	}
	r.mu.Lock()
	r.contexts = append(r.contexts, ioc)
	r.mu.Unlock()
	return ioc, nil
}

// faultIO rewrites the results of selected operations. decide may also
// shrink op before it reaches the real context.
type faultIO struct {
	platform.IOContext
	decide  func(op *platform.Op) (res int32, override bool)
	rewrite map[platform.OperationID]int32
}

func newFaultIO(inner platform.IOContext, decide func(op *platform.Op) (int32, bool)) *faultIO {
	return &faultIO{IOContext: inner, decide: decide, rewrite: make(map[platform.OperationID]int32)}
}

func (f *faultIO) Submit(op platform.Op) (platform.OperationID, error) {
	res, override := f.decide(&op)
	id, err := f.IOContext.Submit(op)
	if err == nil && override {
		f.rewrite[id] = res
	}
	return id, err
}

func (f *faultIO) Poll(out []platform.Completion) []platform.Completion {
	start := len(out)
	out = f.IOContext.Poll(out)
	for i := start; i < len(out); i++ {
		if res, ok := f.rewrite[out[i].ID]; ok {
			out[i].Res = res
			delete(f.rewrite, out[i].ID)
		}
	}
	return out
}

func runSync(t *testing.T, src, dst string, opts Options) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return Run(ctx, src, dst, opts)
}

// newTestRun builds the shared state of a job without starting one, for
// exercising worker steps directly.
func newTestRun(opts Options) *runState {
	opts = opts.withDefaults()
	return &runState{
		opts:    opts,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		stats:   stats.NewCollector(),
		links:   NewHardlinkTable(),
		methods: newMethodCache(opts.ZeroCopyThreshold, opts.CopyMethod),
		tmps:    &tmpRegistry{},
		files:   newFileBudget(opts.MaxFilesInFlight),
		cancel:  func(error) {},
		retry:   retryPolicy{maxRetries: max(opts.MaxRetries, 0)},
		umask:   platform.Umask(),
	}
}

// countOps returns a decider that counts submitted operations per kind
// without changing them.
func countOps() (func(*platform.Op) (int32, bool), func(platform.OpKind) int64) {
	var mu sync.Mutex
	seen := make(map[platform.OpKind]int64)
	decide := func(op *platform.Op) (int32, bool) {
		mu.Lock()
		seen[op.Kind]++
		mu.Unlock()
		return 0, false
	}
	return decide, func(k platform.OpKind) int64 {
		mu.Lock()
		defer mu.Unlock()
		return seen[k]
	}
}
