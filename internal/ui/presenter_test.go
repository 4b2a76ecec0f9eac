package ui

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/stats"
)

func feed(evs ...event.Event) <-chan event.Event {
	ch := make(chan event.Event, len(evs))
	for _, e := range evs {
		ch <- e
	}
	close(ch)
	return ch
}

var sampleEvents = []event.Event{
	{Type: event.WalkStarted, Path: "/src"},
	{Type: event.FileCompleted, Path: "a.txt", Size: 2048, Method: "read_write"},
	{Type: event.FileSkipped, Path: "b.txt"},
	{Type: event.SymlinkCreated, Path: "l"},
	{Type: event.HardlinkCreated, Path: "h"},
	{Type: event.FileFailed, Path: "c.txt", Error: errors.New("boom")},
}

func TestItemLine(t *testing.T) {
	assert.Equal(t, "a.txt  2.0 KiB  read_write", itemLine(sampleEvents[1]))
	assert.Equal(t, "b.txt  unchanged", itemLine(sampleEvents[2]))
	assert.Equal(t, "c.txt  failed: boom", itemLine(sampleEvents[5]))
	assert.Equal(t, "x  failed: error", itemLine(event.Event{Type: event.FileFailed, Path: "x"}))
	assert.Equal(t, "dev/null  special", itemLine(event.Event{Type: event.SpecialCreated, Path: "dev/null"}))
	assert.Empty(t, itemLine(event.Event{Type: event.DirCreated, Path: "d"}))
}

func TestPlainPresenter_Verbose(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPresenter(Config{Writer: &out, ErrWriter: &errOut, Stats: stats.NewCollector(), Verbose: true})

	require.NoError(t, p.Run(feed(sampleEvents...)))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"a.txt  2.0 KiB  read_write",
		"b.txt  unchanged",
		"l  symlink",
		"h  hardlink",
		"c.txt  failed: boom",
	}, lines)
}

func TestPlainPresenter_NotVerbose(t *testing.T) {
	var out bytes.Buffer
	p := NewPresenter(Config{Writer: &out, ErrWriter: &out, Stats: stats.NewCollector()})

	require.NoError(t, p.Run(feed(sampleEvents...)))
	assert.Empty(t, out.String())
}

func TestPlainPresenter_Progress(t *testing.T) {
	c := stats.NewCollector()
	c.AddFilesTotal(4)
	c.AddBytesTotal(4096)
	c.AddFilesCopied(2)
	c.AddBytesCopied(2048)

	var errOut lockedBuffer
	p := &plainPresenter{w: &bytes.Buffer{}, errW: &errOut, stats: c, progress: true, interval: 10 * time.Millisecond}

	events := make(chan event.Event)
	done := make(chan error)
	go func() { done <- p.Run(events) }()
	require.Eventually(t, func() bool { return strings.Contains(errOut.String(), "progress:") }, 2*time.Second, 5*time.Millisecond)
	close(events)
	require.NoError(t, <-done)

	line := strings.SplitN(errOut.String(), "\n", 2)[0]
	assert.Contains(t, line, "50%")
	assert.Contains(t, line, "2.0 KiB/4.0 KiB")
	assert.Contains(t, line, "2/4 files")
}

func TestQuietPresenter(t *testing.T) {
	p := NewPresenter(Config{Quiet: true, Verbose: true})
	require.NoError(t, p.Run(feed(sampleEvents...)))
}

func TestStatusPresenter(t *testing.T) {
	var out bytes.Buffer
	p := NewPresenter(Config{ErrWriter: &out, Stats: stats.NewCollector(), IsTTY: true, Width: 40, Verbose: true})
	sp, ok := p.(*statusPresenter)
	require.True(t, ok)

	sp.draw()
	assert.True(t, sp.drawn)
	sp.handleEvent(event.Event{Type: event.FileCompleted, Path: strings.Repeat("p", 100), Size: 1, Method: "zero_copy"})
	assert.False(t, sp.drawn, "item lines clear the status line first")

	require.NoError(t, sp.Run(feed()))
	assert.Contains(t, out.String(), strings.Repeat("p", 39)+"…")
	for _, line := range strings.Split(out.String(), "\n") {
		for _, part := range strings.Split(line, ansiClearLine) {
			assert.LessOrEqual(t, len([]rune(part)), 40)
		}
	}
}

func TestProgressLine_UnknownTotal(t *testing.T) {
	line := progressLine(stats.Snapshot{FilesCopied: 1200, BytesCopied: 1 << 20}, 0, 0)
	assert.Equal(t, "1,200 files  1.0 MiB", line)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
