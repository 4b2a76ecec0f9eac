package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/stats"
)

const (
	ansiClearLine    = "\r\033[K"
	statusRedraw     = 100 * time.Millisecond
	progressBarWidth = 20
)

// statusPresenter redraws a single status line in place on a terminal.
// With verbose, item lines scroll above it.
type statusPresenter struct {
	w       io.Writer
	stats   *stats.Collector
	width   int
	verbose bool
	drawn   bool
}

func (p *statusPresenter) Run(events <-chan event.Event) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	redraw := time.NewTicker(statusRedraw)
	defer redraw.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clear()
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
		case <-redraw.C:
			p.draw()
		}
	}
}

func (p *statusPresenter) handleEvent(ev event.Event) {
	if !p.verbose {
		return
	}
	line := itemLine(ev)
	if line == "" {
		return
	}
	p.clear()
	fmt.Fprintln(p.w, truncate(line, p.width))
}

func (p *statusPresenter) draw() {
	snap := p.stats.Snapshot()
	line := ProgressBar(Percent(snap.BytesCopied, snap.BytesTotal), progressBarWidth) + "  " +
		progressLine(snap, p.stats.RollingSpeed(5), p.stats.ETA())
	fmt.Fprint(p.w, ansiClearLine+truncate(line, p.width))
	p.drawn = true
}

func (p *statusPresenter) clear() {
	if p.drawn {
		fmt.Fprint(p.w, ansiClearLine)
		p.drawn = false
	}
}
