package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/stats"
)

const plainInterval = 5 * time.Second

// plainPresenter prints one line per item when verbose and a progress line
// on stderr every interval. Used when output is not a terminal.
type plainPresenter struct {
	w        io.Writer
	errW     io.Writer
	stats    *stats.Collector
	interval time.Duration
	verbose  bool
	progress bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	report := time.NewTicker(p.interval)
	defer report.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
		case <-report.C:
			if p.progress {
				p.printProgress()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	if !p.verbose {
		return
	}
	if line := itemLine(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func (p *plainPresenter) printProgress() {
	fmt.Fprintln(p.errW, "progress: "+progressLine(p.stats.Snapshot(), p.stats.RollingSpeed(10), p.stats.ETA()))
}

// progressLine summarises a running job on one line.
func progressLine(snap stats.Snapshot, speed float64, eta time.Duration) string {
	if snap.BytesTotal <= 0 {
		return fmt.Sprintf("%s files  %s", FormatCount(snap.FilesCopied), FormatBytes(snap.BytesCopied))
	}
	return fmt.Sprintf("%.0f%%  %s/%s  %s/%s files  %s  eta %s",
		Percent(snap.BytesCopied, snap.BytesTotal),
		FormatBytes(snap.BytesCopied), FormatBytes(snap.BytesTotal),
		FormatCount(snap.FilesCopied+snap.FilesSkipped), FormatCount(snap.FilesTotal),
		FormatRate(speed),
		FormatETA(eta),
	)
}
