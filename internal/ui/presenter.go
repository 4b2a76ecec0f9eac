package ui

import (
	"io"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/stats"
)

// Presenter consumes sync events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
}

// Config configures a Presenter.
type Config struct {
	Writer     io.Writer // per-item lines
	ErrWriter  io.Writer // progress output
	Stats      *stats.Collector
	Width      int
	IsTTY      bool
	Quiet      bool
	Verbose    bool
	NoProgress bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // factory function returns interface by design
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return quietPresenter{}
	}
	if !cfg.IsTTY || cfg.NoProgress {
		return &plainPresenter{
			w:        cfg.Writer,
			errW:     cfg.ErrWriter,
			stats:    cfg.Stats,
			verbose:  cfg.Verbose,
			progress: !cfg.NoProgress,
			interval: plainInterval,
		}
	}
	return &statusPresenter{
		w:       cfg.ErrWriter,
		stats:   cfg.Stats,
		width:   cfg.Width,
		verbose: cfg.Verbose,
	}
}

// quietPresenter consumes events but produces no output.
type quietPresenter struct{}

func (quietPresenter) Run(events <-chan event.Event) error {
	for range events {
	}
	return nil
}

// itemLine renders one event as a feed line, or "" for events that are
// not shown per item.
func itemLine(ev event.Event) string {
	switch ev.Type {
	case event.FileCompleted:
		return ev.Path + "  " + FormatBytes(ev.Size) + "  " + ev.Method
	case event.FileSkipped:
		return ev.Path + "  unchanged"
	case event.SymlinkCreated:
		return ev.Path + "  symlink"
	case event.HardlinkCreated:
		return ev.Path + "  hardlink"
	case event.SpecialCreated:
		return ev.Path + "  special"
	case event.BoundarySkipped:
		return ev.Path + "  skipped: other filesystem"
	case event.FileFailed:
		msg := "error"
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		return ev.Path + "  failed: " + msg
	default:
		return ""
	}
}
