package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/ui"
)

// newLogger builds the CLI logger: colourised text on stderr and, with a
// log file, every record at debug level as JSON.
func newLogger(stderr io.Writer, verbose, quiet bool, logFile string) (*slog.Logger, func(), error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	} else if !quiet {
		level = slog.LevelInfo
	}

	noColor := true
	if f, ok := stderr.(*os.File); ok {
		noColor = !ui.IsTTY(f)
	}
	var handler slog.Handler = tint.NewHandler(stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})

	closeFn := func() {}
	if logFile != "" {
		lf, err := os.Create(logFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closeFn = func() { lf.Close() }
		handler = ui.NewMultiHandler(handler, slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(handler), closeFn, nil
}

// teeEvents writes a structured record for every event before forwarding
// it to the presenter.
func teeEvents(logger *slog.Logger, events <-chan event.Event) <-chan event.Event {
	out := make(chan event.Event, cap(events))
	go func() {
		defer close(out)
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("path", ev.Path),
				slog.Int64("size", ev.Size),
				slog.Int("worker", ev.WorkerID),
			}
			if ev.Method != "" {
				attrs = append(attrs, slog.String("method", ev.Method))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			logger.LogAttrs(context.Background(), slog.LevelDebug, "ringsync.event", attrs...)
			out <- ev
		}
	}()
	return out
}
