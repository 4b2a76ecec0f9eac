package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bamsammich/ringsync/internal/config"
	"github.com/bamsammich/ringsync/internal/stats"
)

// maxListedFailures bounds the itemized failure list in the summary.
const maxListedFailures = 20

// Theme holds the summary colors.
type Theme struct {
	Green lipgloss.Color
	Red   lipgloss.Color
	Muted lipgloss.Color
}

// DefaultTheme returns the built-in palette.
func DefaultTheme() Theme {
	return Theme{
		Green: lipgloss.Color("#a6e3a1"),
		Red:   lipgloss.Color("#f38ba8"),
		Muted: lipgloss.Color("#5a6278"),
	}
}

// ThemeFrom applies config overrides to the default palette.
func ThemeFrom(cfg config.ThemeConfig) Theme {
	th := DefaultTheme()
	if cfg.Green != nil {
		th.Green = lipgloss.Color(*cfg.Green)
	}
	if cfg.Red != nil {
		th.Red = lipgloss.Color(*cfg.Red)
	}
	if cfg.Muted != nil {
		th.Muted = lipgloss.Color(*cfg.Muted)
	}
	return th
}

// Summary builds the end-of-run report:
//
//	done ✓  files 48,917  size 2.1 GiB  avg 641 MiB/s  time 3m 17s  errors 0
//	  dirs 12  symlinks 3  hardlinks 2  unchanged 5  zero-copy 40
//	  failed: path: kind after N attempt(s): cause
func Summary(snap stats.Snapshot, failures []stats.Failure, outcome string, th Theme) string {
	ok := lipgloss.NewStyle().Foreground(th.Green)
	bad := lipgloss.NewStyle().Foreground(th.Red)
	muted := lipgloss.NewStyle().Foreground(th.Muted)

	avg := 0.0
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		avg = float64(snap.BytesCopied) / secs
	}

	icon := ok.Render("✓")
	if outcome != "success" {
		icon = bad.Render("✗ " + outcome)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "done %s  files %s  size %s  avg %s  time %s  errors %d",
		icon,
		FormatCount(snap.FilesCopied),
		FormatBytes(snap.BytesCopied),
		FormatRate(avg),
		FormatDuration(snap.Elapsed),
		snap.FilesFailed,
	)

	details := []string{
		"dirs " + FormatCount(snap.DirsCreated),
		"symlinks " + FormatCount(snap.SymlinksCreated),
		"hardlinks " + FormatCount(snap.HardlinksCreated),
		"unchanged " + FormatCount(snap.FilesSkipped),
		"zero-copy " + FormatCount(snap.ZeroCopyFiles),
	}
	if snap.SpecialsCreated > 0 {
		details = append(details, "specials "+FormatCount(snap.SpecialsCreated))
	}
	if snap.FilesVerified > 0 {
		details = append(details, "verified "+FormatCount(snap.FilesVerified))
	}
	if snap.Retries > 0 {
		details = append(details, "retries "+FormatCount(snap.Retries))
	}
	if snap.BoundariesSkipped > 0 {
		details = append(details, "other-fs "+FormatCount(snap.BoundariesSkipped))
	}
	if snap.AttrWarnings > 0 {
		details = append(details, "attr warnings "+FormatCount(snap.AttrWarnings))
	}
	if snap.FilesCancelled > 0 {
		details = append(details, "cancelled "+FormatCount(snap.FilesCancelled))
	}
	b.WriteString("\n  " + muted.Render(strings.Join(details, "  ")))

	for i, f := range failures {
		if i == maxListedFailures {
			b.WriteString("\n  " + muted.Render(fmt.Sprintf("... and %d more", len(failures)-i)))
			break
		}
		b.WriteString("\n  " + bad.Render("failed:") + " " + f.String())
	}
	return b.String()
}
