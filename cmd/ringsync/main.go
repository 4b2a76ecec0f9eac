package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/ringsync/internal/config"
	"github.com/bamsammich/ringsync/internal/engine"
	"github.com/bamsammich/ringsync/internal/event"
	"github.com/bamsammich/ringsync/internal/filter"
	"github.com/bamsammich/ringsync/internal/ui"
)

var version = "dev"

// Exit codes. Partial success follows rsync's "some files could not be
// transferred".
const (
	exitOK      = 0
	exitAborted = 1
	exitPartial = 23
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type cliFlags struct {
	filters       *filter.Chain
	filterFile    string
	minSize       string
	maxSize       string
	bwLimit       string
	zeroCopy      string
	bufferSize    string
	copyMethod    string
	logFile       string
	cores         int
	queueDepth    int
	retries       int
	maxFiles      int
	archive       bool
	xattrs        bool
	acls          bool
	devices       bool
	noPerms       bool
	oneFileSystem bool
	noOwner       bool
	noTimes       bool
	noHardlinks   bool
	failFast      bool
	dryRun        bool
	strict        bool
	verify        bool
	verbose       bool
	quiet         bool
	noIOURing     bool
	noProgress    bool
	showVersion   bool
}

func run(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitAborted
	}
	return exitOK
}

// ruleFlag appends --exclude and --include patterns to one chain so the
// command-line order is kept.
type ruleFlag struct {
	chain   *filter.Chain
	include bool
}

func (*ruleFlag) String() string { return "" }
func (*ruleFlag) Type() string   { return "pattern" }

func (r *ruleFlag) Set(val string) error {
	if r.include {
		return r.chain.Include(val)
	}
	return r.chain.Exclude(val)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	f := cliFlags{filters: filter.NewChain()}

	rootCmd := &cobra.Command{
		Use:   "ringsync [flags] <source> <destination>",
		Short: "Parallel, metadata-preserving file tree sync on completion-based I/O",
		Args: func(cmd *cobra.Command, args []string) error {
			if f.showVersion {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.showVersion {
				fmt.Fprintf(stdout, "ringsync %s\n", version)
				return nil
			}
			return syncCmd(cmd.Flags(), &f, args[0], args[1], stdout, stderr)
		},
	}

	fl := rootCmd.Flags()
	fl.BoolVar(&f.showVersion, "version", false, "print version and exit")
	fl.BoolVarP(&f.archive, "archive", "a", false, "archive mode: preserve everything, including xattrs and ACLs")
	fl.BoolVarP(&f.xattrs, "xattrs", "X", false, "preserve extended attributes")
	fl.BoolVarP(&f.acls, "acls", "A", false, "preserve POSIX ACLs")
	fl.BoolVarP(&f.devices, "devices", "D", false, "recreate device nodes, fifos and sockets")
	fl.BoolVarP(&f.oneFileSystem, "one-file-system", "x", false, "don't cross filesystem boundaries")
	fl.BoolVar(&f.noOwner, "no-owner", false, "don't preserve owner and group")
	fl.BoolVar(&f.noPerms, "no-perms", false, "don't preserve setuid/setgid/sticky bits; apply the umask")
	fl.BoolVar(&f.noTimes, "no-times", false, "don't preserve mtime (disables skip detection on re-runs)")
	fl.BoolVar(&f.noHardlinks, "no-hardlinks", false, "copy hardlinked files independently")
	fl.Var(&ruleFlag{chain: f.filters}, "exclude", "exclude paths matching PATTERN (repeatable)")
	fl.Var(&ruleFlag{chain: f.filters, include: true}, "include", "include paths matching PATTERN (repeatable)")
	fl.StringVar(&f.filterFile, "filter-file", "", "read include/exclude rules from FILE")
	fl.StringVar(&f.minSize, "min-size", "", "skip files smaller than SIZE")
	fl.StringVar(&f.maxSize, "max-size", "", "skip files larger than SIZE")
	fl.IntVar(&f.queueDepth, "queue-depth", 0, "in-flight operations per core (default 64)")
	fl.IntVar(&f.cores, "cores", 0, "number of per-core workers (default: all logical cores)")
	fl.IntVar(&f.retries, "retries", engine.DefaultMaxRetries, "retries for transient I/O errors (0 disables)")
	fl.IntVar(&f.maxFiles, "max-files-in-flight", 0, "open files across all workers (default cores x queue depth)")
	fl.BoolVar(&f.failFast, "fail-fast", false, "abort the run on the first failure")
	fl.BoolVarP(&f.dryRun, "dry-run", "n", false, "walk and count without writing")
	fl.BoolVar(&f.strict, "strict", false, "fail files whose attributes cannot be preserved")
	fl.BoolVar(&f.verify, "verify", false, "verify checksums after copy (BLAKE3)")
	fl.StringVar(&f.bwLimit, "bwlimit", "", "bandwidth limit per second (e.g. 100MiB, 1G)")
	fl.StringVar(&f.zeroCopy, "zero-copy-threshold", "", "smallest file copied in-kernel (default 128KiB)")
	fl.StringVar(&f.bufferSize, "buffer-size", "", "read/write buffer per in-flight file (default 256KiB)")
	fl.StringVar(&f.copyMethod, "copy-method", "auto", "content copy: auto, zero-copy or read-write")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "verbose output")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress all output except errors")
	fl.StringVar(&f.logFile, "log-file", "", "write structured JSON log to FILE")
	fl.BoolVar(&f.noIOURing, "no-iouring", false, "use the emulated I/O context instead of io_uring")
	fl.BoolVar(&f.noProgress, "no-progress", false, "disable progress display")

	rootCmd.AddCommand(newDocsCmd())
	return rootCmd
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: wires every flag into one job
func syncCmd(fl *pflag.FlagSet, f *cliFlags, src, dst string, stdout, stderr io.Writer) error {
	cfg, cfgErr := config.Load()
	applyConfigDefaults(fl, cfg.Defaults, f)

	logger, closeLog, err := newLogger(stderr, f.verbose, f.quiet, f.logFile)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)
	if cfgErr != nil {
		logger.Warn("failed to load config", "path", config.Path(), "error", cfgErr)
	}

	opts := engine.DefaultOptions()
	opts.Logger = logger
	opts.CoreCount = f.cores
	opts.QueueDepth = f.queueDepth
	opts.MaxRetries = retryLimit(f.retries)
	opts.MaxFilesInFlight = f.maxFiles
	opts.PreserveXattrs = f.xattrs || f.archive
	opts.PreserveACL = f.acls || f.archive
	opts.PreserveDevices = f.devices || f.archive
	opts.PreserveOwner = !f.noOwner
	opts.PreservePerms = !f.noPerms
	opts.PreserveTimes = !f.noTimes
	opts.PreserveHardlinks = !f.noHardlinks
	opts.CrossFilesystem = !f.oneFileSystem
	opts.FailFast = f.failFast
	opts.DryRun = f.dryRun
	opts.Strict = f.strict
	opts.Verify = f.verify
	opts.DisableIOURing = f.noIOURing

	if opts.BWLimit, err = parseSize(f.bwLimit); err != nil {
		return fmt.Errorf("invalid --bwlimit: %w", err)
	}
	if opts.ZeroCopyThreshold, err = parseSize(f.zeroCopy); err != nil {
		return fmt.Errorf("invalid --zero-copy-threshold: %w", err)
	}
	bufSize, err := parseSize(f.bufferSize)
	if err != nil {
		return fmt.Errorf("invalid --buffer-size: %w", err)
	}
	opts.BufferSize = int(bufSize)
	if opts.CopyMethod, err = engine.ParseCopyPolicy(f.copyMethod); err != nil {
		return fmt.Errorf("invalid --copy-method: %w", err)
	}
	if opts.Filter, err = buildFilter(f); err != nil {
		return err
	}
	if f.dryRun {
		logger.Info("dry run mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := make(chan event.Event, 1024)
	opts.Events = events

	job, err := engine.Submit(ctx, src, dst, opts)
	if err != nil {
		return err
	}

	var presenterEvents <-chan event.Event = events
	if f.logFile != "" {
		presenterEvents = teeEvents(logger, events)
	}

	isTTY := false
	width := 80
	if file, ok := stderr.(*os.File); ok {
		isTTY = ui.IsTTY(file)
		width = ui.TermWidth(file)
	}
	presenter := ui.NewPresenter(ui.Config{
		Writer:     stdout,
		ErrWriter:  stderr,
		Stats:      job.Stats(),
		Width:      width,
		IsTTY:      isTTY,
		Quiet:      f.quiet,
		Verbose:    f.verbose,
		NoProgress: f.noProgress,
	})

	var presenterErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		presenterErr = presenter.Run(presenterEvents)
	}()

	result := job.Wait()
	stop()
	close(events)
	wg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(stderr, "presenter: %v\n", presenterErr)
	}

	if !f.quiet {
		fmt.Fprintln(stderr, ui.Summary(result.Stats, result.Failures, result.Outcome.String(), ui.ThemeFrom(cfg.Theme)))
	}

	switch result.Outcome {
	case engine.Success:
		return nil
	case engine.PartialSuccess:
		return &exitError{code: exitPartial}
	default:
		logger.Error("sync aborted", "error", result.Err)
		return &exitError{code: exitAborted}
	}
}

// buildFilter completes the command-line rule chain with the filter file
// and size bounds. It returns nil when nothing is filtered.
func buildFilter(f *cliFlags) (*filter.Chain, error) {
	chain := f.filters
	if f.filterFile != "" {
		if err := chain.LoadFile(f.filterFile); err != nil {
			return nil, err
		}
	}
	lo, err := parseSize(f.minSize)
	if err != nil {
		return nil, fmt.Errorf("invalid --min-size: %w", err)
	}
	hi, err := parseSize(f.maxSize)
	if err != nil {
		return nil, fmt.Errorf("invalid --max-size: %w", err)
	}
	if err := chain.SetSizeBounds(lo, hi); err != nil {
		return nil, err
	}
	if chain.Empty() {
		return nil, nil
	}
	return chain, nil
}

// retryLimit maps the --retries count to the engine limit. Zero disables
// retries rather than selecting the default.
func retryLimit(n int) int {
	if n <= 0 {
		return engine.NoRetries
	}
	return n
}

// parseSize accepts human sizes such as "64KiB" or "1G". Empty means 0.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("%s is too large", s)
	}
	return int64(n), nil
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the command line.
func applyConfigDefaults(fl *pflag.FlagSet, d config.DefaultsConfig, f *cliFlags) {
	setInt := func(name string, v *int, dst *int) {
		if !fl.Changed(name) && v != nil {
			*dst = *v
		}
	}
	setBool := func(name string, v *bool, dst *bool) {
		if !fl.Changed(name) && v != nil {
			*dst = *v
		}
	}
	setString := func(name string, v *string, dst *string) {
		if !fl.Changed(name) && v != nil {
			*dst = *v
		}
	}
	setInt("cores", d.Cores, &f.cores)
	setInt("queue-depth", d.QueueDepth, &f.queueDepth)
	setInt("retries", d.Retries, &f.retries)
	setInt("max-files-in-flight", d.MaxFilesInFlight, &f.maxFiles)
	setBool("archive", d.Archive, &f.archive)
	setBool("xattrs", d.Xattrs, &f.xattrs)
	setBool("acls", d.ACLs, &f.acls)
	setBool("devices", d.Devices, &f.devices)
	setBool("one-file-system", d.OneFileSystem, &f.oneFileSystem)
	setBool("strict", d.Strict, &f.strict)
	setBool("verify", d.Verify, &f.verify)
	setString("bwlimit", d.BWLimit, &f.bwLimit)
	setString("zero-copy-threshold", d.ZeroCopyThreshold, &f.zeroCopy)
	setString("buffer-size", d.BufferSize, &f.bufferSize)
	setString("copy-method", d.CopyMethod, &f.copyMethod)
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
