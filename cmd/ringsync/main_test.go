package main

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/ringsync/internal/config"
	"github.com/bamsammich/ringsync/internal/engine"
)

// isolate points the config lookup at an empty directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func makeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("bravo"), 0o600))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))
	return src
}

func TestRun_Version(t *testing.T) {
	isolate(t)
	var out, errOut bytes.Buffer
	assert.Equal(t, exitOK, run([]string{"--version"}, &out, &errOut))
	assert.Equal(t, "ringsync dev\n", out.String())
}

func TestRun_Sync(t *testing.T) {
	isolate(t)
	src := makeSource(t)
	dst := filepath.Join(t.TempDir(), "dst")

	var out, errOut bytes.Buffer
	code := run([]string{"--cores", "2", "--queue-depth", "4", "--no-progress", src, dst}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())

	got, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(got))
	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	assert.Contains(t, errOut.String(), "done")
	assert.Contains(t, errOut.String(), "files 2")
}

func TestRun_QuietVerbose(t *testing.T) {
	isolate(t)
	src := makeSource(t)

	var out, errOut bytes.Buffer
	require.Equal(t, exitOK, run([]string{"-q", src, filepath.Join(t.TempDir(), "q")}, &out, &errOut))
	assert.Empty(t, out.String())
	assert.NotContains(t, errOut.String(), "done")

	out.Reset()
	errOut.Reset()
	require.Equal(t, exitOK, run([]string{"-v", "--no-progress", src, filepath.Join(t.TempDir(), "v")}, &out, &errOut))
	assert.Contains(t, out.String(), "a.txt")
	assert.Contains(t, out.String(), "link  symlink")
}

func TestRun_DryRun(t *testing.T) {
	isolate(t)
	src := makeSource(t)
	dst := filepath.Join(t.TempDir(), "dst")

	var out, errOut bytes.Buffer
	require.Equal(t, exitOK, run([]string{"-n", "-q", src, dst}, &out, &errOut))
	_, err := os.Lstat(dst)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_PartialSuccessExitCode(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read any file")
	}
	isolate(t)
	src := makeSource(t)
	require.NoError(t, os.WriteFile(filepath.Join(src, "secret"), []byte("x"), 0))

	var out, errOut bytes.Buffer
	code := run([]string{"--no-progress", src, filepath.Join(t.TempDir(), "dst")}, &out, &errOut)
	assert.Equal(t, exitPartial, code)
	assert.Contains(t, errOut.String(), "failed:")
	assert.Contains(t, errOut.String(), "secret")

	code = run([]string{"-q", "--fail-fast", src, filepath.Join(t.TempDir(), "dst")}, &out, &errOut)
	assert.Equal(t, exitAborted, code)
}

func TestRun_InvalidArguments(t *testing.T) {
	isolate(t)
	src := makeSource(t)

	tests := []struct {
		name string
		want string
		args []string
	}{
		{"missing destination", "accepts 2 arg(s)", []string{src}},
		{"bad bwlimit", "invalid --bwlimit", []string{"--bwlimit", "fast", src, t.TempDir()}},
		{"bad threshold", "invalid --zero-copy-threshold", []string{"--zero-copy-threshold", "x", src, t.TempDir()}},
		{"destination inside source", "inside source", []string{src, filepath.Join(src, "sub", "copy")}},
		{"negative depth", "queue depth", []string{"--queue-depth=-1", src, t.TempDir()}},
		{"bad copy method", "invalid --copy-method", []string{"--copy-method", "splice", src, t.TempDir()}},
		{"bad buffer size", "invalid --buffer-size", []string{"--buffer-size", "big", src, t.TempDir()}},
		{"small buffer", "buffer size must be at least", []string{"--buffer-size", "1K", src, t.TempDir()}},
		{"negative file cap", "max files in flight", []string{"--max-files-in-flight=-2", src, t.TempDir()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			assert.Equal(t, exitAborted, run(tt.args, &out, &errOut))
			assert.Contains(t, errOut.String(), tt.want)
		})
	}
}

func TestRun_ConfigFileDefaults(t *testing.T) {
	cfgDir := isolate(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfgDir, "ringsync"), 0o755))
	require.NoError(t, os.WriteFile(config.Path(), []byte("[defaults]\nbwlimit = \"bogus\"\n"), 0o644))
	src := makeSource(t)

	var out, errOut bytes.Buffer
	assert.Equal(t, exitAborted, run([]string{"-q", src, filepath.Join(t.TempDir(), "a")}, &out, &errOut))
	assert.Contains(t, errOut.String(), "invalid --bwlimit")

	// The flag wins over the file.
	errOut.Reset()
	code := run([]string{"-q", "--bwlimit", "1GiB", src, filepath.Join(t.TempDir(), "b")}, &out, &errOut)
	assert.Equal(t, exitOK, code, errOut.String())
}

func TestRun_Filters(t *testing.T) {
	isolate(t)
	src := makeSource(t)
	require.NoError(t, os.WriteFile(filepath.Join(src, "c.txt"), []byte("charlie"), 0o644))
	rules := filepath.Join(t.TempDir(), "rules")
	require.NoError(t, os.WriteFile(rules, []byte("- link\n"), 0o644))
	dst := filepath.Join(t.TempDir(), "dst")

	var out, errOut bytes.Buffer
	code := run([]string{"-q", "--include", "a.txt", "--exclude", "*.txt", "--filter-file", rules, src, dst}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())

	_, err := os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	for _, rel := range []string{"c.txt", filepath.Join("sub", "b.txt"), "link"} {
		_, err := os.Lstat(filepath.Join(dst, rel))
		assert.True(t, os.IsNotExist(err), rel)
	}

	errOut.Reset()
	assert.Equal(t, exitAborted, run([]string{"-q", "--max-size", "huge", src, dst}, &out, &errOut))
	assert.Contains(t, errOut.String(), "invalid --max-size")
	assert.Equal(t, exitAborted, run([]string{"-q", "--min-size", "2K", "--max-size", "1K", src, dst}, &out, &errOut))
}

func TestRun_LogFile(t *testing.T) {
	isolate(t)
	src := makeSource(t)
	logPath := filepath.Join(t.TempDir(), "sync.log")

	var out, errOut bytes.Buffer
	require.Equal(t, exitOK, run([]string{"-q", "--log-file", logPath, src, filepath.Join(t.TempDir(), "dst")}, &out, &errOut))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"ringsync.event"`)
	assert.Contains(t, string(data), `"type":"FileCompleted"`)
}

func TestGenDocs(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	var out, errOut bytes.Buffer
	require.Equal(t, exitOK, run([]string{"gen-docs", "--dir", dir, "--format", "markdown"}, &out, &errOut), errOut.String())
	_, err := os.Stat(filepath.Join(dir, "ringsync.md"))
	require.NoError(t, err)

	assert.Equal(t, exitAborted, run([]string{"gen-docs", "--dir", dir, "--format", "pdf"}, &out, &errOut))
}

func TestApplyConfigDefaults(t *testing.T) {
	var f cliFlags
	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	fl := cmd.Flags()
	require.NoError(t, fl.Parse([]string{"--cores", "3", "--verify=false"}))

	cores, depth, retries := 8, 16, 0
	yes := true
	limit, method := "10M", "read-write"
	f.retries = engine.DefaultMaxRetries
	applyConfigDefaults(fl, config.DefaultsConfig{
		Cores:      &cores,
		QueueDepth: &depth,
		Retries:    &retries,
		Verify:     &yes,
		Xattrs:     &yes,
		Devices:    &yes,
		BWLimit:    &limit,
		CopyMethod: &method,
	}, &f)

	assert.Zero(t, f.cores, "flag set on the command line is not overridden")
	assert.Equal(t, 16, f.queueDepth)
	assert.False(t, f.verify, "explicit --verify=false wins")
	assert.True(t, f.xattrs)
	assert.Equal(t, "10M", f.bwLimit)
	assert.False(t, f.acls)
	assert.Zero(t, f.retries)
	assert.True(t, f.devices)
	assert.Equal(t, "read-write", f.copyMethod)
}

func TestRetryLimit(t *testing.T) {
	assert.Equal(t, engine.NoRetries, retryLimit(0))
	assert.Equal(t, engine.NoRetries, retryLimit(-3))
	assert.Equal(t, 7, retryLimit(7))
	assert.Equal(t, engine.DefaultMaxRetries, retryLimit(engine.DefaultMaxRetries))
}

func TestRun_TuningFlags(t *testing.T) {
	isolate(t)
	src := makeSource(t)
	fifo := filepath.Join(src, "pipe")
	haveFifo := syscall.Mkfifo(fifo, 0o644) == nil
	dst := filepath.Join(t.TempDir(), "dst")

	var out, errOut bytes.Buffer
	code := run([]string{
		"-q", "-D", "--no-perms",
		"--copy-method", "read-write",
		"--buffer-size", "64KiB",
		"--max-files-in-flight", "2",
		"--retries", "0",
		src, dst,
	}, &out, &errOut)
	require.Equal(t, exitOK, code, errOut.String())

	got, err := os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(got))
	if haveFifo {
		info, err := os.Lstat(filepath.Join(dst, "pipe"))
		require.NoError(t, err)
		assert.Equal(t, os.ModeNamedPipe, info.Mode().Type())
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"512", 512},
		{"64KiB", 64 << 10},
		{"1M", 1000 * 1000},
		{"1MiB", 1 << 20},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseSize("lots")
	require.Error(t, err)
}
