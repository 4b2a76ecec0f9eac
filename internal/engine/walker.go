package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/bamsammich/ringsync/internal/filter"
	"github.com/bamsammich/ringsync/internal/platform"
)

// WalkerConfig controls the directory walk.
type WalkerConfig struct {
	SrcRoot         string
	DstRoot         string
	CrossFilesystem bool
	FailFast        bool
	DryRun          bool
	Filter          *filter.Chain
}

// Walker enumerates a source tree depth first. Destination directories are
// created before any of their children are yielded.
type Walker struct {
	cfg WalkerConfig
}

// NewWalker creates a walker for the given roots.
func NewWalker(cfg WalkerConfig) *Walker {
	return &Walker{cfg: cfg}
}

type walkFrame struct {
	src, dst, rel string
	dstDev        uint64
}

// Entries returns a lazy sequence of source entries. Every range over the
// sequence starts a fresh walk. A non-nil error is yielded alongside the
// entry it concerns: a skipped subtree on another filesystem carries an
// *Error of Kind FilesystemBoundary, an unreadable directory one of Kind
// PermanentIO. With FailFast the walk stops after the first failure.
// Entries the filter deselects are not yielded and excluded directories are
// not descended into. The root itself is never filtered.
func (w *Walker) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := platform.Lstat(w.cfg.SrcRoot)
		if err != nil {
			yield(Entry{SrcPath: w.cfg.SrcRoot}, wrapErr("lstat", w.cfg.SrcRoot, err))
			return
		}

		if !root.IsDir() {
			w.walkSingle(root, yield)
			return
		}

		rootEntry := entryFromStat(w.cfg.SrcRoot, w.cfg.DstRoot, ".", root)
		dstDev, err := w.ensureDir(w.cfg.DstRoot, true)
		if err != nil {
			yield(rootEntry, wrapErr("mkdir", w.cfg.DstRoot, err))
			return
		}
		rootEntry.DstDev = dstDev
		if !yield(rootEntry, nil) {
			return
		}

		stack := []walkFrame{{src: w.cfg.SrcRoot, dst: w.cfg.DstRoot, rel: ".", dstDev: dstDev}}
		for len(stack) > 0 {
			if ctx.Err() != nil {
				return
			}
			frame := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			subdirs, ok := w.walkDir(ctx, frame, root.Dev, yield)
			if !ok {
				return
			}
			// Push in reverse so the first subdirectory is visited next.
			for i := len(subdirs) - 1; i >= 0; i-- {
				stack = append(stack, subdirs[i])
			}
		}
	}
}

// walkDir yields every child of frame and returns the subdirectories to
// descend into. ok is false when the walk must stop.
func (w *Walker) walkDir(
	ctx context.Context,
	frame walkFrame,
	rootDev uint64,
	yield func(Entry, error) bool,
) (subdirs []walkFrame, ok bool) {
	names, err := readDirNames(frame.src)
	if err != nil {
		entry := Entry{SrcPath: frame.src, DstPath: frame.dst, RelPath: frame.rel, Type: Dir}
		if !yield(entry, wrapErr("readdir", frame.src, err)) {
			return nil, false
		}
		return nil, !w.cfg.FailFast
	}

	for _, name := range names {
		if ctx.Err() != nil {
			return nil, false
		}
		src := filepath.Join(frame.src, name)
		dst := filepath.Join(frame.dst, name)
		rel := filepath.Join(frame.rel, name)

		st, err := platform.Lstat(src)
		if err != nil {
			if !yield(Entry{SrcPath: src, DstPath: dst, RelPath: rel}, wrapErr("lstat", src, err)) {
				return nil, false
			}
			if w.cfg.FailFast {
				return nil, false
			}
			continue
		}

		entry := entryFromStat(src, dst, rel, st)
		entry.DstDev = frame.dstDev
		if !w.cfg.Filter.Match(rel, entry.Type == Dir, entry.Size) {
			continue
		}

		switch entry.Type {
		case Dir:
			if !w.cfg.CrossFilesystem && st.Dev != rootDev {
				if !yield(entry, newError(FilesystemBoundary, "walk", src, ErrBoundary)) {
					return nil, false
				}
				continue
			}
			dev, err := w.ensureDir(dst, false)
			if err != nil {
				if !yield(entry, wrapErr("mkdir", dst, err)) || w.cfg.FailFast {
					return nil, false
				}
				continue
			}
			if !yield(entry, nil) {
				return nil, false
			}
			subdirs = append(subdirs, walkFrame{src: src, dst: dst, rel: rel, dstDev: dev})

		case Symlink:
			target, err := os.Readlink(src)
			if err != nil {
				if !yield(entry, wrapErr("readlink", src, err)) || w.cfg.FailFast {
					return nil, false
				}
				continue
			}
			entry.LinkTarget = target
			if !yield(entry, nil) {
				return nil, false
			}

		default:
			if !yield(entry, nil) {
				return nil, false
			}
		}
	}
	return subdirs, true
}

// walkSingle handles a source root that is not a directory. An existing
// destination directory receives the entry under the source's base name.
func (w *Walker) walkSingle(st platform.Stat, yield func(Entry, error) bool) {
	dst := w.cfg.DstRoot
	if dstSt, err := platform.Lstat(dst); err == nil && dstSt.IsDir() {
		dst = filepath.Join(dst, filepath.Base(w.cfg.SrcRoot))
	}
	entry := entryFromStat(w.cfg.SrcRoot, dst, filepath.Base(w.cfg.SrcRoot), st)

	parent := filepath.Dir(dst)
	if !w.cfg.DryRun {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			yield(entry, wrapErr("mkdir", parent, err))
			return
		}
	}
	if pst, err := platform.Lstat(parent); err == nil {
		entry.DstDev = pst.Dev
	}

	if entry.Type == Symlink {
		target, err := os.Readlink(w.cfg.SrcRoot)
		if err != nil {
			yield(entry, wrapErr("readlink", w.cfg.SrcRoot, err))
			return
		}
		entry.LinkTarget = target
	}
	yield(entry, nil)
}

// ensureDir creates dst owner-writable, replacing a non-directory in the
// way, and returns its device. Final permissions are applied once the
// directory's children are done. In dry-run mode nothing is created.
func (w *Walker) ensureDir(dst string, parents bool) (uint64, error) {
	if w.cfg.DryRun {
		if st, err := platform.Lstat(dst); err == nil {
			return st.Dev, nil
		}
		return 0, nil
	}

	mkdir := os.Mkdir
	if parents {
		mkdir = os.MkdirAll
	}
	err := mkdir(dst, 0o700)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return 0, err
	}

	st, err := platform.Lstat(dst)
	if err != nil {
		return 0, err
	}
	if !st.IsDir() {
		if err := os.Remove(dst); err != nil {
			return 0, fmt.Errorf("replace non-directory: %w", err)
		}
		if err := os.Mkdir(dst, 0o700); err != nil {
			return 0, err
		}
		if st, err = platform.Lstat(dst); err != nil {
			return 0, err
		}
	}
	if st.Perm()&0o700 != 0o700 {
		if err := platform.Chmod(dst, st.Perm()|0o700); err != nil {
			return 0, err
		}
	}
	return st.Dev, nil
}

// readDirNames returns the sorted names in dir.
func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}
