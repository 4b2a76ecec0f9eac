package engine

import (
	"slices"
	"strings"

	"github.com/bamsammich/ringsync/internal/platform"
)

// finalizeDirs applies directory metadata once every child is written,
// deepest directories first, so restrictive modes and mtimes survive.
func finalizeDirs(run *runState, dirs []Entry) {
	slices.SortStableFunc(dirs, func(a, b Entry) int {
		return depth(b.RelPath) - depth(a.RelPath)
	})
	for _, d := range dirs {
		if e := applyDirMetadata(run, d); e != nil {
			run.recordFailure(d.RelPath, e, 1, -1)
		}
	}
}

func depth(rel string) int {
	if rel == "." {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func applyDirMetadata(run *runState, d Entry) *Error {
	opts := run.opts
	if opts.PreserveOwner {
		if err := platform.Lchown(d.DstPath, d.UID, d.GID); err != nil {
			if e := run.attrFailure(d.RelPath, "chown", err, -1); e != nil {
				return e
			}
		}
	}

	set := func(name string, value []byte) error {
		return platform.SetXattr(d.DstPath, name, value, false)
	}
	if e := run.copyXattrs(d.RelPath, d.SrcPath, false, set, -1); e != nil {
		return e
	}

	if err := platform.Chmod(d.DstPath, run.permFor(d.Perm())); err != nil {
		if e := run.attrFailure(d.RelPath, "chmod", err, -1); e != nil {
			return e
		}
	}

	if opts.PreserveTimes {
		if err := platform.SetPathTimes(d.DstPath, d.Atime, d.Mtime, false); err != nil {
			if e := run.attrFailure(d.RelPath, "utimes", err, -1); e != nil {
				return e
			}
		}
	}
	return nil
}
