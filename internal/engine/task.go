package engine

import (
	"time"

	"github.com/bamsammich/ringsync/internal/platform"
)

// EntryType identifies the kind of filesystem entry.
type EntryType int

const (
	Regular EntryType = iota
	Dir
	Symlink
	Special // device node, fifo or socket
)

func (t EntryType) String() string {
	switch t {
	case Regular:
		return "file"
	case Dir:
		return "dir"
	case Symlink:
		return "symlink"
	case Special:
		return "special"
	default:
		return "unknown"
	}
}

// DevIno uniquely identifies an inode for hardlink detection.
type DevIno struct {
	Dev uint64
	Ino uint64
}

// Entry is one source item together with its stat snapshot. Entries are
// immutable once emitted by the Walker.
type Entry struct {
	Atime      time.Time
	Mtime      time.Time
	SrcPath    string
	DstPath    string
	RelPath    string
	LinkTarget string // symlinks only
	Dev        uint64
	Ino        uint64
	Nlink      uint64
	Rdev       uint64 // device nodes only
	DstDev     uint64 // device of the destination parent directory
	Size       int64
	Mode       uint32
	UID        uint32
	GID        uint32
	Type       EntryType
}

// DevIno returns the entry's inode identity.
func (e Entry) DevIno() DevIno { return DevIno{Dev: e.Dev, Ino: e.Ino} }

// Perm returns the permission bits including setuid, setgid and sticky.
func (e Entry) Perm() uint32 { return e.Mode & 0o7777 }

func entryFromStat(src, dst, rel string, st platform.Stat) Entry {
	e := Entry{
		SrcPath: src,
		DstPath: dst,
		RelPath: rel,
		Dev:     st.Dev,
		Ino:     st.Ino,
		Nlink:   st.Nlink,
		Rdev:    st.Rdev,
		Size:    st.Size,
		Mode:    st.Mode,
		UID:     st.UID,
		GID:     st.GID,
		Atime:   st.Atime,
		Mtime:   st.Mtime,
	}
	switch {
	case st.IsRegular():
		e.Type = Regular
	case st.IsDir():
		e.Type = Dir
	case st.IsSymlink():
		e.Type = Symlink
	default:
		e.Type = Special
	}
	return e
}
