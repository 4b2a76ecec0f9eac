package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	WalkStarted Type = iota + 1
	WalkComplete
	FileStarted
	FileCompleted
	FileFailed
	FileSkipped
	FileRetried
	DirCreated
	SymlinkCreated
	HardlinkCreated
	BoundarySkipped
	AttrWarning
	SpecialCreated
)

var typeNames = [...]string{
	WalkStarted:     "WalkStarted",
	WalkComplete:    "WalkComplete",
	FileStarted:     "FileStarted",
	FileCompleted:   "FileCompleted",
	FileFailed:      "FileFailed",
	FileSkipped:     "FileSkipped",
	FileRetried:     "FileRetried",
	DirCreated:      "DirCreated",
	SymlinkCreated:  "SymlinkCreated",
	HardlinkCreated: "HardlinkCreated",
	BoundarySkipped: "BoundarySkipped",
	AttrWarning:     "AttrWarning",
	SpecialCreated:  "SpecialCreated",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Timestamp time.Time
	Error     error
	Path      string // relative path
	Method    string // copy method for FileCompleted
	Size      int64  // file size or bytes copied
	Total     int64  // total files (WalkComplete)
	TotalSize int64  // total bytes (WalkComplete)
	Attempt   int    // FileRetried
	Type      Type
	WorkerID  int
}
