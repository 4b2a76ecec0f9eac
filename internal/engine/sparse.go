package engine

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Segment is a contiguous data region of a file.
type Segment struct {
	Offset int64
	Length int64
}

// End returns the offset just past the segment.
func (s Segment) End() int64 { return s.Offset + s.Length }

// DetectSparseSegments walks SEEK_DATA/SEEK_HOLE to list the data regions
// of the file open on fd. Holes are omitted. A filesystem without sparse
// detection yields a single segment covering the whole file. A file that
// is one big hole yields no segments.
//
//nolint:revive // cognitive-complexity: SEEK_DATA/SEEK_HOLE state machine with error recovery
func DetectSparseSegments(fd int, fileSize int64) ([]Segment, error) {
	if fileSize == 0 {
		return nil, nil
	}

	var segments []Segment
	offset := int64(0)

	for offset < fileSize {
		dataStart, err := unix.Seek(fd, offset, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, syscall.ENXIO) {
				// Rest of file is a hole.
				break
			}
			if errors.Is(err, syscall.EINVAL) {
				return wholeFileSegment(fileSize), nil
			}
			return nil, err
		}
		if dataStart >= fileSize {
			break
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			switch {
			case errors.Is(err, syscall.ENXIO):
				holeStart = fileSize
			case errors.Is(err, syscall.EINVAL):
				return wholeFileSegment(fileSize), nil
			default:
				return nil, err
			}
		}
		holeStart = min(holeStart, fileSize)

		segments = append(segments, Segment{Offset: dataStart, Length: holeStart - dataStart})
		offset = holeStart
	}

	return segments, nil
}

func wholeFileSegment(size int64) []Segment {
	return []Segment{{Offset: 0, Length: size}}
}

// dataLength sums the lengths of segs.
func dataLength(segs []Segment) int64 {
	var n int64
	for _, s := range segs {
		n += s.Length
	}
	return n
}
