// Package filter decides which source entries take part in a sync.
//
// Rules use rsync's glob syntax and are evaluated in the order they were
// added; the first rule whose pattern matches decides. Entries no rule
// matches are selected. An excluded directory prunes its whole subtree.
package filter

import (
	"fmt"
)

type rule struct {
	glob    *glob
	include bool
}

// Chain is an ordered rule list plus optional size bounds. The zero value
// selects everything. A Chain is immutable once the sync starts and safe
// for concurrent Match calls.
type Chain struct {
	rules   []rule
	minSize int64
	maxSize int64
}

// NewChain returns a chain that selects everything.
func NewChain() *Chain {
	return &Chain{}
}

// Exclude appends a rule deselecting paths matching pattern.
func (c *Chain) Exclude(pattern string) error {
	return c.add(pattern, false)
}

// Include appends a rule selecting paths matching pattern.
func (c *Chain) Include(pattern string) error {
	return c.add(pattern, true)
}

func (c *Chain) add(pattern string, include bool) error {
	g, err := compileGlob(pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", pattern, err)
	}
	c.rules = append(c.rules, rule{glob: g, include: include})
	return nil
}

// SetSizeBounds limits selected regular files to [lo, hi] bytes. Zero
// disables a bound.
func (c *Chain) SetSizeBounds(lo, hi int64) error {
	if lo < 0 || hi < 0 {
		return fmt.Errorf("size bounds must not be negative")
	}
	if hi > 0 && lo > hi {
		return fmt.Errorf("min size %d exceeds max size %d", lo, hi)
	}
	c.minSize, c.maxSize = lo, hi
	return nil
}

// Empty reports whether the chain selects everything.
func (c *Chain) Empty() bool {
	return c == nil || (len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0)
}

// Len returns the number of pattern rules.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// Match reports whether the entry at relPath (slash separated, relative to
// the source root) is selected. size is ignored for directories.
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if c == nil {
		return true
	}
	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}
	for _, r := range c.rules {
		if r.glob.match(relPath, isDir) {
			return r.include
		}
	}
	return true
}
