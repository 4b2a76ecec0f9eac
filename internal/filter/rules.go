package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// AddRule parses one filter line and appends it. Accepted forms are
// "+ PATTERN" and "include PATTERN" for includes, "- PATTERN" and
// "exclude PATTERN" for excludes, and a bare pattern, which excludes.
func (c *Chain) AddRule(line string) error {
	line = strings.TrimSpace(line)
	for prefix, include := range map[string]bool{
		"+ ": true, "include ": true,
		"- ": false, "exclude ": false,
	} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return c.add(strings.TrimSpace(rest), include)
		}
	}
	return c.add(line, false)
}

// Load reads rules from r, one per line. Blank lines and lines starting
// with '#' or ';' are skipped. name labels errors.
func (c *Chain) Load(r io.Reader, name string) error {
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if err := c.AddRule(line); err != nil {
			return fmt.Errorf("%s:%d: %w", name, n, err)
		}
	}
	return sc.Err()
}

// LoadFile reads rules from the file at path.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()
	return c.Load(f, path)
}
