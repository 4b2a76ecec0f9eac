package filter

import (
	"errors"
	"regexp"
	"strings"
)

var errEmptyPattern = errors.New("empty pattern")

// glob is a compiled rsync-style pattern.
//
// A leading slash, or any slash before the last character, anchors the
// pattern at the source root; otherwise it matches the final path
// components. A trailing slash restricts it to directories.
type glob struct {
	re      *regexp.Regexp
	dirOnly bool
}

func compileGlob(pattern string) (*glob, error) {
	g := &glob{}
	p := pattern
	if rest, ok := strings.CutSuffix(p, "/"); ok {
		g.dirOnly = true
		p = rest
	}
	anchored := strings.Contains(p, "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil, errEmptyPattern
	}

	var expr strings.Builder
	if anchored {
		expr.WriteString("^")
	} else {
		expr.WriteString("(?:^|/)")
	}
	translate(&expr, p)
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, err
	}
	g.re = re
	return g, nil
}

func (g *glob) match(relPath string, isDir bool) bool {
	if g.dirOnly && !isDir {
		return false
	}
	return g.re.MatchString(relPath)
}

// translate writes the regular expression equivalent of glob p to b.
// "*" and "?" stop at slashes, "**" crosses them, and "[...]" classes pass
// through with "!" negation.
func translate(b *strings.Builder, p string) {
	for len(p) > 0 {
		switch {
		case strings.HasPrefix(p, "**/"):
			b.WriteString("(?:.*/)?")
			p = p[3:]
		case strings.HasPrefix(p, "**"):
			b.WriteString(".*")
			p = p[2:]
		case p[0] == '*':
			b.WriteString("[^/]*")
			p = p[1:]
		case p[0] == '?':
			b.WriteString("[^/]")
			p = p[1:]
		case p[0] == '[':
			class, rest, ok := cutClass(p)
			if !ok {
				b.WriteString(`\[`)
				p = p[1:]
				continue
			}
			b.WriteString(class)
			p = rest
		default:
			b.WriteString(regexp.QuoteMeta(p[:1]))
			p = p[1:]
		}
	}
}

// cutClass splits a bracket expression off the front of p. A "]" right
// after the opening bracket (or its negation) is a literal member.
func cutClass(p string) (class, rest string, ok bool) {
	i := 1
	negate := i < len(p) && (p[i] == '!' || p[i] == '^')
	if negate {
		i++
	}
	start := i
	if i < len(p) && p[i] == ']' {
		i++
	}
	end := strings.IndexByte(p[i:], ']')
	if end < 0 {
		return "", "", false
	}
	end += i

	var b strings.Builder
	b.WriteByte('[')
	if negate {
		b.WriteByte('^')
	}
	for _, c := range p[start:end] {
		if c == '\\' || c == '[' || c == ']' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte(']')
	return b.String(), p[end+1:], true
}
