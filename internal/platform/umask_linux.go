package platform

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// Umask returns the process umask without changing it. It reads
// /proc/self/status, since umask(2) can only be queried by setting it, and
// falls back to 022 on kernels that do not report it.
func Umask() uint32 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return defaultUmask
	}
	defer f.Close()
	return parseUmask(f)
}

func parseUmask(r io.Reader) uint32 {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		v, ok := strings.CutPrefix(sc.Text(), "Umask:")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 8, 32)
		if err != nil {
			return defaultUmask
		}
		return uint32(n) & 0o777
	}
	return defaultUmask
}
