package engine

import "golang.org/x/time/rate"

// newBWLimiter creates a rate.Limiter that caps aggregate throughput to
// bytesPerSec, or nil for no limit. The burst is 1 MB so that whole
// buffers pass without splitting.
func newBWLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}
