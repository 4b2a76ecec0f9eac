package engine

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryBase = 10 * time.Millisecond
	retryCap  = time.Second
)

// newBackOff returns the per-task retry schedule: retryBase doubled per
// attempt, capped at retryCap, without jitter or an elapsed-time limit.
func newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     retryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         retryCap,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// retryPolicy decides what happens to a failed operation.
type retryPolicy struct {
	maxRetries int
}

// next reports whether a task that has already retried attempts times may
// retry again after err, and when. b advances one step per granted retry.
func (p retryPolicy) next(err error, attempts int, b backoff.BackOff, now time.Time) (time.Time, bool) {
	if KindOf(err) != TransientIO || attempts >= p.maxRetries {
		return time.Time{}, false
	}
	d := b.NextBackOff()
	if d == backoff.Stop {
		return time.Time{}, false
	}
	return now.Add(d), true
}
