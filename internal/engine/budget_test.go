package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBudget_AcquireRelease(t *testing.T) {
	b := newFileBudget(2)
	require.True(t, b.acquire())
	require.True(t, b.acquire())
	assert.False(t, b.acquire())
	assert.Zero(t, b.available())

	b.release()
	assert.Equal(t, int64(1), b.available())
	assert.True(t, b.acquire())
}

func TestFileBudget_Shrink(t *testing.T) {
	b := newFileBudget(100)

	from, to, changed := b.shrink()
	require.True(t, changed)
	assert.Equal(t, int64(100), from)
	assert.Equal(t, int64(75), to)

	for range budgetStep - 1 {
		_, _, changed = b.shrink()
		assert.False(t, changed, "only every fifth error adapts")
	}
	assert.Equal(t, int64(75), b.Limit())

	_, to, changed = b.shrink()
	require.True(t, changed)
	assert.Equal(t, int64(57), to, "a quarter of the current limit")

	for range 100 {
		b.shrink()
	}
	assert.Equal(t, int64(10), b.Limit(), "never below the floor")
}

func TestFileBudget_FloorSmallLimit(t *testing.T) {
	b := newFileBudget(4)
	_, _, changed := b.shrink()
	assert.False(t, changed)
	assert.Equal(t, int64(4), b.Limit())

	assert.Equal(t, int64(1), newFileBudget(0).Limit())

	b = newFileBudget(30)
	_, to, changed := b.shrink()
	require.True(t, changed)
	assert.Equal(t, int64(20), to, "cut is at least ten")
}

func TestFileBudget_ShrinkBelowInUse(t *testing.T) {
	b := newFileBudget(40)
	for range 40 {
		require.True(t, b.acquire())
	}
	b.shrink()
	assert.Equal(t, int64(30), b.Limit())
	assert.Zero(t, b.available())

	for range 10 {
		b.release()
	}
	assert.False(t, b.acquire(), "still at the new limit")
	b.release()
	assert.True(t, b.acquire())
}

func TestFileBudget_Concurrent(t *testing.T) {
	b := newFileBudget(8)
	var wg sync.WaitGroup
	var mu sync.Mutex
	peak, cur := 0, 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if !b.acquire() {
					continue
				}
				mu.Lock()
				cur++
				peak = max(peak, cur)
				mu.Unlock()
				mu.Lock()
				cur--
				mu.Unlock()
				b.release()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 8)
	assert.Equal(t, int64(8), b.available())
}
