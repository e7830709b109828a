package cooldown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowOpensWindow(t *testing.T) {
	tr := New()
	now := time.Unix(1_700_000_000, 0)
	window := 15 * time.Minute
	key := Key(1, "BTCUSDT", "spot")

	assert.True(t, tr.Allow(key, now, window))
	assert.False(t, tr.Allow(key, now, window))
	assert.False(t, tr.Allow(key, now.Add(window-time.Second), window))

	// Elapsed exactly one window: allowed again.
	assert.True(t, tr.Allow(key, now.Add(window), window))
	assert.False(t, tr.Allow(key, now.Add(window+time.Second), window))
}

func TestKeysAreIndependent(t *testing.T) {
	tr := New()
	now := time.Unix(1_700_000_000, 0)
	window := time.Minute

	assert.True(t, tr.Allow(Key(1, "BTCUSDT", "spot"), now, window))
	assert.True(t, tr.Allow(Key(1, "BTCUSDT", "futures"), now, window))
	assert.True(t, tr.Allow(Key(2, "BTCUSDT", "spot"), now, window))
	assert.True(t, tr.Allow(Key(1, "ETHUSDT", "spot"), now, window))
	assert.Equal(t, 4, tr.Len())
}

func TestConcurrentAllowAdmitsOne(t *testing.T) {
	tr := New()
	now := time.Unix(1_700_000_000, 0)
	key := Key(7, "SOLUSDT", "spot")

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Allow(key, now, time.Minute) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestSweep(t *testing.T) {
	tr := New()
	window := time.Minute
	old := time.Unix(1_700_000_000, 0)

	tr.Allow(Key(1, "BTCUSDT", "spot"), old, window)
	tr.Allow(Key(1, "ETHUSDT", "spot"), old.Add(2*time.Hour), window)

	removed := tr.Sweep(old.Add(2*time.Hour), window)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tr.Len())

	// The surviving key is still inside its window.
	assert.False(t, tr.Allow(Key(1, "ETHUSDT", "spot"), old.Add(2*time.Hour), window))
}
