// Package cooldown rate-limits trigger emission per (filter, symbol,
// market) key. One firing opens a window during which subsequent
// firings for the same key are suppressed.
package cooldown

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	last map[string]int64
}

// Tracker is a sharded in-memory cooldown map. Sharding keeps lock
// contention bounded when many series evaluate on the same minute
// boundary.
type Tracker struct {
	shards [shardCount]*shard
}

func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i] = &shard{last: make(map[string]int64)}
	}
	return t
}

// Allow reports whether a trigger for key may fire at now, and if so
// records it as the start of a new cooldown window. The check and the
// record are a single atomic step under the shard lock, so two
// concurrent evaluations of the same key admit exactly one trigger.
func (t *Tracker) Allow(key string, now time.Time, window time.Duration) bool {
	s := t.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	nowSec := now.Unix()
	if last, ok := s.last[key]; ok {
		if nowSec-last < int64(window.Seconds()) {
			return false
		}
	}
	s.last[key] = nowSec
	return true
}

// Sweep drops entries whose cooldown window ended before cutoff,
// bounding memory on long-running processes with churning symbols.
func (t *Tracker) Sweep(cutoff time.Time, window time.Duration) int {
	removed := 0
	bound := cutoff.Unix() - int64(window.Seconds())
	for _, s := range t.shards {
		s.mu.Lock()
		for key, last := range s.last {
			if last < bound {
				delete(s.last, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked keys across all shards.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.last)
		s.mu.Unlock()
	}
	return n
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// Key builds the canonical cooldown key for a filter firing on a
// series.
func Key(filterID int64, symbol, market string) string {
	return strconv.FormatInt(filterID, 10) + ":" + symbol + ":" + market
}
