package ingest

import (
	"math/rand"
	"time"
)

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// backoffDelay returns the reconnect delay for a given attempt count:
// baseDelay * 2^attempt, capped at maxDelay, with +/-20% jitter so a
// fleet of series ingestors does not reconnect in lockstep.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// 2^30s already exceeds any sane cap; avoid shift overflow.
	if attempt > 30 {
		attempt = 30
	}

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	return delay + jitter
}
