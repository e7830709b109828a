// Package schedule delays filter evaluation past a candle's close so
// that late-arriving backfill for the same minute is already persisted
// when the evaluation runs.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

// DefaultGraceDelay is how long after a close the evaluation fires.
const DefaultGraceDelay = 10 * time.Second

// EvalFunc evaluates all enabled filters for one series after the
// candle at openTime has closed.
type EvalFunc func(ctx context.Context, series model.Series, openTime int64)

type pendingKey struct {
	series   model.Series
	openTime int64
}

// Scheduler coalesces evaluation requests per (series, minute). A
// second request for the same key before the grace delay elapses
// replaces the pending timer instead of stacking a duplicate run, so
// a live close followed by a backfill of the same minute evaluates
// once.
type Scheduler struct {
	delay time.Duration
	eval  EvalFunc
	log   zerolog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*time.Timer
	closed  bool
}

func New(delay time.Duration, eval EvalFunc, log zerolog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultGraceDelay
	}
	return &Scheduler{
		delay:   delay,
		eval:    eval,
		log:     log.With().Str("component", "scheduler").Logger(),
		pending: make(map[pendingKey]*time.Timer),
	}
}

// Schedule requests evaluation of series for the candle at openTime
// after the grace delay. Replaces any pending request for the same key.
func (s *Scheduler) Schedule(ctx context.Context, series model.Series, openTime int64) {
	key := pendingKey{series: series, openTime: openTime}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if prev, ok := s.pending[key]; ok {
		prev.Stop()
	}

	s.pending[key] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.pending, key)
		closed := s.closed
		s.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		s.log.Debug().
			Str("series", series.String()).
			Int64("open_time", openTime).
			Msg("running scheduled evaluation")
		s.eval(ctx, series, openTime)
	})
}

// Pending reports the number of timers waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops all pending timers. Timers that already fired may still
// be mid-evaluation; Close does not wait for them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.pending {
		t.Stop()
		delete(s.pending, key)
	}
}
