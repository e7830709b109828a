// Package ingest runs one tick ingestor per (symbol, market) series.
//
// Each ingestor is an independent unit of concurrency: it owns its
// series' subscription, candle builder and open-candle slot, and shares
// no mutable state with any other series. A failing series reconnects
// (or gives up) on its own; it can never halt processing of another
// series.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/candle"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/timeutil"
)

// TickSource opens a live tick subscription for one series. The second
// channel is closed when the connection drops; both channels end
// together.
type TickSource interface {
	Subscribe(ctx context.Context, series model.Series) (<-chan model.Tick, <-chan struct{}, error)
}

// Ingestor maintains the subscription for one series and reduces its
// ticks into minute candles.
//
// State machine: Disconnected -> Connecting -> Streaming, back to
// Disconnected on error, then Connecting again after a bounded,
// jittered backoff. Already-closed candles are never invalidated by a
// disconnect — the resulting hole in the store is the gap detector's
// responsibility.
type Ingestor struct {
	series  model.Series
	source  TickSource
	builder *candle.Builder

	// onClose receives every closed candle, synchronously from the
	// ingestor goroutine.
	onClose func(model.Candle)

	// onState receives connection-state transitions for the health feed.
	onState func(model.ConnEvent)
}

// New creates an ingestor for one series. onClose is required; onState
// may be nil when health reporting is not wanted.
func New(series model.Series, source TickSource, onClose func(model.Candle), onState func(model.ConnEvent)) *Ingestor {
	return &Ingestor{
		series:  series,
		source:  source,
		builder: candle.NewBuilder(series),
		onClose: onClose,
		onState: onState,
	}
}

// Run drives the connect/stream/reconnect loop until ctx is cancelled.
// It is the single goroutine allowed to touch this series' builder.
func (ing *Ingestor) Run(ctx context.Context) {
	logger := log.With().Str("series", ing.series.String()).Logger()
	attempt := 0

	for {
		if ctx.Err() != nil {
			ing.setState(model.Disconnected)
			return
		}

		ing.setState(model.Connecting)
		ticks, disconnected, err := ing.source.Subscribe(ctx, ing.series)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			logger.Warn().Err(err).Int("attempt", attempt).Dur("retryIn", delay).
				Msg("subscription failed")
			if !sleep(ctx, delay) {
				ing.setState(model.Disconnected)
				return
			}
			continue
		}

		logger.Info().Msg("streaming")
		ing.setState(model.Streaming)
		attempt = 0

		ing.stream(ctx, ticks, disconnected)

		ing.setState(model.Disconnected)
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := backoffDelay(attempt)
		logger.Warn().Dur("retryIn", delay).Msg("disconnected, reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

// stream consumes ticks until the connection ends. A minute ticker
// closes the open candle on boundaries even when no fresh tick arrives,
// so quiet series still emit their candles on time.
func (ing *Ingestor) stream(ctx context.Context, ticks <-chan model.Tick, disconnected <-chan struct{}) {
	minuteTicker := time.NewTicker(time.Second)
	defer minuteTicker.Stop()

	lastFlushed := int64(0)

	for {
		select {
		case <-ctx.Done():
			return

		case <-disconnected:
			// Drain whatever the read loop already parsed.
			for tick := range ticks {
				ing.apply(tick)
			}
			return

		case tick, ok := <-ticks:
			if !ok {
				return
			}
			ing.apply(tick)

		case <-minuteTicker.C:
			boundary := timeutil.CurrentMinute(timeutil.Now())
			if boundary == lastFlushed {
				continue
			}
			lastFlushed = boundary
			if closed, ok := ing.builder.CloseBefore(boundary); ok {
				ing.onClose(closed)
			}
		}
	}
}

func (ing *Ingestor) apply(tick model.Tick) {
	if closed, ok := ing.builder.Apply(tick); ok {
		ing.onClose(closed)
	}
}

func (ing *Ingestor) setState(state model.ConnState) {
	if ing.onState == nil {
		return
	}
	ing.onState(model.ConnEvent{
		Series: ing.series,
		State:  state,
		At:     timeutil.Now(),
	})
}

// sleep waits for d unless ctx ends first; reports whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
