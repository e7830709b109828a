// Package candle implements the per-series tick-to-candle reducer.
//
// One Builder exists per (symbol, market) series, owned by the series'
// ingestor task. The builder is not safe for concurrent use; the owning
// task is its single writer, which is what makes candle reduction
// synchronous, non-blocking and free of shared mutable state across
// series.
package candle

import (
	"github.com/rs/zerolog/log"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/timeutil"
)

// Builder accumulates ticks into the single open candle of its series
// and emits a closed candle exactly once per elapsed minute.
//
// Lifecycle of a candle inside the builder:
//  1. created on the first tick of a new minute
//  2. mutated in place by every subsequent tick of that minute
//  3. marked closed when a newer minute begins (or on CloseBefore),
//     after which it is immutable and handed to the caller
//
// Ticks older than the open candle's minute are discarded: they must
// never re-open a closed candle.
type Builder struct {
	series model.Series
	open   *model.Candle

	// lastClosed is the open time of the most recently finalized candle.
	// A late tick for a minute at or before it is discarded even when no
	// candle is currently open, such as right after an idle-minute flush.
	lastClosed int64

	// firstTs/lastTs keep Open and Close pinned to timestamp order, not
	// arrival order, for ticks delivered out of order inside one minute.
	firstTs int64
	lastTs  int64
}

// NewBuilder creates the builder for one series.
func NewBuilder(series model.Series) *Builder {
	return &Builder{series: series}
}

// Apply consumes one tick. If the tick starts a new minute while a
// candle is open, the open candle is finalized and returned with
// ok=true; the tick then seeds the next candle.
func (b *Builder) Apply(tick model.Tick) (closed model.Candle, ok bool) {
	minute := timeutil.RoundToMinute(tick.Timestamp)

	if b.open == nil {
		if minute <= b.lastClosed {
			b.discardLate(minute)
			return model.Candle{}, false
		}
		b.open = b.start(minute, tick)
		return model.Candle{}, false
	}

	switch {
	case minute == b.open.OpenTime:
		b.update(tick)
		return model.Candle{}, false

	case minute > b.open.OpenTime:
		closed = b.finalize()
		b.open = b.start(minute, tick)
		return closed, true

	default:
		b.discardLate(minute)
		return model.Candle{}, false
	}
}

// CloseBefore finalizes the open candle if its minute fully elapsed
// before the given boundary. The owning task calls this on minute
// boundaries so that a series with no fresh ticks still closes its
// candle instead of holding it open indefinitely.
func (b *Builder) CloseBefore(boundary int64) (closed model.Candle, ok bool) {
	if b.open == nil || b.open.OpenTime+60 > boundary {
		return model.Candle{}, false
	}
	closed = b.finalize()
	b.open = nil
	return closed, true
}

// OpenTime returns the minute of the current open candle, or 0 when
// none is open.
func (b *Builder) OpenTime() int64 {
	if b.open == nil {
		return 0
	}
	return b.open.OpenTime
}

func (b *Builder) start(minute int64, tick model.Tick) *model.Candle {
	b.firstTs = tick.Timestamp
	b.lastTs = tick.Timestamp
	return &model.Candle{
		Symbol:   b.series.Symbol,
		Market:   b.series.Market,
		OpenTime: minute,
		Open:     tick.Price,
		High:     tick.Price,
		Low:      tick.Price,
		Close:    tick.Price,
		Volume:   tick.QuoteVolume,
	}
}

func (b *Builder) update(tick model.Tick) {
	c := b.open
	if tick.Price.GreaterThan(c.High) {
		c.High = tick.Price
	}
	if tick.Price.LessThan(c.Low) {
		c.Low = tick.Price
	}
	if tick.Timestamp < b.firstTs {
		c.Open = tick.Price
		b.firstTs = tick.Timestamp
	}
	if tick.Timestamp >= b.lastTs {
		c.Close = tick.Price
		b.lastTs = tick.Timestamp
	}
	c.Volume = c.Volume.Add(tick.QuoteVolume)
}

// discardLate logs a late or out-of-order tick. Expected during
// reconnects; the candle for that minute is already closed.
func (b *Builder) discardLate(minute int64) {
	log.Debug().
		Str("series", b.series.String()).
		Int64("tickMinute", minute).
		Int64("lastClosed", b.lastClosed).
		Msg("discarding late tick")
}

func (b *Builder) finalize() model.Candle {
	c := *b.open
	c.Closed = true
	b.lastClosed = c.OpenTime
	return c
}
