// Package filter implements the two triggering conditions of the
// screener as pure functions over closed-candle windows.
//
// Both filters receive only closed candles, ordered by open time
// ascending. The evaluation scheduler guarantees this.
package filter

import (
	"github.com/shopspring/decimal"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Evaluate runs one filter definition against a candle window and the
// latest ticker snapshot for the series. It returns the type-specific
// trigger payload and whether the filter fired.
//
// A nil ticker means no snapshot is available; 24h gates then fail
// whenever a bound is configured. Logical/configuration problems
// (unknown type, degenerate windows, zero average volume) yield
// no-trigger, never an error: a skipped evaluation is the designed
// outcome, not a fault.
func Evaluate(def *model.FilterDefinition, series model.Series, window []model.Candle, ticker *model.TickerSnapshot) (any, bool) {
	if def.Excludes(series.Symbol) {
		return nil, false
	}

	switch def.Type {
	case model.FilterPriceChange:
		if def.PriceChange == nil {
			return nil, false
		}
		return priceChange(def.PriceChange, series, window, ticker)

	case model.FilterVolumeSpike:
		if def.VolumeSpike == nil {
			return nil, false
		}
		return volumeSpike(def.VolumeSpike, series, window, ticker)

	default:
		return nil, false
	}
}

// priceChange triggers on the maximum-magnitude close-to-close change
// between any earlier and any later candle inside the window, so a
// pump that retraces before the window ends is still seen.
func priceChange(p *model.PriceChangeParams, series model.Series, window []model.Candle, ticker *model.TickerSnapshot) (any, bool) {
	if n := p.IntervalMinutes; len(window) > n {
		window = window[len(window)-n:]
	}
	if len(window) < 2 {
		return nil, false
	}

	change, from, to, ok := maxPairwiseChange(window, p.Direction)
	if !ok {
		return nil, false
	}

	minChange := decimal.NewFromFloat(p.MinChangePercent)
	if change.Abs().LessThan(minChange) {
		return nil, false
	}

	windowVolume := sumVolume(window)
	if windowVolume.LessThan(decimal.NewFromFloat(p.MinVolumePeriod)) {
		return nil, false
	}
	if p.MaxVolumePeriod != nil && windowVolume.GreaterThan(decimal.NewFromFloat(*p.MaxVolumePeriod)) {
		return nil, false
	}

	volume24h, ok := gate24h(p.MinVolume24h, p.MaxVolume24h, ticker)
	if !ok {
		return nil, false
	}

	return &model.PriceChangePayload{
		ChangePercent: change.Round(2),
		PriceFrom:     from,
		PriceTo:       to,
		WindowVolume:  windowVolume,
		Volume24h:     volume24h,
		URL:           model.TradeURL(series.Symbol, series.Market),
	}, true
}

// volumeSpike compares current-window volume against the historical
// per-window average. The base window is partitioned so that the
// current short window is never part of the historical average:
// historical = window[0 : base-short], current = window[base-short :].
func volumeSpike(p *model.VolumeSpikeParams, series model.Series, window []model.Candle, ticker *model.TickerSnapshot) (any, bool) {
	base, short := p.BasePeriodMinutes, p.ShortPeriodMinutes
	if len(window) < base {
		return nil, false
	}
	window = window[len(window)-base:]

	historical := window[:base-short]
	current := window[base-short:]

	numIntervals := len(historical) / short
	if numIntervals < 1 {
		return nil, false
	}

	avgVolume := sumVolume(historical).Div(decimal.NewFromInt(int64(numIntervals)))
	if avgVolume.IsZero() {
		// Ratio against zero is undefined, not infinite.
		return nil, false
	}

	currentVolume := sumVolume(current)
	coefficient := currentVolume.Div(avgVolume)
	if coefficient.LessThan(decimal.NewFromFloat(p.SpikeCoefficient)) {
		return nil, false
	}

	change := decimal.Zero
	if p.MinChangePercent > 0 {
		var ok bool
		change, _, _, ok = maxPairwiseChange(current, p.Direction)
		if !ok || change.Abs().LessThan(decimal.NewFromFloat(p.MinChangePercent)) {
			return nil, false
		}
	}

	volume24h, ok := gate24h(p.MinVolume24h, p.MaxVolume24h, ticker)
	if !ok {
		return nil, false
	}

	return &model.VolumeSpikePayload{
		Coefficient:   coefficient.Round(2),
		CurrentVolume: currentVolume,
		AverageVolume: avgVolume,
		ShortPeriod:   short,
		ChangePercent: change.Round(2),
		Volume24h:     volume24h,
		URL:           model.TradeURL(series.Symbol, series.Market),
	}, true
}

// maxPairwiseChange finds the extremal signed percentage change between
// any earlier close and any later close in the window, subject to the
// direction constraint. Ties go to the first pair reached scanning the
// earlier index outward, then the later index outward.
func maxPairwiseChange(window []model.Candle, dir model.Direction) (change, from, to decimal.Decimal, ok bool) {
	for i := 0; i < len(window)-1; i++ {
		ci := window[i].Close
		if !ci.IsPositive() {
			continue
		}
		for j := i + 1; j < len(window); j++ {
			pct := window[j].Close.Sub(ci).Div(ci).Mul(hundred)

			better := false
			switch dir {
			case model.DirectionUp:
				better = pct.IsPositive() && (!ok || pct.GreaterThan(change))
			case model.DirectionDown:
				better = pct.IsNegative() && (!ok || pct.LessThan(change))
			default: // any
				better = !pct.IsZero() && (!ok || pct.Abs().GreaterThan(change.Abs()))
			}

			if better {
				change, from, to, ok = pct, ci, window[j].Close, true
			}
		}
	}
	return change, from, to, ok
}

// gate24h applies the 24h quote-volume bounds against the ticker
// snapshot. With no bounds configured the gate always passes; with a
// bound configured and no snapshot available it fails closed.
func gate24h(min float64, max *float64, ticker *model.TickerSnapshot) (decimal.Decimal, bool) {
	if min <= 0 && max == nil {
		if ticker == nil {
			return decimal.Zero, true
		}
		return ticker.QuoteVolume24h, true
	}

	if ticker == nil {
		return decimal.Zero, false
	}

	v := ticker.QuoteVolume24h
	if min > 0 && v.LessThan(decimal.NewFromFloat(min)) {
		return v, false
	}
	if max != nil && v.GreaterThan(decimal.NewFromFloat(*max)) {
		return v, false
	}
	return v, true
}

func sumVolume(candles []model.Candle) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range candles {
		sum = sum.Add(c.Volume)
	}
	return sum
}
