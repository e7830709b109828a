package filter

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

var testSeries = model.Series{Symbol: "BTCUSDT", Market: model.MarketSpot}

// window builds closed candles with the given closes, one minute apart,
// each with volume 1000 unless overridden by volumes.
func window(closes []float64, volumes ...float64) []model.Candle {
	candles := make([]model.Candle, len(closes))
	for i, c := range closes {
		v := 1000.0
		if i < len(volumes) {
			v = volumes[i]
		}
		price := decimal.NewFromFloat(c)
		candles[i] = model.Candle{
			Symbol:   testSeries.Symbol,
			Market:   testSeries.Market,
			OpenTime: int64(i * 60),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   decimal.NewFromFloat(v),
			Closed:   true,
		}
	}
	return candles
}

func priceChangeDef(p model.PriceChangeParams) *model.FilterDefinition {
	if p.Direction == "" {
		p.Direction = model.DirectionAny
	}
	return &model.FilterDefinition{
		ID:          1,
		Name:        "pump check",
		Type:        model.FilterPriceChange,
		Market:      model.MarketSpot,
		Enabled:     true,
		PriceChange: &p,
	}
}

func volumeSpikeDef(p model.VolumeSpikeParams) *model.FilterDefinition {
	if p.Direction == "" {
		p.Direction = model.DirectionAny
	}
	return &model.FilterDefinition{
		ID:          2,
		Name:        "volume check",
		Type:        model.FilterVolumeSpike,
		Market:      model.MarketSpot,
		Enabled:     true,
		VolumeSpike: &p,
	}
}

func TestPriceChangePairwiseMax(t *testing.T) {
	candles := window([]float64{100, 105, 110, 95})

	tests := []struct {
		name      string
		direction model.Direction
		want      string
		from      int64
		to        int64
	}{
		{name: "up finds low to high", direction: model.DirectionUp, want: "10", from: 100, to: 110},
		{name: "down finds high to low", direction: model.DirectionDown, want: "-13.64", from: 110, to: 95},
		{name: "any picks largest magnitude", direction: model.DirectionAny, want: "-13.64", from: 110, to: 95},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := priceChangeDef(model.PriceChangeParams{
				IntervalMinutes:  5,
				MinChangePercent: 5,
				Direction:        tt.direction,
			})

			payload, ok := Evaluate(def, testSeries, candles, nil)
			require.True(t, ok)

			p, isPC := payload.(*model.PriceChangePayload)
			require.True(t, isPC)
			assert.Equal(t, tt.want, p.ChangePercent.String())
			assert.True(t, p.PriceFrom.Equal(decimal.NewFromInt(tt.from)), "from %s", p.PriceFrom)
			assert.True(t, p.PriceTo.Equal(decimal.NewFromInt(tt.to)), "to %s", p.PriceTo)
		})
	}
}

func TestPriceChangeBelowThreshold(t *testing.T) {
	def := priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 15,
	})

	_, ok := Evaluate(def, testSeries, window([]float64{100, 105, 110, 95}), nil)
	assert.False(t, ok)
}

func TestPriceChangeNeedsTwoCandles(t *testing.T) {
	def := priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 1,
	})

	_, ok := Evaluate(def, testSeries, window([]float64{100}), nil)
	assert.False(t, ok)

	_, ok = Evaluate(def, testSeries, nil, nil)
	assert.False(t, ok)
}

func TestPriceChangeUsesMostRecentWindow(t *testing.T) {
	// Only the last 5 closes are in scope; the early spike at 200 must
	// not count.
	closes := []float64{100, 200, 100, 100, 100, 100, 101, 100}
	def := priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 5,
	})

	_, ok := Evaluate(def, testSeries, window(closes), nil)
	assert.False(t, ok)
}

func TestPriceChangeWindowVolumeGates(t *testing.T) {
	candles := window([]float64{100, 110}, 300, 400)

	def := priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 5,
		MinVolumePeriod:  1000,
	})
	_, ok := Evaluate(def, testSeries, candles, nil)
	assert.False(t, ok, "window volume 700 is below the floor")

	maxVol := 500.0
	def = priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 5,
		MaxVolumePeriod:  &maxVol,
	})
	_, ok = Evaluate(def, testSeries, candles, nil)
	assert.False(t, ok, "window volume 700 is above the cap")

	def = priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 5,
		MinVolumePeriod:  500,
	})
	payload, ok := Evaluate(def, testSeries, candles, nil)
	require.True(t, ok)
	p := payload.(*model.PriceChangePayload)
	assert.True(t, p.WindowVolume.Equal(decimal.NewFromInt(700)))
}

func TestVolume24hGateFailsClosedWithoutTicker(t *testing.T) {
	def := priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 5,
		MinVolume24h:     1_000_000,
	})
	candles := window([]float64{100, 110})

	_, ok := Evaluate(def, testSeries, candles, nil)
	assert.False(t, ok, "bound configured but no snapshot available")

	ticker := &model.TickerSnapshot{
		Symbol:         testSeries.Symbol,
		Market:         testSeries.Market,
		QuoteVolume24h: decimal.NewFromInt(2_000_000),
	}
	_, ok = Evaluate(def, testSeries, candles, ticker)
	assert.True(t, ok)

	ticker.QuoteVolume24h = decimal.NewFromInt(500_000)
	_, ok = Evaluate(def, testSeries, candles, ticker)
	assert.False(t, ok)
}

func TestEvaluateExcludedSymbol(t *testing.T) {
	def := priceChangeDef(model.PriceChangeParams{
		IntervalMinutes:  5,
		MinChangePercent: 5,
		ExcludeSymbols:   []string{"BTCUSDT"},
	})

	_, ok := Evaluate(def, testSeries, window([]float64{100, 110}), nil)
	assert.False(t, ok)
}

// Coefficient over 11 historical periods of 100 and one current period
// of 500 must be exactly 5.0. Folding the current window into the
// average would dilute it to about 3.75.
func TestVolumeSpikeCoefficient(t *testing.T) {
	closes := make([]float64, 120)
	volumes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100
		volumes[i] = 10 // 100 per 10-minute period
	}
	for i := 110; i < 120; i++ {
		volumes[i] = 50 // current period sums to 500
	}

	def := volumeSpikeDef(model.VolumeSpikeParams{
		ShortPeriodMinutes: 10,
		BasePeriodMinutes:  120,
		SpikeCoefficient:   4,
	})

	payload, ok := Evaluate(def, testSeries, window(closes, volumes...), nil)
	require.True(t, ok)

	p, isVS := payload.(*model.VolumeSpikePayload)
	require.True(t, isVS)
	assert.Equal(t, "5", p.Coefficient.String())
	assert.True(t, p.CurrentVolume.Equal(decimal.NewFromInt(500)))
	assert.True(t, p.AverageVolume.Equal(decimal.NewFromInt(100)))
}

func TestVolumeSpikeZeroAverage(t *testing.T) {
	closes := make([]float64, 120)
	volumes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100
	}
	for i := 110; i < 120; i++ {
		volumes[i] = 50
	}

	def := volumeSpikeDef(model.VolumeSpikeParams{
		ShortPeriodMinutes: 10,
		BasePeriodMinutes:  120,
		SpikeCoefficient:   2,
	})

	_, ok := Evaluate(def, testSeries, window(closes, volumes...), nil)
	assert.False(t, ok, "a dead market must not trigger on its first trade")
}

func TestVolumeSpikeNeedsFullBaseWindow(t *testing.T) {
	def := volumeSpikeDef(model.VolumeSpikeParams{
		ShortPeriodMinutes: 10,
		BasePeriodMinutes:  120,
		SpikeCoefficient:   2,
	})

	closes := make([]float64, 119)
	for i := range closes {
		closes[i] = 100
	}
	_, ok := Evaluate(def, testSeries, window(closes), nil)
	assert.False(t, ok)
}

func TestVolumeSpikeSecondaryPriceGate(t *testing.T) {
	closes := make([]float64, 120)
	volumes := make([]float64, 120)
	for i := range closes {
		closes[i] = 100
		volumes[i] = 10
	}
	for i := 110; i < 120; i++ {
		volumes[i] = 50
	}

	def := volumeSpikeDef(model.VolumeSpikeParams{
		ShortPeriodMinutes: 10,
		BasePeriodMinutes:  120,
		SpikeCoefficient:   4,
		MinChangePercent:   2,
		Direction:          model.DirectionUp,
	})

	_, ok := Evaluate(def, testSeries, window(closes, volumes...), nil)
	assert.False(t, ok, "flat price fails the secondary gate")

	closes[119] = 103
	payload, ok := Evaluate(def, testSeries, window(closes, volumes...), nil)
	require.True(t, ok)
	p := payload.(*model.VolumeSpikePayload)
	assert.Equal(t, "3", p.ChangePercent.String())
}

func TestEvaluateUnknownTypeOrMissingParams(t *testing.T) {
	def := &model.FilterDefinition{
		ID:      9,
		Name:    "broken",
		Type:    model.FilterType("stochastic"),
		Market:  model.MarketSpot,
		Enabled: true,
	}
	_, ok := Evaluate(def, testSeries, window([]float64{100, 110}), nil)
	assert.False(t, ok)

	def.Type = model.FilterPriceChange // params still nil
	_, ok = Evaluate(def, testSeries, window([]float64{100, 110}), nil)
	assert.False(t, ok)
}
