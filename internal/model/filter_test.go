package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilterParamsPriceChange(t *testing.T) {
	def := &FilterDefinition{Type: FilterPriceChange}
	raw := []byte(`{
		"interval_minutes": 15,
		"min_price_change_percent": 3.5,
		"direction": "up",
		"min_volume_period": 50000,
		"min_volume_24h": 1000000,
		"exclude_coins": ["USDCUSDT"],
		"cooldown_minutes": 30
	}`)

	require.NoError(t, ParseFilterParams(def, raw))
	require.NotNil(t, def.PriceChange)

	p := def.PriceChange
	assert.Equal(t, 15, p.IntervalMinutes)
	assert.Equal(t, 3.5, p.MinChangePercent)
	assert.Equal(t, DirectionUp, p.Direction)
	assert.Equal(t, 15, def.WindowMinutes())
	assert.Equal(t, 30, def.Cooldown(15))
	assert.True(t, def.Excludes("USDCUSDT"))
	assert.False(t, def.Excludes("BTCUSDT"))
}

func TestParseFilterParamsDefaultsDirection(t *testing.T) {
	def := &FilterDefinition{Type: FilterPriceChange}
	raw := []byte(`{"interval_minutes": 5, "min_price_change_percent": 1}`)

	require.NoError(t, ParseFilterParams(def, raw))
	assert.Equal(t, DirectionAny, def.PriceChange.Direction)
	assert.Equal(t, 15, def.Cooldown(15), "unset cooldown falls back to the default")
}

func TestParseFilterParamsVolumeSpike(t *testing.T) {
	def := &FilterDefinition{Type: FilterVolumeSpike}
	raw := []byte(`{
		"short_period_minutes": 10,
		"base_period_minutes": 120,
		"spike_coefficient": 3,
		"price_direction": "up",
		"min_price_change_percent": 1
	}`)

	require.NoError(t, ParseFilterParams(def, raw))
	require.NotNil(t, def.VolumeSpike)
	assert.Equal(t, 120, def.WindowMinutes())
}

func TestParseFilterParamsRejects(t *testing.T) {
	maxBelowMin := `{
		"interval_minutes": 5,
		"min_price_change_percent": 1,
		"min_volume_24h": 1000000,
		"max_volume_24h": 500
	}`

	tests := []struct {
		name string
		typ  FilterType
		raw  string
		want error
	}{
		{
			name: "unknown type",
			typ:  FilterType("momentum"),
			raw:  `{}`,
			want: ErrUnknownFilterType,
		},
		{
			name: "interval outside vocabulary",
			typ:  FilterPriceChange,
			raw:  `{"interval_minutes": 7, "min_price_change_percent": 1}`,
			want: ErrInvalidParams,
		},
		{
			name: "zero change threshold",
			typ:  FilterPriceChange,
			raw:  `{"interval_minutes": 5, "min_price_change_percent": 0}`,
			want: ErrInvalidParams,
		},
		{
			name: "bad direction",
			typ:  FilterPriceChange,
			raw:  `{"interval_minutes": 5, "min_price_change_percent": 1, "direction": "sideways"}`,
			want: ErrInvalidParams,
		},
		{
			name: "max 24h volume below min",
			typ:  FilterPriceChange,
			raw:  maxBelowMin,
			want: ErrInvalidParams,
		},
		{
			name: "base not greater than short",
			typ:  FilterVolumeSpike,
			raw:  `{"short_period_minutes": 30, "base_period_minutes": 30, "spike_coefficient": 2}`,
			want: ErrInvalidParams,
		},
		{
			name: "short period outside vocabulary",
			typ:  FilterVolumeSpike,
			raw:  `{"short_period_minutes": 12, "base_period_minutes": 120, "spike_coefficient": 2}`,
			want: ErrInvalidParams,
		},
		{
			name: "coefficient below one",
			typ:  FilterVolumeSpike,
			raw:  `{"short_period_minutes": 10, "base_period_minutes": 120, "spike_coefficient": 0.5}`,
			want: ErrInvalidParams,
		},
		{
			name: "not json",
			typ:  FilterPriceChange,
			raw:  `{broken`,
			want: ErrInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &FilterDefinition{Type: tt.typ}
			err := ParseFilterParams(def, []byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseMarket(t *testing.T) {
	m, err := ParseMarket("spot")
	require.NoError(t, err)
	assert.Equal(t, MarketSpot, m)

	m, err = ParseMarket("futures")
	require.NoError(t, err)
	assert.Equal(t, MarketFutures, m)

	_, err = ParseMarket("margin")
	assert.Error(t, err)
}

func TestValidateSymbol(t *testing.T) {
	assert.NoError(t, ValidateSymbol("BTCUSDT"))
	assert.NoError(t, ValidateSymbol("1000PEPEUSDT"))

	assert.Error(t, ValidateSymbol(""))
	assert.Error(t, ValidateSymbol("btcusdt"))
	assert.Error(t, ValidateSymbol("BTC-USDT"))
	assert.Error(t, ValidateSymbol("BTC"))
}
