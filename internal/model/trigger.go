package model

import (
	"github.com/shopspring/decimal"
)

// TriggerEvent is one accepted filter trigger. It is immutable once
// created and written exactly once to the trigger dispatcher.
type TriggerEvent struct {
	FilterID    int64      `json:"filter_id"`
	FilterName  string     `json:"filter_name"`
	FilterType  FilterType `json:"filter_type"`
	Symbol      string     `json:"symbol"`
	Market      Market     `json:"market"`
	TriggeredAt int64      `json:"triggered_at"` // seconds since epoch

	// Payload carries the type-specific metrics: *PriceChangePayload or
	// *VolumeSpikePayload. Serialized as JSON at the persistence edge.
	Payload any `json:"payload"`
}

// PriceChangePayload is the metric set attached to a price_change trigger.
type PriceChangePayload struct {
	ChangePercent decimal.Decimal `json:"price_change_percent"`
	PriceFrom     decimal.Decimal `json:"price_from"`
	PriceTo       decimal.Decimal `json:"price_to"`
	WindowVolume  decimal.Decimal `json:"window_volume"`
	Volume24h     decimal.Decimal `json:"volume_24h"`
	URL           string          `json:"url,omitempty"`
}

// VolumeSpikePayload is the metric set attached to a volume_spike trigger.
type VolumeSpikePayload struct {
	Coefficient   decimal.Decimal `json:"volume_spike_ratio"`
	CurrentVolume decimal.Decimal `json:"current_volume"`
	AverageVolume decimal.Decimal `json:"average_volume"`
	ShortPeriod   int             `json:"period"`
	ChangePercent decimal.Decimal `json:"price_change_percent"`
	Volume24h     decimal.Decimal `json:"volume_24h"`
	URL           string          `json:"url,omitempty"`
}

// TradeURL builds the Bybit web terminal URL for a series, attached to
// trigger payloads so alerts link straight to the chart.
func TradeURL(symbol string, market Market) string {
	if market == MarketSpot {
		return "https://www.bybit.com/trade/spot/" + symbol
	}
	return "https://www.bybit.com/trade/usdt/" + symbol
}
