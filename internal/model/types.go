// Package model defines core data types for the screener core.
//
// This package contains the fundamental structures flowing through the
// pipeline: raw ticks from the exchange feed, minute candles built from
// them, ticker snapshots, filter definitions and trigger events.
// All prices and volumes use decimal.Decimal for precise financial
// calculations to avoid floating-point precision issues common in
// financial applications.
//
// Timestamps are whole seconds since epoch (UTC) everywhere in this
// package. Millisecond representations from the exchange are normalized
// at the ingestion edge, never here.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Market identifies which Bybit market a series belongs to.
type Market string

const (
	// MarketSpot is the Bybit spot market.
	MarketSpot Market = "spot"

	// MarketFutures is the Bybit USDT perpetual (linear) market.
	MarketFutures Market = "futures"
)

// ErrUnknownMarket indicates a market string outside {spot, futures}.
var ErrUnknownMarket = errors.New("unknown market")

// ParseMarket converts a configuration/database string into a Market.
func ParseMarket(s string) (Market, error) {
	switch Market(strings.ToLower(s)) {
	case MarketSpot:
		return MarketSpot, nil
	case MarketFutures:
		return MarketFutures, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMarket, s)
	}
}

// Series identifies one (symbol, market) pair. Each series owns exactly
// one live ingestor, one candle builder and one open-candle slot;
// ownership never crosses series.
type Series struct {
	Symbol string // Trading pair symbol in Bybit format (e.g. "BTCUSDT")
	Market Market // Source market
}

// String renders the series for logging ("BTCUSDT/spot").
func (s Series) String() string {
	return s.Symbol + "/" + string(s.Market)
}

// Tick represents a single trade update from the exchange feed.
//
// Ticks are ephemeral: they are consumed by the candle builder of their
// series and discarded. QuoteVolume is the quote-currency value of the
// trade (price x size), not the base-asset size — mixing base and quote
// volumes across symbols is a correctness violation because filter
// thresholds are compared across symbols of wildly different price
// magnitude.
type Tick struct {
	Symbol      string          // Trading pair symbol (e.g. "BTCUSDT")
	Market      Market          // Source market
	Price       decimal.Decimal // Trade execution price (precise decimal)
	QuoteVolume decimal.Decimal // Quote-currency volume delta of this trade
	Timestamp   int64           // Trade time, whole seconds since epoch
}

// Candle represents a one-minute OHLCV aggregate for one series.
//
// Invariants:
//   - OpenTime is minute-aligned (OpenTime % 60 == 0)
//   - exactly one candle exists per (symbol, market, openTime)
//   - High >= max(Open, Close), Low <= min(Open, Close)
//   - Volume is monotonically non-decreasing while open, frozen once closed
//
// A candle is safe to read for filter evaluation only after Closed is
// set; in-progress candles must never feed the filter engine.
type Candle struct {
	Symbol   string          // Trading pair symbol
	Market   Market          // Source market
	OpenTime int64           // Minute boundary, whole seconds since epoch
	Open     decimal.Decimal // First trade price of the minute
	High     decimal.Decimal // Highest trade price of the minute
	Low      decimal.Decimal // Lowest trade price of the minute
	Close    decimal.Decimal // Last trade price of the minute
	Volume   decimal.Decimal // Accumulated quote-currency volume
	Closed   bool            // Set exactly once, at the minute boundary
}

// Series returns the (symbol, market) pair this candle belongs to.
func (c Candle) Series() Series {
	return Series{Symbol: c.Symbol, Market: c.Market}
}

// TickerSnapshot is the latest 24h ticker state for one series, used by
// the filter engine's 24h volume gates.
type TickerSnapshot struct {
	Symbol         string          `json:"symbol"`
	Market         Market          `json:"market"`
	LastPrice      decimal.Decimal `json:"last_price"`
	QuoteVolume24h decimal.Decimal `json:"quote_volume_24h"`
	UpdatedAt      int64           `json:"updated_at"` // seconds since epoch
}

// GapRecord describes a contiguous range of expected-but-missing closed
// candles for one series. It exists only during recovery: discarded once
// backfilled, or dropped after the attempt cap is reached.
//
// The range is half-open: [Start, End) in minute-aligned seconds.
type GapRecord struct {
	Series   Series
	Start    int64 // first missing minute boundary (inclusive)
	End      int64 // first present minute boundary (exclusive)
	Attempts int   // completed recovery attempts for this range
}

// Minutes reports how many one-minute candles the gap spans.
func (g GapRecord) Minutes() int {
	return int((g.End - g.Start) / 60)
}

// ConnState is the observable connection state of a series ingestor.
type ConnState int

const (
	// Disconnected means no subscription is active for the series.
	Disconnected ConnState = iota

	// Connecting means a (re)connection attempt is in progress.
	Connecting

	// Streaming means ticks are flowing for the series.
	Streaming
)

// String implements fmt.Stringer for health reporting.
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ConnEvent is one connection-state transition, published on the health
// feed for operational visibility.
type ConnEvent struct {
	Series Series
	State  ConnState
	At     int64 // seconds since epoch
}

// ValidateSymbol validates a trading pair symbol in Bybit format:
// uppercase letters and digits, e.g. "BTCUSDT", "1000PEPEUSDT".
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("symbol cannot be empty")
	}

	if len(symbol) < 5 {
		return fmt.Errorf("symbol too short: %q", symbol)
	}

	for _, r := range symbol {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("invalid symbol %q: expected uppercase letters and digits", symbol)
		}
	}

	return nil
}
