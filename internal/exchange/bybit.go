// Package exchange implements the Bybit connector for the screener
// core: WebSocket tick subscriptions per (symbol, market) series, plus
// the REST endpoints used for gap backfill and ticker snapshots.
//
// All timestamp normalization (milliseconds to whole seconds) and tick
// validation happens here, at the ingestion edge. Nothing past this
// package ever sees a millisecond or an unvalidated price.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/timeutil"
	ws "github.com/lipafr/crypto-screener-bybit-2.2/internal/websocket"
)

var (
	// ErrInvalidConfig indicates the provided Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid exchange configuration")

	// defaultConfig provides mainnet defaults for Bybit v5.
	defaultConfig = Config{
		SpotWSURL:      "wss://stream.bybit.com/v5/public/spot",
		FuturesWSURL:   "wss://stream.bybit.com/v5/public/linear",
		RESTURL:        "https://api.bybit.com",
		RequestTimeout: 30 * time.Second,
		MaxAttempts:    3,
		RetryDelay:     5 * time.Second,
	}
)

// Config holds connection parameters for the Bybit connector.
type Config struct {
	SpotWSURL    string // public spot stream endpoint
	FuturesWSURL string // public linear (USDT perpetual) stream endpoint
	RESTURL      string // REST API base URL

	RequestTimeout time.Duration // per REST request timeout
	MaxAttempts    int           // REST retry attempts on transient failure
	RetryDelay     time.Duration // base delay between REST retries
}

// Connector provides Bybit market data access. It is safe for
// concurrent use; each Subscribe call owns an independent WebSocket
// connection, and REST calls share one http.Client.
type Connector struct {
	config   Config
	validate *validator.Validate
	http     *http.Client
}

// NewConnector creates a Bybit connector. A nil cfg selects mainnet
// defaults; zero fields of a non-nil cfg are filled from the defaults.
func NewConnector(cfg *Config) (*Connector, error) {
	if cfg == nil {
		cfg = &defaultConfig
	}
	if err := applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Connector{
		config:   *cfg,
		validate: validator.New(),
		http:     &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

func applyDefaults(cfg *Config) error {
	if cfg.SpotWSURL == "" {
		cfg.SpotWSURL = defaultConfig.SpotWSURL
	}
	if cfg.FuturesWSURL == "" {
		cfg.FuturesWSURL = defaultConfig.FuturesWSURL
	}
	if cfg.RESTURL == "" {
		cfg.RESTURL = defaultConfig.RESTURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultConfig.RequestTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultConfig.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultConfig.RetryDelay
	}
	return nil
}

// subscription is the Bybit v5 WebSocket subscription request.
//
// Example JSON:
//
//	{"op": "subscribe", "args": ["publicTrade.BTCUSDT"]}
type subscription struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// tradeMessage is the Bybit v5 publicTrade push message.
//
// Example JSON:
//
//	{
//	  "topic": "publicTrade.BTCUSDT",
//	  "type": "snapshot",
//	  "ts": 1672304486868,
//	  "data": [
//	    {"T": 1672304486865, "s": "BTCUSDT", "S": "Buy",
//	     "v": "0.001", "p": "16578.50"}
//	  ]
//	}
type tradeMessage struct {
	Topic string          `json:"topic"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// tradeEntry is one trade inside a publicTrade message. Numeric values
// arrive as strings to preserve precision.
type tradeEntry struct {
	Symbol string `json:"s" validate:"required"`
	Price  string `json:"p" validate:"required,numeric"`
	Size   string `json:"v" validate:"required,numeric"`
	Time   int64  `json:"T" validate:"required,gt=0"` // milliseconds
}

// Subscribe opens one WebSocket subscription for a single series and
// returns the tick stream plus a channel closed on disconnect. The
// caller (the series ingestor) owns reconnect policy; a disconnect
// simply ends both channels.
func (c *Connector) Subscribe(ctx context.Context, series model.Series) (<-chan model.Tick, <-chan struct{}, error) {
	if err := model.ValidateSymbol(series.Symbol); err != nil {
		return nil, nil, err
	}

	endpoint := c.config.SpotWSURL
	if series.Market == model.MarketFutures {
		endpoint = c.config.FuturesWSURL
	}

	sub, err := json.Marshal(subscription{
		Op:   "subscribe",
		Args: []string{"publicTrade." + series.Symbol},
	})
	if err != nil {
		return nil, nil, err
	}

	client, err := ws.NewClient(ctx, ws.Config{
		Endpoint:             endpoint,
		SubscriptionMessages: [][]byte{sub},
		Handler: func(ctx context.Context, raw []byte, ticks chan<- model.Tick) error {
			return c.handleTradeMessage(ctx, series, raw, ticks)
		},
	})
	if err != nil {
		return nil, nil, err
	}

	return client.TickChan, client.DisconnectChan(), nil
}

// handleTradeMessage parses one publicTrade push and emits a tick per
// valid trade entry. Invalid entries are dropped and logged; processing
// continues for the series.
func (c *Connector) handleTradeMessage(ctx context.Context, series model.Series, raw []byte, ticks chan<- model.Tick) error {
	var m tradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("invalid outer JSON: %w", err)
	}

	// Subscription acks and pong frames have no topic/data.
	if m.Topic == "" || len(m.Data) == 0 {
		return nil
	}

	var entries []tradeEntry
	if err := json.Unmarshal(m.Data, &entries); err != nil {
		return fmt.Errorf("invalid trade payload: %w", err)
	}

	now := timeutil.Now()
	for _, t := range entries {
		tick, err := c.normalizeTrade(series, t, now)
		if err != nil {
			log.Warn().Err(err).Str("series", series.String()).Msg("dropping invalid trade")
			continue
		}
		// The consumer can be gone with the buffer full during shutdown;
		// the send must not wedge the read loop.
		select {
		case ticks <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// normalizeTrade converts a raw trade entry into a validated core tick:
// milliseconds to seconds, base size to quote volume, bounds checks.
func (c *Connector) normalizeTrade(series model.Series, t tradeEntry, now int64) (model.Tick, error) {
	if err := c.validate.Struct(&t); err != nil {
		return model.Tick{}, fmt.Errorf("trade validation failed: %w", err)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return model.Tick{}, fmt.Errorf("invalid trade price %q: %w", t.Price, err)
	}
	if !price.IsPositive() {
		return model.Tick{}, fmt.Errorf("non-positive trade price %q", t.Price)
	}

	size, err := decimal.NewFromString(t.Size)
	if err != nil {
		return model.Tick{}, fmt.Errorf("invalid trade size %q: %w", t.Size, err)
	}
	if size.IsNegative() {
		return model.Tick{}, fmt.Errorf("negative trade size %q", t.Size)
	}

	ts := timeutil.FromMillis(t.Time)
	if !timeutil.ValidTimestamp(ts, now) {
		return model.Tick{}, fmt.Errorf("implausible trade timestamp %d", ts)
	}

	return model.Tick{
		Symbol:      series.Symbol,
		Market:      series.Market,
		Price:       price,
		QuoteVolume: price.Mul(size),
		Timestamp:   ts,
	}, nil
}

// category maps a market to the Bybit v5 REST category parameter.
func category(market model.Market) string {
	if market == model.MarketSpot {
		return "spot"
	}
	return "linear"
}
