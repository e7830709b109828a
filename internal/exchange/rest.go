package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/timeutil"
)

// restResponse is the Bybit v5 envelope shared by all REST endpoints.
type restResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// klineResult holds /v5/market/kline rows. Each row is
// [startTimeMs, open, high, low, close, volume, turnover] with every
// element encoded as a string; turnover is the quote-currency volume.
// Rows arrive newest-first.
type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}

// tickersResult holds /v5/market/tickers rows.
type tickersResult struct {
	List []tickerEntry `json:"list"`
}

type tickerEntry struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	Turnover24h string `json:"turnover24h"`
}

// FetchCandles fetches closed one-minute candles for the half-open
// range [start, end) in minute-aligned seconds, ordered ascending.
//
// The in-progress minute is never returned even if the exchange
// includes it: only closed candles may enter the store. Transient
// failures are retried with exponential backoff up to the configured
// attempt cap; the caller (gap recovery) retries the whole range on its
// next pass after that.
func (c *Connector) FetchCandles(ctx context.Context, series model.Series, start, end int64) ([]model.Candle, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid candle range [%d, %d)", start, end)
	}

	q := url.Values{}
	q.Set("category", category(series.Market))
	q.Set("symbol", series.Symbol)
	q.Set("interval", "1")
	q.Set("start", strconv.FormatInt(timeutil.ToMillis(start), 10))
	// Bybit treats end as inclusive of the kline starting at end, so
	// step back one minute to keep the range half-open.
	q.Set("end", strconv.FormatInt(timeutil.ToMillis(end-60), 10))
	q.Set("limit", strconv.Itoa(int((end-start)/60)))

	raw, err := c.getWithRetry(ctx, "/v5/market/kline", q)
	if err != nil {
		return nil, err
	}

	var result klineResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid kline result: %w", err)
	}

	lastClosed := timeutil.LastClosedMinute(timeutil.Now())

	candles := make([]model.Candle, 0, len(result.List))
	for _, row := range result.List {
		candle, err := parseKlineRow(series, row)
		if err != nil {
			log.Warn().Err(err).Str("series", series.String()).Msg("dropping invalid kline row")
			continue
		}
		if candle.OpenTime < start || candle.OpenTime >= end || candle.OpenTime > lastClosed {
			continue
		}
		candles = append(candles, candle)
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
	return candles, nil
}

// FetchTickers fetches the 24h ticker snapshot for every symbol of a
// market, used for the watch-list bootstrap and the snapshot cache.
func (c *Connector) FetchTickers(ctx context.Context, market model.Market) ([]model.TickerSnapshot, error) {
	q := url.Values{}
	q.Set("category", category(market))

	raw, err := c.getWithRetry(ctx, "/v5/market/tickers", q)
	if err != nil {
		return nil, err
	}

	var result tickersResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tickers result: %w", err)
	}

	now := timeutil.Now()
	snapshots := make([]model.TickerSnapshot, 0, len(result.List))
	for _, t := range result.List {
		last, err := decimal.NewFromString(t.LastPrice)
		if err != nil || !last.IsPositive() {
			continue
		}
		turnover, err := decimal.NewFromString(t.Turnover24h)
		if err != nil || turnover.IsNegative() {
			continue
		}
		snapshots = append(snapshots, model.TickerSnapshot{
			Symbol:         t.Symbol,
			Market:         market,
			LastPrice:      last,
			QuoteVolume24h: turnover,
			UpdatedAt:      now,
		})
	}
	return snapshots, nil
}

// GetTicker fetches the snapshot for a single series.
func (c *Connector) GetTicker(ctx context.Context, series model.Series) (model.TickerSnapshot, error) {
	q := url.Values{}
	q.Set("category", category(series.Market))
	q.Set("symbol", series.Symbol)

	raw, err := c.getWithRetry(ctx, "/v5/market/tickers", q)
	if err != nil {
		return model.TickerSnapshot{}, err
	}

	var result tickersResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.TickerSnapshot{}, fmt.Errorf("invalid ticker result: %w", err)
	}
	if len(result.List) == 0 {
		return model.TickerSnapshot{}, fmt.Errorf("no ticker for %s", series)
	}

	t := result.List[0]
	last, err := decimal.NewFromString(t.LastPrice)
	if err != nil {
		return model.TickerSnapshot{}, fmt.Errorf("invalid last price %q: %w", t.LastPrice, err)
	}
	turnover, err := decimal.NewFromString(t.Turnover24h)
	if err != nil {
		return model.TickerSnapshot{}, fmt.Errorf("invalid turnover %q: %w", t.Turnover24h, err)
	}

	return model.TickerSnapshot{
		Symbol:         t.Symbol,
		Market:         series.Market,
		LastPrice:      last,
		QuoteVolume24h: turnover,
		UpdatedAt:      timeutil.Now(),
	}, nil
}

// getWithRetry performs one GET against the REST API with bounded
// exponential backoff on transient failures.
func (c *Connector) getWithRetry(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		raw, err := c.get(ctx, path, q)
		if err == nil {
			if attempt > 1 {
				log.Info().Str("path", path).Int("attempt", attempt).Msg("request succeeded after retry")
			}
			return raw, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < c.config.MaxAttempts {
			delay := c.config.RetryDelay * time.Duration(1<<(attempt-1))
			log.Warn().Err(err).Str("path", path).Dur("retryIn", delay).Msg("request failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxAttempts, lastErr)
}

func (c *Connector) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.RESTURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var envelope restResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("invalid response envelope: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, fmt.Errorf("bybit error %d: %s", envelope.RetCode, envelope.RetMsg)
	}
	return envelope.Result, nil
}

// parseKlineRow converts one Bybit kline row into a closed candle.
func parseKlineRow(series model.Series, row []string) (model.Candle, error) {
	if len(row) < 7 {
		return model.Candle{}, fmt.Errorf("short kline row: %d fields", len(row))
	}

	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("invalid kline start %q: %w", row[0], err)
	}
	openTime := timeutil.FromMillis(ms)
	if openTime%60 != 0 {
		return model.Candle{}, fmt.Errorf("kline start %d not minute-aligned", openTime)
	}

	fields := make([]decimal.Decimal, 4)
	for i, idx := range []int{1, 2, 3, 4} {
		d, err := decimal.NewFromString(row[idx])
		if err != nil {
			return model.Candle{}, fmt.Errorf("invalid kline price %q: %w", row[idx], err)
		}
		if !d.IsPositive() {
			return model.Candle{}, fmt.Errorf("non-positive kline price %q", row[idx])
		}
		fields[i] = d
	}

	// row[6] is turnover: quote-currency volume. row[5] (base volume)
	// is ignored — the core compares volumes across symbols and must
	// stay in one normalized unit.
	turnover, err := decimal.NewFromString(row[6])
	if err != nil {
		return model.Candle{}, fmt.Errorf("invalid kline turnover %q: %w", row[6], err)
	}
	if turnover.IsNegative() {
		return model.Candle{}, fmt.Errorf("negative kline turnover %q", row[6])
	}

	return model.Candle{
		Symbol:   series.Symbol,
		Market:   series.Market,
		OpenTime: openTime,
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   turnover,
		Closed:   true,
	}, nil
}
