package screener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/cache"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/trigger"
)

var testSeries = model.Series{Symbol: "BTCUSDT", Market: model.MarketSpot}

type fakeExchange struct{}

func (f *fakeExchange) Subscribe(context.Context, model.Series) (<-chan model.Tick, <-chan struct{}, error) {
	ticks := make(chan model.Tick)
	disconnected := make(chan struct{})
	return ticks, disconnected, nil
}

func (f *fakeExchange) FetchCandles(context.Context, model.Series, int64, int64) ([]model.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) FetchTickers(context.Context, model.Market) ([]model.TickerSnapshot, error) {
	return nil, nil
}

func (f *fakeExchange) GetTicker(_ context.Context, series model.Series) (model.TickerSnapshot, error) {
	return model.TickerSnapshot{
		Symbol:         series.Symbol,
		Market:         series.Market,
		LastPrice:      decimal.NewFromInt(110),
		QuoteVolume24h: decimal.NewFromInt(5_000_000),
	}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	candles map[model.Series]map[int64]model.Candle
	filters []model.FilterDefinition
}

func newStore() *fakeStore {
	return &fakeStore{candles: make(map[model.Series]map[int64]model.Candle)}
}

func (s *fakeStore) put(c model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := c.Series()
	if s.candles[series] == nil {
		s.candles[series] = make(map[int64]model.Candle)
	}
	s.candles[series][c.OpenTime] = c
}

func (s *fakeStore) UpsertCandle(_ context.Context, c model.Candle) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	series := c.Series()
	if s.candles[series] == nil {
		s.candles[series] = make(map[int64]model.Candle)
	}
	if _, exists := s.candles[series][c.OpenTime]; exists {
		return false, nil
	}
	s.candles[series][c.OpenTime] = c
	return true, nil
}

func (s *fakeStore) QueryCandles(_ context.Context, series model.Series, start, end int64) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Candle
	for t := start; t < end; t += 60 {
		if c, ok := s.candles[series][t]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) OpenTimes(_ context.Context, series model.Series, start, end int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for t := start; t < end; t += 60 {
		if _, ok := s.candles[series][t]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteCandlesBefore(context.Context, int64) (int64, error)  { return 0, nil }
func (s *fakeStore) DeleteTriggersBefore(context.Context, int64) (int64, error) { return 0, nil }

func (s *fakeStore) ListEnabledFilters(context.Context) ([]model.FilterDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.FilterDefinition(nil), s.filters...), nil
}

type fakeCache struct {
	mu    sync.Mutex
	snaps map[model.Series]model.TickerSnapshot
}

func newCache() *fakeCache {
	return &fakeCache{snaps: make(map[model.Series]model.TickerSnapshot)}
}

func (c *fakeCache) GetTicker(_ context.Context, series model.Series) (model.TickerSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[series]
	if !ok {
		return model.TickerSnapshot{}, cache.ErrNotFound
	}
	return snap, nil
}

func (c *fakeCache) SetTicker(_ context.Context, snap model.TickerSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[model.Series{Symbol: snap.Symbol, Market: snap.Market}] = snap
	return nil
}

func (c *fakeCache) SetTickers(ctx context.Context, snaps []model.TickerSnapshot) error {
	for _, snap := range snaps {
		if err := c.SetTicker(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}

func seedRisingWindow(st *fakeStore, openTime int64) {
	closes := []int64{100, 102, 104, 108, 110}
	for i, cl := range closes {
		price := decimal.NewFromInt(cl)
		st.put(model.Candle{
			Symbol:   testSeries.Symbol,
			Market:   testSeries.Market,
			OpenTime: openTime - int64(len(closes)-1-i)*60,
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   decimal.NewFromInt(10_000),
			Closed:   true,
		})
	}
}

func priceChangeFilter(market model.Market) model.FilterDefinition {
	return model.FilterDefinition{
		ID:      1,
		Name:    "pump check",
		Type:    model.FilterPriceChange,
		Market:  market,
		Enabled: true,
		PriceChange: &model.PriceChangeParams{
			IntervalMinutes:  5,
			MinChangePercent: 5,
			Direction:        model.DirectionUp,
		},
	}
}

func newTestService(t *testing.T, st *fakeStore) (*Service, <-chan any, context.CancelFunc) {
	t.Helper()
	dispatcher := trigger.NewDispatcher(nil, zerolog.Nop())
	svc := New(Config{
		Markets:    []model.Market{model.MarketSpot},
		GraceDelay: 20 * time.Millisecond,
	}, &fakeExchange{}, st, newCache(), dispatcher, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go dispatcher.Run(ctx)
	feed, _ := dispatcher.Subscribe(trigger.FeedTriggers)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, svc.reloadFilters(ctx))
	return svc, feed, cancel
}

func waitTrigger(t *testing.T, feed <-chan any) *model.TriggerEvent {
	t.Helper()
	select {
	case item := <-feed:
		ev, ok := item.(*model.TriggerEvent)
		require.True(t, ok)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger received")
		return nil
	}
}

func TestEvaluateFiresMatchingFilter(t *testing.T) {
	st := newStore()
	st.filters = []model.FilterDefinition{priceChangeFilter(model.MarketSpot)}
	openTime := int64(1_700_000_040)
	seedRisingWindow(st, openTime)

	svc, feed, cancel := newTestService(t, st)
	defer cancel()

	svc.evaluate(context.Background(), testSeries, openTime)

	ev := waitTrigger(t, feed)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, model.FilterPriceChange, ev.FilterType)

	p, ok := ev.Payload.(*model.PriceChangePayload)
	require.True(t, ok)
	assert.Equal(t, "10", p.ChangePercent.String())
	assert.True(t, p.Volume24h.Equal(decimal.NewFromInt(5_000_000)),
		"snapshot fetched through the cache-miss fallback")
}

func TestEvaluateSuppressedByCooldown(t *testing.T) {
	st := newStore()
	st.filters = []model.FilterDefinition{priceChangeFilter(model.MarketSpot)}
	openTime := int64(1_700_000_040)
	seedRisingWindow(st, openTime)

	svc, feed, cancel := newTestService(t, st)
	defer cancel()

	ctx := context.Background()
	svc.evaluate(ctx, testSeries, openTime)
	waitTrigger(t, feed)

	svc.evaluate(ctx, testSeries, openTime+60)
	select {
	case item := <-feed:
		t.Fatalf("second trigger %v leaked through cooldown", item)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvaluateSkipsOtherMarkets(t *testing.T) {
	st := newStore()
	st.filters = []model.FilterDefinition{priceChangeFilter(model.MarketFutures)}
	openTime := int64(1_700_000_040)
	seedRisingWindow(st, openTime)

	svc, feed, cancel := newTestService(t, st)
	defer cancel()

	svc.evaluate(context.Background(), testSeries, openTime)

	select {
	case item := <-feed:
		t.Fatalf("futures filter fired for a spot series: %v", item)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleCloseSchedulesEvaluation(t *testing.T) {
	st := newStore()
	st.filters = []model.FilterDefinition{priceChangeFilter(model.MarketSpot)}
	openTime := int64(1_700_000_040)
	seedRisingWindow(st, openTime-60) // history up to the previous minute

	svc, feed, cancel := newTestService(t, st)
	defer cancel()

	price := decimal.NewFromInt(115)
	svc.handleClose(context.Background(), model.Candle{
		Symbol:   testSeries.Symbol,
		Market:   testSeries.Market,
		OpenTime: openTime,
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   decimal.NewFromInt(10_000),
		Closed:   true,
	})

	ev := waitTrigger(t, feed)
	assert.Equal(t, "BTCUSDT", ev.Symbol)
}

func TestRunOnlyOnce(t *testing.T) {
	st := newStore()
	svc, _, cancel := newTestService(t, st)
	cancel()

	svc.started.Store(true)
	assert.ErrorIs(t, svc.Run(context.Background()), ErrAlreadyStarted)
}
