// Package screener wires ingestion, persistence, gap repair and filter
// evaluation into one runnable service.
package screener

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/cache"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/cooldown"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/filter"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/gap"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/ingest"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/schedule"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/timeutil"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/trigger"
)

// ErrAlreadyStarted is returned by Run on reuse of a Service.
var ErrAlreadyStarted = errors.New("screener: already started")

// Exchange is the market-data surface the service consumes.
type Exchange interface {
	ingest.TickSource
	gap.Backfiller
	FetchTickers(ctx context.Context, market model.Market) ([]model.TickerSnapshot, error)
	GetTicker(ctx context.Context, series model.Series) (model.TickerSnapshot, error)
}

// Store is the persistence surface the service needs on top of what
// the gap detector already uses.
type Store interface {
	gap.Store
	QueryCandles(ctx context.Context, series model.Series, start, end int64) ([]model.Candle, error)
	ListEnabledFilters(ctx context.Context) ([]model.FilterDefinition, error)
}

// TickerCache holds the latest 24h snapshots for the filter gates.
type TickerCache interface {
	GetTicker(ctx context.Context, series model.Series) (model.TickerSnapshot, error)
	SetTicker(ctx context.Context, snap model.TickerSnapshot) error
	SetTickers(ctx context.Context, snaps []model.TickerSnapshot) error
}

// Config tunes the service.
type Config struct {
	Markets    []model.Market
	TopSymbols int

	GraceDelay      time.Duration
	DefaultCooldown time.Duration

	TickerRefreshInterval time.Duration
	FilterReloadInterval  time.Duration

	Gap gap.Config
}

// Service owns one ingestor per subscribed series and the shared
// evaluation pipeline behind them.
type Service struct {
	config     Config
	exchange   Exchange
	store      Store
	tickers    TickerCache
	dispatcher *trigger.Dispatcher
	scheduler  *schedule.Scheduler
	detector   *gap.Detector
	cooldowns  *cooldown.Tracker
	log        zerolog.Logger

	started atomic.Bool
	filters atomic.Pointer[[]model.FilterDefinition]
	wg      sync.WaitGroup
}

func New(config Config, ex Exchange, st Store, tickers TickerCache, dispatcher *trigger.Dispatcher, log zerolog.Logger) *Service {
	if config.TopSymbols <= 0 {
		config.TopSymbols = 100
	}
	if config.DefaultCooldown <= 0 {
		config.DefaultCooldown = 15 * time.Minute
	}
	if config.TickerRefreshInterval <= 0 {
		config.TickerRefreshInterval = time.Minute
	}
	if config.FilterReloadInterval <= 0 {
		config.FilterReloadInterval = time.Minute
	}
	if len(config.Markets) == 0 {
		config.Markets = []model.Market{model.MarketSpot, model.MarketFutures}
	}

	s := &Service{
		config:     config,
		exchange:   ex,
		store:      st,
		tickers:    tickers,
		dispatcher: dispatcher,
		cooldowns:  cooldown.New(),
		log:        log.With().Str("component", "screener").Logger(),
	}
	s.scheduler = schedule.New(config.GraceDelay, s.evaluate, log)
	s.detector = gap.New(config.Gap, st, ex, s.onBackfill, log)

	empty := make([]model.FilterDefinition, 0)
	s.filters.Store(&empty)
	return s
}

// Run starts the service and blocks until ctx is cancelled. A Service
// runs at most once.
func (s *Service) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.spawn(func() { s.dispatcher.Run(ctx) })

	if err := s.reloadFilters(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial filter load failed, starting with none")
	}

	series, err := s.bootstrap(ctx)
	if err != nil {
		return err
	}
	s.log.Info().Int("series", len(series)).Msg("subscribing")

	for _, sr := range series {
		s.startIngestor(ctx, sr)
		s.detector.Register(sr)
	}

	s.spawn(func() { s.detector.Run(ctx) })
	s.spawn(func() { s.tickerLoop(ctx) })
	s.spawn(func() { s.reloadLoop(ctx) })

	<-ctx.Done()
	s.scheduler.Close()
	s.wg.Wait()
	return nil
}

func (s *Service) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// bootstrap selects the top symbols by 24h quote volume on each
// configured market and seeds the ticker cache with the snapshots it
// already paid for.
func (s *Service) bootstrap(ctx context.Context) ([]model.Series, error) {
	var out []model.Series
	for _, market := range s.config.Markets {
		snaps, err := s.exchange.FetchTickers(ctx, market)
		if err != nil {
			return nil, err
		}

		eligible := snaps[:0]
		for _, snap := range snaps {
			if !strings.HasSuffix(snap.Symbol, "USDT") {
				continue
			}
			if model.ValidateSymbol(snap.Symbol) != nil {
				continue
			}
			eligible = append(eligible, snap)
		}
		sort.Slice(eligible, func(i, j int) bool {
			return eligible[i].QuoteVolume24h.GreaterThan(eligible[j].QuoteVolume24h)
		})
		if len(eligible) > s.config.TopSymbols {
			eligible = eligible[:s.config.TopSymbols]
		}

		if err := s.tickers.SetTickers(ctx, eligible); err != nil {
			s.log.Warn().Err(err).Str("market", string(market)).Msg("ticker cache seed failed")
		}
		for _, snap := range eligible {
			out = append(out, model.Series{Symbol: snap.Symbol, Market: market})
		}
	}
	return out, nil
}

func (s *Service) startIngestor(ctx context.Context, series model.Series) {
	ing := ingest.New(series, s.exchange,
		func(c model.Candle) { s.handleClose(ctx, c) },
		s.dispatcher.PublishHealth,
	)
	s.spawn(func() { ing.Run(ctx) })
}

// handleClose persists a live close and schedules its evaluation. A
// duplicate close (already backfilled for the same minute) is dropped
// by the store and scheduled again anyway, which only replaces the
// pending timer.
func (s *Service) handleClose(ctx context.Context, c model.Candle) {
	inserted, err := s.store.UpsertCandle(ctx, c)
	if err != nil {
		s.log.Error().Err(err).
			Str("series", c.Series().String()).
			Int64("open_time", c.OpenTime).
			Msg("candle persist failed")
		return
	}
	if inserted {
		s.dispatcher.PublishCandle(&c)
	}
	s.scheduler.Schedule(ctx, c.Series(), c.OpenTime)
}

// onBackfill re-evaluates minutes the gap detector repaired. The
// context of the detector's Run loop applies.
func (s *Service) onBackfill(series model.Series, openTime int64) {
	s.scheduler.Schedule(context.Background(), series, openTime)
}

// evaluate runs every enabled filter whose market matches the series,
// using the closed-candle window ending at openTime.
func (s *Service) evaluate(ctx context.Context, series model.Series, openTime int64) {
	defs := *s.filters.Load()
	if len(defs) == 0 {
		return
	}

	ticker, hasTicker := s.lookupTicker(ctx, series)

	for i := range defs {
		def := &defs[i]
		if !def.Enabled || def.Market != series.Market {
			continue
		}

		end := openTime + 60
		start := timeutil.WindowStart(end, def.WindowMinutes())
		window, err := s.store.QueryCandles(ctx, series, start, end)
		if err != nil {
			s.log.Error().Err(err).
				Str("series", series.String()).
				Int64("filter_id", def.ID).
				Msg("candle window query failed")
			continue
		}

		var snap *model.TickerSnapshot
		if hasTicker {
			snap = &ticker
		}
		payload, ok := filter.Evaluate(def, series, window, snap)
		if !ok {
			continue
		}

		cd := time.Duration(def.Cooldown(int(s.config.DefaultCooldown.Minutes()))) * time.Minute
		key := cooldown.Key(def.ID, series.Symbol, string(series.Market))
		if !s.cooldowns.Allow(key, time.Now(), cd) {
			s.log.Debug().
				Int64("filter_id", def.ID).
				Str("series", series.String()).
				Msg("trigger suppressed by cooldown")
			continue
		}

		s.dispatcher.PublishTrigger(ctx, &model.TriggerEvent{
			FilterID:    def.ID,
			FilterName:  def.Name,
			FilterType:  def.Type,
			Symbol:      series.Symbol,
			Market:      series.Market,
			TriggeredAt: timeutil.Now(),
			Payload:     payload,
		})
	}
}

// lookupTicker reads the cached snapshot, falling back to a direct
// fetch on a cache miss so a cold cache does not silently disable the
// 24h gates.
func (s *Service) lookupTicker(ctx context.Context, series model.Series) (model.TickerSnapshot, bool) {
	snap, err := s.tickers.GetTicker(ctx, series)
	if err == nil {
		return snap, true
	}
	if !errors.Is(err, cache.ErrNotFound) {
		s.log.Warn().Err(err).Str("series", series.String()).Msg("ticker cache read failed")
	}

	snap, err = s.exchange.GetTicker(ctx, series)
	if err != nil {
		s.log.Warn().Err(err).Str("series", series.String()).Msg("ticker fetch failed")
		return model.TickerSnapshot{}, false
	}
	if err := s.tickers.SetTicker(ctx, snap); err != nil {
		s.log.Warn().Err(err).Str("series", series.String()).Msg("ticker cache write failed")
	}
	return snap, true
}

// tickerLoop refreshes the 24h snapshots for all configured markets.
func (s *Service) tickerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickerRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, market := range s.config.Markets {
				snaps, err := s.exchange.FetchTickers(ctx, market)
				if err != nil {
					s.log.Warn().Err(err).Str("market", string(market)).Msg("ticker refresh failed")
					continue
				}
				if err := s.tickers.SetTickers(ctx, snaps); err != nil {
					s.log.Warn().Err(err).Str("market", string(market)).Msg("ticker cache write failed")
				}
			}
		}
	}
}

// reloadLoop re-reads filter definitions and sweeps stale cooldown
// entries.
func (s *Service) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.FilterReloadInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reloadFilters(ctx); err != nil {
				s.log.Warn().Err(err).Msg("filter reload failed")
			}
		case <-sweep.C:
			// Generous bound so per-filter cooldowns longer than the
			// default are never cut short.
			removed := s.cooldowns.Sweep(time.Now(), 24*time.Hour)
			if removed > 0 {
				s.log.Debug().Int("removed", removed).Msg("swept cooldown entries")
			}
		}
	}
}

func (s *Service) reloadFilters(ctx context.Context) error {
	defs, err := s.store.ListEnabledFilters(ctx)
	if err != nil {
		return err
	}
	prev := *s.filters.Load()
	s.filters.Store(&defs)
	if len(defs) != len(prev) {
		s.log.Info().Int("filters", len(defs)).Msg("filter set changed")
	}
	return nil
}
