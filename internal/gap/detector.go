// Package gap finds missing closed candles in persisted series and
// repairs them from the exchange's historical kline endpoint.
//
// The live websocket feed drops minutes during reconnects and the
// process itself restarts; without repair, every such hole would skew
// volume averages and price windows for hours afterwards.
package gap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/timeutil"
)

// Defaults for the detector tunables.
const (
	DefaultPassInterval    = 60 * time.Second
	DefaultConcurrency     = 4
	DefaultMaxAttempts     = 5
	DefaultLookbackMinutes = 240

	DefaultCandleRetention  = 2 * time.Hour
	DefaultTriggerRetention = 30 * 24 * time.Hour

	retentionInterval = time.Hour
)

// Store is the persistence surface the detector needs.
type Store interface {
	OpenTimes(ctx context.Context, series model.Series, start, end int64) ([]int64, error)
	UpsertCandle(ctx context.Context, c model.Candle) (bool, error)
	DeleteCandlesBefore(ctx context.Context, cutoff int64) (int64, error)
	DeleteTriggersBefore(ctx context.Context, cutoff int64) (int64, error)
}

// Backfiller fetches closed candles for [start, end) from the
// historical source.
type Backfiller interface {
	FetchCandles(ctx context.Context, series model.Series, start, end int64) ([]model.Candle, error)
}

// BackfillFunc is notified for every candle the detector newly
// inserted, so its minute can be re-evaluated.
type BackfillFunc func(series model.Series, openTime int64)

// Config tunes the detector. Zero values take the package defaults.
type Config struct {
	PassInterval    time.Duration
	Concurrency     int
	MaxAttempts     int
	LookbackMinutes int

	CandleRetention  time.Duration
	TriggerRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.PassInterval <= 0 {
		c.PassInterval = DefaultPassInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.LookbackMinutes <= 0 {
		c.LookbackMinutes = DefaultLookbackMinutes
	}
	if c.CandleRetention <= 0 {
		c.CandleRetention = DefaultCandleRetention
	}
	if c.TriggerRetention <= 0 {
		c.TriggerRetention = DefaultTriggerRetention
	}
	// Never look back past the retention sweep, or expired minutes
	// would be endlessly re-backfilled and re-deleted.
	if retained := int(c.CandleRetention / time.Minute); c.LookbackMinutes > retained {
		c.LookbackMinutes = retained
	}
}

// Detector periodically diffs each registered series' persisted
// minutes against the expected closed-minute sequence and backfills
// the holes through a bounded worker pool.
type Detector struct {
	config     Config
	store      Store
	backfiller Backfiller
	onBackfill BackfillFunc
	log        zerolog.Logger

	mu       sync.Mutex
	series   map[model.Series]struct{}
	attempts map[gapKey]int
}

// gapKey identifies one missing range across passes, so consecutive
// fetch failures for the same hole accumulate toward the attempt cap
// without ever penalizing the rest of the series.
type gapKey struct {
	series model.Series
	start  int64
	end    int64
}

func keyOf(rec model.GapRecord) gapKey {
	return gapKey{series: rec.Series, start: rec.Start, end: rec.End}
}

func New(config Config, store Store, backfiller Backfiller, onBackfill BackfillFunc, log zerolog.Logger) *Detector {
	config.applyDefaults()
	return &Detector{
		config:     config,
		store:      store,
		backfiller: backfiller,
		onBackfill: onBackfill,
		log:        log.With().Str("component", "gap_detector").Logger(),
		series:     make(map[model.Series]struct{}),
		attempts:   make(map[gapKey]int),
	}
}

// Register adds a series to the detection set.
func (d *Detector) Register(series model.Series) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.series[series] = struct{}{}
}

// Unregister removes a series and forgets its pending gap attempts.
func (d *Detector) Unregister(series model.Series) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.series, series)
	for k := range d.attempts {
		if k.series == series {
			delete(d.attempts, k)
		}
	}
}

// Run executes detection passes until ctx is cancelled. It also owns
// the retention sweep for old candles and triggers.
func (d *Detector) Run(ctx context.Context) {
	passTicker := time.NewTicker(d.config.PassInterval)
	defer passTicker.Stop()
	retentionTicker := time.NewTicker(retentionInterval)
	defer retentionTicker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-passTicker.C:
			d.Pass(ctx)
		case <-retentionTicker.C:
			d.sweep(ctx)
		}
	}
}

// Pass runs one detection pass over all registered series and repairs
// the gaps it finds. Exported so a pass can be forced right after the
// initial subscriptions come up.
func (d *Detector) Pass(ctx context.Context) {
	gaps := d.detect(ctx)
	if len(gaps) == 0 {
		return
	}

	d.log.Info().Int("gaps", len(gaps)).Msg("starting backfill")

	// Bounded pool: the historical endpoint is rate limited and a
	// restart after downtime can surface hundreds of gaps at once.
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup
	for _, rec := range gaps {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(rec model.GapRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			d.repair(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

// detect builds the gap list for the current pass. A series with no
// persisted candles at all gets a bounded lookback window instead of
// an unbounded history walk.
func (d *Detector) detect(ctx context.Context) []model.GapRecord {
	d.mu.Lock()
	all := make([]model.Series, 0, len(d.series))
	for s := range d.series {
		all = append(all, s)
	}
	d.mu.Unlock()

	expected := timeutil.LastClosedMinute(timeutil.Now())
	lookback := int64(d.config.LookbackMinutes) * 60

	windowStart := expected - lookback + 60
	windowEnd := expected + 60

	var gaps []model.GapRecord
	for _, series := range all {
		if ctx.Err() != nil {
			break
		}

		present, err := d.store.OpenTimes(ctx, series, windowStart, windowEnd)
		if err != nil {
			d.log.Error().Err(err).Str("series", series.String()).Msg("open time lookup failed")
			continue
		}

		gaps = append(gaps, missingRanges(series, present, windowStart, windowEnd)...)
	}

	d.pruneAttempts(windowStart)
	return d.filterExhausted(gaps)
}

// filterExhausted holds back ranges whose consecutive fetch failures
// reached the cap. The counter resets on skip, so an exhausted range
// sits out exactly one pass and is then retried fresh; an outage of
// the historical source never disables recovery permanently.
func (d *Detector) filterExhausted(gaps []model.GapRecord) []model.GapRecord {
	kept := gaps[:0]
	for _, rec := range gaps {
		key := keyOf(rec)
		n := d.attemptCount(key)
		if n >= d.config.MaxAttempts {
			d.log.Warn().
				Str("series", rec.Series.String()).
				Int64("start", rec.Start).
				Int64("end", rec.End).
				Int("attempts", n).
				Msg("backfill attempts exhausted, range sits out this pass")
			d.clearAttempts(key)
			continue
		}
		rec.Attempts = n
		kept = append(kept, rec)
	}
	return kept
}

// pruneAttempts drops counters for ranges the sliding lookback window
// has moved past.
func (d *Detector) pruneAttempts(windowStart int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.attempts {
		if k.end <= windowStart {
			delete(d.attempts, k)
		}
	}
}

// missingRanges diffs the present boundaries against the expected
// minute sequence of [start, end) and returns one record per
// contiguous hole. Interior holes are found, not just a lagging tail.
func missingRanges(series model.Series, present []int64, start, end int64) []model.GapRecord {
	have := make(map[int64]struct{}, len(present))
	for _, t := range present {
		have[t] = struct{}{}
	}

	var gaps []model.GapRecord
	var open *model.GapRecord
	for t := start; t < end; t += 60 {
		if _, ok := have[t]; ok {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &model.GapRecord{Series: series, Start: t, End: t + 60}
		} else {
			open.End = t + 60
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps
}

// repair fetches and persists the candles for one gap and schedules
// re-evaluation of every newly inserted minute.
func (d *Detector) repair(ctx context.Context, rec model.GapRecord) {
	candles, err := d.backfiller.FetchCandles(ctx, rec.Series, rec.Start, rec.End)
	if err != nil {
		n := d.bumpAttempts(keyOf(rec))
		d.log.Warn().Err(err).
			Str("series", rec.Series.String()).
			Int64("start", rec.Start).
			Int64("end", rec.End).
			Int("attempts", n).
			Msg("backfill fetch failed")
		return
	}

	inserted := 0
	for _, c := range candles {
		ok, err := d.store.UpsertCandle(ctx, c)
		if err != nil {
			d.log.Error().Err(err).
				Str("series", rec.Series.String()).
				Int64("open_time", c.OpenTime).
				Msg("backfill upsert failed")
			continue
		}
		if ok {
			inserted++
			if d.onBackfill != nil {
				d.onBackfill(rec.Series, c.OpenTime)
			}
		}
	}

	d.clearAttempts(keyOf(rec))
	d.log.Info().
		Str("series", rec.Series.String()).
		Int("minutes", int(rec.Minutes())).
		Int("fetched", len(candles)).
		Int("inserted", inserted).
		Msg("gap repaired")
}

// sweep deletes data older than the retention horizons.
func (d *Detector) sweep(ctx context.Context) {
	now := timeutil.Now()

	candleCutoff := timeutil.RoundToMinute(now - int64(d.config.CandleRetention.Seconds()))
	if n, err := d.store.DeleteCandlesBefore(ctx, candleCutoff); err != nil {
		d.log.Error().Err(err).Msg("candle retention sweep failed")
	} else if n > 0 {
		d.log.Info().Int64("deleted", n).Msg("expired old candles")
	}

	triggerCutoff := now - int64(d.config.TriggerRetention.Seconds())
	if n, err := d.store.DeleteTriggersBefore(ctx, triggerCutoff); err != nil {
		d.log.Error().Err(err).Msg("trigger retention sweep failed")
	} else if n > 0 {
		d.log.Info().Int64("deleted", n).Msg("expired old triggers")
	}
}

func (d *Detector) attemptCount(key gapKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[key]
}

func (d *Detector) bumpAttempts(key gapKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[key]++
	return d.attempts[key]
}

func (d *Detector) clearAttempts(key gapKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attempts, key)
}
