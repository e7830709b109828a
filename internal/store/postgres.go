// Package store persists closed candles, filter definitions and
// trigger events in PostgreSQL.
//
// The candle table is append-only and time-bounded: one row per
// (symbol, market, open_time), written with insert-or-ignore semantics
// so a backfill can never overwrite a candle the live stream already
// closed, and trimmed by a retention sweep. Only closed candles are
// ever written; the open candle lives in its builder, not here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

// Config holds PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store is the PostgreSQL-backed implementation of candle, filter and
// trigger persistence. Safe for concurrent use; database/sql pools
// connections underneath.
type Store struct {
	db *sql.DB
}

// New opens the database, verifies connectivity and ensures the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol     TEXT    NOT NULL,
			market     TEXT    NOT NULL,
			open_time  BIGINT  NOT NULL,
			open       NUMERIC NOT NULL,
			high       NUMERIC NOT NULL,
			low        NUMERIC NOT NULL,
			close      NUMERIC NOT NULL,
			volume     NUMERIC NOT NULL,
			created_at BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			PRIMARY KEY (symbol, market, open_time)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_candles_open_time ON candles (open_time)`,
		`CREATE TABLE IF NOT EXISTS filters (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT    NOT NULL,
			type       TEXT    NOT NULL,
			market     TEXT    NOT NULL,
			enabled    BOOLEAN NOT NULL DEFAULT TRUE,
			config     JSONB   NOT NULL,
			created_at BIGINT  NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT,
			updated_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS filter_triggers (
			id           BIGSERIAL PRIMARY KEY,
			filter_id    BIGINT NOT NULL,
			filter_name  TEXT   NOT NULL,
			filter_type  TEXT   NOT NULL,
			symbol       TEXT   NOT NULL,
			market       TEXT   NOT NULL,
			triggered_at BIGINT NOT NULL,
			payload      JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_filter_symbol_time
			ON filter_triggers (filter_id, symbol, triggered_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema setup failed: %w", err)
		}
	}
	return nil
}

// UpsertCandle writes one closed candle with insert-or-ignore
// semantics and reports whether a row was actually inserted. A candle
// that already exists for the key is left untouched.
func (s *Store) UpsertCandle(ctx context.Context, c model.Candle) (bool, error) {
	if !c.Closed {
		return false, errors.New("refusing to persist an open candle")
	}
	if c.OpenTime%60 != 0 {
		return false, fmt.Errorf("open time %d not minute-aligned", c.OpenTime)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO candles (symbol, market, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, market, open_time) DO NOTHING`,
		c.Symbol, string(c.Market), c.OpenTime,
		c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return false, fmt.Errorf("upsert candle: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QueryCandles returns the closed candles of a series inside the
// half-open range [start, end), ordered by open time ascending.
func (s *Store) QueryCandles(ctx context.Context, series model.Series, start, end int64) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume
		FROM candles
		WHERE symbol = $1 AND market = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC`,
		series.Symbol, string(series.Market), start, end)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c := model.Candle{Symbol: series.Symbol, Market: series.Market, Closed: true}
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// OpenTimes returns the stored candle boundaries for a series within
// [start, end), ascending. The gap detector diffs this against the
// expected minute sequence.
func (s *Store) OpenTimes(ctx context.Context, series model.Series, start, end int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT open_time FROM candles
		WHERE symbol = $1 AND market = $2 AND open_time >= $3 AND open_time < $4
		ORDER BY open_time ASC`,
		series.Symbol, string(series.Market), start, end)
	if err != nil {
		return nil, fmt.Errorf("query open times: %w", err)
	}
	defer rows.Close()

	var times []int64
	for rows.Next() {
		var t int64
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// DeleteCandlesBefore removes candles older than cutoff and returns the
// number deleted. The retention sweep keeps the table time-bounded.
func (s *Store) DeleteCandlesBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM candles WHERE open_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete candles: %w", err)
	}
	return res.RowsAffected()
}

// ListEnabledFilters loads every enabled filter definition. Definitions
// whose parameter document fails validation are skipped and logged —
// one malformed filter must not block the evaluation of the others.
func (s *Store) ListEnabledFilters(ctx context.Context) ([]model.FilterDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, market, enabled, config
		FROM filters
		WHERE enabled = TRUE
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	defer rows.Close()

	var defs []model.FilterDefinition
	for rows.Next() {
		var (
			def       model.FilterDefinition
			typeStr   string
			marketStr string
			raw       []byte
		)
		if err := rows.Scan(&def.ID, &def.Name, &typeStr, &marketStr, &def.Enabled, &raw); err != nil {
			return nil, err
		}

		market, err := model.ParseMarket(marketStr)
		if err != nil {
			log.Warn().Err(err).Int64("filterID", def.ID).Msg("skipping filter with unknown market")
			continue
		}
		def.Market = market
		def.Type = model.FilterType(typeStr)

		if err := model.ParseFilterParams(&def, raw); err != nil {
			log.Warn().Err(err).Int64("filterID", def.ID).Str("name", def.Name).
				Msg("skipping malformed filter definition")
			continue
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// RecordTrigger persists one accepted trigger event.
func (s *Store) RecordTrigger(ctx context.Context, ev model.TriggerEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO filter_triggers
			(filter_id, filter_name, filter_type, symbol, market, triggered_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.FilterID, ev.FilterName, string(ev.FilterType),
		ev.Symbol, string(ev.Market), ev.TriggeredAt, payload)
	if err != nil {
		return fmt.Errorf("record trigger: %w", err)
	}
	return nil
}

// DeleteTriggersBefore removes trigger rows older than cutoff.
func (s *Store) DeleteTriggersBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM filter_triggers WHERE triggered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete triggers: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
