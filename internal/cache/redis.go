// Package cache keeps the latest 24h ticker snapshot per series in
// Redis. The filter engine reads it for the 24h volume gates; the
// screener's ticker refresher overwrites it on every pass.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

// ErrNotFound indicates no snapshot exists for the requested series.
var ErrNotFound = errors.New("ticker snapshot not found")

// Config holds Redis connection parameters.
type Config struct {
	Host     string
	Port     int
	Password string
	Database int

	// TTL bounds snapshot staleness; an expired snapshot reads as
	// missing rather than serving hours-old volume figures.
	TTL time.Duration
}

// TickerCache is the Redis-backed snapshot cache.
type TickerCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*TickerCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TickerCache{client: client, ttl: ttl}, nil
}

func key(series model.Series) string {
	return "ticker:" + string(series.Market) + ":" + series.Symbol
}

// SetTicker stores the snapshot for one series.
func (c *TickerCache) SetTicker(ctx context.Context, snap model.TickerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal ticker snapshot: %w", err)
	}

	series := model.Series{Symbol: snap.Symbol, Market: snap.Market}
	if err := c.client.Set(ctx, key(series), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set ticker snapshot: %w", err)
	}
	return nil
}

// SetTickers stores a batch of snapshots in one pipeline round trip.
func (c *TickerCache) SetTickers(ctx context.Context, snaps []model.TickerSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal ticker snapshot: %w", err)
		}
		series := model.Series{Symbol: snap.Symbol, Market: snap.Market}
		pipe.Set(ctx, key(series), data, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set ticker snapshots: %w", err)
	}
	return nil
}

// GetTicker loads the snapshot for one series, or ErrNotFound when the
// cache has no (unexpired) entry.
func (c *TickerCache) GetTicker(ctx context.Context, series model.Series) (model.TickerSnapshot, error) {
	data, err := c.client.Get(ctx, key(series)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.TickerSnapshot{}, ErrNotFound
	}
	if err != nil {
		return model.TickerSnapshot{}, fmt.Errorf("get ticker snapshot: %w", err)
	}

	var snap model.TickerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.TickerSnapshot{}, fmt.Errorf("unmarshal ticker snapshot: %w", err)
	}
	return snap, nil
}

// Close releases the Redis client.
func (c *TickerCache) Close() error {
	return c.client.Close()
}
