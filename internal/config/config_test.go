package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// An explicitly named file that does not exist is an error; an
	// empty path with no discoverable file is not.
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wss://stream.bybit.com/v5/public/spot", cfg.Exchange.SpotWSURL)
	assert.Equal(t, "https://api.bybit.com", cfg.Exchange.RESTURL)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, []string{"spot", "futures"}, cfg.Screener.Markets)
	assert.Equal(t, 100, cfg.Screener.TopSymbols)
	assert.Equal(t, 10*time.Second, cfg.Screener.GraceDelay)
	assert.Equal(t, 15*time.Minute, cfg.Screener.DefaultCooldown)
	assert.Equal(t, 4, cfg.Screener.BackfillConcurrency)
	assert.Equal(t, 5, cfg.Screener.MaxBackfillAttempts)
	assert.Equal(t, 240, cfg.Screener.GapLookbackMinutes)
	assert.Equal(t, 2*time.Hour, cfg.Screener.CandleRetention)
	assert.False(t, cfg.Telegram.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
screener:
  top_symbols: 25
  markets: ["spot"]
  grace_delay: 5s
database:
  host: db.internal
  port: 5433
logging:
  level: debug
  pretty: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Screener.TopSymbols)
	assert.Equal(t, []string{"spot"}, cfg.Screener.Markets)
	assert.Equal(t, 5*time.Second, cfg.Screener.GraceDelay)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)

	// Untouched sections keep their defaults.
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Equal(t, 15*time.Minute, cfg.Screener.DefaultCooldown)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad market",
			yaml: "screener:\n  markets: [\"margin\"]\n",
		},
		{
			name: "bad log level",
			yaml: "logging:\n  level: shout\n",
		},
		{
			name: "bad ssl mode",
			yaml: "database:\n  ssl_mode: maybe\n",
		},
		{
			name: "telegram enabled without token",
			yaml: "telegram:\n  enabled: true\n",
		},
		{
			name: "zero backfill concurrency",
			yaml: "screener:\n  backfill_concurrency: 0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
