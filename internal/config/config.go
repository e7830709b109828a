// Package config loads service configuration from an optional YAML
// file overlaid with SCREENER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Screener ScreenerConfig `mapstructure:"screener"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ExchangeConfig struct {
	SpotWSURL      string        `mapstructure:"spot_ws_url" validate:"required,url"`
	FuturesWSURL   string        `mapstructure:"futures_ws_url" validate:"required,url"`
	RESTURL        string        `mapstructure:"rest_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" validate:"min=100ms"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database" validate:"required"`
	SSLMode  string `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
}

type RedisConfig struct {
	Host     string        `mapstructure:"host" validate:"required"`
	Port     int           `mapstructure:"port" validate:"min=1,max=65535"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database" validate:"min=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"min=1s"`
}

type ScreenerConfig struct {
	Markets    []string `mapstructure:"markets" validate:"min=1,dive,oneof=spot futures"`
	TopSymbols int      `mapstructure:"top_symbols" validate:"min=1,max=1000"`

	GraceDelay      time.Duration `mapstructure:"grace_delay" validate:"min=1s"`
	DefaultCooldown time.Duration `mapstructure:"default_cooldown" validate:"min=1s"`

	GapPassInterval     time.Duration `mapstructure:"gap_pass_interval" validate:"min=10s"`
	BackfillConcurrency int           `mapstructure:"backfill_concurrency" validate:"min=1,max=32"`
	MaxBackfillAttempts int           `mapstructure:"max_backfill_attempts" validate:"min=1"`
	GapLookbackMinutes  int           `mapstructure:"gap_lookback_minutes" validate:"min=1"`

	CandleRetention  time.Duration `mapstructure:"candle_retention" validate:"min=1h"`
	TriggerRetention time.Duration `mapstructure:"trigger_retention" validate:"min=1h"`

	TickerRefreshInterval time.Duration `mapstructure:"ticker_refresh_interval" validate:"min=5s"`
	FilterReloadInterval  time.Duration `mapstructure:"filter_reload_interval" validate:"min=5s"`
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads configuration from path (optional, may be empty) and the
// environment. Missing file is not an error; invalid values are.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SCREENER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/screener")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
			return errors.New("invalid config: telegram enabled without token or chat_id")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.spot_ws_url", "wss://stream.bybit.com/v5/public/spot")
	v.SetDefault("exchange.futures_ws_url", "wss://stream.bybit.com/v5/public/linear")
	v.SetDefault("exchange.rest_url", "https://api.bybit.com")
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.max_attempts", 3)
	v.SetDefault("exchange.retry_delay", time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "screener")
	v.SetDefault("database.database", "screener")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("screener.markets", []string{"spot", "futures"})
	v.SetDefault("screener.top_symbols", 100)
	v.SetDefault("screener.grace_delay", 10*time.Second)
	v.SetDefault("screener.default_cooldown", 15*time.Minute)
	v.SetDefault("screener.gap_pass_interval", time.Minute)
	v.SetDefault("screener.backfill_concurrency", 4)
	v.SetDefault("screener.max_backfill_attempts", 5)
	v.SetDefault("screener.gap_lookback_minutes", 240)
	v.SetDefault("screener.candle_retention", 2*time.Hour)
	v.SetDefault("screener.trigger_retention", 30*24*time.Hour)
	v.SetDefault("screener.ticker_refresh_interval", time.Minute)
	v.SetDefault("screener.filter_reload_interval", time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}
