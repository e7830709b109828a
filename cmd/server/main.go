package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/cache"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/config"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/exchange"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/gap"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/notify"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/screener"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/store"
	"github.com/lipafr/crypto-screener-bybit-2.2/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("configuration load failed")
	}

	log := newLogger(cfg.Logging)
	log.Info().Msg("starting screener")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := store.New(startCtx, store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	startCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
	tickers, err := cache.New(startCtx, cache.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.Database,
		TTL:      cfg.Redis.TTL,
	})
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer tickers.Close()

	connector, err := exchange.NewConnector(&exchange.Config{
		SpotWSURL:      cfg.Exchange.SpotWSURL,
		FuturesWSURL:   cfg.Exchange.FuturesWSURL,
		RESTURL:        cfg.Exchange.RESTURL,
		RequestTimeout: cfg.Exchange.RequestTimeout,
		MaxAttempts:    cfg.Exchange.MaxAttempts,
		RetryDelay:     cfg.Exchange.RetryDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("exchange connector init failed")
	}

	dispatcher := trigger.NewDispatcher(db, log)

	markets := make([]model.Market, 0, len(cfg.Screener.Markets))
	for _, m := range cfg.Screener.Markets {
		market, err := model.ParseMarket(m)
		if err != nil {
			log.Fatal().Err(err).Str("market", m).Msg("invalid market in config")
		}
		markets = append(markets, market)
	}

	svc := screener.New(screener.Config{
		Markets:               markets,
		TopSymbols:            cfg.Screener.TopSymbols,
		GraceDelay:            cfg.Screener.GraceDelay,
		DefaultCooldown:       cfg.Screener.DefaultCooldown,
		TickerRefreshInterval: cfg.Screener.TickerRefreshInterval,
		FilterReloadInterval:  cfg.Screener.FilterReloadInterval,
		Gap: gap.Config{
			PassInterval:     cfg.Screener.GapPassInterval,
			Concurrency:      cfg.Screener.BackfillConcurrency,
			MaxAttempts:      cfg.Screener.MaxBackfillAttempts,
			LookbackMinutes:  cfg.Screener.GapLookbackMinutes,
			CandleRetention:  cfg.Screener.CandleRetention,
			TriggerRetention: cfg.Screener.TriggerRetention,
		},
	}, connector, db, tickers, dispatcher, log)

	if cfg.Telegram.Enabled {
		notifier, err := notify.New(cfg.Telegram.Token, cfg.Telegram.ChatID, log)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram init failed")
		}
		feed, unsubscribe := dispatcher.Subscribe(trigger.FeedTriggers)
		defer unsubscribe()
		go notifier.Run(ctx, feed)
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("screener exited with error")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
