// Package notify delivers trigger events to a Telegram chat.
package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

// Notifier reads the trigger feed and posts one formatted message per
// firing. Send failures are logged and the event is dropped; alerting
// is best-effort by design of the feed, the firing itself is already
// persisted.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

func New(token string, chatID int64, log zerolog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Notifier{
		bot:    bot,
		chatID: chatID,
		log:    log.With().Str("component", "notifier").Logger(),
	}, nil
}

// Run consumes the feed until ctx is cancelled or the feed closes.
func (n *Notifier) Run(ctx context.Context, feed <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-feed:
			if !ok {
				return
			}
			ev, ok := item.(*model.TriggerEvent)
			if !ok {
				continue
			}
			n.send(ev)
		}
	}
}

func (n *Notifier) send(ev *model.TriggerEvent) {
	msg := tgbotapi.NewMessage(n.chatID, FormatTrigger(ev))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		n.log.Error().Err(err).
			Str("symbol", ev.Symbol).
			Int64("filter_id", ev.FilterID).
			Msg("telegram send failed")
	}
}

// FormatTrigger renders one trigger event as a Telegram HTML message.
func FormatTrigger(ev *model.TriggerEvent) string {
	header := fmt.Sprintf("<b>%s</b> · %s", html.EscapeString(ev.Symbol), marketLabel(ev.Market))

	switch p := ev.Payload.(type) {
	case *model.PriceChangePayload:
		return fmt.Sprintf(
			"%s %s\n<b>%s%%</b> price change (%s → %s)\nWindow volume: %s\n24h volume: %s\n%s\n<a href=%q>Open chart</a>",
			directionEmoji(p.ChangePercent), header,
			signed(p.ChangePercent), p.PriceFrom, p.PriceTo,
			compactVolume(p.WindowVolume),
			compactVolume(p.Volume24h),
			footer(ev),
			p.URL,
		)

	case *model.VolumeSpikePayload:
		return fmt.Sprintf(
			"📊 %s\n<b>x%s</b> volume spike over %d min\nCurrent: %s, average: %s\n24h volume: %s\n%s\n<a href=%q>Open chart</a>",
			header,
			p.Coefficient, p.ShortPeriod,
			compactVolume(p.CurrentVolume), compactVolume(p.AverageVolume),
			compactVolume(p.Volume24h),
			footer(ev),
			p.URL,
		)

	default:
		return fmt.Sprintf("%s\nFilter %q fired\n%s", header, html.EscapeString(ev.FilterName), footer(ev))
	}
}

func footer(ev *model.TriggerEvent) string {
	return fmt.Sprintf("Filter: %s\n%s UTC",
		html.EscapeString(ev.FilterName),
		time.Unix(ev.TriggeredAt, 0).UTC().Format(time.DateTime))
}

func marketLabel(m model.Market) string {
	if m == model.MarketFutures {
		return "Futures"
	}
	return "Spot"
}

func directionEmoji(change decimal.Decimal) string {
	if change.IsNegative() {
		return "🔻"
	}
	return "🚀"
}

func signed(v decimal.Decimal) string {
	s := v.StringFixed(2)
	if v.IsPositive() {
		return "+" + s
	}
	return s
}

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
	billion  = decimal.NewFromInt(1_000_000_000)
)

// compactVolume renders quote volume with a K/M/B suffix.
func compactVolume(v decimal.Decimal) string {
	switch {
	case v.GreaterThanOrEqual(billion):
		return v.Div(billion).StringFixed(2) + "B"
	case v.GreaterThanOrEqual(million):
		return v.Div(million).StringFixed(2) + "M"
	case v.GreaterThanOrEqual(thousand):
		return v.Div(thousand).StringFixed(2) + "K"
	default:
		return v.StringFixed(2)
	}
}
