// Package trigger fans filter firings and lifecycle events out to
// in-process subscribers and persists every firing.
package trigger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

// Feed identifies one of the dispatcher's event streams.
type Feed int

const (
	// FeedTriggers carries *model.TriggerEvent for every filter firing.
	FeedTriggers Feed = iota
	// FeedCandles carries *model.Candle for every persisted close.
	FeedCandles
	// FeedHealth carries model.ConnEvent for connection state changes.
	FeedHealth
)

const subscriberBuffer = 256

// Recorder persists trigger firings.
type Recorder interface {
	RecordTrigger(ctx context.Context, ev model.TriggerEvent) error
}

type subscription struct {
	feed Feed
	ch   chan any
}

type command struct {
	sub   *subscription
	unsub *subscription
}

// Dispatcher is a single-goroutine fan-out hub. All subscription state
// is owned by the run loop; the public methods only exchange messages
// with it, so no locks guard the subscriber sets.
type Dispatcher struct {
	recorder Recorder
	log      zerolog.Logger

	commands chan command
	events   chan event
	done     chan struct{}
}

type event struct {
	feed    Feed
	payload any
}

func NewDispatcher(recorder Recorder, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		recorder: recorder,
		log:      log.With().Str("component", "dispatcher").Logger(),
		commands: make(chan command, 16),
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
	}
}

// Run processes subscriptions and events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	subs := map[Feed]map[*subscription]struct{}{
		FeedTriggers: {},
		FeedCandles:  {},
		FeedHealth:   {},
	}

	defer func() {
		close(d.done)
		for _, set := range subs {
			for sub := range set {
				close(sub.ch)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.commands:
			if cmd.sub != nil {
				subs[cmd.sub.feed][cmd.sub] = struct{}{}
			}
			if cmd.unsub != nil {
				if _, ok := subs[cmd.unsub.feed][cmd.unsub]; ok {
					delete(subs[cmd.unsub.feed], cmd.unsub)
					close(cmd.unsub.ch)
				}
			}
		case ev := <-d.events:
			for sub := range subs[ev.feed] {
				select {
				case sub.ch <- ev.payload:
				default:
					// Drop the oldest buffered item rather than
					// blocking every other subscriber behind one
					// slow consumer.
					select {
					case <-sub.ch:
					default:
					}
					select {
					case sub.ch <- ev.payload:
					default:
					}
				}
			}
		}
	}
}

// Subscribe returns a receive channel for feed. The channel is closed
// on Unsubscribe or dispatcher shutdown.
func (d *Dispatcher) Subscribe(feed Feed) (<-chan any, func()) {
	sub := &subscription{feed: feed, ch: make(chan any, subscriberBuffer)}
	select {
	case d.commands <- command{sub: sub}:
	case <-d.done:
		close(sub.ch)
		return sub.ch, func() {}
	}

	cancel := func() {
		select {
		case d.commands <- command{unsub: sub}:
		case <-d.done:
		}
	}
	return sub.ch, cancel
}

// PublishTrigger persists the firing and fans it out. Persistence
// failures are logged but do not block delivery to subscribers.
func (d *Dispatcher) PublishTrigger(ctx context.Context, ev *model.TriggerEvent) {
	if d.recorder != nil {
		recordCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.recorder.RecordTrigger(recordCtx, *ev); err != nil {
			d.log.Error().Err(err).
				Int64("filter_id", ev.FilterID).
				Str("symbol", ev.Symbol).
				Msg("trigger persistence failed")
		}
		cancel()
	}

	d.log.Info().
		Int64("filter_id", ev.FilterID).
		Str("filter", ev.FilterName).
		Str("type", string(ev.FilterType)).
		Str("symbol", ev.Symbol).
		Str("market", string(ev.Market)).
		Msg("filter triggered")

	d.publish(event{feed: FeedTriggers, payload: ev})
}

// PublishCandle announces a freshly persisted closed candle.
func (d *Dispatcher) PublishCandle(c *model.Candle) {
	d.publish(event{feed: FeedCandles, payload: c})
}

// PublishHealth announces a connection state change.
func (d *Dispatcher) PublishHealth(ev model.ConnEvent) {
	d.publish(event{feed: FeedHealth, payload: ev})
}

func (d *Dispatcher) publish(ev event) {
	select {
	case d.events <- ev:
	case <-d.done:
	default:
		d.log.Warn().Int("feed", int(ev.feed)).Msg("event queue full, dropping")
	}
}
