// Package websocket provides the WebSocket client used for exchange
// tick subscriptions.
//
// The client owns one connection for its lifetime: it dials, sends the
// subscription payloads, then runs a read loop and a ping loop until
// the connection drops or the context is cancelled. Reconnection is
// deliberately NOT handled here — the per-series ingestor owns the
// backoff/reconnect policy and simply creates a fresh client per
// attempt.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lipafr/crypto-screener-bybit-2.2/internal/model"
)

const (
	defaultPingPeriod       = 20 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	defaultHandshakeTimeout = 10 * time.Second
)

// ErrClientClosed indicates the client finished shutting down.
var ErrClientClosed = errors.New("websocket client closed")

// Config defines settings for one client connection.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler is called for each incoming message and pushes any parsed
	// ticks onto the provided channel. The context ends when the client
	// shuts down; a handler blocked on the channel must select on it so
	// the read loop can exit with the buffer full. Required.
	Handler func(context.Context, []byte, chan<- model.Tick) error

	// SubscriptionMessages are sent immediately after the handshake.
	SubscriptionMessages [][]byte

	// PingPeriod is the interval between protocol pings.
	PingPeriod time.Duration

	// SendTimeout bounds every write on the connection.
	SendTimeout time.Duration

	// TLSInsecureSkip disables certificate verification (tests only).
	TLSInsecureSkip bool
}

// Client wraps a websocket.Conn with lifecycle and message handling.
type Client struct {
	// TickChan delivers parsed ticks to the owning ingestor. Closed when
	// the read loop exits.
	TickChan chan model.Tick

	conn       atomic.Value // *websocket.Conn
	cfg        *Config
	ctx        context.Context
	cancel     context.CancelFunc
	disconnect chan struct{}
	errChan    chan error
	once       sync.Once
	wg         sync.WaitGroup
}

// NewClient dials the endpoint, sends the subscription messages and
// starts the read and ping loops.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		TickChan:   make(chan model.Tick, 1000),
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	if err := c.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return c, nil
}

func (c *Client) run() error {
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()

	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn.Store(conn)

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		deadline := time.Now().Add(c.cfg.PingPeriod * 2)
		return conn.SetReadDeadline(deadline)
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			logger.Error().Err(err).Msg("subscription write failed")
			return err
		}
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	// Not part of the wait group: it calls Close itself, and Close
	// waits on the group.
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	return nil
}

// readLoop reads until the connection fails or the context ends, then
// signals the disconnect and closes the tick channel.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().Str("endpoint", c.cfg.Endpoint).Logger()

	defer func() {
		close(c.disconnect)
		close(c.TickChan)
		select {
		case c.errChan <- ErrClientClosed:
		default:
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Err(err).Msg("websocket closed normally")
			} else if websocket.IsUnexpectedCloseError(err) {
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			} else {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			select {
			case c.errChan <- err:
			default:
			}
			return
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Any("recover", r).Msg("panic in message handler")
				}
			}()
			if err := c.cfg.Handler(c.ctx, data, c.TickChan); err != nil {
				logger.Warn().Err(err).Msg("message handler error")
			}
		}()
	}
}

// pingLoop keeps the connection alive and detects dead peers.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn := c.conn.Load().(*websocket.Conn)
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.SetWriteDeadline(deadline); err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("ping failed")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close shuts the client down. Safe to call multiple times.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()

		if conn, ok := c.conn.Load().(*websocket.Conn); ok {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			_ = conn.Close()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("endpoint", c.cfg.Endpoint).Msg("timeout waiting for client goroutines")
		}
	})
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(c.ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		if resp != nil {
			log.Warn().Err(err).Int("statusCode", resp.StatusCode).
				Str("endpoint", c.cfg.Endpoint).Msg("websocket dial failed")
		} else {
			log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("websocket dial failed")
		}
		return nil, err
	}
	return conn, nil
}

// DisconnectChan is closed when the connection is lost for any reason.
// The ingestor's reconnect loop waits on it.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan reports the terminal error that ended the connection.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
