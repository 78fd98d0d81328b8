// Package feed streams pool price updates over WebSocket and converts
// them into ohlc strategy events. The feed reconnects with exponential
// backoff and resubscribes to all pools after a drop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lpguard/internal/domain"
)

// Config configures feed connection behavior.
type Config struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout bounds one message read.
	ReadTimeout time.Duration
	// WriteTimeout bounds one message write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default feed configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Handler receives one converted event per feed message. The event has
// no strategy id; the caller routes it to the strategies watching the
// pool.
type Handler func(ev *domain.StrategyEvent)

// Feed is a WebSocket client for the pool price stream.
type Feed struct {
	endpoint string
	config   Config
	handler  Handler
	logger   *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	// pools tracks active subscriptions for resubscription after a
	// reconnect.
	pools   map[string]struct{}
	poolsMu sync.Mutex

	reconnecting atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New connects to the feed endpoint and starts the read and ping loops.
func New(ctx context.Context, endpoint string, handler Handler, config *Config, logger *zap.Logger) (*Feed, error) {
	if handler == nil {
		return nil, fmt.Errorf("feed: handler is required")
	}
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Feed{
		endpoint: endpoint,
		config:   cfg,
		handler:  handler,
		logger:   logger,
		pools:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	if err := f.connect(ctx); err != nil {
		return nil, err
	}

	f.wg.Add(1)
	go f.readLoop()

	f.wg.Add(1)
	go f.pingLoop()

	return f, nil
}

// connect establishes the WebSocket connection.
func (f *Feed) connect(ctx context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.endpoint, err)
	}
	f.conn = conn
	return nil
}

// Subscribe starts tick delivery for the given pools.
func (f *Feed) Subscribe(pools ...string) error {
	if f.closed.Load() {
		return fmt.Errorf("feed: client closed")
	}
	f.poolsMu.Lock()
	for _, pool := range pools {
		f.pools[pool] = struct{}{}
	}
	f.poolsMu.Unlock()

	return f.writeSubscribe(pools)
}

func (f *Feed) writeSubscribe(pools []string) error {
	req := subscribeRequest{Op: "subscribe", Channel: "ticks", Pools: pools}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
	if err := f.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("feed: write subscribe: %w", err)
	}
	return nil
}

// Close shuts the connection down and waits for the loops to exit.
func (f *Feed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	close(f.done)

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		f.conn.Close()
	}
	f.connMu.Unlock()

	f.wg.Wait()
	return nil
}

// readLoop reads messages and dispatches them, reconnecting on errors.
func (f *Feed) readLoop() {
	defer f.wg.Done()

	reconnectDelay := f.config.ReconnectDelay

	for !f.closed.Load() {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		if conn == nil {
			select {
			case <-f.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if f.closed.Load() {
				return
			}
			if !f.reconnecting.Swap(true) {
				go f.reconnect(reconnectDelay)
			}
			reconnectDelay *= 2
			if reconnectDelay > f.config.MaxReconnectDelay {
				reconnectDelay = f.config.MaxReconnectDelay
			}

			select {
			case <-f.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = f.config.ReconnectDelay
		f.handleMessage(message)
	}
}

// reconnect re-establishes the connection and resubscribes.
func (f *Feed) reconnect(delay time.Duration) {
	defer f.reconnecting.Store(false)

	if f.closed.Load() {
		return
	}
	select {
	case <-f.done:
		return
	case <-time.After(delay):
	}

	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.connect(ctx); err != nil {
		f.logger.Warn("feed reconnect failed", zap.Error(err))
		return
	}

	f.poolsMu.Lock()
	pools := make([]string, 0, len(f.pools))
	for pool := range f.pools {
		pools = append(pools, pool)
	}
	f.poolsMu.Unlock()

	if len(pools) > 0 {
		if err := f.writeSubscribe(pools); err != nil {
			f.logger.Warn("feed resubscribe failed", zap.Error(err))
			return
		}
	}
	f.logger.Info("feed reconnected", zap.Int("pools", len(pools)))
}

// handleMessage converts one feed message into a strategy event.
func (f *Feed) handleMessage(message []byte) {
	var msg tickMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.logger.Warn("feed message unreadable", zap.Error(err))
		return
	}
	if msg.Type != "tick" {
		return
	}

	ohlc, err := msg.toPayload()
	if err != nil {
		f.logger.Warn("feed tick malformed", zap.String("pool", msg.Pool), zap.Error(err))
		return
	}

	f.handler(&domain.StrategyEvent{
		Type:      domain.EventOHLC,
		Timestamp: time.UnixMilli(msg.Timestamp).UTC(),
		OHLC:      ohlc,
	})
}

// pingLoop keeps the connection alive.
func (f *Feed) pingLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn != nil {
				f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
				f.conn.WriteMessage(websocket.PingMessage, nil)
			}
			f.connMu.Unlock()
		}
	}
}

// Wire message types.

type subscribeRequest struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Pools   []string `json:"pools"`
}

type tickMessage struct {
	Type      string `json:"type"`
	Pool      string `json:"pool"`
	Tick      int32  `json:"tick"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Timestamp int64  `json:"ts"`
}

func (m *tickMessage) toPayload() (*domain.OHLCPayload, error) {
	if m.Pool == "" {
		return nil, fmt.Errorf("missing pool")
	}
	out := &domain.OHLCPayload{Pool: m.Pool, Tick: m.Tick}

	for _, field := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", m.Open, &out.Open},
		{"high", m.High, &out.High},
		{"low", m.Low, &out.Low},
		{"close", m.Close, &out.Close},
		{"volume", m.Volume, &out.Volume},
	} {
		if field.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(field.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = v
	}
	if out.Close.IsZero() {
		return nil, fmt.Errorf("missing close price")
	}
	return out, nil
}
