// Package signalchannel maintains the WebSocket subscription that carries
// content-free signals for one conversation context.
package signalchannel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepgram/sigpull/internal/auth"
	"github.com/deepgram/sigpull/internal/connections"
	"github.com/deepgram/sigpull/internal/domain/chat/models"
	"github.com/deepgram/sigpull/internal/retry"
	"github.com/deepgram/sigpull/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrReconnectExhausted is returned once every reconnection attempt has failed
var ErrReconnectExhausted = errors.New("signal channel reconnect attempts exhausted")

// readLimit guards memory; oversized signals are rejected by the decoder
const readLimit = 64 * 1024

// Status describes the subscription health
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
)

// Config configures a Channel
type Config struct {
	// URL is the websocket base, e.g. ws://localhost:8080/v1
	URL                  string
	Timeouts             connections.TimeoutConfig
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	MaxReconnectBackoff  time.Duration
}

// Channel is a self-reconnecting signal subscription for one context
type Channel struct {
	cfg       Config
	contextID string
	issuer    *auth.Issuer
	dialer    *websocket.Dialer
	log       zerolog.Logger

	mu        sync.RWMutex
	onEvent   func(models.SignalEvent)
	onConnect func(reconnect bool)
	onStatus  func(Status)

	lastFrame atomic.Int64
}

// New creates a Channel. issuer may be nil.
func New(cfg Config, contextID string, issuer *auth.Issuer) *Channel {
	if cfg.MaxReconnectAttempts < 1 {
		cfg.MaxReconnectAttempts = 1
	}
	if cfg.Timeouts == (connections.TimeoutConfig{}) {
		cfg.Timeouts = connections.DefaultTimeouts
	}
	return &Channel{
		cfg:       cfg,
		contextID: contextID,
		issuer:    issuer,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Timeouts.WriteWait,
		},
		log: logger.With(logger.SIGNAL).With().Str("context_id", contextID).Logger(),
	}
}

// OnEvent registers the handler for decoded signals
func (c *Channel) OnEvent(fn func(models.SignalEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// OnConnect registers a hook run after every successful (re)connection
func (c *Channel) OnConnect(fn func(reconnect bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// OnStatus registers a hook for connection status changes
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// LastFrame returns when the last frame of any kind arrived
func (c *Channel) LastFrame() time.Time {
	ns := c.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Endpoint returns the subscription URL
func (c *Channel) Endpoint() string {
	return fmt.Sprintf("%s/contexts/%s/events", strings.TrimRight(c.cfg.URL, "/"), url.PathEscape(c.contextID))
}

// Run holds the subscription open until ctx is done. A dropped connection is
// re-established with exponential backoff; when MaxReconnectAttempts
// consecutive dials fail, Run returns ErrReconnectExhausted.
func (c *Channel) Run(ctx context.Context) error {
	retryCfg := retry.Config{
		MaxRetries:     c.cfg.MaxReconnectAttempts,
		InitialBackoff: c.cfg.ReconnectBackoff,
		MaxBackoff:     c.cfg.MaxReconnectBackoff,
		Jitter:         0.2,
	}
	connectedBefore := false

	for {
		var conn *websocket.Conn
		err := retry.Do(ctx, retryCfg, func() error {
			var dialErr error
			conn, dialErr = c.dial(ctx)
			if dialErr != nil {
				c.log.Warn().Err(dialErr).Msg("Signal channel dial failed")
			}
			return dialErr
		}, func(error) bool { return ctx.Err() == nil })

		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return ctx.Err()
		}
		if err != nil {
			c.setStatus(StatusDisconnected)
			return fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
		}

		c.log.Info().Bool("reconnect", connectedBefore).Msg("Signal channel connected")
		c.setStatus(StatusConnected)
		c.connected(connectedBefore)
		connectedBefore = true

		readErr := c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			c.setStatus(StatusDisconnected)
			return ctx.Err()
		}

		c.log.Warn().Err(readErr).Msg("Signal channel dropped, reconnecting")
		c.setStatus(StatusReconnecting)
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header, err := c.issuer.Header()
	if err != nil {
		return nil, fmt.Errorf("failed to authorize subscription: %w", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.Endpoint(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: status %d: %w", c.Endpoint(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", c.Endpoint(), err)
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	timeouts := c.cfg.Timeouts
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	conn.SetPongHandler(func(string) error {
		c.touch()
		return conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(timeouts.PingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(timeouts.WriteWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-ctx.Done():
				writeMu.Lock()
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(timeouts.WriteWait))
				writeMu.Unlock()
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.touch()
		conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))

		ev, err := models.DecodeSignal(frame)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(frame)).Msg("Skipping malformed signal")
			continue
		}

		c.mu.RLock()
		handler := c.onEvent
		c.mu.RUnlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (c *Channel) touch() {
	c.lastFrame.Store(time.Now().UnixNano())
}

func (c *Channel) connected(reconnect bool) {
	c.mu.RLock()
	hook := c.onConnect
	c.mu.RUnlock()
	if hook != nil {
		hook(reconnect)
	}
}

func (c *Channel) setStatus(status Status) {
	c.mu.RLock()
	hook := c.onStatus
	c.mu.RUnlock()
	if hook != nil {
		hook(status)
	}
}
