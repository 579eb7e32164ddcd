// Package viewer implements the viewer-side WebSocket client with the
// reconnection supervisor: bounded exponential backoff and interest
// re-registration after a successful reconnect.
package viewer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/config"
	"github.com/actulab/stationhub/internal/protocol"
)

// Reconnection parameters.
const (
	maxAttempts      = 5
	initialBackoff   = 1 * time.Second
	maxBackoff       = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
)

// Handler receives connection lifecycle and message events.
type Handler interface {
	// OnConnected fires after every successful (re)connect, once the
	// binding registration has been sent.
	OnConnected()
	// OnMessage fires for every server message.
	OnMessage(kind string, data []byte)
	// OnConnectionLost fires once the retry budget is exhausted. The
	// client stops retrying; the UI shows a terminal "connection lost"
	// state.
	OnConnectionLost()
}

// Client maintains the viewer's WebSocket connection to the broker.
type Client struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn

	attempts       int
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// New creates a viewer client.
func New(cfg *config.Config, log zerolog.Logger, handler Handler) *Client {
	return &Client{
		cfg:            cfg,
		log:            log.With().Str("component", "viewer").Logger(),
		handler:        handler,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// backoffDelay is the delay before retry number attempt (0-based):
// min(initial × 2^attempt, max).
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	delay := initial << attempt
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// Run connects to the broker and keeps the connection alive within the
// retry budget. It returns when the context is cancelled or the budget is
// exhausted.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			if !c.scheduleRetry(ctx, err) {
				return
			}
			continue
		}

		// Connected: reset the attempt counter and re-register interest.
		c.attempts = 0
		c.register()
		c.handler.OnConnected()

		c.readLoop(ctx)

		if ctx.Err() != nil {
			return
		}
		if !c.scheduleRetry(ctx, nil) {
			return
		}
	}
}

// scheduleRetry waits out the backoff delay. Returns false once the retry
// budget is exhausted.
func (c *Client) scheduleRetry(ctx context.Context, cause error) bool {
	if c.attempts >= c.maxAttempts {
		c.log.Error().Int("attempts", c.attempts).Msg("retry budget exhausted, giving up")
		c.handler.OnConnectionLost()
		return false
	}

	backoff := backoffDelay(c.attempts, c.initialBackoff, c.maxBackoff)
	c.attempts++

	c.log.Warn().
		Err(cause).
		Int("attempt", c.attempts).
		Dur("backoff", backoff).
		Msg("connection lost, retrying")

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connect establishes the WebSocket connection.
func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// register re-sends the binding message so the server knows which
// station/device this viewer cares about.
func (c *Client) register() {
	if c.cfg.StationID == 0 && c.cfg.DeviceID == "" {
		return
	}
	if err := c.Send(protocol.Register{
		Type:      protocol.TypeRegister,
		StationID: c.cfg.StationID,
		DeviceID:  c.cfg.DeviceID,
	}); err != nil {
		c.log.Error().Err(err).Msg("failed to re-register interest")
	}
}

// readLoop reads server messages until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handler.OnMessage(protocol.Kind(data), data)
	}
}

// Send writes one message to the broker.
func (c *Client) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, protocol.Encode(msg))
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(writeWait),
	)
	err := c.conn.Close()
	c.conn = nil
	return err
}
