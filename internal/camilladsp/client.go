// Package camilladsp drives the main volume fader of a local CamillaDSP
// instance over its websocket control API.
package camilladsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when no websocket is open and redial failed.
var ErrNotConnected = errors.New("camilladsp: not connected")

// ResultError is a non-"Ok" result reported by CamillaDSP.
type ResultError struct {
	Command string
	Result  string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("camilladsp: %s returned %q", e.Command, e.Result)
}

// Client manages the websocket connection to CamillaDSP. Requests are
// serialized: each command is written and its reply read before the next.
type Client struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	logger      *slog.Logger
	readTimeout time.Duration
	retries     int
}

// New validates wsURL and connects, retrying a few times.
func New(ctx context.Context, wsURL string, readTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL scheme %q", u.Scheme)
	}
	if readTimeout <= 0 {
		readTimeout = 500 * time.Millisecond
	}

	c := &Client{
		url:         wsURL,
		logger:      logger,
		readTimeout: readTimeout,
		retries:     10,
	}
	if err := c.connectWithRetry(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect replaces the current connection. Caller holds mu.
func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	d := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := d.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) connectWithRetry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		err := c.connect(ctx)
		if err == nil {
			c.logger.Info("connected to CamillaDSP", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("camilladsp connection failed; retrying", "error", err, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return fmt.Errorf("connect camilladsp: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("connect camilladsp after %d attempts: %w", c.retries, lastErr)
}

// roundTrip writes one command and reads its reply. A broken connection is
// dropped and redialed on the next call.
func (c *Client) roundTrip(ctx context.Context, v any) ([]byte, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.logger.Warn("camilladsp connection lost; reconnecting")
		if err := c.connect(ctx); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}
	defer c.mu.Unlock()

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)
	defer func() {
		if c.conn != nil {
			c.conn.SetWriteDeadline(time.Time{})
			c.conn.SetReadDeadline(time.Time{})
		}
	}()

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	return message, nil
}

// reply is the envelope of every CamillaDSP answer: {"<Command>": {...}}.
type reply struct {
	Result string          `json:"result"`
	Value  json.RawMessage `json:"value"`
}

func (c *Client) call(ctx context.Context, command string, cmd any, out any) error {
	raw, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return err
	}

	var env map[string]reply
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s reply: %w", command, err)
	}
	r, ok := env[command]
	if !ok {
		return fmt.Errorf("camilladsp: reply without %s", command)
	}
	if r.Result != "Ok" {
		return &ResultError{Command: command, Result: r.Result}
	}
	if out != nil {
		if err := json.Unmarshal(r.Value, out); err != nil {
			return fmt.Errorf("decode %s value: %w", command, err)
		}
	}
	return nil
}

// GetVolume returns the main fader level in dB.
func (c *Client) GetVolume(ctx context.Context) (float64, error) {
	var db float64
	if err := c.call(ctx, "GetVolume", "GetVolume", &db); err != nil {
		return 0, fmt.Errorf("get volume: %w", err)
	}
	c.logger.Debug("GetVolume", "volume_db", db)
	return db, nil
}

// SetVolume sets the main fader level in dB.
func (c *Client) SetVolume(ctx context.Context, db float64) error {
	if err := c.call(ctx, "SetVolume", map[string]any{"SetVolume": db}, nil); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	c.logger.Debug("SetVolume", "target_db", db)
	return nil
}

// GetMute returns the main fader mute state.
func (c *Client) GetMute(ctx context.Context) (bool, error) {
	var muted bool
	if err := c.call(ctx, "GetMute", "GetMute", &muted); err != nil {
		return false, fmt.Errorf("get mute: %w", err)
	}
	return muted, nil
}

// SetMute sets the main fader mute state.
func (c *Client) SetMute(ctx context.Context, mute bool) error {
	if err := c.call(ctx, "SetMute", map[string]any{"SetMute": mute}, nil); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	return nil
}

// GetState returns the processing state ("Running", "Paused", ...).
func (c *Client) GetState(ctx context.Context) (string, error) {
	var state string
	if err := c.call(ctx, "GetState", "GetState", &state); err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return state, nil
}

// Close closes the websocket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
