// Package snapcast is a JSON-RPC control client for a Snapcast server. It lists
// connected clients, mirrors volume and mute, and forwards server
// notifications.
package snapcast

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// ErrNotConnected is returned while no control connection is up.
var ErrNotConnected = errors.New("snapcast: not connected")

// RPCError is an error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("snapcast: rpc error %d: %s", e.Code, e.Message)
}

// Scale maps between Snapcast percent and device dB. Snapclients run with
// their own mixer disabled, so percent only mirrors the display volume.
type Scale interface {
	ToPercent(db float64) int
	ToDB(percent int) float64
}

// Handlers receive server notifications. They run on a dedicated goroutine,
// one at a time, and may call back into the client.
type Handlers struct {
	OnVolumeChanged func(id string, percent int, muted bool)
	OnConnect       func(id, address string)
	OnDisconnect    func(id string)
	OnUpdate        func()
}

// ClientInfo is one client entry of the server status.
type ClientInfo struct {
	ID        string
	Name      string
	Address   string
	Percent   int
	Muted     bool
	Connected bool
	GroupID   string
}

type request struct {
	ID      int    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// message is either a response (ID set) or a notification (Method set).
type message struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Options configures a Client.
type Options struct {
	Host           string
	Port           int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	RetryInterval  time.Duration
}

// Client keeps one control connection to a Snapcast server.
type Client struct {
	opts     Options
	handlers Handlers
	logger   *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	nextID  int
	pending map[int]chan message
	ready   chan struct{} // closed while connected

	events chan message
}

// New returns an unconnected client. Call Run to connect and keep the
// connection alive.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.Port == 0 {
		opts.Port = 1705
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Client{
		opts:    opts,
		logger:  logger,
		nextID:  1,
		pending: make(map[int]chan message),
		ready:   make(chan struct{}),
		events:  make(chan message, 64),
	}
}

// SetHandlers installs notification handlers. Call before Run.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

// Addr returns host:port of the server.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) {
	go c.dispatch(ctx)

	for {
		conn, err := (&net.Dialer{Timeout: c.opts.DialTimeout}).DialContext(ctx, "tcp", c.Addr())
		if err != nil {
			c.logger.Warn("snapcast connect failed", "addr", c.Addr(), "error", err)
		} else {
			c.logger.Info("connected to Snapcast server", "addr", c.Addr())
			c.attach(conn)
			if c.handlers.OnUpdate != nil {
				c.enqueue(message{Method: "Server.OnUpdate"})
			}
			c.readLoop(ctx, conn)
			c.detach(conn)
			c.logger.Warn("snapcast connection lost", "addr", c.Addr())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.RetryInterval):
		}
	}
}

// WaitConnected blocks until a connection is up or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	close(c.ready)
}

// detach drops the connection and fails every outstanding request.
func (c *Client) detach(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var msg message
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			c.logger.Debug("snapcast: undecodable line", "error", err)
			continue
		}
		if msg.ID != nil {
			c.deliver(msg)
			continue
		}
		if msg.Method != "" {
			c.enqueue(msg)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		c.logger.Debug("snapcast read ended", "error", err)
	}
}

func (c *Client) deliver(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) enqueue(msg message) {
	select {
	case c.events <- msg:
	default:
		c.logger.Warn("snapcast notification dropped", "method", msg.Method)
	}
}

// dispatch runs notification handlers off the read loop so they can issue
// requests of their own.
func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.events:
			c.handle(msg)
		}
	}
}

type clientParams struct {
	ID     string `json:"id"`
	Volume struct {
		Percent int  `json:"percent"`
		Muted   bool `json:"muted"`
	} `json:"volume"`
	Client *statusClient `json:"client,omitempty"`
}

func (c *Client) handle(msg message) {
	h := c.handlers
	switch msg.Method {
	case "Client.OnVolumeChanged":
		var p clientParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Debug("snapcast: bad OnVolumeChanged", "error", err)
			return
		}
		if h.OnVolumeChanged != nil {
			h.OnVolumeChanged(p.ID, p.Volume.Percent, p.Volume.Muted)
		}
	case "Client.OnConnect":
		var p clientParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		addr := ""
		if p.Client != nil {
			addr = p.Client.Host.IP
		}
		c.logger.Info("snapclient connected", "client", p.ID, "address", addr)
		if h.OnConnect != nil {
			h.OnConnect(p.ID, addr)
		}
	case "Client.OnDisconnect":
		var p clientParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		c.logger.Info("snapclient disconnected", "client", p.ID)
		if h.OnDisconnect != nil {
			h.OnDisconnect(p.ID)
		}
	case "Server.OnUpdate", "Group.OnStreamChanged":
		if h.OnUpdate != nil {
			h.OnUpdate()
		}
	}
}

// call performs one request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	id := c.nextID
	c.nextID++
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(request{ID: id, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	if d, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(d)
	}
	_, err = conn.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrNotConnected)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *Client) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

type statusClient struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Host      struct {
		IP   string `json:"ip"`
		Name string `json:"name"`
	} `json:"host"`
	Config struct {
		Name   string `json:"name"`
		Volume struct {
			Percent int  `json:"percent"`
			Muted   bool `json:"muted"`
		} `json:"volume"`
	} `json:"config"`
}

type serverStatus struct {
	Server struct {
		Groups []struct {
			ID       string         `json:"id"`
			StreamID string         `json:"stream_id"`
			Clients  []statusClient `json:"clients"`
		} `json:"groups"`
	} `json:"server"`
}

// Status returns every client the server knows, connected or not.
func (c *Client) Status(ctx context.Context) ([]ClientInfo, error) {
	var st serverStatus
	if err := c.call(ctx, "Server.GetStatus", nil, &st); err != nil {
		return nil, err
	}
	var out []ClientInfo
	for _, g := range st.Server.Groups {
		for _, sc := range g.Clients {
			name := sc.Config.Name
			if name == "" {
				name = sc.Host.Name
			}
			out = append(out, ClientInfo{
				ID:        sc.ID,
				Name:      name,
				Address:   sc.Host.IP,
				Percent:   sc.Config.Volume.Percent,
				Muted:     sc.Config.Volume.Muted,
				Connected: sc.Connected,
				GroupID:   g.ID,
			})
		}
	}
	return out, nil
}

// SetPercent sets a client's Snapcast volume percent.
func (c *Client) SetPercent(ctx context.Context, id string, percent int) error {
	percent = max(0, min(100, percent))
	return c.call(ctx, "Client.SetVolume", map[string]any{
		"id":     id,
		"volume": map[string]any{"percent": percent},
	}, nil)
}

// SetMuted sets a client's Snapcast mute flag.
func (c *Client) SetMuted(ctx context.Context, id string, muted bool) error {
	return c.call(ctx, "Client.SetVolume", map[string]any{
		"id":     id,
		"volume": map[string]any{"muted": muted},
	}, nil)
}
