// Package statews fans volume notifications out to websocket subscribers.
//
// Each connection gets its own write pump so one slow subscriber never
// blocks the others; a subscriber whose send queue fills is disconnected.
// Frames are JSON text messages with the envelope {topic, type, ts, data}.
// The first frame on a new connection is "state_init" carrying a snapshot.
package statews

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventStateInit is the type of the first frame sent on connect.
const EventStateInit = "state_init"

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// Envelope is the wire format of every frame.
type Envelope struct {
	Topic string    `json:"topic,omitempty"`
	Type  string    `json:"type"`
	Ts    time.Time `json:"ts"`
	Data  any       `json:"data,omitempty"`
}

// Marshal encodes one frame stamped with the current UTC time.
func Marshal(topic, typ string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Topic: topic, Type: typ, Ts: time.Now().UTC(), Data: data})
}

// ============================================================================
// Hub
// ============================================================================

// HubConfig sizes the hub queues. Zero values select defaults.
type HubConfig struct {
	// SendBuf is the per-subscriber outbound queue size.
	SendBuf int
	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
}

// Hub tracks connected subscribers.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// done is closed when Run returns.
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping")
			h.stopOnce.Do(func() { close(h.done) })
			h.closeAllClients()
			h.dropPending()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "id", c.id, "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Slow clients are collected and removed after the map is unlocked.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.closeSend()
		delete(h.clients, c)
	}
}

// dropPending closes subscribers still waiting in the register queue.
func (h *Hub) dropPending() {
	for {
		select {
		case c := <-h.register:
			if c.conn != nil {
				_ = c.conn.Close()
			}
			c.closeSend()
		default:
			return
		}
	}
}

// join hands c to the hub. It reports false once the hub has stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave asks the hub to drop c. After the hub stops it returns at once.
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.closeSend()
	h.logger.Info("ws client disconnected", "id", c.id, "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// BroadcastBytes enqueues a serialized frame. It never blocks; when the hub
// queue is full the frame is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// Broadcast encodes and enqueues one notification for every subscriber.
func (h *Hub) Broadcast(topic, event string, payload any) {
	msg, err := Marshal(topic, event, payload)
	if err != nil {
		h.logger.Warn("ws broadcast marshal failed", "topic", topic, "type", event, "error", err)
		return
	}
	h.BroadcastBytes(msg)
}

// ============================================================================
// Client
// ============================================================================

// Client is one websocket subscriber.
type Client struct {
	id  string
	hub *Hub

	conn *websocket.Conn
	send chan []byte
	once sync.Once

	remoteAddr string
	logger     *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, hub.sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

func (c *Client) closeSend() {
	c.once.Do(func() { close(c.send) })
}

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "id", c.id, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "id", c.id, "error", err)
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound frames; it exists to process control frames
// and to notice disconnects.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			c.hub.leave(c)
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// Server upgrades HTTP requests and attaches them to a hub.
type Server struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot func() any
	upgrader websocket.Upgrader
}

// NewServer builds a server around a new hub. snapshot supplies the
// state_init payload and may be nil.
func NewServer(logger *slog.Logger, cfg HubConfig, snapshot func() any) *Server {
	return &Server{
		logger:   logger,
		hub:      NewHub(logger, cfg),
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Hub returns the server's hub. The caller runs it.
func (s *Server) Hub() *Hub { return s.hub }

// Broadcast implements the coordinator's notification sink.
func (s *Server) Broadcast(topic, event string, payload any) {
	s.hub.Broadcast(topic, event, payload)
}

// ServeHTTP upgrades the connection, registers the subscriber and queues
// the state_init frame.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn, r.RemoteAddr, s.logger)

	// The init frame is queued before registration so it is always first.
	if s.snapshot != nil {
		msg, err := Marshal("", EventStateInit, s.snapshot())
		if err != nil {
			s.logger.Warn("ws snapshot marshal failed", "error", err)
		} else {
			client.send <- msg
		}
	}
	if !s.hub.join(client) {
		s.logger.Info("ws hub stopped; refusing subscriber", "remote_addr", r.RemoteAddr)
		_ = conn.Close()
		return
	}

	// Pump lifetime is the connection's, not the request's.
	go client.writePump()
	go client.readPump()
}
