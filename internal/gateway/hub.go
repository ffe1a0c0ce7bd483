// Package gateway is the realtime session transport between chat widgets and the responder.
//
// A Hub accepts WebSocket connections, groups them into rooms keyed by session key and runs
// one responder turn per send-message frame. Each connection has three goroutines: a read
// loop that keeps answering pongs, a turn worker that runs its turns one at a time in arrival
// order, and a write pump that is the only writer to the socket.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ConversationStore is the part of the conversation store the gateway needs.
type ConversationStore interface {
	Append(ctx context.Context, sessionKey string, msg models.Message) error
	Read(ctx context.Context, sessionKey string) ([]models.Message, error)
}

// Responder produces the bot reply for a history. It must always return a reply.
type Responder interface {
	Respond(ctx context.Context, history []models.Message, loc locale.Locale) string
}

// ErrHubClosed is returned by Shutdown when called twice.
var ErrHubClosed = errors.New("gateway hub is closed")

// Defaults for Opts.
const (
	DefaultSendBuffer     = 64
	DefaultMaxMessageSize = 16 * 1024
	DefaultTurnQueue      = 8
	DefaultPongWait       = 60 * time.Second
)

// Opts configures a Hub.
type Opts struct {
	AllowedOrigins []string // empty or "*" accepts any origin
	SendBuffer     int
	MaxMessageSize int64
	TurnQueue      int           // frames waiting behind the running turn of one connection
	PongWait       time.Duration // how long a silent peer stays connected; pings go out at 9/10 of it
	Now            func() time.Time
}

// Option configures a Hub.
type Option func(*Opts)

// WithAllowedOrigins restricts the Origin header accepted during the upgrade.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithSendBuffer sets the per-connection outbound queue length.
func WithSendBuffer(n int) Option {
	return func(o *Opts) { o.SendBuffer = n }
}

// WithMaxMessageSize limits the size of an inbound frame.
func WithMaxMessageSize(n int64) Option {
	return func(o *Opts) { o.MaxMessageSize = n }
}

// WithTurnQueue sets how many frames may wait behind a connection's running turn.
func WithTurnQueue(n int) Option {
	return func(o *Opts) { o.TurnQueue = n }
}

// WithPongWait sets the keepalive window.
func WithPongWait(d time.Duration) Option {
	return func(o *Opts) { o.PongWait = d }
}

// WithClock replaces time.Now for server-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Hub owns every live connection and the session rooms.
type Hub struct {
	store     ConversationStore
	responder Responder
	upgrader  websocket.Upgrader
	opts      Opts

	mu      sync.Mutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	closed  bool

	wg sync.WaitGroup // pumps and in-flight turns
}

// NewHub creates a hub backed by store and responder.
func NewHub(store ConversationStore, responder Responder, opts ...Option) *Hub {
	cfg := Opts{
		SendBuffer:     DefaultSendBuffer,
		MaxMessageSize: DefaultMaxMessageSize,
		TurnQueue:      DefaultTurnQueue,
		PongWait:       DefaultPongWait,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TurnQueue <= 0 {
		cfg.TurnQueue = DefaultTurnQueue
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	h := &Hub{
		store:     store,
		responder: responder,
		opts:      cfg,
		clients:   make(map[*Client]struct{}),
		rooms:     make(map[string]map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	slog.Debug("NewHub: hub created", "allowedOrigins", cfg.AllowedOrigins, "sendBuffer", cfg.SendBuffer)
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	slog.Warn("Hub.checkOrigin: rejected origin", "origin", origin)
	return false
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// An optional sessionKey query parameter joins the session room immediately; with history=1
// the stored conversation is sent as the first frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Warn("Hub.ServeHTTP: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newClient(h, conn)
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	slog.Info("Hub.ServeHTTP: client connected", "client", c.id, "remote", r.RemoteAddr)

	if key := strings.TrimSpace(r.URL.Query().Get("sessionKey")); key != "" {
		h.join(c, key)
		if r.URL.Query().Get("history") == "1" {
			h.sendHistory(c, key)
		}
	}

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.turnWorker()
	}()
	defer h.wg.Done()
	c.readPump()
	slog.Info("Hub.ServeHTTP: client disconnected", "client", c.id)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	// read loop, write pump and turn worker
	h.wg.Add(3)
	return true
}

// beginTurn reserves a slot for a turn. It fails once Shutdown has started.
func (h *Hub) beginTurn() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked drops c from every room and closes its send queue, which stops the write pump.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for key := range c.rooms {
		if room := h.rooms[key]; room != nil {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, key)
			}
		}
	}
	c.rooms = nil
	close(c.send)
}

func (h *Hub) join(c *Client, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if _, ok := c.rooms[key]; ok {
		return
	}
	room := h.rooms[key]
	if room == nil {
		room = make(map[*Client]struct{})
		h.rooms[key] = room
	}
	room[c] = struct{}{}
	c.rooms[key] = struct{}{}
	slog.Debug("Hub.join: client joined room", "client", c.id, "sessionKey", key, "members", len(room))
}

// Broadcast sends a receive-message frame for msg to every connection in the room of sessionKey.
// Connections whose queue is full are dropped.
func (h *Hub) Broadcast(sessionKey string, msg models.Message) {
	frame, err := EncodeFrame(EventReceiveMessage, NewReceivePayload(msg))
	if err != nil {
		slog.Error("Hub.Broadcast: failed to encode frame", "sessionKey", sessionKey, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[sessionKey] {
		select {
		case c.send <- frame:
		default:
			slog.Warn("Hub.Broadcast: send queue full, dropping client", "client", c.id, "sessionKey", sessionKey)
			h.removeLocked(c)
		}
	}
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RoomSize reports the number of connections in the room of sessionKey.
func (h *Hub) RoomSize(sessionKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[sessionKey])
}

// Shutdown refuses new connections, closes every live connection and waits for in-flight
// turns and pumps to finish or for ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.closed = true
	n := len(h.clients)
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	slog.Info("Hub.Shutdown: closing connections", "connections", n)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Hub.Shutdown: all connections closed")
		return nil
	case <-ctx.Done():
		slog.Warn("Hub.Shutdown: timed out waiting for connections", "error", ctx.Err())
		return ctx.Err()
	}
}
