package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// Client is one WebSocket connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	jobs chan func() // closed by the read loop when it exits

	// guarded by hub.mu
	rooms map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:    "c-" + util.GenerateRandomBase36(8),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.opts.SendBuffer),
		jobs:  make(chan func(), h.opts.TurnQueue),
		rooms: make(map[string]struct{}),
	}
}

// readPump reads frames until the connection fails. Turns are handed to the turn worker, so
// pongs keep extending the read deadline while the responder is busy.
func (c *Client) readPump() {
	defer func() {
		close(c.jobs)
		c.hub.unregister(c)
		c.conn.Close()
	}()
	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				slog.Warn("Client.readPump: unexpected close", "client", c.id, "error", err)
			}
			return
		}
		c.handleFrame(frame)
	}
}

// writePump is the only writer to the connection. It exits when the hub closes the send queue.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("Client.writePump: write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame []byte) {
	env, err := DecodeFrame(frame)
	if err != nil {
		slog.Warn("Client.handleFrame: rejected frame", "client", c.id, "error", err)
		c.sendError("malformed frame")
		return
	}

	switch env.Event {
	case EventSendMessage, EventLeadSubmitted:
		var p SendMessagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			slog.Warn("Client.handleFrame: invalid payload", "client", c.id, "event", env.Event, "error", err)
			c.sendError("invalid " + env.Event + " payload")
			return
		}
		if env.Event == EventSendMessage {
			c.enqueue(env.Event, func() { c.hub.runTurn(c, p) })
		} else {
			c.enqueue(env.Event, func() { c.hub.postMessage(c, p) })
		}
	default:
		slog.Warn("Client.handleFrame: unknown event", "client", c.id, "event", env.Event)
		c.sendError("unknown event: " + env.Event)
	}
}

// turnWorker runs queued turns in arrival order. Turns already queued when the peer goes away
// still run, so their replies are stored.
func (c *Client) turnWorker() {
	for job := range c.jobs {
		job()
	}
}

// enqueue hands a job to the turn worker without blocking the read loop.
func (c *Client) enqueue(event string, job func()) {
	select {
	case c.jobs <- job:
	default:
		slog.Warn("Client.enqueue: turn queue full", "client", c.id, "event", event, "queued", cap(c.jobs))
		c.sendError("too many pending messages")
	}
}

// sendError queues an error frame for this connection only.
func (c *Client) sendError(message string) {
	frame, err := EncodeFrame(EventError, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.queue(frame)
}

// queue adds a frame to this connection's send queue, dropping the connection when it is full.
func (c *Client) queue(frame []byte) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.hub.removeLocked(c)
	}
}
