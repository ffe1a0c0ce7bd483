package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/LeadPipe/internal/gateway"
)

// ErrTransportClosed is returned when sending on a transport that is not connected.
var ErrTransportClosed = errors.New("transport is not connected")

// Transport is the widget's realtime connection to the session gateway.
type Transport interface {
	// Connect opens the connection for sessionKey. The returned channel yields every inbound
	// frame, the history frame first, and is closed when the connection ends.
	Connect(ctx context.Context, sessionKey string) (<-chan gateway.Envelope, error)
	Send(ctx context.Context, event string, p gateway.SendMessagePayload) error
	Close() error
}

const transportWriteWait = 10 * time.Second

// WSTransport connects to the gateway socket with gorilla/websocket.
type WSTransport struct {
	socketURL string
	dialer    *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport returns a transport for the server at baseURL (http, https, ws or wss).
func NewWSTransport(baseURL string) (*WSTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/socket"
	return &WSTransport{
		socketURL: u.String(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// Connect implements Transport. It asks the gateway for the stored history.
func (t *WSTransport) Connect(ctx context.Context, sessionKey string) (<-chan gateway.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil, errors.New("transport already connected")
	}
	q := url.Values{"sessionKey": {sessionKey}, "history": {"1"}}
	conn, resp, err := t.dialer.DialContext(ctx, t.socketURL+"?"+q.Encode(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	frames := make(chan gateway.Envelope, 16)
	done := make(chan struct{})
	t.conn, t.done = conn, done
	go t.readLoop(conn, frames, done)
	slog.Debug("WSTransport.Connect: connected", "url", t.socketURL, "sessionKey", sessionKey)
	return frames, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn, frames chan<- gateway.Envelope, done chan struct{}) {
	defer close(done)
	defer close(frames)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("WSTransport.readLoop: connection lost", "error", err)
			}
			return
		}
		env, err := gateway.DecodeFrame(raw)
		if err != nil {
			slog.Warn("WSTransport.readLoop: dropping malformed frame", "error", err)
			continue
		}
		frames <- env
	}
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, event string, p gateway.SendMessagePayload) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}
	frame, err := gateway.EncodeFrame(event, p)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(transportWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Close sends a close frame, closes the connection and waits for the read loop to exit.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn, t.done = nil, nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	err := conn.Close()
	<-done
	return err
}
