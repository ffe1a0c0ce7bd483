package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// visitorMessage validates a payload and builds the message to store. The sender id is the
// session key.
func (h *Hub) visitorMessage(p SendMessagePayload) (models.Message, locale.Locale, error) {
	loc := locale.Normalize(p.Locale)
	name := strings.TrimSpace(p.SenderName)
	if name == "" {
		name = models.DefaultSenderName
	}
	msg := models.Message{
		SenderID:   strings.TrimSpace(p.SenderID),
		SenderName: name,
		Text:       p.Text,
		Timestamp:  h.opts.Now().UTC(),
		Locale:     string(loc),
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, loc, err
	}
	return msg, loc, nil
}

// runTurn handles one send-message frame: broadcast and store the visitor message, ask the
// responder, then store and broadcast the reply. It runs to completion on a context that is
// not tied to the connection.
func (h *Hub) runTurn(c *Client, p SendMessagePayload) {
	msg, loc, err := h.visitorMessage(p)
	if err != nil {
		slog.Warn("Hub.runTurn: rejected message", "client", c.id, "error", err)
		c.sendError(err.Error())
		return
	}
	key := msg.SenderID
	h.join(c, key)

	if !h.beginTurn() {
		slog.Warn("Hub.runTurn: hub closed, dropping message", "sessionKey", key)
		return
	}
	defer h.wg.Done()

	ctx := context.Background()
	start := time.Now()
	slog.Debug("Hub.runTurn: turn started", "sessionKey", key, "locale", loc, "length", len(msg.Text))

	history, err := h.store.Read(ctx, key)
	if err != nil {
		slog.Error("Hub.runTurn: failed to read history, continuing with empty history", "sessionKey", key, "error", err)
		history = nil
	}

	h.Broadcast(key, msg)
	if err := h.store.Append(ctx, key, msg); err != nil {
		slog.Error("Hub.runTurn: failed to store visitor message", "sessionKey", key, "error", err)
	}

	full := make([]models.Message, 0, len(history)+1)
	full = append(full, history...)
	full = append(full, msg)
	reply := h.responder.Respond(ctx, full, loc)

	bot := models.Message{
		SenderID:   models.BotSenderID,
		SenderName: models.BotSenderName,
		Text:       reply,
		Timestamp:  h.opts.Now().UTC(),
		Locale:     string(loc),
	}
	if bot.Timestamp.Before(msg.Timestamp) {
		bot.Timestamp = msg.Timestamp
	}
	if err := h.store.Append(ctx, key, bot); err != nil {
		slog.Error("Hub.runTurn: failed to store bot message", "sessionKey", key, "error", err)
	}
	h.Broadcast(key, bot)
	slog.Debug("Hub.runTurn: turn completed", "sessionKey", key, "historyLength", len(full), "elapsed", time.Since(start))
}

// postMessage stores and broadcasts a visitor message without asking the responder.
func (h *Hub) postMessage(c *Client, p SendMessagePayload) {
	msg, _, err := h.visitorMessage(p)
	if err != nil {
		slog.Warn("Hub.postMessage: rejected message", "client", c.id, "error", err)
		c.sendError(err.Error())
		return
	}
	key := msg.SenderID
	h.join(c, key)
	if err := h.store.Append(context.Background(), key, msg); err != nil {
		slog.Error("Hub.postMessage: failed to store message", "sessionKey", key, "error", err)
	}
	h.Broadcast(key, msg)
	slog.Info("Hub.postMessage: confirmation posted", "sessionKey", key)
}

// historyReadTimeout bounds the store read of a history replay.
const historyReadTimeout = 5 * time.Second

// sendHistory queues the stored conversation for c. The room is joined first, so a message
// broadcast during the read may arrive both live and in the history frame.
func (h *Hub) sendHistory(c *Client, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), historyReadTimeout)
	defer cancel()
	history, err := h.store.Read(ctx, key)
	if err != nil {
		slog.Error("Hub.sendHistory: failed to read history, sending empty history", "sessionKey", key, "error", err)
		history = nil
	}
	frame, err := EncodeFrame(EventHistory, NewHistoryPayload(history))
	if err != nil {
		slog.Error("Hub.sendHistory: failed to encode frame", "sessionKey", key, "error", err)
		return
	}
	c.queue(frame)
	slog.Debug("Hub.sendHistory: history queued", "client", c.id, "sessionKey", key, "messages", len(history))
}
