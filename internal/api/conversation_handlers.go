package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// sseKeepAlive is how often an idle event stream sends a comment line.
const sseKeepAlive = 25 * time.Second

// getConversationHandler handles GET /api/conversations/{sessionKey}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("sessionKey")
	conv, err := s.st.GetConversation(r.Context(), key)
	if err != nil {
		slog.Error("Server.getConversationHandler: failed to load conversation", "sessionKey", key, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// conversationEventsHandler handles GET /api/conversations/{sessionKey}/events. It streams
// the full message list as a server-sent "snapshot" event now and after every change.
func (s *Server) conversationEventsHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("sessionKey")
	sub, ok := s.st.(conversationSubscriber)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Live conversation updates are not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	// Holds at most the latest snapshot; older ones are replaced.
	latest := make(chan []models.Message, 1)
	subscription := sub.Subscribe(key, func(msgs []models.Message) {
		for {
			select {
			case latest <- msgs:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})
	defer subscription.Unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	slog.Debug("Server.conversationEventsHandler: stream opened", "sessionKey", key)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Server.conversationEventsHandler: stream closed", "sessionKey", key)
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msgs := <-latest:
			data, err := json.Marshal(msgs)
			if err != nil {
				slog.Error("Server.conversationEventsHandler: failed to marshal snapshot", "sessionKey", key, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
