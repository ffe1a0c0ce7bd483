package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Event names carried in Envelope.Event.
const (
	// EventSendMessage is a visitor message sent by the widget. It starts a responder turn.
	EventSendMessage = "send-message"
	// EventLeadSubmitted is the widget's confirmation after a successful lead submission.
	// It is stored and broadcast like a visitor message but does not start a turn.
	EventLeadSubmitted = "lead-submitted"
	// EventReceiveMessage is broadcast to every connection in a session room.
	EventReceiveMessage = "receive-message"
	// EventError reports a rejected frame to the sending connection only.
	EventError = "error"
	// EventHistory carries the stored conversation to a connection that asked for it.
	EventHistory = "history"
)

// Envelope is the JSON frame exchanged over the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the data of send-message and lead-submitted frames.
type SendMessagePayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Locale     string `json:"locale"`
}

// ReceiveMessagePayload is the data of a receive-message frame. Timestamp is in epoch milliseconds.
type ReceiveMessagePayload struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// HistoryPayload is the data of a history frame, oldest message first.
type HistoryPayload struct {
	Messages []ReceiveMessagePayload `json:"messages"`
}

// NewHistoryPayload converts a stored conversation for replay.
func NewHistoryPayload(msgs []models.Message) HistoryPayload {
	p := HistoryPayload{Messages: make([]ReceiveMessagePayload, 0, len(msgs))}
	for _, m := range msgs {
		p.Messages = append(p.Messages, NewReceivePayload(m))
	}
	return p
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewReceivePayload converts a stored message for broadcast.
func NewReceivePayload(m models.Message) ReceiveMessagePayload {
	return ReceiveMessagePayload{
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		Timestamp:  m.Timestamp.UnixMilli(),
	}
}

// Message converts a received payload back into a message.
func (p ReceiveMessagePayload) Message() models.Message {
	return models.Message{
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Text:       p.Text,
		Timestamp:  time.UnixMilli(p.Timestamp),
	}
}

// EncodeFrame marshals an event and its data into a text frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// DecodeFrame parses a text frame into its envelope.
func DecodeFrame(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("invalid frame: missing event name")
	}
	return env, nil
}
