// Package widget is the client side of the chat: a state machine that owns the visitor
// identity, the gateway connection and the contact-capture form.
//
// A widget is closed until Open connects it. While open it is chatting until a bot message
// carries the locale's trigger phrase, then it waits for contact information, and once the
// lead is accepted it is submitted.
package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/gateway"
	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/trigger"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// Mode is the conversation stage of an open widget.
type Mode string

const (
	ModeChatting            Mode = "chatting"
	ModeAwaitingContactInfo Mode = "awaiting_contact_info"
	ModeSubmitted           Mode = "submitted"
)

// Status is the connection status shown to the visitor.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var (
	ErrNotOpen            = errors.New("widget is not open")
	ErrNotConnected       = errors.New("widget is not connected")
	ErrInputDisabled      = errors.New("chat input is disabled")
	ErrNameRequired       = errors.New("a display name other than Guest is required")
	ErrNotAwaitingContact = errors.New("contact form is not open")
)

// ContactForm is what the visitor types into the contact-capture form.
type ContactForm struct {
	Name         string
	BusinessName string
	Email        string
	PhoneNo      string
	ServiceType  string
	Description  string
}

// State is a snapshot of the widget.
type State struct {
	Open        bool
	Mode        Mode
	Status      Status
	SessionKey  string
	DisplayName string
	Locale      locale.Locale
	Greeting    string // local welcome line, shown only when the conversation is empty
	Messages    []models.Message
	Form        ContactForm
	Error       string // localized, cleared by the next successful action
	Notice      string
}

// InputDisabled reports whether the chat input accepts text.
func (s State) InputDisabled() bool {
	return !s.Open || s.Status != StatusConnected || s.Mode != ModeChatting
}

// StatusText is the localized label for the connection status.
func (s State) StatusText() string {
	c := locale.For(s.Locale)
	switch s.Status {
	case StatusConnecting:
		return c.StatusConnecting
	case StatusConnected:
		return c.StatusConnected
	default:
		return c.StatusDisconnected
	}
}

// DefaultHistoryTimeout bounds how long Open waits for the stored conversation.
const DefaultHistoryTimeout = 5 * time.Second

// Opts configures a Widget.
type Opts struct {
	Locale         locale.Locale
	HistoryTimeout time.Duration
	OnChange       func(State)
}

// Option configures a Widget.
type Option func(*Opts)

// WithLocale sets the widget language. Unknown codes fall back to the default locale.
func WithLocale(code string) Option {
	return func(o *Opts) { o.Locale = locale.Normalize(code) }
}

// WithHistoryTimeout overrides DefaultHistoryTimeout.
func WithHistoryTimeout(d time.Duration) Option {
	return func(o *Opts) { o.HistoryTimeout = d }
}

// WithOnChange registers a callback invoked with a snapshot after every state change.
// It may be called from the receive goroutine and must not block.
func WithOnChange(fn func(State)) Option {
	return func(o *Opts) { o.OnChange = fn }
}

// Widget is the chat client state machine. It is safe for concurrent use.
type Widget struct {
	identity  IdentityProvider
	transport Transport
	leads     LeadSubmitter
	opts      Opts

	mu       sync.Mutex
	state    State
	seen     map[messageKey]struct{}
	history  chan struct{} // closed when the history frame has been applied
	received chan struct{} // closed when the receive loop exits
}

type messageKey struct {
	senderID string
	text     string
	millis   int64
}

func keyOf(m models.Message) messageKey {
	return messageKey{senderID: m.SenderID, text: m.Text, millis: m.Timestamp.UnixMilli()}
}

// New creates a closed widget.
func New(identity IdentityProvider, transport Transport, leads LeadSubmitter, opts ...Option) *Widget {
	cfg := Opts{Locale: locale.Default, HistoryTimeout: DefaultHistoryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Widget{
		identity:  identity,
		transport: transport,
		leads:     leads,
		opts:      cfg,
		state: State{
			Mode:   ModeChatting,
			Status: StatusDisconnected,
			Locale: cfg.Locale,
		},
	}
}

// State returns a snapshot of the widget.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Widget) snapshotLocked() State {
	s := w.state
	s.DisplayName = w.identity.DisplayName()
	s.Messages = append([]models.Message(nil), w.state.Messages...)
	return s
}

// changed publishes the current state. Callers must not hold w.mu.
func (w *Widget) changed() {
	if w.opts.OnChange == nil {
		return
	}
	w.opts.OnChange(w.State())
}

func (w *Widget) content() locale.Content {
	return locale.For(w.state.Locale)
}

// Open connects to the gateway, loads the stored conversation and greets the visitor when
// the conversation is empty. Opening an open widget is a no-op.
func (w *Widget) Open(ctx context.Context) error {
	w.mu.Lock()
	if w.state.Open {
		w.mu.Unlock()
		return nil
	}
	key, err := w.identity.GetOrCreateSessionKey()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("widget: failed to get session key: %w", err)
	}
	w.state.SessionKey = key
	w.state.Status = StatusConnecting
	w.state.Error = ""
	w.mu.Unlock()
	w.changed()

	frames, err := w.transport.Connect(ctx, key)
	if err != nil {
		w.mu.Lock()
		w.state.Status = StatusDisconnected
		w.mu.Unlock()
		w.changed()
		slog.Warn("Widget.Open: connect failed", "sessionKey", key, "error", err)
		return fmt.Errorf("widget: %w", err)
	}

	w.mu.Lock()
	w.state.Open = true
	w.state.Status = StatusConnected
	w.state.Messages = nil
	w.seen = make(map[messageKey]struct{})
	w.history = make(chan struct{})
	w.received = make(chan struct{})
	history, received := w.history, w.received
	w.mu.Unlock()
	w.changed()
	slog.Info("Widget.Open: connected", "sessionKey", key, "locale", w.opts.Locale)

	go w.receive(frames, history, received)

	timer := time.NewTimer(w.opts.HistoryTimeout)
	defer timer.Stop()
	select {
	case <-history:
	case <-received:
	case <-timer.C:
		slog.Warn("Widget.Open: no history received", "sessionKey", key, "timeout", w.opts.HistoryTimeout)
	case <-ctx.Done():
	}

	w.mu.Lock()
	if len(w.state.Messages) == 0 {
		w.state.Greeting = w.content().WelcomeFor(w.identity.DisplayName())
	}
	w.mu.Unlock()
	w.changed()
	return nil
}

// receive applies inbound frames until the transport closes the channel.
func (w *Widget) receive(frames <-chan gateway.Envelope, history, received chan struct{}) {
	defer close(received)
	historyDone := false
	for env := range frames {
		switch env.Event {
		case gateway.EventHistory:
			var p gateway.HistoryPayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				slog.Warn("Widget.receive: invalid history frame", "error", err)
				continue
			}
			w.applyHistory(p)
			if !historyDone {
				historyDone = true
				close(history)
			}
		case gateway.EventReceiveMessage:
			var p gateway.ReceiveMessagePayload
			if err := json.Unmarshal(env.Data, &p); err != nil {
				slog.Warn("Widget.receive: invalid message frame", "error", err)
				continue
			}
			w.applyMessage(p.Message())
		case gateway.EventError:
			var p gateway.ErrorPayload
			_ = json.Unmarshal(env.Data, &p)
			slog.Warn("Widget.receive: gateway rejected a frame", "message", p.Message)
			w.mu.Lock()
			w.state.Error = p.Message
			w.mu.Unlock()
		default:
			slog.Debug("Widget.receive: ignoring event", "event", env.Event)
			continue
		}
		w.changed()
	}

	w.mu.Lock()
	w.state.Status = StatusDisconnected
	w.mu.Unlock()
	slog.Info("Widget.receive: disconnected")
	w.changed()
}

// applyHistory merges the stored conversation in front of anything already received live.
func (w *Widget) applyHistory(p gateway.HistoryPayload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	live := w.state.Messages
	merged := make([]models.Message, 0, len(p.Messages)+len(live))
	seen := make(map[messageKey]struct{}, len(p.Messages)+len(live))
	for _, rp := range p.Messages {
		m := rp.Message()
		seen[keyOf(m)] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range live {
		if _, dup := seen[keyOf(m)]; dup {
			continue
		}
		seen[keyOf(m)] = struct{}{}
		merged = append(merged, m)
	}
	w.state.Messages = merged
	w.seen = seen
	if len(merged) > 0 {
		w.state.Greeting = ""
		w.checkTriggerLocked(merged[len(merged)-1])
	}
}

func (w *Widget) applyMessage(m models.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := keyOf(m)
	if _, dup := w.seen[k]; dup {
		return
	}
	w.seen[k] = struct{}{}
	w.state.Messages = append(w.state.Messages, m)
	w.checkTriggerLocked(m)
}

// checkTriggerLocked opens the contact form when a bot message asks for contact details.
func (w *Widget) checkTriggerLocked(m models.Message) {
	if !m.IsFromBot() || w.state.Mode != ModeChatting {
		return
	}
	if !trigger.ShouldRequestContact(m.Text, w.state.Locale) {
		return
	}
	w.state.Mode = ModeAwaitingContactInfo
	if w.state.Form.Name == "" {
		if name := w.identity.DisplayName(); name != GuestName {
			w.state.Form.Name = name
		}
	}
	slog.Info("Widget.checkTrigger: contact form opened", "sessionKey", w.state.SessionKey)
}

// SetDisplayName stores the visitor's name.
func (w *Widget) SetDisplayName(name string) error {
	if err := w.identity.SetDisplayName(name); err != nil {
		return fmt.Errorf("widget: failed to save display name: %w", err)
	}
	w.changed()
	return nil
}

// Send posts a visitor message. It fails while disconnected, while the name is empty or Guest,
// and whenever the widget is not chatting.
func (w *Widget) Send(ctx context.Context, text string) error {
	w.mu.Lock()
	switch {
	case !w.state.Open:
		w.mu.Unlock()
		return ErrNotOpen
	case w.state.Status != StatusConnected:
		w.mu.Unlock()
		return ErrNotConnected
	case w.state.Mode != ModeChatting:
		w.state.Error = w.content().InputDisabled
		w.mu.Unlock()
		w.changed()
		return ErrInputDisabled
	}
	name := strings.TrimSpace(w.identity.DisplayName())
	if name == "" || strings.EqualFold(name, GuestName) {
		w.state.Error = w.content().NameRequired
		w.mu.Unlock()
		w.changed()
		return ErrNameRequired
	}
	if strings.TrimSpace(text) == "" {
		w.mu.Unlock()
		return models.ErrEmptyMessageText
	}
	p := gateway.SendMessagePayload{
		SenderID:   w.state.SessionKey,
		SenderName: name,
		Text:       text,
		Locale:     string(w.state.Locale),
	}
	w.state.Error = ""
	w.mu.Unlock()

	if err := w.transport.Send(ctx, gateway.EventSendMessage, p); err != nil {
		slog.Warn("Widget.Send: send failed", "sessionKey", p.SenderID, "error", err)
		return fmt.Errorf("widget: %w", err)
	}
	return nil
}

// SubmitContact posts the lead with the session key attached. On success the widget moves to
// submitted and posts a confirmation into the conversation. On failure the form is kept and a
// localized error is set.
func (w *Widget) SubmitContact(ctx context.Context, form ContactForm) (string, error) {
	w.mu.Lock()
	if w.state.Mode != ModeAwaitingContactInfo {
		w.mu.Unlock()
		return "", ErrNotAwaitingContact
	}
	w.state.Form = form
	key := w.state.SessionKey
	c := w.content()
	name := strings.TrimSpace(w.identity.DisplayName())
	w.mu.Unlock()

	req := models.LeadRequest{
		Name:         form.Name,
		BusinessName: form.BusinessName,
		Email:        form.Email,
		PhoneNo:      form.PhoneNo,
		ServiceType:  form.ServiceType,
		Description:  form.Description,
		ChatSenderID: key,
	}
	id, err := w.submit(ctx, req)
	if err != nil {
		w.mu.Lock()
		w.state.Error = c.SubmissionFailed
		w.mu.Unlock()
		w.changed()
		slog.Warn("Widget.SubmitContact: submission failed", "sessionKey", key, "error", err)
		return "", err
	}

	w.mu.Lock()
	w.state.Mode = ModeSubmitted
	w.state.Error = ""
	w.state.Notice = c.SubmittedMessage
	w.state.Form = ContactForm{}
	connected := w.state.Status == StatusConnected
	w.mu.Unlock()
	w.changed()
	slog.Info("Widget.SubmitContact: lead submitted", "sessionKey", key, "leadID", id)

	if !connected {
		slog.Warn("Widget.SubmitContact: not connected, confirmation not posted", "sessionKey", key)
		return id, nil
	}
	if name == "" || strings.EqualFold(name, GuestName) {
		name = strings.TrimSpace(form.Name)
	}
	confirmation := gateway.SendMessagePayload{
		SenderID:   key,
		SenderName: name,
		Text:       c.ConfirmationFor(strings.TrimSpace(form.Email), util.DigitsOnly(form.PhoneNo)),
		Locale:     string(w.opts.Locale),
	}
	if err := w.transport.Send(ctx, gateway.EventLeadSubmitted, confirmation); err != nil {
		slog.Warn("Widget.SubmitContact: failed to post confirmation", "sessionKey", key, "error", err)
	}
	return id, nil
}

func (w *Widget) submit(ctx context.Context, req models.LeadRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	if w.leads == nil {
		return "", fmt.Errorf("%w: no lead endpoint configured", ErrSubmissionFailed)
	}
	id, err := w.leads.SubmitLead(ctx, req)
	if err != nil {
		if errors.Is(err, ErrSubmissionFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	return id, nil
}

// Close disconnects the widget and waits for the receive loop to stop.
func (w *Widget) Close() error {
	w.mu.Lock()
	if !w.state.Open {
		w.mu.Unlock()
		return nil
	}
	w.state.Open = false
	received := w.received
	w.mu.Unlock()

	err := w.transport.Close()
	if received != nil {
		<-received
	}
	w.mu.Lock()
	w.state.Status = StatusDisconnected
	w.mu.Unlock()
	w.changed()
	return err
}
