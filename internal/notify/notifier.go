// Package notify routes qualified leads to the human sales specialist.
//
// The notification email is the required channel: SendLeadEmail reports its failure to the
// caller. Operator alerts over SMS and WhatsApp are best effort; with an outbox they are
// queued and retried by store.OutboxSender, otherwise they are sent inline and failures are
// only logged.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Alert channels, stored as the outbox message kind.
const (
	KindSMS      = "sms"
	KindWhatsApp = "whatsapp"
)

// Opts configures a Notifier.
type Opts struct {
	Email         EmailSender
	From          string
	To            []string
	SMS           SMSSender
	WhatsApp      WhatsAppSender
	OperatorPhone string
	Outbox        store.OutboxRepo
}

// Option configures a Notifier.
type Option func(*Opts)

// WithEmail sets the email sender and the addresses lead emails go from and to.
func WithEmail(sender EmailSender, from string, to ...string) Option {
	return func(o *Opts) {
		o.Email = sender
		o.From = from
		o.To = to
	}
}

// WithSMS enables SMS operator alerts.
func WithSMS(sender SMSSender) Option {
	return func(o *Opts) { o.SMS = sender }
}

// WithWhatsApp enables WhatsApp operator alerts.
func WithWhatsApp(sender WhatsAppSender) Option {
	return func(o *Opts) { o.WhatsApp = sender }
}

// WithOperatorPhone sets the number operator alerts are sent to.
func WithOperatorPhone(phone string) Option {
	return func(o *Opts) { o.OperatorPhone = phone }
}

// WithOutbox queues operator alerts in repo instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) { o.Outbox = repo }
}

// Notifier sends lead notifications.
type Notifier struct {
	opts Opts
}

// NewNotifier creates a Notifier. Every channel is optional.
func NewNotifier(opts ...Option) *Notifier {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewNotifier: notifier created",
		"email", cfg.Email != nil && cfg.From != "" && len(cfg.To) > 0,
		"sms", cfg.SMS != nil,
		"whatsapp", cfg.WhatsApp != nil,
		"OperatorPhone_set", cfg.OperatorPhone != "",
		"outbox", cfg.Outbox != nil)
	return &Notifier{opts: cfg}
}

// EmailConfigured reports whether SendLeadEmail can work.
func (n *Notifier) EmailConfigured() bool {
	return n.opts.Email != nil && n.opts.From != "" && len(n.opts.To) > 0
}

// SendLeadEmail emails the lead and the optional chat transcript to the specialist.
func (n *Notifier) SendLeadEmail(ctx context.Context, lead models.Lead, conv *models.Conversation) error {
	if !n.EmailConfigured() {
		return ErrEmailNotConfigured
	}
	html, err := RenderLeadHTML(lead, conv)
	if err != nil {
		return err
	}
	id, err := n.opts.Email.SendEmail(ctx, Email{
		From:           n.opts.From,
		To:             n.opts.To,
		ReplyTo:        lead.Email,
		Subject:        LeadSubject(lead),
		HTML:           html,
		Text:           RenderLeadText(lead, conv),
		IdempotencyKey: "lead/" + lead.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to send lead email: %w", err)
	}
	slog.Info("Notifier.SendLeadEmail: lead email sent", "leadID", lead.ID, "emailID", id, "transcript", conv != nil)
	return nil
}

// alertPayload is the outbox payload of an operator alert.
type alertPayload struct {
	Body string `json:"body"`
}

// AlertOperator sends or queues the operator alerts for lead. It never fails; problems are logged.
func (n *Notifier) AlertOperator(ctx context.Context, lead models.Lead) {
	if n.opts.OperatorPhone == "" {
		return
	}
	body := LeadSMS(lead)
	for _, kind := range n.channels() {
		if n.opts.Outbox != nil {
			payload, _ := json.Marshal(alertPayload{Body: body})
			id, err := n.opts.Outbox.EnqueueOutboxMessage(ctx, n.opts.OperatorPhone, kind, string(payload), lead.ID+":"+kind)
			if err != nil {
				slog.Error("Notifier.AlertOperator: failed to queue alert", "leadID", lead.ID, "kind", kind, "error", err)
				continue
			}
			slog.Debug("Notifier.AlertOperator: alert queued", "leadID", lead.ID, "kind", kind, "outboxID", id)
			continue
		}
		if err := n.send(ctx, kind, n.opts.OperatorPhone, body); err != nil {
			slog.Error("Notifier.AlertOperator: alert failed", "leadID", lead.ID, "kind", kind, "error", err)
			continue
		}
		slog.Info("Notifier.AlertOperator: alert sent", "leadID", lead.ID, "kind", kind)
	}
}

func (n *Notifier) channels() []string {
	var kinds []string
	if n.opts.SMS != nil {
		kinds = append(kinds, KindSMS)
	}
	if n.opts.WhatsApp != nil {
		kinds = append(kinds, KindWhatsApp)
	}
	return kinds
}

func (n *Notifier) send(ctx context.Context, kind, to, body string) error {
	switch kind {
	case KindSMS:
		if n.opts.SMS == nil {
			return fmt.Errorf("sms alerts are not configured")
		}
		return n.opts.SMS.SendSMS(ctx, to, body)
	case KindWhatsApp:
		if n.opts.WhatsApp == nil {
			return fmt.Errorf("whatsapp alerts are not configured")
		}
		return n.opts.WhatsApp.SendMessage(ctx, to, body)
	default:
		return fmt.Errorf("unknown alert kind %q", kind)
	}
}

// Deliver sends one queued outbox alert. It is the send function of store.OutboxSender.
func (n *Notifier) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	var p alertPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
		return fmt.Errorf("invalid alert payload for %s: %w", msg.ID, err)
	}
	return n.send(ctx, msg.Kind, msg.Recipient, p.Body)
}
