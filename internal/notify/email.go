package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/resend/resend-go/v2"
)

// ErrEmailNotConfigured is returned when no email sender, sender address or recipient is set.
var ErrEmailNotConfigured = errors.New("email sender is not configured")

// Email is one outgoing notification email.
type Email struct {
	From           string
	To             []string
	ReplyTo        string
	Subject        string
	HTML           string
	Text           string
	IdempotencyKey string
}

// EmailSender delivers a notification email and returns the provider message id.
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) (string, error)
}

// emailService is the slice of the Resend emails API the client uses.
type emailService interface {
	SendWithOptions(ctx context.Context, params *resend.SendEmailRequest, options *resend.SendEmailOptions) (*resend.SendEmailResponse, error)
}

// ResendOpts configures a ResendClient.
type ResendOpts struct {
	APIKey string
}

// ResendOption configures a ResendClient.
type ResendOption func(*ResendOpts)

// WithResendAPIKey sets the Resend API key.
func WithResendAPIKey(key string) ResendOption {
	return func(o *ResendOpts) { o.APIKey = key }
}

// ResendClient sends email through the Resend API.
type ResendClient struct {
	emails emailService
}

var _ EmailSender = (*ResendClient)(nil)

// NewResendClient creates a client. The key comes from WithResendAPIKey or RESEND_API_KEY.
func NewResendClient(opts ...ResendOption) (*ResendClient, error) {
	var cfg ResendOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("RESEND_API_KEY")
	}
	slog.Debug("NewResendClient: config loaded", "APIKey_set", cfg.APIKey != "")
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resend: %w", ErrEmailNotConfigured)
	}
	return &ResendClient{emails: resend.NewClient(cfg.APIKey).Emails}, nil
}

// SendEmail sends email and returns the Resend message id.
func (c *ResendClient) SendEmail(ctx context.Context, email Email) (string, error) {
	req := &resend.SendEmailRequest{
		From:    email.From,
		To:      email.To,
		ReplyTo: email.ReplyTo,
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
		Tags:    []resend.Tag{{Name: "category", Value: "lead"}},
	}
	var sendOpts *resend.SendEmailOptions
	if email.IdempotencyKey != "" {
		sendOpts = &resend.SendEmailOptions{IdempotencyKey: email.IdempotencyKey}
	}
	resp, err := c.emails.SendWithOptions(ctx, req, sendOpts)
	if err != nil {
		slog.Error("ResendClient.SendEmail: send failed", "subject", email.Subject, "error", err)
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	slog.Debug("ResendClient.SendEmail: email sent", "id", resp.Id, "recipients", len(email.To))
	return resp.Id, nil
}
