package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// OutboxSendFunc delivers one alert. A non-nil error schedules a retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Outbox sender defaults.
const (
	DefaultOutboxMaxAttempts    = 6
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxStaleThreshold = 5 * time.Minute
	defaultOutboxPollInterval   = 5 * time.Second
)

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithMaxAttempts sets how many failed sends an alert gets before it is abandoned.
func WithMaxAttempts(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithClaimLimit caps the alerts claimed per poll.
func WithClaimLimit(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a claim may stay in sending before recovery requeues it.
func WithStaleThreshold(d time.Duration) SenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.staleThreshold = d
		}
	}
}

// OutboxStats counts delivery outcomes since the sender was created.
type OutboxStats struct {
	Sent      int64 `json:"sent"`
	Retried   int64 `json:"retried"`
	Abandoned int64 `json:"abandoned"`
}

// OutboxSender drains due operator alerts on a fixed interval.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int

	sent, retried, abandoned atomic.Int64
}

// NewOutboxSender returns a sender that polls repo every pollInterval.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration, opts ...SenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = defaultOutboxPollInterval
	}
	s := &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues alerts left in sending by a previous process. Call it once
// before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued interrupted alerts", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.Poll(ctx)
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped", "stats", s.Stats())
			return
		case <-ticker.C:
		}
	}
}

// Poll claims one batch of due alerts and tries each once.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	batch, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}
	for _, msg := range batch {
		s.deliver(ctx, msg, now)
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	sendErr := s.send(ctx, msg)
	if sendErr == nil {
		s.sent.Add(1)
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.deliver: failed to mark alert sent", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.deliver: alert sent", "id", msg.ID, "kind", msg.Kind)
		return
	}

	attempt := msg.Attempts + 1
	if attempt >= s.maxAttempts {
		s.abandoned.Add(1)
		slog.Error("OutboxSender.deliver: giving up on alert", "id", msg.ID, "kind", msg.Kind, "attempts", attempt, "error", sendErr)
		if err := s.repo.AbandonOutboxMessage(ctx, msg.ID, sendErr.Error()); err != nil {
			slog.Error("OutboxSender.deliver: failed to abandon alert", "id", msg.ID, "error", err)
		}
		return
	}

	s.retried.Add(1)
	next := now.Add(Backoff(msg.Attempts))
	slog.Warn("OutboxSender.deliver: alert failed, will retry", "id", msg.ID, "kind", msg.Kind, "attempts", attempt, "retryAt", next, "error", sendErr)
	if err := s.repo.FailOutboxMessage(ctx, msg.ID, sendErr.Error(), next); err != nil {
		slog.Error("OutboxSender.deliver: failed to reschedule alert", "id", msg.ID, "error", err)
	}
}

// Stats returns the delivery counters.
func (s *OutboxSender) Stats() OutboxStats {
	return OutboxStats{Sent: s.sent.Load(), Retried: s.retried.Load(), Abandoned: s.abandoned.Load()}
}

// Backoff is the retry delay after attempts earlier failures: 10s doubling, capped at 2^10 x 10s.
func Backoff(attempts int) time.Duration {
	attempts = max(0, min(attempts, 10))
	return 10 * time.Second << attempts
}
