package store

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of a queued operator alert.
//
//	queued -> sending -> sent
//	             |-> queued (retry with backoff)
//	             |-> failed (attempts exhausted)
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxMessage is one operator alert for one channel. Kind names the channel ("sms",
// "whatsapp"), PayloadJSON carries the rendered body.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"` // "<leadID>:<kind>"
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo is implemented by stores that can hold operator alerts durably.
type OutboxRepo interface {
	// EnqueueOutboxMessage queues an alert. A non-empty dedupeKey that matches an alert which
	// has not failed for good returns that alert's ID instead, so one lead never alerts twice
	// on the same channel.
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages moves up to limit queued alerts that are due at now to sending.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage counts a failed attempt and requeues the alert for nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage counts a failed attempt and stops retrying.
	AbandonOutboxMessage(ctx context.Context, id string, errMsg string) error

	// RequeueStaleSendingMessages returns alerts claimed before staleBefore to the queue.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
