package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outboxFactory func(t *testing.T) OutboxRepo

func outboxBackends() map[string]outboxFactory {
	return map[string]outboxFactory{
		"memory": func(t *testing.T) OutboxRepo { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) OutboxRepo { return newTestSQLiteStore(t) },
	}
}

func TestOutboxRepo(t *testing.T) {
	for name, factory := range outboxBackends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("EnqueueDedupe", func(t *testing.T) {
				repo := factory(t)
				ctx := context.Background()
				id1, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "sms", `{"body":"hi"}`, "lead_1:sms")
				require.NoError(t, err)
				id2, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "sms", `{"body":"hi"}`, "lead_1:sms")
				require.NoError(t, err)
				assert.Equal(t, id1, id2)
				id3, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "whatsapp", `{"body":"hi"}`, "lead_1:whatsapp")
				require.NoError(t, err)
				assert.NotEqual(t, id1, id3)

				claimed, err := repo.ClaimDueOutboxMessages(ctx, time.Now(), 10)
				require.NoError(t, err)
				require.Len(t, claimed, 2)
				require.NoError(t, repo.MarkOutboxMessageSent(ctx, id1))
				afterSend, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "sms", `{"body":"hi"}`, "lead_1:sms")
				require.NoError(t, err)
				assert.Equal(t, id1, afterSend, "a sent alert still dedupes")
				require.NoError(t, repo.AbandonOutboxMessage(ctx, id3, "gone"))
				afterFail, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "whatsapp", `{"body":"hi"}`, "lead_1:whatsapp")
				require.NoError(t, err)
				assert.NotEqual(t, id3, afterFail, "an abandoned alert may be queued again")
			})

			t.Run("ClaimFailRetry", func(t *testing.T) {
				repo := factory(t)
				ctx := context.Background()
				id, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "sms", `{}`, "")
				require.NoError(t, err)

				now := time.Now()
				claimed, err := repo.ClaimDueOutboxMessages(ctx, now, 10)
				require.NoError(t, err)
				require.Len(t, claimed, 1)
				assert.Equal(t, id, claimed[0].ID)
				assert.Equal(t, OutboxStatusSending, claimed[0].Status)
				assert.Equal(t, "+13125551234", claimed[0].Recipient)

				again, err := repo.ClaimDueOutboxMessages(ctx, now, 10)
				require.NoError(t, err)
				assert.Empty(t, again, "claimed message must not be claimed twice")

				require.NoError(t, repo.FailOutboxMessage(ctx, id, "boom", now.Add(time.Minute)))
				notYet, err := repo.ClaimDueOutboxMessages(ctx, now.Add(30*time.Second), 10)
				require.NoError(t, err)
				assert.Empty(t, notYet)

				due, err := repo.ClaimDueOutboxMessages(ctx, now.Add(2*time.Minute), 10)
				require.NoError(t, err)
				require.Len(t, due, 1)
				assert.Equal(t, 1, due[0].Attempts)
				assert.Equal(t, "boom", due[0].LastError)

				require.NoError(t, repo.MarkOutboxMessageSent(ctx, id))
				done, err := repo.ClaimDueOutboxMessages(ctx, now.Add(time.Hour), 10)
				require.NoError(t, err)
				assert.Empty(t, done)
			})

			t.Run("RequeueStale", func(t *testing.T) {
				repo := factory(t)
				ctx := context.Background()
				_, err := repo.EnqueueOutboxMessage(ctx, "+13125551234", "sms", `{}`, "")
				require.NoError(t, err)
				past := time.Now().Add(-time.Hour)
				claimed, err := repo.ClaimDueOutboxMessages(ctx, past.Add(time.Hour), 10)
				require.NoError(t, err)
				require.Len(t, claimed, 1)

				n, err := repo.RequeueStaleSendingMessages(ctx, time.Now().Add(time.Minute))
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				reclaimed, err := repo.ClaimDueOutboxMessages(ctx, time.Now(), 10)
				require.NoError(t, err)
				assert.Len(t, reclaimed, 1)
			})
		})
	}
}

func TestOutboxSender_PollSendsAndRetries(t *testing.T) {
	repo := NewInMemoryStore()
	ctx := context.Background()
	okID, err := repo.EnqueueOutboxMessage(ctx, "+1", "sms", `{}`, "")
	require.NoError(t, err)
	badID, err := repo.EnqueueOutboxMessage(ctx, "+2", "whatsapp", `{}`, "")
	require.NoError(t, err)

	var sends atomic.Int32
	sender := NewOutboxSender(repo, func(ctx context.Context, msg OutboxMessage) error {
		sends.Add(1)
		if msg.Kind == "whatsapp" {
			return errors.New("not connected")
		}
		return nil
	}, time.Second)
	sender.Poll(ctx)

	assert.Equal(t, int32(2), sends.Load())
	byID := map[string]OutboxMessage{}
	for _, m := range repo.OutboxMessages() {
		byID[m.ID] = m
	}
	assert.Equal(t, OutboxStatusSent, byID[okID].Status)
	assert.Equal(t, OutboxStatusQueued, byID[badID].Status)
	assert.Equal(t, 1, byID[badID].Attempts)
	require.NotNil(t, byID[badID].NextAttemptAt)
	assert.True(t, byID[badID].NextAttemptAt.After(time.Now().Add(5*time.Second)))
	assert.Equal(t, OutboxStats{Sent: 1, Retried: 1}, sender.Stats())
}

func TestOutboxSender_AbandonsAfterMaxAttempts(t *testing.T) {
	repo := NewInMemoryStore()
	ctx := context.Background()
	id, err := repo.EnqueueOutboxMessage(ctx, "+1", "sms", `{}`, "lead_x:sms")
	require.NoError(t, err)

	sender := NewOutboxSender(repo, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("twilio down")
	}, time.Second, WithMaxAttempts(2))

	sender.Poll(ctx)
	// Make the retry due immediately.
	require.NoError(t, repo.FailOutboxMessage(ctx, id, "twilio down", time.Now().Add(-time.Second)))
	sender.Poll(ctx)

	msgs := repo.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, OutboxStatusFailed, msgs[0].Status)
	assert.Equal(t, OutboxStats{Retried: 1, Abandoned: 1}, sender.Stats())

	again, err := repo.EnqueueOutboxMessage(ctx, "+1", "sms", `{}`, "lead_x:sms")
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}

func TestOutboxSender_RecoverStaleMessages(t *testing.T) {
	repo := NewInMemoryStore()
	ctx := context.Background()
	_, err := repo.EnqueueOutboxMessage(ctx, "+1", "sms", `{}`, "")
	require.NoError(t, err)
	_, err = repo.ClaimDueOutboxMessages(ctx, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)

	sender := NewOutboxSender(repo, func(context.Context, OutboxMessage) error { return nil }, time.Second)
	require.NoError(t, sender.RecoverStaleMessages(ctx))
	assert.Equal(t, OutboxStatusQueued, repo.OutboxMessages()[0].Status)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 10*time.Second, Backoff(0))
	assert.Equal(t, 20*time.Second, Backoff(1))
	assert.Equal(t, 40*time.Second, Backoff(2))
	assert.Equal(t, Backoff(10), Backoff(50))
}
