// Package testutil provides conversation fixtures and response helpers shared by LeadPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Appender is the write side of a conversation store.
type Appender interface {
	Append(ctx context.Context, key string, msg models.Message) error
}

// VisitorMessage builds a message sent by the visitor that owns key.
func VisitorMessage(key, name, text string, ts time.Time) models.Message {
	return models.Message{SenderID: key, SenderName: name, Text: text, Timestamp: ts}
}

// BotMessage builds an assistant message.
func BotMessage(text string, ts time.Time) models.Message {
	return models.Message{SenderID: models.BotSenderID, SenderName: models.BotSenderName, Text: text, Timestamp: ts}
}

// SeedConversation appends msgs to key in order and fails the test on the first error.
func SeedConversation(t *testing.T, repo Appender, key string, msgs ...models.Message) {
	t.Helper()
	for i, msg := range msgs {
		if err := repo.Append(context.Background(), key, msg); err != nil {
			t.Fatalf("failed to seed message %d for %s: %v", i, key, err)
		}
	}
}

// DecodeEnvelope unmarshals an API response body and fails the test when it is not one.
func DecodeEnvelope(t *testing.T, body []byte) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("failed to decode API response %q: %v", body, err)
	}
	if resp.Status == "" {
		t.Fatalf("API response %q has no status", body)
	}
	return resp
}

// MustMarshalJSON marshals v and fails the test on error.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
