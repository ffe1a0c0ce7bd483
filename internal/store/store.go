// Package store provides storage backends for LeadPipe.
//
// Every backend persists append-only chat conversations keyed by visitor session key and the
// lead records created by the contact forms. Subscriptions are layered on top by Watcher so that
// each backend only has to implement additive appends.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConversationRepo is the append-only conversation log.
type ConversationRepo interface {
	// Append adds msg to the end of the conversation for sessionKey, creating it on first use.
	// Concurrent appends on the same key are additive.
	Append(ctx context.Context, sessionKey string, msg models.Message) error

	// Read returns the messages of sessionKey in append order. It returns an empty, non-nil
	// slice when the conversation does not exist.
	Read(ctx context.Context, sessionKey string) ([]models.Message, error)

	// GetConversation returns the whole document, or nil when it does not exist.
	GetConversation(ctx context.Context, sessionKey string) (*models.Conversation, error)
}

// LeadRepo persists lead records. Leads are never updated or deleted.
type LeadRepo interface {
	SaveLead(ctx context.Context, lead models.Lead) error
	// GetLead returns ErrNotFound when id is unknown.
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	// ListLeads returns the most recent leads first, at most limit (all when limit <= 0).
	ListLeads(ctx context.Context, limit int) ([]models.Lead, error)
}

// Store is implemented by every backend.
type Store interface {
	ConversationRepo
	LeadRepo
	Close() error
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeBolt     = "bolt"
	DSNTypeMongo    = "mongo"
)

// DetectDSNType classifies a DATABASE_URL value.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		return DSNTypeMemory
	case strings.HasPrefix(lower, "mongodb://"), strings.HasPrefix(lower, "mongodb+srv://"):
		return DSNTypeMongo
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "host="):
		return DSNTypePostgres
	case strings.HasSuffix(lower, ".bolt"), strings.HasSuffix(lower, ".bbolt"):
		return DSNTypeBolt
	default:
		return DSNTypeSQLite
	}
}

// Open picks a backend for dsn. Options are applied after the DSN, so they may override it.
func Open(ctx context.Context, dsn string, opts ...Option) (Store, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open: selecting backend", "type", kind, "dsn_set", dsn != "")
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypeMongo:
		return NewMongoStore(ctx, append([]Option{WithMongoURI(dsn)}, opts...)...)
	case DSNTypePostgres:
		return NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
	case DSNTypeBolt:
		return NewBoltStore(append([]Option{WithBoltPath(dsn)}, opts...)...)
	case DSNTypeSQLite:
		return NewSQLiteStore(append([]Option{WithSQLiteDSN(dsn)}, opts...)...)
	}
	return nil, fmt.Errorf("unsupported database DSN type %q", kind)
}

// conversationSender returns the sender fields a conversation document should carry after msg
// is appended. Responder messages never overwrite the visitor identity.
func conversationSender(sessionKey string, msg models.Message) (id, name string, update bool) {
	if msg.IsFromBot() {
		return sessionKey, "", false
	}
	id = msg.SenderID
	if id == "" {
		id = sessionKey
	}
	return id, msg.SenderName, true
}

func validateKey(sessionKey string) error {
	if strings.TrimSpace(sessionKey) == "" {
		return models.ErrEmptySessionKey
	}
	return nil
}
