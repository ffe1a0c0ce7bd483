package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// InMemoryStore keeps conversations, leads and the alert outbox in process memory.
// Appends lock only the conversation they touch.
type InMemoryStore struct {
	mu     sync.RWMutex
	convs  map[string]*memConversation
	leads  map[string]models.Lead
	outbox map[string]*OutboxMessage
}

type memConversation struct {
	mu   sync.Mutex
	conv models.Conversation
}

var (
	_ Store      = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConversation),
		leads:  make(map[string]models.Lead),
		outbox: make(map[string]*OutboxMessage),
	}
}

func (s *InMemoryStore) entry(sessionKey string, create bool) *memConversation {
	s.mu.RLock()
	c, ok := s.convs[sessionKey]
	s.mu.RUnlock()
	if ok || !create {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.convs[sessionKey]; ok {
		return c
	}
	c = &memConversation{}
	s.convs[sessionKey] = c
	return c
}

// Append adds msg to the conversation for sessionKey.
func (s *InMemoryStore) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	if err := validateKey(sessionKey); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c := s.entry(sessionKey, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	id, name, update := conversationSender(sessionKey, msg)
	if update || c.conv.SenderID == "" {
		c.conv.SenderID = id
		c.conv.SenderName = name
	}
	c.conv.LastUpdated = msg.Timestamp
	c.conv.Messages = append(c.conv.Messages, msg)
	slog.Debug("InMemoryStore.Append: message appended", "sessionKey", sessionKey, "count", len(c.conv.Messages))
	return nil
}

// Read returns a copy of the messages for sessionKey.
func (s *InMemoryStore) Read(ctx context.Context, sessionKey string) ([]models.Message, error) {
	c := s.entry(sessionKey, false)
	if c == nil {
		return []models.Message{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.conv.Messages))
	copy(out, c.conv.Messages)
	return out, nil
}

// GetConversation returns a copy of the conversation document, or nil.
func (s *InMemoryStore) GetConversation(ctx context.Context, sessionKey string) (*models.Conversation, error) {
	c := s.entry(sessionKey, false)
	if c == nil {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.conv
	conv.Messages = make([]models.Message, len(c.conv.Messages))
	copy(conv.Messages, c.conv.Messages)
	return &conv, nil
}

// SaveLead stores a lead.
func (s *InMemoryStore) SaveLead(ctx context.Context, lead models.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = lead
	slog.Debug("InMemoryStore.SaveLead: lead saved", "id", lead.ID)
	return nil
}

// GetLead returns a lead by id.
func (s *InMemoryStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lead, ok := s.leads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &lead, nil
}

// ListLeads returns leads newest first.
func (s *InMemoryStore) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	s.mu.RLock()
	out := make([]models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
