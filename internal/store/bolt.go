package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Bucket layout:
//
//	conversations/<sessionKey>          -> JSON conversation header (no messages)
//	messages/<sessionKey>/<seq uint64>  -> JSON message
//	leads/<id>                          -> JSON lead
var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketLeads         = []byte("leads")
)

const defaultBoltTimeout = time.Second

// BoltStore persists conversations and leads in a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

type boltConversationHeader struct {
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// NewBoltStore opens (or creates) the bbolt database at the configured path.
func NewBoltStore(opts ...Option) (*BoltStore, error) {
	cfg := applyOpts(opts)
	path := cfg.DSN
	if path == "" {
		return nil, fmt.Errorf("bolt database path not set")
	}
	timeout := cfg.BoltTimeout
	if timeout <= 0 {
		timeout = defaultBoltTimeout
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		slog.Error("BoltStore.NewBoltStore: open failed", "path", path, "error", err)
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketLeads} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bolt buckets: %w", err)
	}
	slog.Debug("BoltStore.NewBoltStore: opened", "path", path)
	return &BoltStore{db: db}, nil
}

func seqKey(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// Append writes msg under the next sequence number of the session's message bucket.
func (s *BoltStore) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	if err := validateKey(sessionKey); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		convs := tx.Bucket(bucketConversations)
		var hdr boltConversationHeader
		if raw := convs.Get([]byte(sessionKey)); raw != nil {
			if err := json.Unmarshal(raw, &hdr); err != nil {
				return fmt.Errorf("decode conversation header: %w", err)
			}
		}
		id, name, update := conversationSender(sessionKey, msg)
		if update || hdr.SenderID == "" {
			hdr.SenderID = id
			hdr.SenderName = name
		}
		hdr.LastUpdated = msg.Timestamp
		enc, err := json.Marshal(hdr)
		if err != nil {
			return err
		}
		if err := convs.Put([]byte(sessionKey), enc); err != nil {
			return err
		}

		msgs, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(sessionKey))
		if err != nil {
			return err
		}
		seq, err := msgs.NextSequence()
		if err != nil {
			return err
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return msgs.Put(seqKey(seq), body)
	})
	if err != nil {
		slog.Error("BoltStore.Append failed", "sessionKey", sessionKey, "error", err)
		return fmt.Errorf("failed to append message for %s: %w", sessionKey, err)
	}
	return nil
}

func readBoltMessages(tx *bolt.Tx, sessionKey string) ([]models.Message, error) {
	out := []models.Message{}
	b := tx.Bucket(bucketMessages).Bucket([]byte(sessionKey))
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(k, v []byte) error {
		var m models.Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("decode message %x: %w", k, err)
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// Read returns the messages for sessionKey in sequence order.
func (s *BoltStore) Read(ctx context.Context, sessionKey string) ([]models.Message, error) {
	var out []models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = readBoltMessages(tx, sessionKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read messages for %s: %w", sessionKey, err)
	}
	return out, nil
}

// GetConversation assembles the header and messages of sessionKey.
func (s *BoltStore) GetConversation(ctx context.Context, sessionKey string) (*models.Conversation, error) {
	var conv *models.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketConversations).Get([]byte(sessionKey))
		if raw == nil {
			return nil
		}
		var hdr boltConversationHeader
		if err := json.Unmarshal(raw, &hdr); err != nil {
			return fmt.Errorf("decode conversation header: %w", err)
		}
		msgs, err := readBoltMessages(tx, sessionKey)
		if err != nil {
			return err
		}
		conv = &models.Conversation{
			SenderID:    hdr.SenderID,
			SenderName:  hdr.SenderName,
			LastUpdated: hdr.LastUpdated,
			Messages:    msgs,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", sessionKey, err)
	}
	return conv, nil
}

// SaveLead stores lead under its id.
func (s *BoltStore) SaveLead(ctx context.Context, lead models.Lead) error {
	enc, err := json.Marshal(lead)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeads).Put([]byte(lead.ID), enc)
	})
	if err != nil {
		slog.Error("BoltStore.SaveLead failed", "id", lead.ID, "error", err)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	return nil
}

// GetLead returns a lead by id.
func (s *BoltStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	var lead *models.Lead
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLeads).Get([]byte(id))
		if raw == nil {
			return nil
		}
		lead = &models.Lead{}
		return json.Unmarshal(raw, lead)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", id, err)
	}
	if lead == nil {
		return nil, ErrNotFound
	}
	return lead, nil
}

// ListLeads returns leads newest first.
func (s *BoltStore) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	leads := []models.Lead{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeads).ForEach(func(k, v []byte) error {
			var l models.Lead
			if err := json.Unmarshal(v, &l); err != nil {
				slog.Warn("BoltStore.ListLeads: skipping malformed lead", "id", string(k), "error", err)
				return nil
			}
			leads = append(leads, l)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list leads: %w", err)
	}
	sort.Slice(leads, func(i, j int) bool { return leads[i].CreatedAt.After(leads[j].CreatedAt) })
	if limit > 0 && len(leads) > limit {
		leads = leads[:limit]
	}
	return leads, nil
}

// Close releases the bbolt file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
