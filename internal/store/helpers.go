package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// sqlStore holds the queries shared by the SQLite and Postgres backends. Queries are written
// with ? placeholders and rebound for the driver.
type sqlStore struct {
	db       *sql.DB
	name     string // log prefix, e.g. "SQLiteStore"
	rebind   func(string) string
	postgres bool
}

// rebindDollar rewrites ? placeholders as $1, $2, ... for lib/pq.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindNone(query string) string { return query }

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) Append(ctx context.Context, sessionKey string, msg models.Message) error {
	if err := validateKey(sessionKey); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ts := msg.Timestamp.UTC()
	senderID, senderName, update := conversationSender(sessionKey, msg)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `INSERT INTO conversations (session_key, sender_id, sender_name, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_key) DO UPDATE SET last_updated = excluded.last_updated`
	if update {
		upsert += `, sender_id = excluded.sender_id, sender_name = excluded.sender_name`
	}
	if _, err := tx.ExecContext(ctx, s.rebind(upsert), sessionKey, senderID, senderName, ts); err != nil {
		slog.Error(s.name+".Append: conversation upsert failed", "error", err, "sessionKey", sessionKey)
		return fmt.Errorf("failed to upsert conversation %s: %w", sessionKey, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO conversation_messages (session_key, sender_id, sender_name, text, locale, sent_at) VALUES (?, ?, ?, ?, ?, ?)`),
		sessionKey, msg.SenderID, msg.SenderName, msg.Text, msg.Locale, ts)
	if err != nil {
		slog.Error(s.name+".Append: message insert failed", "error", err, "sessionKey", sessionKey)
		return fmt.Errorf("failed to insert message for %s: %w", sessionKey, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append transaction: %w", err)
	}
	slog.Debug(s.name+".Append succeeded", "sessionKey", sessionKey, "bot", msg.IsFromBot())
	return nil
}

func (s *sqlStore) Read(ctx context.Context, sessionKey string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT sender_id, sender_name, text, locale, sent_at FROM conversation_messages WHERE session_key = ? ORDER BY seq ASC`),
		sessionKey)
	if err != nil {
		slog.Error(s.name+".Read query failed", "error", err, "sessionKey", sessionKey)
		return nil, fmt.Errorf("failed to query messages for %s: %w", sessionKey, err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.SenderID, &m.SenderName, &m.Text, &m.Locale, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) GetConversation(ctx context.Context, sessionKey string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT sender_id, sender_name, last_updated FROM conversations WHERE session_key = ?`), sessionKey).
		Scan(&conv.SenderID, &conv.SenderName, &conv.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".GetConversation not found", "sessionKey", sessionKey)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetConversation failed", "error", err, "sessionKey", sessionKey)
		return nil, fmt.Errorf("failed to load conversation %s: %w", sessionKey, err)
	}
	msgs, err := s.Read(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	return &conv, nil
}

func (s *sqlStore) SaveLead(ctx context.Context, lead models.Lead) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO leads (id, name, business_name, email, phone_no, service_type, description, chat_sender_id, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		lead.ID, lead.Name, lead.BusinessName, lead.Email, lead.PhoneNo, lead.ServiceType, lead.Description,
		nilIfEmpty(lead.ChatSenderID), string(lead.Source), lead.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+".SaveLead failed", "error", err, "id", lead.ID)
		return fmt.Errorf("failed to insert lead %s: %w", lead.ID, err)
	}
	slog.Debug(s.name+".SaveLead succeeded", "id", lead.ID, "source", lead.Source)
	return nil
}

const leadColumns = `id, name, business_name, email, phone_no, service_type, description, chat_sender_id, source, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (models.Lead, error) {
	var l models.Lead
	var chatSenderID sql.NullString
	var source string
	err := row.Scan(&l.ID, &l.Name, &l.BusinessName, &l.Email, &l.PhoneNo, &l.ServiceType, &l.Description,
		&chatSenderID, &source, &l.CreatedAt)
	if err != nil {
		return l, err
	}
	l.ChatSenderID = chatSenderID.String
	l.Source = models.LeadSource(source)
	return l, nil
}

func (s *sqlStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+leadColumns+` FROM leads WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lead %s: %w", id, err)
	}
	return &l, nil
}

func (s *sqlStore) ListLeads(ctx context.Context, limit int) ([]models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()
	leads := []models.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead row: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return leads, nil
}

func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
	}
	return err
}
