package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

type storeFactory func(t *testing.T) Store

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "leadpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(WithBoltPath(filepath.Join(t.TempDir(), "leadpipe.bolt")))
	if err != nil {
		t.Fatalf("NewBoltStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
		"bolt":   func(t *testing.T) Store { return newTestBoltStore(t) },
		"postgres": func(t *testing.T) Store {
			dsn := os.Getenv("LEADPIPE_TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("LEADPIPE_TEST_POSTGRES_DSN not set")
			}
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"mongo": func(t *testing.T) Store {
			uri := os.Getenv("LEADPIPE_TEST_MONGO_URI")
			if uri == "" {
				t.Skip("LEADPIPE_TEST_MONGO_URI not set")
			}
			s, err := NewMongoStore(context.Background(), WithMongoURI(uri), WithMongoDatabase("leadpipe_test"), WithMongoTimeout(3*time.Second))
			if err != nil {
				t.Skipf("Mongo not available: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// uniqueKey keeps runs against shared external databases independent.
func uniqueKey(t *testing.T) string {
	return fmt.Sprintf("guest-%d", time.Now().UnixNano())
}

func visitorMsg(key, text string, ts time.Time) models.Message {
	return models.Message{SenderID: key, SenderName: "Ana", Text: text, Timestamp: ts, Locale: "en"}
}

func botMsg(text string, ts time.Time) models.Message {
	return models.Message{SenderID: models.BotSenderID, SenderName: models.BotSenderName, Text: text, Timestamp: ts, Locale: "en"}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("ReadMissingIsEmpty", func(t *testing.T) {
				s := factory(t)
				msgs, err := s.Read(context.Background(), uniqueKey(t))
				require.NoError(t, err)
				require.NotNil(t, msgs)
				assert.Empty(t, msgs)

				conv, err := s.GetConversation(context.Background(), uniqueKey(t))
				require.NoError(t, err)
				assert.Nil(t, conv)
			})

			t.Run("AppendOnlyPrefix", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				key := uniqueKey(t)
				base := time.Now().UTC().Truncate(time.Millisecond)

				var prev []models.Message
				for i := 0; i < 4; i++ {
					var m models.Message
					if i%2 == 0 {
						m = visitorMsg(key, fmt.Sprintf("question %d", i), base.Add(time.Duration(i)*time.Second))
					} else {
						m = botMsg(fmt.Sprintf("answer %d", i), base.Add(time.Duration(i)*time.Second))
					}
					require.NoError(t, s.Append(ctx, key, m))

					cur, err := s.Read(ctx, key)
					require.NoError(t, err)
					require.Len(t, cur, i+1)
					if diff := cmp.Diff(prev, cur[:len(prev)]); len(prev) > 0 && diff != "" {
						t.Fatalf("earlier messages changed (-before +after):\n%s", diff)
					}
					assert.Equal(t, m.Text, cur[i].Text)
					assert.True(t, m.Timestamp.Equal(cur[i].Timestamp), "timestamp mismatch: %v vs %v", m.Timestamp, cur[i].Timestamp)
					prev = cur
				}
			})

			t.Run("ConversationDocument", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				key := uniqueKey(t)
				now := time.Now().UTC().Truncate(time.Millisecond)

				require.NoError(t, s.Append(ctx, key, visitorMsg(key, "hello", now)))
				require.NoError(t, s.Append(ctx, key, botMsg("hi there", now.Add(time.Second))))

				conv, err := s.GetConversation(ctx, key)
				require.NoError(t, err)
				require.NotNil(t, conv)
				assert.Equal(t, key, conv.SenderID)
				assert.Equal(t, "Ana", conv.SenderName, "bot message must not overwrite the visitor name")
				assert.True(t, conv.LastUpdated.Equal(now.Add(time.Second)))
				require.Len(t, conv.Messages, 2)
				assert.True(t, conv.Messages[1].IsFromBot())
			})

			t.Run("EmptyKeyRejected", func(t *testing.T) {
				s := factory(t)
				err := s.Append(context.Background(), " ", visitorMsg("x", "hello", time.Now()))
				assert.ErrorIs(t, err, models.ErrEmptySessionKey)
			})

			t.Run("ConcurrentAppendsAreAdditive", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				key := uniqueKey(t)

				const writers, perWriter = 8, 5
				var wg sync.WaitGroup
				errs := make(chan error, writers*perWriter)
				for w := 0; w < writers; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						for i := 0; i < perWriter; i++ {
							errs <- s.Append(ctx, key, visitorMsg(key, fmt.Sprintf("w%d-%d", w, i), time.Now()))
						}
					}(w)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}

				msgs, err := s.Read(ctx, key)
				require.NoError(t, err)
				require.Len(t, msgs, writers*perWriter)
				seen := map[string]bool{}
				for _, m := range msgs {
					seen[m.Text] = true
				}
				assert.Len(t, seen, writers*perWriter)

				// Each writer's own messages stay in its issue order.
				last := map[string]int{}
				for idx, m := range msgs {
					var w, i int
					_, err := fmt.Sscanf(m.Text, "w%d-%d", &w, &i)
					require.NoError(t, err)
					k := fmt.Sprint(w)
					if prevIdx, ok := last[k]; ok {
						assert.Less(t, prevIdx, idx)
					}
					last[k] = idx
				}
			})

			t.Run("Leads", func(t *testing.T) {
				s := factory(t)
				ctx := context.Background()
				now := time.Now().UTC().Truncate(time.Millisecond)
				suffix := uniqueKey(t)
				older := models.Lead{ID: "lead_a" + suffix, Name: "Ana", BusinessName: "Ana Plumbing", Email: "a@b.com",
					PhoneNo: "3125551234", ServiceType: "plumbing", Description: "calls", Source: models.LeadSourceContactForm, CreatedAt: now}
				newer := older
				newer.ID = "lead_b" + suffix
				newer.ChatSenderID = "guest-abc1234"
				newer.Source = models.LeadSourceChat
				newer.CreatedAt = now.Add(time.Minute)

				require.NoError(t, s.SaveLead(ctx, older))
				require.NoError(t, s.SaveLead(ctx, newer))

				got, err := s.GetLead(ctx, newer.ID)
				require.NoError(t, err)
				assert.Equal(t, "guest-abc1234", got.ChatSenderID)
				assert.Equal(t, models.LeadSourceChat, got.Source)
				assert.True(t, got.CreatedAt.Equal(newer.CreatedAt))

				_, err = s.GetLead(ctx, "lead_missing"+suffix)
				assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)

				list, err := s.ListLeads(ctx, 1)
				require.NoError(t, err)
				require.Len(t, list, 1)
				assert.Equal(t, newer.ID, list[0].ID)
			})
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	require.NoError(t, s1.Append(context.Background(), "guest-aaaaaaa", visitorMsg("guest-aaaaaaa", "persisted", time.Now())))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	defer s2.Close()
	msgs, err := s2.Read(context.Background(), "guest-aaaaaaa")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persisted", msgs[0].Text)
}

func TestNewSQLiteStore_RequiresDSN(t *testing.T) {
	_, err := NewSQLiteStore()
	assert.ErrorIs(t, err, ErrDSNNotSet)
	_, err = NewPostgresStore()
	assert.ErrorIs(t, err, ErrDSNNotSet)
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"":                                        DSNTypeMemory,
		"mongodb://localhost:27017":               DSNTypeMongo,
		"mongodb+srv://cluster.example.net/leads": DSNTypeMongo,
		"postgres://user:pw@localhost/db":         DSNTypePostgres,
		"postgresql://localhost/db":               DSNTypePostgres,
		"host=localhost user=x dbname=y":          DSNTypePostgres,
		"/var/lib/leadpipe/state.bolt":            DSNTypeBolt,
		"data.bbolt":                              DSNTypeBolt,
		"/var/lib/leadpipe/state.db":              DSNTypeSQLite,
		"file:state.db?_foreign_keys=on":          DSNTypeSQLite,
	}
	for dsn, want := range tests {
		assert.Equal(t, want, DetectDSNType(dsn), "DetectDSNType(%q)", dsn)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = Open(ctx, filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, filepath.Join(t.TempDir(), "open.bolt"))
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	require.NoError(t, s.Close())
}

func TestRebindDollar(t *testing.T) {
	got := rebindDollar(`SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?`)
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3`, got)
}
