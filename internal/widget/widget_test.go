package widget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/LeadPipe/internal/gateway"
	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/responder"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// salesResponder routes any message mentioning a quote to the specialist.
type salesResponder struct{}

func (salesResponder) Respond(ctx context.Context, history []models.Message, loc locale.Locale) string {
	last := history[len(history)-1].Text
	if strings.Contains(strings.ToLower(last), "quote") || strings.Contains(strings.ToLower(last), "cotización") {
		return responder.RoutingReply(locale.For(loc), responder.DefaultSpecialistPhone)
	}
	return "How many new customers do you want each month?"
}

// fakeLeads records submissions.
type fakeLeads struct {
	mu   sync.Mutex
	err  error
	reqs []models.LeadRequest
}

func (f *fakeLeads) SubmitLead(ctx context.Context, req models.LeadRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "lead_test", nil
}

type testEnv struct {
	hub   *gateway.Hub
	srv   *httptest.Server
	store *store.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewInMemoryStore()
	hub := gateway.NewHub(mem, salesResponder{})
	mux := http.NewServeMux()
	mux.Handle("/api/socket", hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
	})
	return &testEnv{hub: hub, srv: srv, store: mem}
}

func (e *testEnv) widget(t *testing.T, id IdentityProvider, leads LeadSubmitter, opts ...Option) *Widget {
	t.Helper()
	tr, err := NewWSTransport(e.srv.URL)
	require.NoError(t, err)
	w := New(id, tr, leads, opts...)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitFor(t *testing.T, w *Widget, cond func(State) bool, msg string) State {
	t.Helper()
	var last State
	ok := assert.Eventually(t, func() bool {
		last = w.State()
		return cond(last)
	}, 3*time.Second, 10*time.Millisecond, msg)
	if !ok {
		t.FailNow()
	}
	return last
}

var validForm = ContactForm{
	Name:         "Ana Ruiz",
	BusinessName: "Ruiz Plumbing",
	Email:        "ana@ruiz.com",
	PhoneNo:      "(312) 555-1234",
	ServiceType:  "Lead Engine",
	Description:  "More calls",
}

func TestOpen_GreetsEmptyConversation(t *testing.T) {
	env := newTestEnv(t)
	var changes int
	var mu sync.Mutex
	w := env.widget(t, &StaticIdentity{Key: "guest-empty01", Name: "Ana"}, nil, WithOnChange(func(State) {
		mu.Lock()
		changes++
		mu.Unlock()
	}))

	require.NoError(t, w.Open(context.Background()))
	s := w.State()
	assert.True(t, s.Open)
	assert.Equal(t, StatusConnected, s.Status)
	assert.Equal(t, ModeChatting, s.Mode)
	assert.Equal(t, "Hi Ana, how can I help you get more qualified leads today?", s.Greeting)
	assert.Empty(t, s.Messages)
	assert.False(t, s.InputDisabled())
	assert.Equal(t, "Connected", s.StatusText())
	mu.Lock()
	assert.GreaterOrEqual(t, changes, 2)
	mu.Unlock()

	require.NoError(t, w.Open(context.Background()), "opening twice is a no-op")
}

func TestOpen_LoadsHistoryWithoutGreeting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()
	testutil.SeedConversation(t, env.store, "guest-hist001",
		testutil.VisitorMessage("guest-hist001", "Ana", "hello", now),
		testutil.BotMessage("Hi! What trade are you in?", now),
	)

	w := env.widget(t, &StaticIdentity{Key: "guest-hist001", Name: "Ana"}, nil)
	require.NoError(t, w.Open(ctx))
	s := w.State()
	require.Len(t, s.Messages, 2)
	assert.Equal(t, "hello", s.Messages[0].Text)
	assert.Empty(t, s.Greeting)
	assert.Equal(t, ModeChatting, s.Mode)
}

func TestOpen_HistoryEndingInTriggerReopensForm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	routing := responder.RoutingReply(locale.For(locale.English), responder.DefaultSpecialistPhone)
	testutil.SeedConversation(t, env.store, "guest-trig001",
		testutil.VisitorMessage("guest-trig001", "Ana", "quote please", time.Now()),
		testutil.BotMessage(routing, time.Now()),
	)

	w := env.widget(t, &StaticIdentity{Key: "guest-trig001", Name: "Ana"}, nil)
	require.NoError(t, w.Open(ctx))
	assert.Equal(t, ModeAwaitingContactInfo, w.State().Mode)
}

func TestOpen_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := NewWSTransport(url)
	require.NoError(t, err)
	w := New(&StaticIdentity{Name: "Ana"}, tr, nil)
	err = w.Open(context.Background())
	require.Error(t, err)
	s := w.State()
	assert.False(t, s.Open)
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.True(t, strings.HasPrefix(s.SessionKey, "guest-"))
}

func TestSend_Rejections(t *testing.T) {
	env := newTestEnv(t)
	id := &StaticIdentity{Key: "guest-rej0001"}
	w := env.widget(t, id, nil)

	assert.ErrorIs(t, w.Send(context.Background(), "hi"), ErrNotOpen)

	require.NoError(t, w.Open(context.Background()))
	assert.Equal(t, "Hi Guest, how can I help you get more qualified leads today?", w.State().Greeting)
	assert.ErrorIs(t, w.Send(context.Background(), "hi"), ErrNameRequired)
	assert.Equal(t, locale.For(locale.English).NameRequired, w.State().Error)

	require.NoError(t, w.SetDisplayName("guest"))
	assert.ErrorIs(t, w.Send(context.Background(), "hi"), ErrNameRequired)

	require.NoError(t, w.SetDisplayName("Ana"))
	assert.ErrorIs(t, w.Send(context.Background(), "   "), models.ErrEmptyMessageText)
	require.NoError(t, w.Send(context.Background(), "hi"))
	assert.Empty(t, w.State().Error)
}

func TestChatTurn_TriggerOpensContactForm(t *testing.T) {
	env := newTestEnv(t)
	w := env.widget(t, &StaticIdentity{Key: "guest-flow001", Name: "Ana"}, nil)
	require.NoError(t, w.Open(context.Background()))

	require.NoError(t, w.Send(context.Background(), "What do you do?"))
	s := waitFor(t, w, func(s State) bool { return len(s.Messages) == 2 }, "first turn")
	assert.Equal(t, ModeChatting, s.Mode)
	assert.Equal(t, "guest-flow001", s.Messages[0].SenderID)
	assert.True(t, s.Messages[1].IsFromBot())

	require.NoError(t, w.Send(context.Background(), "I want a quote"))
	s = waitFor(t, w, func(s State) bool { return len(s.Messages) == 4 }, "second turn")
	assert.Equal(t, ModeAwaitingContactInfo, s.Mode)
	assert.True(t, s.InputDisabled())
	assert.Equal(t, "Ana", s.Form.Name)

	assert.ErrorIs(t, w.Send(context.Background(), "hello?"), ErrInputDisabled)
	assert.Equal(t, locale.For(locale.English).InputDisabled, w.State().Error)
}

func TestChatTurn_Spanish(t *testing.T) {
	env := newTestEnv(t)
	w := env.widget(t, &StaticIdentity{Key: "guest-es00001", Name: "Luis"}, nil, WithLocale("es-MX"))
	require.NoError(t, w.Open(context.Background()))
	assert.Equal(t, "Hola Luis, ¿cómo puedo ayudarte a conseguir más clientes calificados hoy?", w.State().Greeting)

	require.NoError(t, w.Send(context.Background(), "Quiero una cotización"))
	s := waitFor(t, w, func(s State) bool { return s.Mode == ModeAwaitingContactInfo }, "spanish trigger")
	assert.Contains(t, s.Messages[len(s.Messages)-1].Text, locale.For(locale.Spanish).TriggerPhrase)
}

func openAwaiting(t *testing.T, env *testEnv, key string, leads LeadSubmitter) *Widget {
	t.Helper()
	w := env.widget(t, &StaticIdentity{Key: key, Name: "Ana"}, leads)
	require.NoError(t, w.Open(context.Background()))
	require.NoError(t, w.Send(context.Background(), "quote"))
	waitFor(t, w, func(s State) bool { return s.Mode == ModeAwaitingContactInfo }, "trigger")
	return w
}

func TestSubmitContact_Success(t *testing.T) {
	env := newTestEnv(t)
	leads := &fakeLeads{}
	w := openAwaiting(t, env, "guest-sub0001", leads)

	id, err := w.SubmitContact(context.Background(), validForm)
	require.NoError(t, err)
	assert.Equal(t, "lead_test", id)

	require.Len(t, leads.reqs, 1)
	assert.Equal(t, "guest-sub0001", leads.reqs[0].ChatSenderID)
	assert.Equal(t, "ana@ruiz.com", leads.reqs[0].Email)

	want := locale.For(locale.English).ConfirmationFor("ana@ruiz.com", "3125551234")
	s := waitFor(t, w, func(s State) bool { return len(s.Messages) == 3 }, "confirmation broadcast")
	assert.Equal(t, ModeSubmitted, s.Mode)
	assert.Equal(t, want, s.Messages[2].Text)
	assert.Equal(t, locale.For(locale.English).SubmittedMessage, s.Notice)
	assert.Empty(t, s.Form)

	stored, err := env.store.Read(context.Background(), "guest-sub0001")
	require.NoError(t, err)
	require.Len(t, stored, 3, "the confirmation is stored but starts no responder turn")
	assert.Equal(t, want, stored[2].Text)

	_, err = w.SubmitContact(context.Background(), validForm)
	assert.ErrorIs(t, err, ErrNotAwaitingContact)
}

func TestSubmitContact_FailureKeepsForm(t *testing.T) {
	env := newTestEnv(t)
	leads := &fakeLeads{err: errors.New("status 500: Failed to send notification email")}
	w := openAwaiting(t, env, "guest-fail001", leads)

	_, err := w.SubmitContact(context.Background(), validForm)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	s := w.State()
	assert.Equal(t, ModeAwaitingContactInfo, s.Mode)
	assert.Equal(t, validForm, s.Form)
	assert.Equal(t, locale.For(locale.English).SubmissionFailed, s.Error)

	leads.mu.Lock()
	leads.err = nil
	leads.mu.Unlock()
	_, err = w.SubmitContact(context.Background(), validForm)
	require.NoError(t, err)
	assert.Equal(t, ModeSubmitted, w.State().Mode)
}

func TestSubmitContact_InvalidFormNeverPosts(t *testing.T) {
	env := newTestEnv(t)
	leads := &fakeLeads{}
	w := openAwaiting(t, env, "guest-inv0001", leads)

	form := validForm
	form.Email = " "
	_, err := w.SubmitContact(context.Background(), form)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.ErrorIs(t, err, models.ErrMissingLeadFields)
	assert.Empty(t, leads.reqs)
	assert.Equal(t, form, w.State().Form)
}

func TestSubmitContact_NotAwaiting(t *testing.T) {
	w := New(&StaticIdentity{Name: "Ana"}, nil, &fakeLeads{})
	_, err := w.SubmitContact(context.Background(), validForm)
	assert.ErrorIs(t, err, ErrNotAwaitingContact)
}

func TestDisconnectSurfacesStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.widget(t, &StaticIdentity{Key: "guest-disc001", Name: "Ana"}, nil)
	require.NoError(t, w.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))

	s := waitFor(t, w, func(s State) bool { return s.Status == StatusDisconnected }, "disconnect")
	assert.Equal(t, "Disconnected", s.StatusText())
	assert.True(t, s.InputDisabled())
	assert.ErrorIs(t, w.Send(context.Background(), "hi"), ErrNotConnected)
}

func TestCloseStopsReceiving(t *testing.T) {
	env := newTestEnv(t)
	w := env.widget(t, &StaticIdentity{Key: "guest-close01", Name: "Ana"}, nil)
	require.NoError(t, w.Open(context.Background()))
	require.NoError(t, w.Close())
	s := w.State()
	assert.False(t, s.Open)
	assert.Equal(t, StatusDisconnected, s.Status)
	require.NoError(t, w.Close())
}

func TestFileIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadpipe", "identity.json")
	id := NewFileIdentity(path)
	assert.Equal(t, GuestName, id.DisplayName())

	key, err := id.GetOrCreateSessionKey()
	require.NoError(t, err)
	assert.Regexp(t, `^guest-[0-9a-z]{7}$`, key)
	again, err := id.GetOrCreateSessionKey()
	require.NoError(t, err)
	assert.Equal(t, key, again)
	require.NoError(t, id.SetDisplayName("  Ana  "))

	reloaded := NewFileIdentity(path)
	k2, err := reloaded.GetOrCreateSessionKey()
	require.NoError(t, err)
	assert.Equal(t, key, k2)
	assert.Equal(t, "Ana", reloaded.DisplayName())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileIdentity_ReplacesInvalidKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sessionKey":"BOT_ID","displayName":"Eve"}`), 0o600))
	id := NewFileIdentity(path)
	key, err := id.GetOrCreateSessionKey()
	require.NoError(t, err)
	assert.NotEqual(t, "BOT_ID", key)
	assert.Equal(t, "Eve", id.DisplayName())

	corrupt := filepath.Join(t.TempDir(), "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte(`{not json`), 0o600))
	key, err = NewFileIdentity(corrupt).GetOrCreateSessionKey()
	require.NoError(t, err)
	assert.Regexp(t, `^guest-`, key)
}

func TestNewWSTransport(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/api/socket"},
		{"https://chat.example.com/", "wss://chat.example.com/api/socket"},
		{"wss://chat.example.com/prefix", "wss://chat.example.com/prefix/api/socket"},
	}
	for _, tt := range tests {
		tr, err := NewWSTransport(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, tr.socketURL)
	}
	_, err := NewWSTransport("ftp://example.com")
	assert.Error(t, err)

	tr, err := NewWSTransport("http://localhost:1")
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Send(context.Background(), gateway.EventSendMessage, gateway.SendMessagePayload{}), ErrTransportClosed)
	assert.NoError(t, tr.Close())
}

func TestLeadClient(t *testing.T) {
	var got models.LeadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/send", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		if got.Email == "fail@example.com" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":"error","message":"Failed to send notification email"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","message":"Lead submitted successfully","result":{"id":"lead_42"}}`))
	}))
	defer srv.Close()

	c := NewLeadClient(srv.URL+"/", srv.Client())
	req := models.LeadRequest{Name: "Ana", Email: "ana@ruiz.com", ChatSenderID: "guest-abc1234"}
	id, err := c.SubmitLead(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "lead_42", id)
	assert.Equal(t, "guest-abc1234", got.ChatSenderID)

	req.Email = "fail@example.com"
	_, err = c.SubmitLead(context.Background(), req)
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Contains(t, err.Error(), "Failed to send notification email")
}
