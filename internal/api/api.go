// Package api provides the HTTP server for LeadPipe.
//
// It exposes the lead submission endpoint, the chat widget configuration, the operator
// transcript endpoints, the health check and the realtime socket of the session gateway.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/gateway"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// LeadNotifier routes a stored lead to the sales specialist.
type LeadNotifier interface {
	EmailConfigured() bool
	SendLeadEmail(ctx context.Context, lead models.Lead, conv *models.Conversation) error
	AlertOperator(ctx context.Context, lead models.Lead)
}

// conversationSubscriber is implemented by store.Watcher.
type conversationSubscriber interface {
	Subscribe(sessionKey string, onChange func([]models.Message)) *store.Subscription
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	AdminToken      string   // operator endpoints are disabled when empty
	AllowedOrigins  []string // CORS origins for browser calls; empty or "*" allows any
	SpecialistPhone string
	ShutdownTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken enables the operator endpoints behind a bearer token.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = token }
}

// WithAllowedOrigins restricts the CORS origins.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithSpecialistPhone sets the phone number published in the chat configuration.
func WithSpecialistPhone(phone string) Option {
	return func(o *Opts) { o.SpecialistPhone = phone }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server serves the LeadPipe HTTP API.
type Server struct {
	st       store.Store
	notifier LeadNotifier
	gateway  *gateway.Accessor
	opts     Opts
	now      func() time.Time
}

// NewServer creates a server. gw may be nil, in which case the socket endpoint is not mounted.
func NewServer(st store.Store, notifier LeadNotifier, gw *gateway.Accessor, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		ShutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewServer: server created", "addr", cfg.Addr, "AdminToken_set", cfg.AdminToken != "", "allowedOrigins", cfg.AllowedOrigins, "gateway", gw != nil)
	return &Server{st: st, notifier: notifier, gateway: gw, opts: cfg, now: time.Now}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.sendLeadHandler)
	mux.HandleFunc("GET /api/chat/config", s.chatConfigHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /api/conversations/{sessionKey}", s.requireAdmin(http.HandlerFunc(s.getConversationHandler)))
	mux.Handle("GET /api/conversations/{sessionKey}/events", s.requireAdmin(http.HandlerFunc(s.conversationEventsHandler)))
	mux.Handle("GET /api/leads", s.requireAdmin(http.HandlerFunc(s.listLeadsHandler)))
	mux.Handle("GET /api/leads/{id}", s.requireAdmin(http.HandlerFunc(s.getLeadHandler)))
	if s.gateway != nil {
		mux.HandleFunc("GET /api/socket", func(w http.ResponseWriter, r *http.Request) {
			s.gateway.Get().ServeHTTP(w, r)
		})
	}
	return s.withCORS(mux)
}

// Run serves until ctx is cancelled, then shuts down the HTTP server and the gateway.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("failed to serve API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.gateway != nil {
		if err := s.gateway.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
