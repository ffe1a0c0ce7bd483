// Package genai provides text generation backends for the chat responder.
//
// Two backends implement Generator: OpenAIClient (chat completions) and GeminiClient
// (Gemini generateContent). Both take a system instruction plus the replayed conversation.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one replayed conversation message.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is a single generation call.
type Request struct {
	System      string  `json:"system"`
	Turns       []Turn  `json:"turns"`
	Temperature float64 `json:"temperature"`
}

// Generator produces the next assistant message for a conversation.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Name identifies the backend and model in logs, e.g. "openai/gpt-4o-mini".
	Name() string
}

// GeneratorFunc adapts an ordinary function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f(ctx, req).
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Name implements Generator.
func (f GeneratorFunc) Name() string { return "func" }

var (
	// ErrNoChoicesReturned is returned when the backend answers without any candidate.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned by constructors when no API key is configured.
	ErrMissingAPIKey = errors.New("API key not set")
)

// Defaults for the backends.
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-2.5-flash"
	// DefaultMaxTokens caps OpenAI completions when WithMaxTokens is not given. Gemini has no
	// default cap because its thinking tokens count against it.
	DefaultMaxTokens = 1024
)

// Opts holds configuration for a generator backend.
type Opts struct {
	APIKey    string
	Model     string
	MaxTokens int
	DebugMode bool   // write every request/response pair under StateDir/debug
	StateDir  string
}

// Option configures a generator backend.
type Option func(*Opts)

// WithAPIKey sets the backend API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the backend's default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithMaxTokens caps the generated length. On Gemini an explicit cap also turns thinking off.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode enables request/response capture under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

func applyOpts(opts []Option, envKey, defaultModel string) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" && envKey != "" {
		cfg.APIKey = os.Getenv(envKey)
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens < 0 {
		cfg.MaxTokens = 0
	}
	return cfg
}

// debugRecorder writes one JSON file per call when enabled.
type debugRecorder struct {
	enabled  bool
	stateDir string
}

type debugEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Model     string    `json:"model"`
	Params    Request   `json:"params"`
	Response  string    `json:"response"`
	Error     string    `json:"error,omitempty"`
}

func (d debugRecorder) record(method, model string, req Request, response string, callErr error) {
	if !d.enabled || d.stateDir == "" {
		return
	}
	entry := debugEntry{Timestamp: time.Now(), Method: method, Model: model, Params: req, Response: response}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	dir := filepath.Join(d.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai debug: failed to create directory", "dir", dir, "error", err)
		return
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai debug: failed to marshal entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", entry.Timestamp.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		slog.Warn("genai debug: failed to write entry", "error", err)
	}
}
