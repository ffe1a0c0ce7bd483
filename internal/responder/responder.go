// Package responder turns a conversation history into the next automated reply.
//
// Every call replays the full (optionally capped) history to a genai.Generator under a
// locale-specific sales policy. Respond never fails: generator errors and empty answers are
// replaced by the locale's apology strings so the visitor always receives a reply.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/locale"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Defaults for Opts.
const (
	DefaultTemperature = 0.6
	DefaultTimeout     = 30 * time.Second
)

// Opts configures a Responder.
type Opts struct {
	Temperature  float64
	HistoryLimit int // 0 replays everything
	Timeout      time.Duration
	Business     Business
	PolicyFile   string // text/template overriding the built-in policy
	Table        locale.Table
}

// Option configures a Responder.
type Option func(*Opts)

// WithTemperature sets the sampling temperature. Values are clamped to [0,1].
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithHistoryLimit caps how many of the most recent messages are replayed to the generator.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithTimeout bounds a single generation call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithBusiness replaces the offer facts used in the policy.
func WithBusiness(b Business) Option {
	return func(o *Opts) { o.Business = b }
}

// WithPolicyFile loads the policy template from path instead of the built-in one.
func WithPolicyFile(path string) Option {
	return func(o *Opts) { o.PolicyFile = path }
}

// WithTable replaces the locale table.
func WithTable(t locale.Table) Option {
	return func(o *Opts) { o.Table = t }
}

// Responder produces bot replies. It is safe for concurrent use.
type Responder struct {
	gen      genai.Generator
	table    locale.Table
	policies map[locale.Locale]string
	temp     float64
	limit    int
	timeout  time.Duration
}

// New creates a Responder. A nil generator is allowed: every reply is then the apology.
func New(gen genai.Generator, opts ...Option) *Responder {
	cfg := Opts{
		Temperature: DefaultTemperature,
		Timeout:     DefaultTimeout,
		Business:    DefaultBusiness(),
		Table:       locale.Builtin(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	tmpl := defaultPolicy
	if cfg.PolicyFile != "" {
		custom, err := loadPolicyFile(cfg.PolicyFile)
		if err != nil {
			slog.Warn("Responder.New: using built-in policy due to load failure", "file", cfg.PolicyFile, "error", err)
		} else {
			tmpl = custom
		}
	}

	r := &Responder{
		gen:      gen,
		table:    cfg.Table,
		policies: make(map[locale.Locale]string, len(cfg.Table)),
		temp:     clampTemperature(cfg.Temperature),
		limit:    cfg.HistoryLimit,
		timeout:  cfg.Timeout,
	}
	for loc := range cfg.Table {
		policy, err := renderPolicy(tmpl, cfg.Table, loc, cfg.Business)
		if err != nil && tmpl != defaultPolicy {
			slog.Warn("Responder.New: custom policy failed to render, using built-in", "locale", loc, "error", err)
			policy, err = renderPolicy(defaultPolicy, cfg.Table, loc, cfg.Business)
		}
		if err != nil {
			slog.Error("Responder.New: failed to render policy", "locale", loc, "error", err)
			continue
		}
		r.policies[loc] = policy
	}

	name := "none"
	if gen != nil {
		name = gen.Name()
	} else {
		slog.Warn("Responder.New: no generator configured, every reply will be an apology")
	}
	slog.Debug("Responder.New: responder created", "generator", name, "temperature", r.temp, "historyLimit", r.limit, "timeout", r.timeout)
	return r
}

func loadPolicyFile(path string) (*template.Template, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	tmpl, err := template.New("policy").Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	return tmpl, nil
}

func clampTemperature(t float64) float64 {
	if math.IsNaN(t) {
		return DefaultTemperature
	}
	return math.Max(0, math.Min(1, t))
}

// Temperature reports the effective sampling temperature.
func (r *Responder) Temperature() float64 {
	return r.temp
}

// Policy returns the rendered system instruction for loc.
func (r *Responder) Policy(loc locale.Locale) string {
	if p, ok := r.policies[loc]; ok {
		return p
	}
	return r.policies[locale.Default]
}

// Respond returns the next bot message for history in loc. It always returns a non-empty reply.
func (r *Responder) Respond(ctx context.Context, history []models.Message, loc locale.Locale) string {
	if !r.table.Has(loc) {
		loc = locale.Default
	}
	content := r.table.Content(loc)
	if r.gen == nil {
		return content.ApologyError
	}

	req := genai.Request{
		System:      r.Policy(loc),
		Turns:       Turns(history, r.limit),
		Temperature: r.temp,
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := r.gen.Generate(ctx, req)
	if err != nil {
		slog.Error("Responder.Respond: generation failed", "generator", r.gen.Name(), "locale", loc, "turns", len(req.Turns), "error", err)
		return content.ApologyError
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("Responder.Respond: generator returned an empty reply", "generator", r.gen.Name(), "locale", loc)
		return content.ApologyEmpty
	}
	slog.Debug("Responder.Respond: reply generated", "locale", loc, "turns", len(req.Turns), "length", len(text), "elapsed", time.Since(start))
	return text
}

// Turns maps stored messages to generator turns, keeping only the last limit messages when
// limit is positive.
func Turns(history []models.Message, limit int) []genai.Turn {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	turns := make([]genai.Turn, 0, len(history))
	for _, m := range history {
		role := genai.RoleUser
		if m.IsFromBot() {
			role = genai.RoleAssistant
		}
		turns = append(turns, genai.Turn{Role: role, Text: m.Text})
	}
	return turns
}
