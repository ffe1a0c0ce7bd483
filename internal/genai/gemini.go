package genai

import (
	"context"
	"fmt"
	"log/slog"

	gemini "google.golang.org/genai"
)

// contentService is the slice of the Gemini models API the client uses.
type contentService interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient generates replies with the Gemini API.
type GeminiClient struct {
	models    contentService
	model     string
	maxTokens int // 0 leaves the output uncapped
	debug     debugRecorder
}

var _ Generator = (*GeminiClient)(nil)

// NewGeminiClient initializes a client. The API key comes from WithAPIKey or GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := applyOpts(opts, "GEMINI_API_KEY", DefaultGeminiModel)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	slog.Debug("NewGeminiClient: client created", "model", cfg.Model, "debug", cfg.DebugMode)
	return &GeminiClient{
		models:    client.Models,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		debug:     debugRecorder{enabled: cfg.DebugMode, stateDir: cfg.StateDir},
	}, nil
}

// Name implements Generator.
func (c *GeminiClient) Name() string {
	return "gemini/" + c.model
}

// Generate replays the turns as user/model contents with the system instruction attached.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	contents := make([]*gemini.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		role := gemini.Role(gemini.RoleUser)
		if t.Role == RoleAssistant {
			role = gemini.RoleModel
		}
		contents = append(contents, gemini.NewContentFromText(t.Text, role))
	}
	config := &gemini.GenerateContentConfig{
		Temperature: gemini.Ptr(float32(req.Temperature)),
	}
	if c.maxTokens > 0 {
		config.MaxOutputTokens = int32(c.maxTokens)
		config.ThinkingConfig = &gemini.ThinkingConfig{ThinkingBudget: gemini.Ptr[int32](0)}
	}
	if req.System != "" {
		config.SystemInstruction = gemini.NewContentFromText(req.System, gemini.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		slog.Error("GeminiClient.Generate: request failed", "model", c.model, "error", err)
		c.debug.record("GeminiClient.Generate", c.model, req, "", err)
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 {
		c.debug.record("GeminiClient.Generate", c.model, req, "", ErrNoChoicesReturned)
		return "", ErrNoChoicesReturned
	}
	text := resp.Text()
	c.debug.record("GeminiClient.Generate", c.model, req, text, nil)
	slog.Debug("GeminiClient.Generate: response received", "model", c.model, "turns", len(req.Turns), "length", len(text))
	return text, nil
}
