package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient generates replies with the OpenAI chat completions API.
type OpenAIClient struct {
	chat      chatService
	model     string
	maxTokens int
	debug     debugRecorder
}

var _ Generator = (*OpenAIClient)(nil)

// NewOpenAIClient initializes a client. The API key comes from WithAPIKey or OPENAI_API_KEY.
func NewOpenAIClient(opts ...Option) (*OpenAIClient, error) {
	cfg := applyOpts(opts, "OPENAI_API_KEY", DefaultOpenAIModel)
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("NewOpenAIClient: client created", "model", cfg.Model, "debug", cfg.DebugMode)
	return &OpenAIClient{
		chat:      &cli.Chat.Completions,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		debug:     debugRecorder{enabled: cfg.DebugMode, stateDir: cfg.StateDir},
	}, nil
}

// Name implements Generator.
func (c *OpenAIClient) Name() string {
	return "openai/" + c.model
}

// Generate sends the system instruction followed by the replayed turns.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, t := range req.Turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Text))
		} else {
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("OpenAIClient.Generate: request failed", "model", c.model, "error", err)
		c.debug.record("OpenAIClient.Generate", c.model, req, "", err)
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		c.debug.record("OpenAIClient.Generate", c.model, req, "", ErrNoChoicesReturned)
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	c.debug.record("OpenAIClient.Generate", c.model, req, content, nil)
	slog.Debug("OpenAIClient.Generate: response received", "model", c.model, "turns", len(req.Turns), "length", len(content))
	return content, nil
}
