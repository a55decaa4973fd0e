package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient generates answers with Claude. It has no embedding support.
type AnthropicClient struct {
	config *ClientConfig
	client anthropic.Client
}

// NewAnthropicClient creates a Claude messages client.
func NewAnthropicClient(config *ClientConfig) *AnthropicClient {
	if config.GenerationModel == "" {
		config.GenerationModel = "claude-3-5-haiku-latest"
	}
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicClient{
		config: config,
		client: anthropic.NewClient(opts...),
	}
}

// Generate sends a single user message with an optional system prompt.
func (c *AnthropicClient) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.GenerationModel),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Generation{}, fmt.Errorf("claude messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Generation{}, errors.New("empty response from Claude API")
	}

	g := Generation{
		Text:             strings.TrimSpace(text.String()),
		Model:            string(resp.Model),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		UsageReported:    resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0,
	}
	g.TotalTokens = g.PromptTokens + g.CompletionTokens
	if g.Model == "" {
		g.Model = c.config.GenerationModel
	}
	return g, nil
}

func (c *AnthropicClient) Model() string {
	return c.config.GenerationModel
}
