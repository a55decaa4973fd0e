package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	// Defaults for Gemini API
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.GenerationModel == "" {
		config.GenerationModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}
	if config.BaseURL != "" {
		cc.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed implements the embedding functionality using the Gemini API
func (c *VertexAIClient) Embed(ctx context.Context, text string, kind EmbedKind) ([]float32, error) {
	if c.client == nil {
		return nil, errors.New("vertexai client not initialized")
	}
	if kind == "" {
		kind = KindDocument
	}
	cfg := genai.EmbedContentConfig{
		TaskType: string(kind),
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}

	return res.Embeddings[0].Values, nil
}

// Generate answers a prompt with the configured Gemini model.
func (c *VertexAIClient) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	if c.client == nil {
		return Generation{}, errors.New("vertexai client not initialized")
	}
	cfg := generateConfig(req)

	resp, err := c.client.Models.GenerateContent(ctx, c.config.GenerationModel, genai.Text(req.Prompt), cfg)
	if err != nil {
		return Generation{}, fmt.Errorf("generation failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Generation{}, errors.New("no candidates returned")
	}

	g := Generation{
		Text:  strings.TrimSpace(resp.Text()),
		Model: resp.ModelVersion,
	}
	if g.Model == "" {
		g.Model = c.config.GenerationModel
	}
	if u := resp.UsageMetadata; u != nil {
		g.PromptTokens = int(u.PromptTokenCount)
		g.CompletionTokens = int(u.CandidatesTokenCount)
		g.TotalTokens = int(u.TotalTokenCount)
		g.UsageReported = true
	}
	return g, nil
}

// generateConfig maps a request onto Gemini generation settings.
func generateConfig(req GenerateRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	return cfg
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}

func (c *VertexAIClient) EmbedModel() string {
	return c.config.EmbedModel
}

func (c *VertexAIClient) Model() string {
	return c.config.GenerationModel
}
