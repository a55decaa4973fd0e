package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
)

// EmbedKind tells providers which side of a retrieval an input is on.
type EmbedKind string

const (
	KindDocument EmbedKind = "RETRIEVAL_DOCUMENT"
	KindQuery    EmbedKind = "RETRIEVAL_QUERY"
)

// Embedder turns text into fixed-length vectors. EmbedModel identifies the model
// so that vectors written at ingestion can be matched at query time.
type Embedder interface {
	Embed(ctx context.Context, text string, kind EmbedKind) ([]float32, error)
	Dim() int
	EmbedModel() string
}

// GenerateRequest is a single-turn generation call.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Generation is a normalized model response. UsageReported is false when the
// backend returned no token counts.
type Generation struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	UsageReported    bool
}

// Generator produces answers from prompts.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
	Model() string
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderVertexAI  Provider = "vertexai"
	ProviderAnthropic Provider = "anthropic"
	ProviderStub      Provider = "stub"
	ProviderNone      Provider = "none"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	EmbedModel      string
	GenerationModel string
	Dim             int
	ProjectID       string
	Provider        Provider
	Location        string
	// BaseURL overrides the provider endpoint (proxies, tests).
	BaseURL string
}

// NewEmbedder creates an embedding client based on configuration
func NewEmbedder(config *ClientConfig) (Embedder, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	case ProviderAnthropic:
		return nil, errors.New("anthropic does not provide embeddings")
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// NewGenerator creates a generation client based on configuration. It returns a nil
// Generator and no error when generation is not configured; callers then answer in
// degraded mode.
func NewGenerator(config *ClientConfig) (Generator, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case "", ProviderNone, ProviderStub:
		return nil, nil
	case ProviderOpenAI:
		if strings.TrimSpace(config.APIKey) == "" {
			log.Warn().Str("provider", string(config.Provider)).Msg("no generation API key, answers will be degraded")
			return nil, nil
		}
		return NewOpenAIClient(config), nil
	case ProviderAnthropic:
		if strings.TrimSpace(config.APIKey) == "" {
			log.Warn().Str("provider", string(config.Provider)).Msg("no generation API key, answers will be degraded")
			return nil, nil
		}
		return NewAnthropicClient(config), nil
	case ProviderVertexAI:
		if strings.TrimSpace(config.APIKey) == "" && strings.TrimSpace(config.ProjectID) == "" {
			log.Warn().Str("provider", string(config.Provider)).Msg("no generation credential, answers will be degraded")
			return nil, nil
		}
		return NewVertexAIClient(ctx, config)
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is an offline Embedder. It hashes word features into a fixed
// number of buckets and L2-normalizes the result, so texts sharing words are
// close under cosine distance.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 256
	}
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, text string, _ EmbedKind) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[int(sum%uint32(s.dim))] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

// EmbedModel identifies the hashing scheme and its width.
func (s *StubClient) EmbedModel() string {
	return "stub-hash"
}
