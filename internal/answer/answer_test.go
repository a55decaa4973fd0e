package answer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockGenerator is a mock implementation of ai.Generator
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error)
	ModelName    string
	Requests     []ai.GenerateRequest
}

func (m *MockGenerator) Generate(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error) {
	m.Requests = append(m.Requests, req)
	return m.GenerateFunc(ctx, req)
}

func (m *MockGenerator) Model() string { return m.ModelName }

func TestDegradedMode(t *testing.T) {
	s := New(nil, nil, Options{})
	require.True(t, s.Degraded())

	text := "explain main.go please"
	first := s.Answer(context.Background(), text)
	second := s.Answer(context.Background(), text)

	assert.Equal(t, first, second, "placeholder is deterministic")
	assert.Equal(t, DegradedText, first.Answer)
	assert.Equal(t, DegradedModel, first.Model)
	assert.True(t, first.Degraded)
	assert.Empty(t, first.Error)
	assert.Equal(t, 0, first.CompletionTokens)
	assert.Equal(t, prompt.Heuristic{}.Count(text), first.PromptTokens)
	assert.Equal(t, first.PromptTokens, first.TotalTokens)
}

func TestLiveAnswer(t *testing.T) {
	gen := &MockGenerator{
		ModelName: "gpt-4o-mini",
		GenerateFunc: func(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error) {
			return ai.Generation{Text: "It parses flags.", Model: "gpt-4o-mini-2024", PromptTokens: 40, CompletionTokens: 5, TotalTokens: 45, UsageReported: true}, nil
		},
	}
	s := New(gen, nil, Options{Temperature: 0.3, MaxTokens: 1000})

	res := s.Answer(context.Background(), "what does main do?")
	assert.False(t, res.Degraded)
	assert.Equal(t, "It parses flags.", res.Answer)
	assert.Equal(t, "gpt-4o-mini-2024", res.Model)
	assert.Equal(t, 40, res.PromptTokens)
	assert.Equal(t, 5, res.CompletionTokens)
	assert.Equal(t, 45, res.TotalTokens)

	require.Len(t, gen.Requests, 1)
	assert.Equal(t, float32(0.3), gen.Requests[0].Temperature)
	assert.Equal(t, 1000, gen.Requests[0].MaxTokens)
	assert.Equal(t, prompt.System, gen.Requests[0].System)
	assert.Equal(t, "what does main do?", gen.Requests[0].Prompt)
}

func TestLiveAnswerWithoutUsage(t *testing.T) {
	gen := &MockGenerator{
		ModelName: "gemini-2.0-flash",
		GenerateFunc: func(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error) {
			return ai.Generation{Text: "abcdefgh"}, nil
		},
	}
	res := New(gen, nil, Options{}).Answer(context.Background(), "abcd")
	assert.Equal(t, "gemini-2.0-flash", res.Model)
	assert.Equal(t, 1, res.PromptTokens)
	assert.Equal(t, 2, res.CompletionTokens)
	assert.Equal(t, 3, res.TotalTokens)
}

func TestBackendFailure(t *testing.T) {
	gen := &MockGenerator{
		ModelName: "claude-3-5-haiku-latest",
		GenerateFunc: func(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error) {
			return ai.Generation{}, errors.New("429 quota exceeded")
		},
	}
	res := New(gen, nil, Options{}).Answer(context.Background(), "why?")
	assert.Contains(t, res.Answer, "quota exceeded")
	assert.Equal(t, "429 quota exceeded", res.Error)
	assert.Equal(t, 0, res.CompletionTokens)
	assert.False(t, res.Degraded)
	assert.Equal(t, "claude-3-5-haiku-latest", res.Model)
}

func TestBackendPanic(t *testing.T) {
	gen := &MockGenerator{
		GenerateFunc: func(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error) {
			panic("nil pointer in sdk")
		},
	}
	res := New(gen, nil, Options{}).Answer(context.Background(), "why?")
	assert.Contains(t, res.Error, "nil pointer in sdk")
}

func TestTimeout(t *testing.T) {
	gen := &MockGenerator{
		GenerateFunc: func(ctx context.Context, req ai.GenerateRequest) (ai.Generation, error) {
			<-ctx.Done()
			return ai.Generation{}, ctx.Err()
		},
	}
	res := New(gen, nil, Options{Timeout: 10 * time.Millisecond}).Answer(context.Background(), "slow?")
	assert.Contains(t, res.Error, "deadline exceeded")
}
