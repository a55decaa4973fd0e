// Package answer turns assembled prompts into answers, live or degraded.
package answer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/prompt"
)

// DegradedModel is the model id reported when no generator is configured.
const DegradedModel = "degraded"

// DegradedText is the placeholder answer returned in degraded mode.
const DegradedText = "This is a placeholder answer: no generation model is configured. " +
	"Set a generation provider and API key to get real answers."

// Defaults for live generation.
const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
)

// Result is a normalized answer. Degraded marks placeholder answers; Error
// carries the backend failure when the live call did not succeed.
type Result struct {
	Answer           string `json:"answer"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Degraded         bool   `json:"degraded"`
	Error            string `json:"error,omitempty"`
}

// Options tune live generation.
type Options struct {
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Service answers prompts. With a nil Generator it runs in degraded mode.
type Service struct {
	gen     ai.Generator
	counter prompt.Counter
	opts    Options
}

// New returns a Service. gen may be nil.
func New(gen ai.Generator, counter prompt.Counter, opts Options) *Service {
	if counter == nil {
		counter = prompt.Heuristic{}
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Temperature < 0 {
		opts.Temperature = DefaultTemperature
	}
	return &Service{gen: gen, counter: counter, opts: opts}
}

// Degraded reports whether the service has no generator.
func (s *Service) Degraded() bool { return s.gen == nil }

// Answer never fails: backend errors are reported inside the Result.
func (s *Service) Answer(ctx context.Context, text string) Result {
	promptTokens := s.counter.Count(text)

	if s.gen == nil {
		return Result{
			Answer:       DegradedText,
			Model:        DegradedModel,
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
			Degraded:     true,
		}
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	g, err := s.generate(ctx, text)
	if err != nil {
		log.Error().Err(err).Str("model", s.gen.Model()).Msg("generation failed")
		return Result{
			Answer:       fmt.Sprintf("The answer could not be generated: %v", err),
			Model:        s.gen.Model(),
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
			Error:        err.Error(),
		}
	}

	res := Result{
		Answer:           g.Text,
		Model:            g.Model,
		PromptTokens:     g.PromptTokens,
		CompletionTokens: g.CompletionTokens,
		TotalTokens:      g.TotalTokens,
	}
	if res.Model == "" {
		res.Model = s.gen.Model()
	}
	if !g.UsageReported {
		res.PromptTokens = promptTokens
		res.CompletionTokens = s.counter.Count(g.Text)
	}
	if res.TotalTokens == 0 {
		res.TotalTokens = res.PromptTokens + res.CompletionTokens
	}
	return res
}

// generate calls the backend, turning panics into errors.
func (s *Service) generate(ctx context.Context, text string) (g ai.Generation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return s.gen.Generate(ctx, ai.GenerateRequest{
		System:      prompt.System,
		Prompt:      text,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
}
