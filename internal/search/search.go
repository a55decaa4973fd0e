// Package search answers questions about an ingested repository: retrieve the
// nearest chunks, assemble a bounded prompt and hand it to the answer service.
package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/answer"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/prompt"
	"github.com/seanblong/repoqa/pkg/models"
)

// DefaultK is the number of chunks retrieved when the caller does not say.
const DefaultK = 5

// NoMatchModel and NoMatchText form the answer given when retrieval finds nothing.
const (
	NoMatchModel = "none"
	NoMatchText  = "No code related to the question was found. Try rephrasing the question, " +
		"or check that the repository contains relevant code."
)

// Answer is the outcome of the question flow.
type Answer struct {
	answer.Result
	Question string                   `json:"question"`
	Chunks   []models.RetrievalResult `json:"chunks"`
	// Included is how many retrieved chunks made it into the prompt.
	Included  int  `json:"chunks_in_prompt"`
	Truncated bool `json:"prompt_truncated"`
}

type Service struct {
	Embedder  ai.Embedder
	Index     index.Index
	Assembler *prompt.Assembler
	Answerer  *answer.Service
	DefaultK  int
}

// NewService creates a new search service.
func NewService(embedder ai.Embedder, ix index.Index, assembler *prompt.Assembler, answerer *answer.Service) *Service {
	return &Service{
		Embedder:  embedder,
		Index:     ix,
		Assembler: assembler,
		Answerer:  answerer,
		DefaultK:  DefaultK,
	}
}

// Retrieve returns up to k chunks of the collection nearest to the query,
// nearest first. A collection that was never written is models.ErrNotFound; a
// collection embedded with a different model or dimension is
// models.ErrEmbeddingMismatch.
func (s *Service) Retrieve(ctx context.Context, query, collectionID string, k int) ([]models.RetrievalResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, models.InvalidInput("query is required")
	}
	if k <= 0 {
		k = s.defaultK()
	}

	coll, err := s.Index.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if coll.EmbedModel != s.Embedder.EmbedModel() || coll.Dim != s.Embedder.Dim() {
		return nil, fmt.Errorf("%w: collection %s was built with %s/%d, configured embedder is %s/%d",
			models.ErrEmbeddingMismatch, coll.ID, coll.EmbedModel, coll.Dim, s.Embedder.EmbedModel(), s.Embedder.Dim())
	}

	vec, err := s.Embedder.Embed(ctx, query, ai.KindQuery)
	if err != nil {
		log.Error().Err(err).Str("model", s.Embedder.EmbedModel()).Msg("query embedding failed")
		return nil, fmt.Errorf("%w: embed query: %v", models.ErrBackend, err)
	}

	res, err := s.Index.Query(ctx, collectionID, vec, k)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("collection", collectionID).Int("k", k).Int("hits", len(res)).Msg("retrieved chunks")
	return res, nil
}

// Ask runs retrieve, assemble and answer. Generation failures are reported in
// the returned Answer; only retrieval and assembly errors are returned.
func (s *Service) Ask(ctx context.Context, question, collectionID string, k int) (Answer, error) {
	results, err := s.Retrieve(ctx, question, collectionID, k)
	if err != nil {
		return Answer{}, err
	}
	question = strings.TrimSpace(question)

	if len(results) == 0 {
		return Answer{
			Result:   answer.Result{Answer: NoMatchText, Model: NoMatchModel},
			Question: question,
			Chunks:   []models.RetrievalResult{},
		}, nil
	}

	p, err := s.Assembler.Assemble(question, results)
	if err != nil {
		return Answer{}, err
	}
	if p.Truncated || p.Included < len(results) {
		log.Debug().Int("retrieved", len(results)).Int("included", p.Included).Bool("truncated", p.Truncated).
			Msg("prompt trimmed to budget")
	}

	return Answer{
		Result:    s.Answerer.Answer(ctx, p.Text),
		Question:  question,
		Chunks:    results,
		Included:  p.Included,
		Truncated: p.Truncated,
	}, nil
}

func (s *Service) defaultK() int {
	if s.DefaultK > 0 {
		return s.DefaultK
	}
	return DefaultK
}
