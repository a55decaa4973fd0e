// Package app wires configuration into the running components shared by the
// API server and the CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/ai"
	"github.com/seanblong/repoqa/internal/answer"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/prompt"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/internal/store"
	"github.com/seanblong/repoqa/internal/task"
	"github.com/seanblong/repoqa/pkg/models"
)

// Lister is implemented by every index backend.
type Lister interface {
	ListCollections(ctx context.Context) ([]models.Collection, error)
}

// App holds all application components and dependencies
type App struct {
	Config   config.Specification
	Embedder ai.Embedder
	Index    index.Index
	Lister   Lister
	Tasks    task.Store
	Indexer  *indexer.Indexer
	Search   *search.Service
	Auth     *auth.Authenticator
	// Ping checks the database when the pgvector index is in use.
	Ping func(ctx context.Context) error

	closers []func()
}

// New builds the components selected by cfg. allowLocal lets ingestion accept
// local directories, which only the CLI does.
func New(ctx context.Context, cfg config.Specification, allowLocal bool) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg}
	ready := false
	// Release whatever was opened before a failure.
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.Embedder, err = ai.NewEmbedder(cfg.EmbedderConfig())
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	log.Info().Str("provider", cfg.Provider).Str("embed_model", a.Embedder.EmbedModel()).Int("embedding_dim", a.Embedder.Dim()).
		Msg("embedder initialized")

	gen, err := ai.NewGenerator(cfg.GeneratorConfig())
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	if gen == nil {
		log.Warn().Msg("no generation model configured, answers run in degraded mode")
	} else {
		log.Info().Str("model", gen.Model()).Msg("generator initialized")
	}

	if err := a.initIndex(ctx); err != nil {
		return nil, err
	}
	if err := a.initTasks(ctx); err != nil {
		return nil, err
	}

	a.Indexer, err = indexer.New(a.Tasks, a.Index, a.Embedder, cfg.Fetcher(), cfg.IndexerOptions(allowLocal))
	if err != nil {
		return nil, err
	}

	answerer := answer.New(gen, prompt.Heuristic{}, answer.Options{
		Temperature: float32(cfg.Generation.Temperature),
		MaxTokens:   cfg.Generation.MaxTokens,
		Timeout:     cfg.Generation.Timeout,
	})
	a.Search = search.NewService(a.Embedder, a.Index, prompt.New(cfg.TokenBudget), answerer)
	a.Search.DefaultK = cfg.NResults

	a.Auth = auth.New(cfg.AuthConfig())
	ready = true
	return a, nil
}

func (a *App) initIndex(ctx context.Context) error {
	switch a.Config.IndexBackend {
	case config.IndexPgvector:
		st, err := store.New(ctx, a.Config.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		if err := st.Migrate(ctx, a.Embedder.Dim()); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		a.Index, a.Lister, a.Ping = st, st, st.Ping
	default:
		m := index.NewMemory()
		a.Index, a.Lister = m, m
	}
	log.Info().Str("backend", a.Config.IndexBackend).Msg("vector index ready")
	return nil
}

func (a *App) initTasks(ctx context.Context) error {
	switch a.Config.TaskStore {
	case config.TasksBadger:
		bs, err := task.OpenBadger(a.Config.TaskStorePath)
		if err != nil {
			return err
		}
		a.Tasks = bs
		a.closers = append(a.closers, func() {
			if err := bs.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close task store")
			}
		})
		// Tasks left running by a previous process will never finish.
		n, err := task.FailAbandoned(ctx, bs, time.Now())
		if err != nil {
			return err
		}
		if n > 0 {
			log.Warn().Int("tasks", n).Msg("marked interrupted tasks as failed")
		}
	default:
		a.Tasks = task.NewMemoryStore()
	}
	return nil
}

// Start launches the ingestion workers.
func (a *App) Start(ctx context.Context) {
	a.Indexer.Start(ctx)
}

// Close stops the workers and releases the backends, most recent first.
func (a *App) Close() {
	if a.Indexer != nil {
		a.Indexer.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
