package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/app"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/repo"
	"github.com/seanblong/repoqa/internal/task"
	"github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("repoqa-indexer", pflag.ExitOnError)
	question := fs.String("question", "", "Ask this question once the repository is indexed")
	askOnly := fs.Bool("ask-only", false, "Skip ingestion and ask against the existing collection")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up waiting for ingestion after this long")

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	target := cfg.RepoURL
	if target == "" {
		target = cfg.RepoRoot
	}
	if *askOnly && *question == "" {
		log.Fatal().Msg("--ask-only needs --question")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, true)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	code := run(ctx, a, target, *question, *askOnly, *timeout)
	// Abandon any task still running before waiting on the workers.
	stop()
	a.Close()
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, target, question string, askOnly bool, timeout time.Duration) int {
	var collectionID string
	if askOnly {
		ref, err := repo.Parse(target, true)
		if err != nil {
			log.Error().Err(err).Msg("bad repository")
			return 2
		}
		collectionID = ref.CollectionID()
	} else {
		t, err := ingest(ctx, a, target, timeout)
		if err != nil {
			log.Error().Err(err).Msg("ingestion failed")
			return 1
		}
		printJSON(t)
		if t.Status != task.StatusCompleted {
			return 1
		}
		collectionID = t.CollectionID
	}

	if question == "" {
		return 0
	}
	ans, err := a.Search.Ask(ctx, question, collectionID, a.Config.NResults)
	if err != nil {
		log.Error().Err(err).Str("collection", collectionID).Msg("question failed")
		return 1
	}
	printJSON(ans)
	return 0
}

func ingest(ctx context.Context, a *app.App, target string, timeout time.Duration) (*task.Task, error) {
	a.Start(ctx)
	t, err := a.Indexer.Submit(ctx, indexer.Request{RepoURL: target, Credential: a.Config.GithubToken})
	if err != nil {
		return nil, err
	}
	log.Info().Str("task_id", t.ID).Str("repository", target).Msg("ingestion started")

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Indexer.Wait(waitCtx, t.ID, 500*time.Millisecond)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode output")
	}
}
