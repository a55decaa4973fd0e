package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/api"
	"github.com/seanblong/repoqa/internal/app"
	"github.com/seanblong/repoqa/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	// A missing .env is fine
	_ = godotenv.Load()

	// Create flagset for configuration
	fs := pflag.NewFlagSet("repoqa-api", pflag.ExitOnError)

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
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("generation", cfg.Generation.Provider).Str("index", cfg.IndexBackend).
		Str("tasks", cfg.TaskStore).Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting repoqa api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, false)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	a.Start(ctx)

	if a.Auth.Enabled() {
		logger.Info().Str("allowed_org", cfg.Auth.GithubAllowedOrg).Msg("authentication is ENABLED")
		go pruneSessions(ctx, a)
	} else {
		logger.Info().Msg("authentication is DISABLED - running in open mode")
	}

	srv := api.New(a.Indexer, a.Search, a.Auth)
	srv.Collections = a.Lister
	srv.Health = a.Ping
	srv.NResults = cfg.NResults

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown failed")
	}
	a.Close()
	logger.Info().Msg("stopped")
}

// pruneSessions drops expired GitHub tokens every few minutes.
func pruneSessions(ctx context.Context, a *app.App) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Auth.Prune(); n > 0 {
				log.Debug().Int("sessions", n).Msg("pruned expired sessions")
			}
		}
	}
}
