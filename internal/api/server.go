// Package api exposes ingestion, task progress and question answering over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/internal/task"
	"github.com/seanblong/repoqa/pkg/models"
)

const maxBodyBytes = 1 << 20

// Ingester accepts repositories and reports task progress.
type Ingester interface {
	Submit(ctx context.Context, req indexer.Request) (*task.Task, error)
	Status(ctx context.Context, id string) (*task.Task, error)
	Chunks(ctx context.Context, id string) ([]models.ChunkMeta, error)
}

// Searcher runs retrieval and the question flow.
type Searcher interface {
	Retrieve(ctx context.Context, query, collectionID string, k int) ([]models.RetrievalResult, error)
	Ask(ctx context.Context, question, collectionID string, k int) (search.Answer, error)
}

// CollectionLister lists the collections held by the vector index.
type CollectionLister interface {
	ListCollections(ctx context.Context) ([]models.Collection, error)
}

// Server holds the HTTP handlers. Auth may be nil, which disables authentication.
type Server struct {
	Ingest      Ingester
	Search      Searcher
	Collections CollectionLister
	Auth        *auth.Authenticator
	// Health reports backend reachability for /healthz. Optional.
	Health func(ctx context.Context) error
	// NResults is the retrieval depth when a request does not set one.
	NResults int
	// Timeout bounds query and question requests.
	Timeout time.Duration

	validate *validator.Validate
}

// New creates a Server.
func New(ingest Ingester, searcher Searcher, authn *auth.Authenticator) *Server {
	v := validator.New()
	// Report json field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		Ingest:   ingest,
		Search:   searcher,
		Auth:     authn,
		NResults: search.DefaultK,
		Timeout:  2 * time.Minute,
		validate: v,
	}
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/repository", s.Auth.OptionalAuthMiddleware(s.handleSubmit))
	// status/{task_id} and {task_id}/chunks overlap as mux patterns, so both go through one route.
	mux.HandleFunc("GET /api/repository/{first}/{second}", s.Auth.OptionalAuthMiddleware(s.handleTaskRoutes))
	mux.HandleFunc("POST /api/repository/query", s.Auth.OptionalAuthMiddleware(s.handleQuery))
	mux.HandleFunc("POST /api/repository/question", s.Auth.OptionalAuthMiddleware(s.handleQuestion))
	mux.HandleFunc("GET /api/collections", s.Auth.OptionalAuthMiddleware(s.handleCollections))

	s.authRoutes(mux)
	return mux
}

// Handler returns the routes wrapped with request logging and panic recovery.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(s.recoverer(s.Routes())),
	)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				hlog.FromRequest(r).Error().Str("panic", fmt.Sprintf("%v", rec)).Str("path", r.URL.Path).Msg("panic recovered")
				writeError(w, r, fmt.Errorf("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Health(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return models.InvalidInput("malformed request body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return models.InvalidInput("field %s failed %q validation", ve[0].Field(), ve[0].Tag())
		}
		return models.InvalidInput("%v", err)
	}
	return nil
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotReady), errors.Is(err, models.ErrEmbeddingMismatch):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNoSession):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, r, status, ErrorResponse{Error: err.Error(), Kind: models.Kind(err)})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}
