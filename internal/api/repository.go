package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/repo"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/pkg/models"
)

// IngestRequest submits a repository for ingestion. Credential is optional; with
// authentication enabled it defaults to the caller's GitHub token.
type IngestRequest struct {
	RepoURL    string `json:"repo_url" validate:"required"`
	Credential string `json:"credential"`
}

type IngestResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	RepoURL      string `json:"repo_url"`
	CollectionID string `json:"collection_id"`
}

// Target names the collection to search, by repository URL or directly.
type Target struct {
	RepoURL      string `json:"repo_url" validate:"required_without=CollectionID"`
	CollectionID string `json:"collection_id" validate:"required_without=RepoURL"`
	NResults     int    `json:"n_results" validate:"gte=0,lte=100"`
}

type QueryRequest struct {
	Query string `json:"query" validate:"required"`
	Target
}

type QueryResponse struct {
	Results      []models.RetrievalResult `json:"results"`
	Query        string                   `json:"query"`
	Count        int                      `json:"count"`
	CollectionID string                   `json:"collection_id"`
}

type QuestionRequest struct {
	Question string `json:"question" validate:"required"`
	Target
}

type QuestionResponse struct {
	search.Answer
	RepoURL      string `json:"repo_url,omitempty"`
	CollectionID string `json:"collection_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var sessionID string
	credential := req.Credential
	if id := auth.GetUserFromContext(r); id != nil {
		sessionID = id.SessionID
		if credential == "" {
			tok, err := s.Auth.Credential(id.SessionID)
			if err != nil {
				// Public repositories still clone without a token.
				hlog.FromRequest(r).Debug().Err(err).Str("login", id.Login).Msg("no github token for session")
			}
			credential = tok
		}
	}

	t, err := s.Ingest.Submit(r.Context(), indexer.Request{RepoURL: req.RepoURL, Credential: credential, SessionID: sessionID})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, IngestResponse{
		TaskID:       t.ID,
		Status:       string(t.Status),
		Message:      t.Message,
		RepoURL:      t.RepoURL,
		CollectionID: t.CollectionID,
	})
}

func (s *Server) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "status":
		s.handleStatus(w, r, second)
	case second == "chunks":
		s.handleChunks(w, r, first)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, taskID string) {
	t, err := s.Ingest.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, t)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request, taskID string) {
	chunks, err := s.Ingest.Chunks(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if chunks == nil {
		chunks = []models.ChunkMeta{}
	}
	writeJSON(w, r, http.StatusOK, chunks)
}

// collection resolves the target to a collection id.
func (s *Server) collection(t Target) (string, error) {
	if t.CollectionID != "" {
		return t.CollectionID, nil
	}
	ref, err := repo.Parse(t.RepoURL, false)
	if err != nil {
		return "", err
	}
	return ref.CollectionID(), nil
}

func (s *Server) depth(t Target) int {
	if t.NResults > 0 {
		return t.NResults
	}
	return s.NResults
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	collectionID, err := s.collection(req.Target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
	defer cancel()
	results, err := s.Search.Retrieve(ctx, req.Query, collectionID, s.depth(req.Target))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []models.RetrievalResult{}
	}
	writeJSON(w, r, http.StatusOK, QueryResponse{
		Results:      results,
		Query:        strings.TrimSpace(req.Query),
		Count:        len(results),
		CollectionID: collectionID,
	})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req QuestionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	collectionID, err := s.collection(req.Target)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
	defer cancel()
	ans, err := s.Search.Ask(ctx, req.Question, collectionID, s.depth(req.Target))
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("collection", collectionID).Str("model", ans.Model).Int("chunks", len(ans.Chunks)).
		Bool("degraded", ans.Degraded).Msg("question answered")
	writeJSON(w, r, http.StatusOK, QuestionResponse{Answer: ans, RepoURL: req.RepoURL, CollectionID: collectionID})
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	if s.Collections == nil {
		writeJSON(w, r, http.StatusOK, []models.Collection{})
		return
	}
	cols, err := s.Collections.ListCollections(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cols == nil {
		cols = []models.Collection{}
	}
	writeJSON(w, r, http.StatusOK, cols)
}
