package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/internal/answer"
	"github.com/seanblong/repoqa/internal/auth"
	"github.com/seanblong/repoqa/internal/indexer"
	"github.com/seanblong/repoqa/internal/repo"
	"github.com/seanblong/repoqa/internal/search"
	"github.com/seanblong/repoqa/internal/task"
	"github.com/seanblong/repoqa/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockIngester implements Ingester for testing
type MockIngester struct {
	SubmitFunc func(ctx context.Context, req indexer.Request) (*task.Task, error)
	StatusFunc func(ctx context.Context, id string) (*task.Task, error)
	ChunksFunc func(ctx context.Context, id string) ([]models.ChunkMeta, error)
	Requests   []indexer.Request
}

func (m *MockIngester) Submit(ctx context.Context, req indexer.Request) (*task.Task, error) {
	m.Requests = append(m.Requests, req)
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, req)
	}
	ref, err := repo.Parse(req.RepoURL, false)
	if err != nil {
		return nil, err
	}
	return task.New("task-1", req.RepoURL, req.SessionID, ref.CollectionID(), time.Now()), nil
}

func (m *MockIngester) Status(ctx context.Context, id string) (*task.Task, error) {
	return m.StatusFunc(ctx, id)
}

func (m *MockIngester) Chunks(ctx context.Context, id string) ([]models.ChunkMeta, error) {
	return m.ChunksFunc(ctx, id)
}

// MockSearcher implements Searcher for testing
type MockSearcher struct {
	RetrieveFunc func(ctx context.Context, query, collectionID string, k int) ([]models.RetrievalResult, error)
	AskFunc      func(ctx context.Context, question, collectionID string, k int) (search.Answer, error)
}

func (m *MockSearcher) Retrieve(ctx context.Context, query, collectionID string, k int) ([]models.RetrievalResult, error) {
	return m.RetrieveFunc(ctx, query, collectionID, k)
}

func (m *MockSearcher) Ask(ctx context.Context, question, collectionID string, k int) (search.Answer, error) {
	return m.AskFunc(ctx, question, collectionID, k)
}

type MockLister struct {
	Collections []models.Collection
	Err         error
}

func (m *MockLister) ListCollections(context.Context) ([]models.Collection, error) {
	return m.Collections, m.Err
}

func serve(t *testing.T, s *Server, method, target, body string, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.Handler(zerolog.Nop()).ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func collectionOf(t *testing.T, raw string) string {
	t.Helper()
	ref, err := repo.Parse(raw, false)
	require.NoError(t, err)
	return ref.CollectionID()
}

func TestHealth(t *testing.T) {
	s := New(&MockIngester{}, &MockSearcher{}, nil)
	rec := serve(t, s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s.Health = func(context.Context) error { return errors.New("db down") }
	rec = serve(t, s, "GET", "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestSubmit(t *testing.T) {
	ing := &MockIngester{}
	s := New(ing, &MockSearcher{}, nil)

	rec := serve(t, s, "POST", "/api/repository", `{"repo_url":"https://github.com/acme/widgets","credential":"ghp_x"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "https://github.com/acme/widgets", resp.RepoURL)
	assert.Equal(t, collectionOf(t, "https://github.com/acme/widgets"), resp.CollectionID)

	require.Len(t, ing.Requests, 1)
	assert.Equal(t, "ghp_x", ing.Requests[0].Credential)
	assert.Empty(t, ing.Requests[0].SessionID)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		submit func(ctx context.Context, req indexer.Request) (*task.Task, error)
		status int
		kind   string
	}{
		{"malformed json", `{"repo_url":`, nil, http.StatusBadRequest, "invalid_input"},
		{"missing url", `{}`, nil, http.StatusBadRequest, "invalid_input"},
		{"bad url", `{"repo_url":"not a url"}`, nil, http.StatusBadRequest, "invalid_input"},
		{"queue full", `{"repo_url":"https://github.com/a/b"}`, func(context.Context, indexer.Request) (*task.Task, error) {
			return nil, fmt.Errorf("%w: 64 tasks already queued", models.ErrQueueFull)
		}, http.StatusServiceUnavailable, "queue_full"},
		{"store failure", `{"repo_url":"https://github.com/a/b"}`, func(context.Context, indexer.Request) (*task.Task, error) {
			return nil, fmt.Errorf("%w: disk full", models.ErrBackend)
		}, http.StatusInternalServerError, "backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&MockIngester{SubmitFunc: tt.submit}, &MockSearcher{}, nil)
			rec := serve(t, s, "POST", "/api/repository", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}
}

func TestStatus(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ing := &MockIngester{StatusFunc: func(_ context.Context, id string) (*task.Task, error) {
		if id != "task-1" {
			return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		tk := task.New(id, "https://github.com/acme/widgets", "", "repo_x", created)
		require.NoError(t, tk.Advance(task.StatusDownloading, "Downloading", created.Add(time.Second)))
		return tk, nil
	}}
	s := New(ing, &MockSearcher{}, nil)

	rec := serve(t, s, "GET", "/api/repository/status/task-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "task-1", got["task_id"])
	assert.Equal(t, "downloading", got["status"])
	assert.NotContains(t, got, "error")
	assert.NotContains(t, got, "result")

	rec = serve(t, s, "GET", "/api/repository/status/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Kind)

	rec = serve(t, s, "GET", "/api/repository/task-1/other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChunks(t *testing.T) {
	ing := &MockIngester{ChunksFunc: func(_ context.Context, id string) ([]models.ChunkMeta, error) {
		switch id {
		case "done":
			return []models.ChunkMeta{{ChunkID: "main.go:1-3", FilePath: "main.go", StartLine: 1, EndLine: 3, Language: "go", ContentLength: 42}}, nil
		case "empty":
			return nil, nil
		case "running":
			return nil, fmt.Errorf("%w: task running is chunking", models.ErrNotReady)
		}
		return nil, models.ErrNotFound
	}}
	s := New(ing, &MockSearcher{}, nil)

	rec := serve(t, s, "GET", "/api/repository/done/chunks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var metas []models.ChunkMeta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metas))
	require.Len(t, metas, 1)
	assert.Equal(t, 42, metas[0].ContentLength)

	rec = serve(t, s, "GET", "/api/repository/empty/chunks", "")
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = serve(t, s, "GET", "/api/repository/running/chunks", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_ready", decodeError(t, rec).Kind)
}

func TestQuery(t *testing.T) {
	var gotCollection string
	var gotK int
	srch := &MockSearcher{RetrieveFunc: func(_ context.Context, q, collectionID string, k int) ([]models.RetrievalResult, error) {
		gotCollection, gotK = collectionID, k
		if collectionID == "repo_missing" {
			return nil, fmt.Errorf("collection %s: %w", collectionID, models.ErrNotFound)
		}
		return []models.RetrievalResult{{ChunkID: "a.go:1-2", Content: "package a", Distance: 0.1}}, nil
	}}
	s := New(&MockIngester{}, srch, nil)

	rec := serve(t, s, "POST", "/api/repository/query", `{"query":" where is a? ","repo_url":"https://github.com/acme/widgets.git"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "where is a?", resp.Query)
	assert.Equal(t, collectionOf(t, "https://github.com/acme/widgets"), gotCollection)
	assert.Equal(t, search.DefaultK, gotK)

	rec = serve(t, s, "POST", "/api/repository/query", `{"query":"a","collection_id":"repo_missing","n_results":3}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 3, gotK)

	rec = serve(t, s, "POST", "/api/repository/query", `{"query":"a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "repo_url")

	rec = serve(t, s, "POST", "/api/repository/query", `{"query":"a","collection_id":"x","n_results":1000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "n_results")
}

func TestQuestion(t *testing.T) {
	srch := &MockSearcher{AskFunc: func(_ context.Context, q, collectionID string, k int) (search.Answer, error) {
		switch collectionID {
		case "repo_mismatch":
			return search.Answer{}, fmt.Errorf("%w: built with stub-hash/64", models.ErrEmbeddingMismatch)
		case "repo_degraded":
			return search.Answer{
				Result:   answer.Result{Answer: answer.DegradedText, Model: answer.DegradedModel, PromptTokens: 120, TotalTokens: 120, Degraded: true},
				Question: q,
				Chunks:   []models.RetrievalResult{{ChunkID: "a.go:1-2", Content: "package a"}},
				Included: 1,
			}, nil
		}
		return search.Answer{}, models.ErrNotFound
	}}
	s := New(&MockIngester{}, srch, nil)

	rec := serve(t, s, "POST", "/api/repository/question", `{"question":"what is a?","collection_id":"repo_degraded"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, answer.DegradedText, got["answer"])
	assert.Equal(t, "degraded", got["model"])
	assert.Equal(t, true, got["degraded"])
	assert.Equal(t, "what is a?", got["question"])
	assert.Equal(t, "repo_degraded", got["collection_id"])
	assert.Equal(t, float64(120), got["prompt_tokens"])
	assert.Len(t, got["chunks"], 1)
	assert.NotContains(t, got, "error")

	rec = serve(t, s, "POST", "/api/repository/question", `{"question":"what is a?","collection_id":"repo_mismatch"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "embedding_mismatch", decodeError(t, rec).Kind)

	rec = serve(t, s, "POST", "/api/repository/question", `{"collection_id":"repo_degraded"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollections(t *testing.T) {
	s := New(&MockIngester{}, &MockSearcher{}, nil)
	rec := serve(t, s, "GET", "/api/collections", "")
	assert.Equal(t, "[]\n", rec.Body.String())

	s.Collections = &MockLister{Collections: []models.Collection{{ID: "repo_a", Repository: "https://github.com/a/a", Dim: 64}}}
	rec = serve(t, s, "GET", "/api/collections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cols []models.Collection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cols))
	require.Len(t, cols, 1)
	assert.Equal(t, "repo_a", cols[0].ID)

	s.Collections = &MockLister{Err: fmt.Errorf("%w: connection refused", models.ErrBackend)}
	rec = serve(t, s, "GET", "/api/collections", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPanicRecovered(t *testing.T) {
	s := New(&MockIngester{StatusFunc: func(context.Context, string) (*task.Task, error) {
		panic("boom")
	}}, &MockSearcher{}, nil)
	rec := serve(t, s, "GET", "/api/repository/status/x", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthStatusDisabled(t *testing.T) {
	s := New(&MockIngester{}, &MockSearcher{}, nil)
	rec := serve(t, s, "GET", "/auth/status", "")
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	rec = serve(t, s, "GET", "/auth/me", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// fakeGithub serves the OAuth token endpoint and the user lookup.
func fakeGithub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_session","token_type":"bearer"}`))
	})
	mux.HandleFunc("/api/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"login":"octo","name":"Octo Cat"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAuthServer(t *testing.T, ing *MockIngester) *Server {
	t.Helper()
	gh := fakeGithub(t)
	authn := auth.New(auth.Config{
		JwtSecret:    "test-secret",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/auth/callback",
		Enabled:      true,
		Endpoint: oauth2.Endpoint{
			AuthURL:   gh.URL + "/login/oauth/authorize",
			TokenURL:  gh.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		APIBaseURL: gh.URL + "/api/",
	})
	return New(ing, &MockSearcher{}, authn)
}

func login(t *testing.T, s *Server) auth.AuthResponse {
	t.Helper()
	rec := serve(t, s, "GET", "/auth/callback?code=good-code&state=st", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: stateCookie, Value: "st"})
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp auth.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestLoginRedirect(t *testing.T) {
	s := newAuthServer(t, &MockIngester{})
	rec := serve(t, s, "GET", "/auth/github", "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	var state string
	for _, c := range rec.Result().Cookies() {
		if c.Name == stateCookie {
			state = c.Value
		}
	}
	require.NotEmpty(t, state)
	assert.Equal(t, state, loc.Query().Get("state"))
	assert.Equal(t, "client-id", loc.Query().Get("client_id"))
}

func TestCallbackRejectsBadState(t *testing.T) {
	s := newAuthServer(t, &MockIngester{})
	rec := serve(t, s, "GET", "/auth/callback?code=good-code&state=forged", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: stateCookie, Value: "st"})
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, "GET", "/auth/callback?code=bad-code&state=st", "", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: stateCookie, Value: "st"})
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthenticatedSubmitUsesSessionToken(t *testing.T) {
	ing := &MockIngester{}
	s := newAuthServer(t, ing)

	rec := serve(t, s, "POST", "/api/repository", `{"repo_url":"https://github.com/acme/private"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ing.Requests)

	session := login(t, s)
	rec = serve(t, s, "POST", "/api/repository", `{"repo_url":"https://github.com/acme/private"}`, bearer(session.Token))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, ing.Requests, 1)
	assert.Equal(t, "gho_session", ing.Requests[0].Credential)
	assert.Equal(t, session.SessionID, ing.Requests[0].SessionID)

	// An explicit credential wins over the session token
	rec = serve(t, s, "POST", "/api/repository", `{"repo_url":"https://github.com/acme/private","credential":"ghp_explicit"}`, bearer(session.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ghp_explicit", ing.Requests[1].Credential)
}

func TestMeAndLogout(t *testing.T) {
	ing := &MockIngester{}
	s := newAuthServer(t, ing)
	session := login(t, s)

	rec := serve(t, s, "GET", "/auth/me", "", bearer(session.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var me auth.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "octo", me.User.Login)
	assert.Equal(t, session.SessionID, me.SessionID)

	rec = serve(t, s, "POST", "/auth/logout", "", bearer(session.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	// The JWT still verifies but the GitHub token is gone
	rec = serve(t, s, "POST", "/api/repository", `{"repo_url":"https://github.com/acme/public"}`, bearer(session.Token))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, ing.Requests[len(ing.Requests)-1].Credential)

	rec = serve(t, s, "GET", "/auth/me", "", bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
