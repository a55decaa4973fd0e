package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoqa/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusDownloading, StatusChunking, true},
		{StatusChunking, StatusEmbedding, true},
		{StatusEmbedding, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusEmbedding, StatusFailed, true},
		{StatusPending, StatusChunking, false},
		{StatusPending, StatusCompleted, false},
		{StatusChunking, StatusDownloading, false},
		{StatusEmbedding, StatusEmbedding, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusFailed, false},
		{Status("bogus"), StatusDownloading, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestLifecycle(t *testing.T) {
	tk := New("t1", "https://github.com/acme/widgets", "", "repo_x", t0)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, t0, tk.UpdatedAt)

	require.NoError(t, tk.Advance(StatusDownloading, "Cloning", t0.Add(time.Second)))
	require.NoError(t, tk.Advance(StatusChunking, "Chunking", t0.Add(2*time.Second)))
	require.NoError(t, tk.Advance(StatusEmbedding, "Embedding", t0.Add(3*time.Second)))
	require.NoError(t, tk.Complete(Result{ChunkCount: 3, EmbeddingCount: 3, CollectionID: "repo_x"}, "Done", t0.Add(4*time.Second)))

	assert.Equal(t, StatusCompleted, tk.Status)
	require.NotNil(t, tk.Result)
	assert.Equal(t, 3, tk.Result.ChunkCount)
	assert.Empty(t, tk.Error)

	err := tk.Fail(errors.New("late"), t0.Add(5*time.Second))
	assert.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, StatusCompleted, tk.Status, "terminal state is locked")
	assert.Empty(t, tk.Error)
}

func TestFail(t *testing.T) {
	tk := New("t1", "u", "", "c", t0)
	require.NoError(t, tk.Advance(StatusDownloading, "Cloning", t0))
	require.NoError(t, tk.Fail(errors.New("repository not found"), t0.Add(time.Second)))

	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, "repository not found", tk.Error)
	assert.Contains(t, tk.Message, "repository not found")
	assert.Nil(t, tk.Result)
	assert.ErrorIs(t, tk.Advance(StatusChunking, "x", t0), ErrTransition)
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	tk := New("t1", "u", "", "c", t0)
	require.NoError(t, tk.Advance(StatusDownloading, "x", t0.Add(-time.Hour)))
	assert.Equal(t, t0, tk.UpdatedAt)
	require.NoError(t, tk.Advance(StatusChunking, "y", t0.Add(time.Minute)))
	assert.Equal(t, t0.Add(time.Minute), tk.UpdatedAt)
}

func TestClone(t *testing.T) {
	tk := New("t1", "u", "", "c", t0)
	tk.Result = &Result{ChunkCount: 1}
	c := tk.Clone()
	c.Result.ChunkCount = 99
	c.Status = StatusFailed
	assert.Equal(t, 1, tk.Result.ChunkCount)
	assert.Equal(t, StatusPending, tk.Status)
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"badger": b,
	}
}

func TestStores(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, models.ErrNotFound)

			tk := New("t1", "https://github.com/acme/widgets", "sess", "repo_x", t0)
			require.NoError(t, s.Create(ctx, tk))
			assert.ErrorIs(t, s.Create(ctx, tk), models.ErrInvalidInput)

			// Mutating the caller's copy does not leak into the store.
			tk.Message = "local only"
			got, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, "Task queued", got.Message)

			require.NoError(t, got.Advance(StatusDownloading, "Cloning", t0.Add(time.Second)))
			require.NoError(t, s.Update(ctx, got))
			got, err = s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, StatusDownloading, got.Status)
			assert.Equal(t, "sess", got.SessionID)

			assert.ErrorIs(t, s.Update(ctx, &Task{ID: "missing"}), models.ErrNotFound)

			chunks, err := s.Chunks(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, chunks)

			metas := []models.ChunkMeta{
				{ChunkID: "a.go:1-3", FilePath: "a.go", StartLine: 1, EndLine: 3, Language: "go", ContentLength: 20},
				{ChunkID: "b.py:1-1", FilePath: "b.py", StartLine: 1, EndLine: 1, Language: "python", ContentLength: 5},
			}
			require.NoError(t, s.SaveChunks(ctx, "t1", metas))
			chunks, err = s.Chunks(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, metas, chunks)

			assert.ErrorIs(t, s.SaveChunks(ctx, "missing", metas), models.ErrNotFound)
			_, err = s.Chunks(ctx, "missing")
			assert.ErrorIs(t, err, models.ErrNotFound)

			require.NoError(t, s.Create(ctx, New("t2", "u2", "", "repo_y", t0.Add(time.Minute))))
			list, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "t2", list[0].ID)
			assert.Equal(t, "t1", list[1].ID)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadger(dir)
	require.NoError(t, err)
	tk := New("t1", "u", "", "c", t0)
	require.NoError(t, s.Create(ctx, tk))
	require.NoError(t, s.Close())

	s, err = OpenBadger(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestFailAbandoned(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	running := New("run", "u", "", "c", t0)
	require.NoError(t, running.Advance(StatusDownloading, "Cloning", t0))
	done := New("done", "u", "", "c", t0)
	require.NoError(t, done.Advance(StatusDownloading, "", t0))
	require.NoError(t, done.Advance(StatusChunking, "", t0))
	require.NoError(t, done.Advance(StatusEmbedding, "", t0))
	require.NoError(t, done.Complete(Result{}, "Done", t0))

	require.NoError(t, s.Create(ctx, running))
	require.NoError(t, s.Create(ctx, done))
	require.NoError(t, s.Create(ctx, New("queued", "u", "", "c", t0)))

	n, err := FailAbandoned(ctx, s, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]Status{"run": StatusFailed, "queued": StatusFailed, "done": StatusCompleted} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}
