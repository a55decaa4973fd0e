package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/repoqa/pkg/models"
)

// Store persists tasks and the chunk listing of each task. Implementations
// return copies; callers mutate a task and write it back with Update.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	SaveChunks(ctx context.Context, id string, chunks []models.ChunkMeta) error
	Chunks(ctx context.Context, id string) ([]models.ChunkMeta, error)
	// List returns every task, newest first.
	List(ctx context.Context) ([]*Task, error)
	Close() error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	chunks map[string][]models.ChunkMeta
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: map[string]*Task{}, chunks: map[string][]models.ChunkMeta{}}
}

func (s *MemoryStore) Create(_ context.Context, t *Task) error {
	if t.ID == "" {
		return models.InvalidInput("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return models.InvalidInput("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) SaveChunks(_ context.Context, id string, chunks []models.ChunkMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	s.chunks[id] = append([]models.ChunkMeta(nil), chunks...)
	return nil
}

func (s *MemoryStore) Chunks(_ context.Context, id string) ([]models.ChunkMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return append([]models.ChunkMeta(nil), s.chunks[id]...), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// FailAbandoned marks every non-terminal task as failed. It is run at startup:
// tasks persisted by a previous process have no worker driving them.
func FailAbandoned(ctx context.Context, s Store, now time.Time) (int, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if err := t.Fail(errors.New("interrupted by restart"), now); err != nil {
			return n, err
		}
		if err := s.Update(ctx, t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sortNewestFirst(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.After(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
