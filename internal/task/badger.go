package task

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
	"github.com/timshannon/badgerhold/v4"
)

// chunkListing is the stored chunk metadata of one task.
type chunkListing struct {
	TaskID string
	Chunks []models.ChunkMeta
}

// BadgerStore keeps tasks in a Badger database so they survive restarts.
type BadgerStore struct {
	store *badgerhold.Store
}

// OpenBadger opens (or creates) the task database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	log.Debug().Str("path", dir).Msg("task store opened")
	return &BadgerStore{store: store}, nil
}

func (s *BadgerStore) Create(_ context.Context, t *Task) error {
	if t.ID == "" {
		return models.InvalidInput("task id is required")
	}
	if err := s.store.Insert(t.ID, t); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return models.InvalidInput("task %s already exists", t.ID)
		}
		return fmt.Errorf("%w: save task: %v", models.ErrBackend, err)
	}
	return nil
}

func (s *BadgerStore) Get(_ context.Context, id string) (*Task, error) {
	var t Task
	if err := s.store.Get(id, &t); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get task: %v", models.ErrBackend, err)
	}
	return &t, nil
}

func (s *BadgerStore) Update(_ context.Context, t *Task) error {
	if err := s.store.Update(t.ID, t); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
		}
		return fmt.Errorf("%w: update task: %v", models.ErrBackend, err)
	}
	return nil
}

func (s *BadgerStore) SaveChunks(ctx context.Context, id string, chunks []models.ChunkMeta) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Upsert(id, &chunkListing{TaskID: id, Chunks: chunks}); err != nil {
		return fmt.Errorf("%w: save chunks: %v", models.ErrBackend, err)
	}
	return nil
}

func (s *BadgerStore) Chunks(ctx context.Context, id string) ([]models.ChunkMeta, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var l chunkListing
	if err := s.store.Get(id, &l); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get chunks: %v", models.ErrBackend, err)
	}
	return l.Chunks, nil
}

func (s *BadgerStore) List(_ context.Context) ([]*Task, error) {
	var tasks []Task
	if err := s.store.Find(&tasks, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", models.ErrBackend, err)
	}
	out := make([]*Task, len(tasks))
	for i := range tasks {
		out[i] = &tasks[i]
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.store.Close()
}
