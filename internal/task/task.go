// Package task holds the ingestion task entity, its state machine and its stores.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the stage an ingestion task is in.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusChunking    Status = "chunking"
	StatusEmbedding   Status = "embedding"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// pipeline is the forward order of non-failure states.
var pipeline = []Status{StatusPending, StatusDownloading, StatusChunking, StatusEmbedding, StatusCompleted}

// ErrTransition is returned for moves the state machine does not allow.
var ErrTransition = errors.New("invalid task transition")

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.position() >= 0
}

func (s Status) position() int {
	for i, p := range pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

// Result summarizes a completed ingestion.
type Result struct {
	ChunkCount     int    `json:"chunk_count"`
	EmbeddingCount int    `json:"embedding_count"`
	CollectionID   string `json:"collection_id"`
	FileCount      int    `json:"file_count"`
	SkippedFiles   int    `json:"skipped_files"`
}

// Task is one ingestion job. Error is set only when failed, Result only when completed.
type Task struct {
	ID           string    `json:"task_id"`
	RepoURL      string    `json:"repo_url"`
	SessionID    string    `json:"session_id,omitempty"`
	CollectionID string    `json:"collection_id"`
	Status       Status    `json:"status"`
	Message      string    `json:"message"`
	Error        string    `json:"error,omitempty"`
	Result       *Result   `json:"result,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// New returns a pending task.
func New(id, repoURL, sessionID, collectionID string, now time.Time) *Task {
	now = now.UTC()
	return &Task{
		ID:           id,
		RepoURL:      repoURL,
		SessionID:    sessionID,
		CollectionID: collectionID,
		Status:       StatusPending,
		Message:      "Task queued",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CanTransition reports whether a task in from may move to to. Moves go one
// step forward along the pipeline, or to failed from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	i := from.position()
	return i >= 0 && i+1 < len(pipeline) && pipeline[i+1] == to
}

// Advance moves the task to the given status and refreshes UpdatedAt, which
// never goes backwards even if now does.
func (t *Task) Advance(to Status, msg string, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, t.Status, to)
	}
	t.Status = to
	t.Message = msg
	if to == StatusFailed && t.Error == "" {
		t.Error = msg
	}
	if now = now.UTC(); now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
	return nil
}

// Fail moves the task to failed and records the cause.
func (t *Task) Fail(cause error, now time.Time) error {
	msg := "Task failed"
	if cause != nil {
		msg = "Task failed: " + cause.Error()
		if !t.Status.Terminal() {
			t.Error = cause.Error()
		}
	}
	return t.Advance(StatusFailed, msg, now)
}

// Complete moves an embedding task to completed with its result.
func (t *Task) Complete(res Result, msg string, now time.Time) error {
	if err := t.Advance(StatusCompleted, msg, now); err != nil {
		return err
	}
	t.Result = &res
	return nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}
