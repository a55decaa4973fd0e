package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks malformed repository references and invalid configuration.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks unknown tasks and collections that were never ingested.
	ErrNotFound = errors.New("not found")
	// ErrBackend marks failures of an external backend (git, index, embedding, generation).
	ErrBackend = errors.New("backend unavailable")
	// ErrNotReady marks reads of task output before the task completed.
	ErrNotReady = errors.New("not ready")
	// ErrQueueFull is returned when the ingestion queue cannot take another task.
	ErrQueueFull = errors.New("ingestion queue full")
	// ErrEmbeddingMismatch marks a query whose embedder differs from the one the collection was built with.
	ErrEmbeddingMismatch = errors.New("embedding model mismatch")
)

// InvalidInput wraps ErrInvalidInput with a formatted reason.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// FileError records a single file that could not be read or decoded.
// It is never fatal to an ingestion.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e *FileError) Unwrap() error { return e.Err }

// Kind returns a short, stable label for err suitable for API payloads.
func Kind(err error) string {
	var fe *FileError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrEmbeddingMismatch):
		return "embedding_mismatch"
	case errors.Is(err, ErrBackend):
		return "backend"
	case errors.As(err, &fe):
		return "file"
	default:
		return "internal"
	}
}
