// Package index defines the vector index contract shared by the ingestion and
// retrieval paths, plus an in-memory backend.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
)

// DefaultBatchSize bounds the number of entries sent to a backend in one write.
const DefaultBatchSize = 100

// Index stores indexed chunks per collection and answers nearest-neighbour queries.
type Index interface {
	// EnsureCollection creates the collection if it does not exist and returns
	// the stored definition. An existing collection keeps its metric.
	EnsureCollection(ctx context.Context, c models.Collection) (models.Collection, error)
	// ResetCollection drops every entry of the collection and recreates it from c.
	ResetCollection(ctx context.Context, c models.Collection) (models.Collection, error)
	// ReplaceCollection recreates the collection from c holding exactly the
	// entries in batches. Readers keep seeing the previous entries until it
	// returns, and on error the previous collection is left as it was.
	ReplaceCollection(ctx context.Context, c models.Collection, batches [][]models.IndexedChunk) (models.Collection, error)
	// GetCollection returns models.ErrNotFound for collections never written.
	GetCollection(ctx context.Context, id string) (models.Collection, error)
	// Upsert writes one batch and returns the number of entries written.
	Upsert(ctx context.Context, collectionID string, chunks []models.IndexedChunk) (int, error)
	// Query returns at most k entries ordered by ascending distance.
	Query(ctx context.Context, collectionID string, vector []float32, k int) ([]models.RetrievalResult, error)
	Count(ctx context.Context, collectionID string) (int, error)
}

// Writer splits large writes into bounded batches.
type Writer struct {
	Index     Index
	BatchSize int
}

// NewWriter returns a Writer using the default batch size.
func NewWriter(ix Index) *Writer {
	return &Writer{Index: ix, BatchSize: DefaultBatchSize}
}

// Write upserts all chunks. On failure it returns how many entries were written
// before the failing batch.
func (w *Writer) Write(ctx context.Context, collectionID string, chunks []models.IndexedChunk) (int, error) {
	size := w.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	written := 0
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		n, err := w.Index.Upsert(ctx, collectionID, chunks[start:end])
		written += n
		if err != nil {
			return written, fmt.Errorf("%w: upsert batch %d-%d: %v", models.ErrBackend, start, end, err)
		}
		log.Debug().Str("collection", collectionID).Int("written", written).Int("total", len(chunks)).Msg("batch written")
	}
	return written, nil
}

// Replace swaps the collection for one holding exactly chunks, split into
// batches. Nothing is visible to readers unless every batch is accepted.
func (w *Writer) Replace(ctx context.Context, c models.Collection, chunks []models.IndexedChunk) (models.Collection, int, error) {
	batches := w.split(chunks)
	coll, err := w.Index.ReplaceCollection(ctx, c, batches)
	if err != nil {
		if errors.Is(err, models.ErrBackend) || errors.Is(err, models.ErrInvalidInput) {
			return coll, 0, err
		}
		return coll, 0, fmt.Errorf("%w: replace collection %s: %v", models.ErrBackend, c.ID, err)
	}
	log.Debug().Str("collection", c.ID).Int("batches", len(batches)).Int("written", len(chunks)).Msg("collection replaced")
	return coll, len(chunks), nil
}

func (w *Writer) split(chunks []models.IndexedChunk) [][]models.IndexedChunk {
	size := w.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	var batches [][]models.IndexedChunk
	for start := 0; start < len(chunks); start += size {
		batches = append(batches, chunks[start:min(start+size, len(chunks))])
	}
	return batches
}

// normalize fills defaults and checks a collection definition.
func normalize(c models.Collection) (models.Collection, error) {
	if c.ID == "" {
		return c, models.InvalidInput("collection id is required")
	}
	if c.Distance == "" {
		c.Distance = models.DistanceCosine
	}
	if !c.Distance.Valid() {
		return c, models.InvalidInput("unsupported distance %q", c.Distance)
	}
	if c.Dim < 0 {
		return c, models.InvalidInput("negative dimension %d", c.Dim)
	}
	return c, nil
}
