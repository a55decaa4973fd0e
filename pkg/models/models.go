package models

import (
	"fmt"
	"time"
)

// Chunk is a bounded slice of a file's text treated as one retrievable unit.
type Chunk struct {
	Content   string `json:"content"`
	FilePath  string `json:"file_path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Language  string `json:"language"`
}

// ChunkID derives the identity of a chunk from its path and line span.
func ChunkID(path string, start, end int) string {
	return fmt.Sprintf("%s:%d-%d", path, start, end)
}

// ID returns the chunk id, unique within one repository snapshot.
func (c Chunk) ID() string { return ChunkID(c.FilePath, c.StartLine, c.EndLine) }

// Meta returns the content-free description of the chunk.
func (c Chunk) Meta() ChunkMeta {
	return ChunkMeta{
		ChunkID:       c.ID(),
		FilePath:      c.FilePath,
		StartLine:     c.StartLine,
		EndLine:       c.EndLine,
		Language:      c.Language,
		ContentLength: len(c.Content),
	}
}

// ChunkMeta describes a chunk without its content.
type ChunkMeta struct {
	ChunkID       string `json:"chunk_id"`
	FilePath      string `json:"file_path"`
	StartLine     int    `json:"start_line"`
	EndLine       int    `json:"end_line"`
	Language      string `json:"language"`
	ContentLength int    `json:"content_length"`
}

// IndexedChunk is a chunk together with its embedding, as stored in a collection.
type IndexedChunk struct {
	Chunk
	Embedding []float32 `json:"-"`
}

// RetrievalResult is one nearest-neighbour hit. Lower distance is more relevant.
type RetrievalResult struct {
	ChunkID  string    `json:"id"`
	Content  string    `json:"content"`
	Metadata ChunkMeta `json:"metadata"`
	Distance float64   `json:"distance"`
}

// Distance names the metric a collection was created with.
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceL2     Distance = "l2"
)

// Valid reports whether d is a supported metric.
func (d Distance) Valid() bool {
	return d == DistanceCosine || d == DistanceL2
}

// Collection is a named container of indexed chunks for one repository snapshot.
type Collection struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	EmbedModel string    `json:"embed_model"`
	Dim        int       `json:"dim"`
	Distance   Distance  `json:"distance"`
	CreatedAt  time.Time `json:"created_at"`
}
