package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/pkg/models"
)

// Store is a PostgreSQL + pgvector backed vector index.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate applies necessary database migrations and schema setup.
// The embedding column is sized for dim dimensions.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS collections (
  id          TEXT PRIMARY KEY,
  repository  TEXT NOT NULL,
  embed_model TEXT NOT NULL,
  dim         INT  NOT NULL,
  distance    TEXT NOT NULL,
  created_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
  collection_id TEXT NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
  id            TEXT NOT NULL,
  path          TEXT NOT NULL,
  language      TEXT,
  content       TEXT NOT NULL,
  line_start    INT  NOT NULL,
  line_end      INT  NOT NULL,
  embedding     vector(%d),
  created_at    TIMESTAMP WITH TIME ZONE DEFAULT now(),
  PRIMARY KEY (collection_id, id)
);

CREATE INDEX IF NOT EXISTS chunks_embedding_cos_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE INDEX IF NOT EXISTS chunks_embedding_l2_idx
  ON chunks USING ivfflat (embedding vector_l2_ops) WITH (lists = 100);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

// EnsureCollection creates the collection row if it is absent and returns the stored row.
func (s *Store) EnsureCollection(ctx context.Context, c models.Collection) (models.Collection, error) {
	if c.Distance == "" {
		c.Distance = models.DistanceCosine
	}
	if c.ID == "" || !c.Distance.Valid() {
		return c, models.InvalidInput("bad collection %q (distance %q)", c.ID, c.Distance)
	}
	const q = `
		INSERT INTO collections (id, repository, embed_model, dim, distance)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, c.ID, c.Repository, c.EmbedModel, c.Dim, string(c.Distance)); err != nil {
		return c, fmt.Errorf("%w: ensure collection: %v", models.ErrBackend, err)
	}
	return s.GetCollection(ctx, c.ID)
}

// ResetCollection deletes the collection and its chunks and recreates it empty.
func (s *Store) ResetCollection(ctx context.Context, c models.Collection) (models.Collection, error) {
	return s.ReplaceCollection(ctx, c, nil)
}

// ReplaceCollection deletes the collection and its chunks, recreates it from c
// and writes every batch, all in one transaction.
func (s *Store) ReplaceCollection(ctx context.Context, c models.Collection, batches [][]models.IndexedChunk) (models.Collection, error) {
	if c.Distance == "" {
		c.Distance = models.DistanceCosine
	}
	if c.ID == "" || !c.Distance.Valid() {
		return c, models.InvalidInput("bad collection %q (distance %q)", c.ID, c.Distance)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return c, fmt.Errorf("%w: begin: %v", models.ErrBackend, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM collections WHERE id = $1`, c.ID)
	if err != nil {
		return c, fmt.Errorf("%w: drop collection: %v", models.ErrBackend, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO collections (id, repository, embed_model, dim, distance) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Repository, c.EmbedModel, c.Dim, string(c.Distance)); err != nil {
		return c, fmt.Errorf("%w: create collection: %v", models.ErrBackend, err)
	}
	written := 0
	for i, batch := range batches {
		if err := writeBatch(ctx, tx, c.ID, batch); err != nil {
			return c, fmt.Errorf("%w: batch %d: %v", models.ErrBackend, i, err)
		}
		written += len(batch)
	}
	if err := tx.Commit(ctx); err != nil {
		return c, fmt.Errorf("%w: commit: %v", models.ErrBackend, err)
	}
	log.Info().Str("collection", c.ID).Int("chunks", written).Bool("replaced", tag.RowsAffected() > 0).Msg("collection written")
	return s.GetCollection(ctx, c.ID)
}

// GetCollection returns models.ErrNotFound when the collection does not exist.
func (s *Store) GetCollection(ctx context.Context, id string) (models.Collection, error) {
	const q = `SELECT id, repository, embed_model, dim, distance, created_at FROM collections WHERE id = $1`
	var c models.Collection
	var dist string
	err := s.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.Repository, &c.EmbedModel, &c.Dim, &dist, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Collection{}, fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
		}
		return models.Collection{}, fmt.Errorf("%w: get collection: %v", models.ErrBackend, err)
	}
	c.Distance = models.Distance(dist)
	return c, nil
}

// ListCollections returns every collection ordered by repository.
func (s *Store) ListCollections(ctx context.Context) ([]models.Collection, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, repository, embed_model, dim, distance, created_at FROM collections ORDER BY repository`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Collection
	for rows.Next() {
		var c models.Collection
		var dist string
		if err := rows.Scan(&c.ID, &c.Repository, &c.EmbedModel, &c.Dim, &dist, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Distance = models.Distance(dist)
		out = append(out, c)
	}
	return out, rows.Err()
}

const upsertChunk = `
	INSERT INTO chunks (collection_id, id, path, language, content, line_start, line_end, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (collection_id, id) DO UPDATE SET
		path       = EXCLUDED.path,
		language   = EXCLUDED.language,
		content    = EXCLUDED.content,
		line_start = EXCLUDED.line_start,
		line_end   = EXCLUDED.line_end,
		embedding  = EXCLUDED.embedding`

// Upsert writes one batch of chunks in a single transaction.
func (s *Store) Upsert(ctx context.Context, collectionID string, chunks []models.IndexedChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := writeBatch(ctx, tx, collectionID, chunks); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// writeBatch sends one pgx batch of chunk upserts inside tx.
func writeBatch(ctx context.Context, tx pgx.Tx, collectionID string, chunks []models.IndexedChunk) error {
	b := &pgx.Batch{}
	for _, c := range chunks {
		b.Queue(upsertChunk, collectionID, c.ID(), c.FilePath, c.Language, c.Content, c.StartLine, c.EndLine, pgvector.NewVector(c.Embedding))
	}
	br := tx.SendBatch(ctx, b)
	for i := range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("chunk %s: %w", chunks[i].ID(), err)
		}
	}
	return br.Close()
}

// distanceOperator maps a metric onto its pgvector operator.
func distanceOperator(d models.Distance) string {
	if d == models.DistanceL2 {
		return "<->"
	}
	return "<=>"
}

// Query returns the k nearest chunks using the collection's metric.
func (s *Store) Query(ctx context.Context, collectionID string, vector []float32, k int) ([]models.RetrievalResult, error) {
	col, err := s.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []models.RetrievalResult{}, nil
	}
	if col.Dim > 0 && len(vector) != col.Dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d", models.ErrEmbeddingMismatch, len(vector), col.Dim)
	}

	q := fmt.Sprintf(`
SELECT id, path, language, content, line_start, line_end, (embedding %s $2) AS distance
FROM chunks
WHERE collection_id = $1
ORDER BY distance, id
LIMIT $3`, distanceOperator(col.Distance))

	rows, err := s.pool.Query(ctx, q, collectionID, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", models.ErrBackend, err)
	}
	defer rows.Close()

	out := make([]models.RetrievalResult, 0, k)
	for rows.Next() {
		var c models.Chunk
		var lang *string
		var dist float64
		var id string
		if err := rows.Scan(&id, &c.FilePath, &lang, &c.Content, &c.StartLine, &c.EndLine, &dist); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", models.ErrBackend, err)
		}
		if lang != nil {
			c.Language = *lang
		}
		out = append(out, models.RetrievalResult{
			ChunkID:  id,
			Content:  c.Content,
			Metadata: c.Meta(),
			Distance: max(dist, 0),
		})
	}
	return out, rows.Err()
}

// Count returns the number of chunks stored in the collection.
func (s *Store) Count(ctx context.Context, collectionID string) (int, error) {
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE collection_id = $1`, collectionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", models.ErrBackend, err)
	}
	return n, nil
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
