package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/repoqa/pkg/models"
)

// Memory is a process-local Index using brute-force distance computation.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	now         func() time.Time
}

type memCollection struct {
	info    models.Collection
	entries map[string]models.IndexedChunk
}

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{collections: map[string]*memCollection{}, now: time.Now}
}

func (m *Memory) EnsureCollection(_ context.Context, c models.Collection) (models.Collection, error) {
	c, err := normalize(c)
	if err != nil {
		return c, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.collections[c.ID]; ok {
		return existing.info, nil
	}
	c.CreatedAt = m.now().UTC()
	m.collections[c.ID] = &memCollection{info: c, entries: map[string]models.IndexedChunk{}}
	return c, nil
}

func (m *Memory) ResetCollection(ctx context.Context, c models.Collection) (models.Collection, error) {
	return m.ReplaceCollection(ctx, c, nil)
}

// ReplaceCollection builds the new collection aside and swaps it in under the lock.
func (m *Memory) ReplaceCollection(_ context.Context, c models.Collection, batches [][]models.IndexedChunk) (models.Collection, error) {
	c, err := normalize(c)
	if err != nil {
		return c, err
	}
	entries := map[string]models.IndexedChunk{}
	for i, batch := range batches {
		for _, ch := range batch {
			if c.Dim > 0 && len(ch.Embedding) != c.Dim {
				return c, fmt.Errorf("batch %d: chunk %s: embedding has %d dimensions, collection expects %d", i, ch.ID(), len(ch.Embedding), c.Dim)
			}
			ch.Embedding = append([]float32(nil), ch.Embedding...)
			entries[ch.ID()] = ch
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = m.now().UTC()
	m.collections[c.ID] = &memCollection{info: c, entries: entries}
	return c, nil
}

func (m *Memory) GetCollection(_ context.Context, id string) (models.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[id]
	if !ok {
		return models.Collection{}, fmt.Errorf("collection %s: %w", id, models.ErrNotFound)
	}
	return col.info, nil
}

// ListCollections returns every collection ordered by repository.
func (m *Memory) ListCollections(_ context.Context) ([]models.Collection, error) {
	m.mu.RLock()
	out := make([]models.Collection, 0, len(m.collections))
	for _, col := range m.collections {
		out = append(out, col.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repository != out[j].Repository {
			return out[i].Repository < out[j].Repository
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, collectionID string, chunks []models.IndexedChunk) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[collectionID]
	if !ok {
		return 0, fmt.Errorf("collection %s: %w", collectionID, models.ErrNotFound)
	}
	for _, ch := range chunks {
		if col.info.Dim > 0 && len(ch.Embedding) != col.info.Dim {
			return 0, fmt.Errorf("chunk %s: embedding has %d dimensions, collection expects %d", ch.ID(), len(ch.Embedding), col.info.Dim)
		}
	}
	for _, ch := range chunks {
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		col.entries[ch.ID()] = ch
	}
	return len(chunks), nil
}

func (m *Memory) Query(_ context.Context, collectionID string, vector []float32, k int) ([]models.RetrievalResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collectionID, models.ErrNotFound)
	}
	if k <= 0 {
		return []models.RetrievalResult{}, nil
	}
	if col.info.Dim > 0 && len(vector) != col.info.Dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d", models.ErrEmbeddingMismatch, len(vector), col.info.Dim)
	}

	dist := CosineDistance
	if col.info.Distance == models.DistanceL2 {
		dist = L2Distance
	}
	out := make([]models.RetrievalResult, 0, len(col.entries))
	for id, e := range col.entries {
		out = append(out, models.RetrievalResult{
			ChunkID:  id,
			Content:  e.Content,
			Metadata: e.Meta(),
			Distance: dist(e.Embedding, vector),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, collectionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col, ok := m.collections[collectionID]
	if !ok {
		return 0, fmt.Errorf("collection %s: %w", collectionID, models.ErrNotFound)
	}
	return len(col.entries), nil
}

// CosineDistance returns 1 - cos(a, b), clamped to [0, 2]. Zero vectors are at distance 1.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := 0; i < len(a) && i < len(b); i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	return math.Min(math.Max(d, 0), 2)
}

// L2Distance returns the Euclidean distance between a and b.
func L2Distance(a, b []float32) float64 {
	var sum float64
	for i := 0; i < len(a) && i < len(b); i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
