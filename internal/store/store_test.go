package store

import (
	"context"
	"os"
	"testing"

	"github.com/seanblong/repoqa/internal/index"
	"github.com/seanblong/repoqa/pkg/models"
)

var _ index.Index = (*Store)(nil)

func TestDistanceOperator(t *testing.T) {
	tests := []struct {
		d    models.Distance
		want string
	}{
		{models.DistanceCosine, "<=>"},
		{models.DistanceL2, "<->"},
		{"", "<=>"},
	}
	for _, tt := range tests {
		if got := distanceOperator(tt.d); got != tt.want {
			t.Errorf("distanceOperator(%q) = %q, expected %q", tt.d, got, tt.want)
		}
	}
}

// TestStoreRoundTrip runs against a live database when REPOQA_TEST_DATABASE_URL is set.
func TestStoreRoundTrip(t *testing.T) {
	url := os.Getenv("REPOQA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("REPOQA_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx, 3); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	col := models.Collection{ID: "repo_test_roundtrip", Repository: "https://example.com/o/r", EmbedModel: "stub", Dim: 3}
	if _, err := s.ResetCollection(ctx, col); err != nil {
		t.Fatalf("reset: %v", err)
	}
	chunks := []models.IndexedChunk{
		{Chunk: models.Chunk{Content: "a", FilePath: "a.go", StartLine: 1, EndLine: 1, Language: "go"}, Embedding: []float32{1, 0, 0}},
		{Chunk: models.Chunk{Content: "b", FilePath: "b.go", StartLine: 1, EndLine: 1, Language: "go"}, Embedding: []float32{0, 1, 0}},
	}
	if n, err := s.Upsert(ctx, col.ID, chunks); err != nil || n != 2 {
		t.Fatalf("upsert: n=%d err=%v", n, err)
	}
	res, err := s.Query(ctx, col.ID, []float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res) != 1 || res[0].ChunkID != "a.go:1-1" {
		t.Errorf("unexpected results %+v", res)
	}

	// A rejected batch rolls the whole replace back.
	bad := []models.IndexedChunk{{Chunk: models.Chunk{Content: "c", FilePath: "c.go", StartLine: 1, EndLine: 1}, Embedding: []float32{1}}}
	if _, err := s.ReplaceCollection(ctx, col, [][]models.IndexedChunk{chunks[:1], bad}); err == nil {
		t.Fatal("expected replace with a wrong-sized vector to fail")
	}
	if n, _ := s.Count(ctx, col.ID); n != 2 {
		t.Errorf("expected previous 2 chunks after failed replace, got %d", n)
	}

	if _, err := s.ResetCollection(ctx, col); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := s.Count(ctx, col.ID); n != 0 {
		t.Errorf("expected empty collection after reset, got %d", n)
	}
}
