// Package chunker splits repository files into line-addressed chunks.
package chunker

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoqa/internal/repo"
	"github.com/seanblong/repoqa/pkg/models"
	"golang.org/x/text/encoding/charmap"
)

// Strategy selects how a file is cut into chunks.
type Strategy string

const (
	WholeFile    Strategy = "whole_file"
	FixedOverlap Strategy = "fixed_overlap"
)

// Defaults
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

var errBinary = errors.New("binary content")

// Config controls chunking. ChunkSize is measured in characters, ChunkOverlap in lines.
type Config struct {
	Strategy     Strategy
	ChunkSize    int
	ChunkOverlap int
}

// DefaultConfig returns fixed_overlap with the default sizes.
func DefaultConfig() Config {
	return Config{Strategy: FixedOverlap, ChunkSize: DefaultChunkSize, ChunkOverlap: DefaultChunkOverlap}
}

// Validate rejects unknown strategies and out-of-range sizes.
func (c Config) Validate() error {
	if _, ok := strategies[c.Strategy]; !ok {
		return models.InvalidInput("unknown chunk strategy %q", c.Strategy)
	}
	if c.ChunkSize <= 0 {
		return models.InvalidInput("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return models.InvalidInput("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap)
	}
	return nil
}

// Output is the result of chunking a tree. Warnings holds one *models.FileError per
// file that could not be chunked.
type Output struct {
	Chunks   []models.Chunk
	Warnings []error
}

// span is an inclusive range of zero-based line indexes.
type span struct{ first, last int }

type splitFunc func(lines []string, cfg Config) []span

var strategies = map[Strategy]splitFunc{
	WholeFile:    wholeFile,
	FixedOverlap: fixedOverlap,
}

// Chunk splits every file in order. Per-file failures are recorded in
// Output.Warnings and never stop the run; only an invalid config is an error.
func Chunk(files []repo.File, cfg Config) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return Output{}, err
	}
	var out Output
	for _, f := range files {
		chunks, err := ChunkFile(f.Path, f.Content, cfg)
		if err != nil {
			log.Warn().Err(err).Str("path", f.Path).Msg("skipping file")
			out.Warnings = append(out.Warnings, err)
			continue
		}
		out.Chunks = append(out.Chunks, chunks...)
	}
	return out, nil
}

// ChunkFile splits a single file. The config is assumed valid.
func ChunkFile(path string, content []byte, cfg Config) ([]models.Chunk, error) {
	text, err := decode(content)
	if err != nil {
		return nil, &models.FileError{Path: path, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	split, ok := strategies[cfg.Strategy]
	if !ok {
		return nil, models.InvalidInput("unknown chunk strategy %q", cfg.Strategy)
	}

	lines := splitLines(text)
	lang := Language(path)
	var chunks []models.Chunk
	for _, s := range split(lines, cfg) {
		// Blank runs stay in so that every line of the file is covered.
		body := strings.Join(lines[s.first:s.last+1], "\n")
		chunks = append(chunks, models.Chunk{
			Content:   body,
			FilePath:  path,
			StartLine: s.first + 1,
			EndLine:   s.last + 1,
			Language:  lang,
		})
	}
	return chunks, nil
}

// decode returns the text of a file, falling back to Latin-1 for content that
// is not valid UTF-8.
func decode(b []byte) (string, error) {
	if bytes.IndexByte(b, 0) >= 0 {
		return "", errBinary
	}
	if utf8.Valid(b) {
		return string(b), nil
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return string(s), nil
}

// splitLines cuts text on newlines. A trailing newline ends the last line
// rather than starting an empty one; carriage returns are dropped.
func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func wholeFile(lines []string, _ Config) []span {
	return []span{{0, len(lines) - 1}}
}

// lineSize counts a line and its newline.
func lineSize(l string) int {
	return utf8.RuneCountInString(l) + 1
}

// fixedOverlap accumulates lines until the next one would push the buffer past
// ChunkSize, closes the chunk, and seeds the next buffer with the closed chunk's
// last ChunkOverlap lines. The seed is trimmed from the front until the incoming
// line fits, so every chunk starts after the previous one.
func fixedOverlap(lines []string, cfg Config) []span {
	var spans []span
	first, size := 0, 0
	for i, l := range lines {
		n := lineSize(l)
		if size+n > cfg.ChunkSize && i > first {
			spans = append(spans, span{first, i - 1})

			next := i
			if cfg.ChunkOverlap > 0 && i-first >= cfg.ChunkOverlap {
				next = i - cfg.ChunkOverlap
			}
			size = 0
			for j := next; j < i; j++ {
				size += lineSize(lines[j])
			}
			for next < i && size+n > cfg.ChunkSize {
				size -= lineSize(lines[next])
				next++
			}
			first = next
		}
		size += n
	}
	if first < len(lines) {
		spans = append(spans, span{first, len(lines) - 1})
	}
	return spans
}
