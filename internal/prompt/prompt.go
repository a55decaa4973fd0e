// Package prompt assembles question prompts from retrieved chunks under a token budget.
package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/repoqa/pkg/models"
)

const (
	// DefaultBudget is the prompt size ceiling in tokens.
	DefaultBudget = 4000
	// MinChunkTokens is the smallest budget worth spending on a truncated chunk.
	MinChunkTokens = 100
)

// System is the system instruction sent alongside assembled prompts.
const System = "You are an expert code explainer who analyzes source code and explains it clearly."

const (
	header = "You are an expert code explainer. Answer the user's question using the code snippets below.\n\n" +
		"Question: \"%s\"\n\n" +
		"Possibly relevant code snippets:\n\n"
	footer = "\nAnswer the question based on the snippets above. If they do not contain enough information, " +
		"say so explicitly and offer whatever insight the available code supports.\n" +
		"Be clear, accurate and direct.\n"
)

// Counter measures and cuts text in model tokens.
type Counter interface {
	Count(s string) int
	// Truncate returns a prefix of s costing at most tokens.
	Truncate(s string, tokens int) string
}

// Heuristic approximates one token per four characters.
type Heuristic struct{}

func (Heuristic) Count(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

func (Heuristic) Truncate(s string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	limit := tokens * 4
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// Prompt is an assembled prompt. Included counts the chunks that made it in,
// Truncated is set when any chunk was cut or dropped.
type Prompt struct {
	Text      string
	Tokens    int
	Included  int
	Truncated bool
}

// Assembler renders prompts within Budget tokens.
type Assembler struct {
	Counter Counter
	Budget  int
}

// New returns an Assembler using the heuristic counter.
func New(budget int) *Assembler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Assembler{Counter: Heuristic{}, Budget: budget}
}

func (a *Assembler) counter() Counter {
	if a.Counter == nil {
		return Heuristic{}
	}
	return a.Counter
}

// piece is one rendered chunk, separator included.
type piece struct {
	text      string
	truncated bool
}

func renderChunk(i int, r models.RetrievalResult, content string, truncated bool) string {
	lang := r.Metadata.Language
	if lang == "" {
		lang = "unknown"
	}
	note := ""
	if truncated {
		note = ", truncated"
	}
	return fmt.Sprintf("Snippet %d (from %s L%d-%d, language: %s%s):\n```\n%s\n```\n\n",
		i, r.Metadata.FilePath, r.Metadata.StartLine, r.Metadata.EndLine, lang, note, content)
}

func (a *Assembler) render(question string, pieces []piece) string {
	var b strings.Builder
	fmt.Fprintf(&b, header, question)
	for _, p := range pieces {
		b.WriteString(p.text)
	}
	b.WriteString(footer)
	return b.String()
}

// Assemble renders the question and results, nearest first. When the full
// rendering exceeds the budget, whole chunks are kept in order while they fit,
// the first chunk that does not fit is truncated if more than MinChunkTokens
// remain, and the rest are dropped. The question is never cut: if it alone
// exceeds the budget the call fails with models.ErrInvalidInput.
func (a *Assembler) Assemble(question string, results []models.RetrievalResult) (Prompt, error) {
	c := a.counter()

	base := c.Count(a.render(question, nil))
	if base > a.Budget {
		return Prompt{}, models.InvalidInput("question needs %d tokens, budget is %d", base, a.Budget)
	}

	all := make([]piece, len(results))
	for i, r := range results {
		all[i] = piece{text: renderChunk(i+1, r, r.Content, false)}
	}
	if text := a.render(question, all); c.Count(text) <= a.Budget {
		return Prompt{Text: text, Tokens: c.Count(text), Included: len(all)}, nil
	}

	remaining := a.Budget - base
	used := 0
	var kept []piece
	for i, r := range results {
		cost := c.Count(all[i].text)
		if used+cost <= remaining {
			kept = append(kept, all[i])
			used += cost
			continue
		}
		if avail := remaining - used; avail > MinChunkTokens {
			overhead := c.Count(renderChunk(len(kept)+1, r, "", true))
			if room := avail - overhead; room > 0 {
				cut := c.Truncate(r.Content, room)
				if strings.TrimSpace(cut) != "" {
					kept = append(kept, piece{text: renderChunk(len(kept)+1, r, cut, true), truncated: true})
				}
			}
		}
		break
	}

	text := a.render(question, kept)
	// Counters need not be additive; drop from the tail until the whole fits.
	for c.Count(text) > a.Budget && len(kept) > 0 {
		kept = kept[:len(kept)-1]
		text = a.render(question, kept)
	}
	return Prompt{Text: text, Tokens: c.Count(text), Included: len(kept), Truncated: true}, nil
}
