package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Summarizer condenses a ticket's accumulated context into a short digest
// stored on the ticket. Production wires an LLM-backed implementation; the
// engine ships a deterministic length-bounded fallback.
type Summarizer interface {
	Summarize(ctx context.Context, ticketContext map[string]any) (string, error)
}

// TruncatingSummarizer renders the context keys and values as a single line
// and truncates to MaxLen runes. Deterministic: keys are sorted.
type TruncatingSummarizer struct {
	MaxLen int
}

// NewTruncatingSummarizer returns a summarizer bounded to maxLen runes
// (default 512).
func NewTruncatingSummarizer(maxLen int) *TruncatingSummarizer {
	if maxLen <= 0 {
		maxLen = 512
	}
	return &TruncatingSummarizer{MaxLen: maxLen}
}

func (s *TruncatingSummarizer) Summarize(_ context.Context, ticketContext map[string]any) (string, error) {
	if len(ticketContext) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(ticketContext))
	for k := range ticketContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("; ")
		}
		v, err := json.Marshal(ticketContext[k])
		if err != nil {
			return "", fmt.Errorf("summarize context: %w", err)
		}
		b.WriteString(k)
		b.WriteString("=")
		b.Write(v)
	}
	out := b.String()
	runes := []rune(out)
	if len(runes) > s.MaxLen {
		out = string(runes[:s.MaxLen-1]) + "…"
	}
	return out, nil
}
