package memory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rcliao/layered-memory/internal/model"
)

// ContextParams holds parameters for prompt context assembly.
type ContextParams struct {
	Query  string
	TopK   int
	Budget int // max tokens in output (rough proxy: 1 token ≈ 4 chars)
}

// ContextMemory is one retrieved chunk in the assembled context.
type ContextMemory struct {
	ID      string      `json:"id"`
	Layer   model.Layer `json:"layer"`
	Content string      `json:"content"`
	Score   float64     `json:"score"`
	Excerpt bool        `json:"excerpt,omitempty"`
}

// ContextResult is the assembled context response.
type ContextResult struct {
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
	Memories []ContextMemory `json:"memories"`
}

var layerHeadings = map[model.Layer]string{
	model.LayerRational:   "About the user",
	model.LayerEmotional:  "Recent mood",
	model.LayerHistorical: "Earlier conversation",
	model.LayerGeneral:    "Reference notes",
}

// Context retrieves memory for query and packs it into the token budget,
// best match first. It never fails: retrieval errors are logged and yield an
// empty result, so a reply can always go ahead without memory.
func (s *Service) Context(ctx context.Context, p ContextParams) *ContextResult {
	budget := p.Budget
	if budget <= 0 {
		budget = 2000
	}
	result := &ContextResult{Budget: budget, Memories: []ContextMemory{}}

	results, err := s.Search(ctx, p.Query, p.TopK)
	if err != nil {
		s.log.WarnContext(ctx, "memory context unavailable", "error", err)
		return result
	}

	charBudget := budget * 4
	used := 0
	for _, r := range results {
		m := ContextMemory{ID: r.ID, Layer: r.Layer, Content: r.Content, Score: math.Round(r.Score*1000) / 1000}
		if used+len(r.Content) <= charBudget {
			result.Memories = append(result.Memories, m)
			used += len(r.Content)
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			m.Content = truncate(r.Content, remaining) + "..."
			m.Excerpt = true
			result.Memories = append(result.Memories, m)
			used += len(m.Content)
		}
		break
	}
	result.Used = used / 4
	return result
}

// Format renders the memories grouped by layer, curated layers first, as a
// block for a system prompt. An empty result renders as "".
func (r *ContextResult) Format() string {
	if r == nil || len(r.Memories) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Memory\n")
	for _, l := range model.Layers {
		first := true
		for _, m := range r.Memories {
			if m.Layer != l {
				continue
			}
			if first {
				fmt.Fprintf(&sb, "\n### %s\n", layerHeadings[l])
				first = false
			}
			fmt.Fprintf(&sb, "- %s\n", strings.ReplaceAll(strings.TrimSpace(m.Content), "\n", "\n  "))
		}
	}
	return sb.String()
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
