package inference

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// maxExcerpt bounds each quoted passage in an extractive answer, in runes.
const maxExcerpt = 400

// ExtractiveReasoner answers offline by quoting the retrieved passages.
type ExtractiveReasoner struct{}

// NewExtractiveReasoner creates an extractive reasoner.
func NewExtractiveReasoner() *ExtractiveReasoner {
	return &ExtractiveReasoner{}
}

// Name implements Namer.
func (e *ExtractiveReasoner) Name() string {
	return ProviderExtractive
}

// Infer implements Reasoner.
func (e *ExtractiveReasoner) Infer(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	var b strings.Builder
	switch {
	case len(req.Chunks) == 0:
		b.WriteString("No indexed content matches this question.")
	case req.TaskType == TaskDebate:
		fmt.Fprintf(&b, "Perspectives from %d sources on %q:\n", len(req.Chunks), req.Query)
		for i, c := range req.Chunks {
			fmt.Fprintf(&b, "\n%d. %s (score %.3f)\n   %s\n", i+1, c.DocumentKey, c.Score, excerpt(c.ChunkText))
		}
	default:
		top := req.Chunks[0]
		fmt.Fprintf(&b, "%s\n\nSource: %s#%d", excerpt(top.ChunkText), top.DocumentKey, top.Seq)
		if len(req.Chunks) > 1 {
			b.WriteString("\n\nSee also:")
			for _, c := range req.Chunks[1:] {
				fmt.Fprintf(&b, "\n- %s#%d", c.DocumentKey, c.Seq)
			}
		}
	}

	return &Response{
		Answer:   b.String(),
		TaskType: req.TaskType,
		Provider: ProviderExtractive,
		Sources:  sourcesOf(req.Chunks),
		Duration: time.Since(start),
	}, nil
}

func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxExcerpt {
		return text
	}
	return string(runes[:maxExcerpt]) + "..."
}
