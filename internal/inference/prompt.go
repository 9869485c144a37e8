package inference

import (
	"fmt"
	"strings"
)

const directAnswerPrompt = `You answer questions using only the numbered context passages provided.
Cite passages by their number in square brackets. If the context does not
contain the answer, say so plainly.`

const debatePrompt = `You weigh a question that calls for judgement, using only the numbered
context passages provided. Lay out the strongest arguments on each side,
citing passages by their number in square brackets, then give a reasoned
conclusion. If the context is insufficient, say what is missing.`

func systemPrompt(t TaskType) string {
	if t == TaskDebate {
		return debatePrompt
	}
	return directAnswerPrompt
}

// contextBlock renders chunks as numbered passages in retrieval order.
func contextBlock(req Request) string {
	var b strings.Builder
	if len(req.Chunks) == 0 {
		b.WriteString("No context passages were found.\n")
	}
	for i, c := range req.Chunks {
		fmt.Fprintf(&b, "[%d] %s#%d\n%s\n\n", i+1, c.DocumentKey, c.Seq, strings.TrimSpace(c.ChunkText))
	}
	fmt.Fprintf(&b, "Question: %s", req.Query)
	return b.String()
}
