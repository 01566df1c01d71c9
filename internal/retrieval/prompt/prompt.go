// Package prompt turns a gated retrieval result into the context block a
// chat model is given.
package prompt

import (
	"strings"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
)

const contextHeader = "Relevant knowledge base information:"

// BuildContext returns the knowledge-base block for result and true, or ""
// and false when the result did not pass the relevance gate.
func BuildContext(result retrieval.RetrievalResult) (string, bool) {
	if !result.HasRelevantResults || len(result.Chunks) == 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString(contextHeader)
	for _, c := range result.Chunks {
		b.WriteString("\n- ")
		b.WriteString(c.Text)
	}
	return b.String(), true
}

// AppendContext adds the knowledge-base block to a system prompt, separated
// by a blank line. The prompt is returned unchanged when there is nothing
// to add.
func AppendContext(system string, result retrieval.RetrievalResult) string {
	block, ok := BuildContext(result)
	if !ok {
		return system
	}
	if system == "" {
		return block
	}
	return system + "\n\n" + block
}
