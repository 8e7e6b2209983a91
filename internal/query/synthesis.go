package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/thunderbirdlabs/cortex/internal/llm"
)

// DefaultSynthesisTemplate is used when the tenant supplies none. It
// receives {context_str} (the sub-answers) and {query_str} (the
// original question).
const DefaultSynthesisTemplate = `Answer the question using only the context below.

Context:
{context_str}

Question: {query_str}

Rules:
- Use only the context; do not draw on outside knowledge.
- Keep figures, dates and quoted phrases from the context verbatim.
- When referencing a document, cite it by title.
- Never mention chunk ids, document ids or other internal identifiers.`

// subAnswer pairs a sub-question with the answer retrieval produced
// for it.
type subAnswer struct {
	Question string
	Answer   string
}

// formatSubAnswers renders the sub-answers as the synthesis context.
func formatSubAnswers(answers []subAnswer) string {
	var b strings.Builder
	for i, a := range answers {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Sub-question: %s\nAnswer: %s", a.Question, a.Answer)
	}
	return b.String()
}

// synthesize produces the final answer from the collected sub-answers,
// with truncated chat history ahead of the prompt when present.
func (e *Engine) synthesize(ctx context.Context, question, contextStr string, history []llm.Message) (string, error) {
	template := e.config.SynthesisTemplate
	if template == "" {
		template = DefaultSynthesisTemplate
	}
	prompt := strings.ReplaceAll(template, "{context_str}", contextStr)
	prompt = strings.ReplaceAll(prompt, "{query_str}", question)

	messages := truncateHistory(history, e.config.HistoryTokenBudget)
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := e.provider.Chat(ctx, llm.ChatRequest{
		Model:       e.config.Model,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
