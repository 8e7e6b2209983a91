package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thunderbirdlabs/cortex/internal/llm"
)

const (
	toolVectorSearch = "vector_search"
	toolGraphSearch  = "graph_search"

	// noAnswerText is the per-sub-question degradation answer: the
	// question survives into synthesis but contributes nothing.
	noAnswerText = "The context does not address this."
)

// subQuestion is one decomposed retrieval step routed to a tool.
type subQuestion struct {
	Question string `json:"question"`
	Tool     string `json:"tool"`
}

const decomposeSystemPrompt = `You split questions about a document corpus into focused sub-questions and route each to a retrieval tool. Tools: "vector_search" finds passages by semantic similarity, "graph_search" follows entity relationships (people, companies, purchase orders, materials, certifications). Simple questions stay as one sub-question per tool. Respond with JSON only.`

// decompose asks the model to split the question into routed
// sub-questions. Any failure falls back to running the original
// question through both tools, so retrieval always covers both stores.
func (e *Engine) decompose(ctx context.Context, question string) []subQuestion {
	req := llm.ChatRequest{
		Model: e.config.Model,
		Messages: []llm.Message{
			{Role: "system", Content: decomposeSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(`Split this question into at most %d sub-questions, each routed to "vector_search" or "graph_search".

Question: %s

Respond as {"sub_questions": [{"question": "...", "tool": "..."}]}.`, e.config.MaxSubQuestions, question)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	}

	resp, err := e.provider.Chat(ctx, req)
	if err == nil {
		var raw struct {
			SubQuestions []subQuestion `json:"sub_questions"`
		}
		jsonText, jerr := llm.ExtractJSON(resp.Content)
		if jerr == nil && json.Unmarshal([]byte(jsonText), &raw) == nil {
			if subs := validSubQuestions(raw.SubQuestions, e.config.MaxSubQuestions); len(subs) > 0 {
				return subs
			}
		}
	}

	e.logger.Warn().Err(err).Msg("Decomposition failed, querying both stores with the original question")
	return []subQuestion{
		{Question: question, Tool: toolVectorSearch},
		{Question: question, Tool: toolGraphSearch},
	}
}

// validSubQuestions drops malformed entries and clamps the count.
// Unknown tools are coerced to vector search rather than dropped.
func validSubQuestions(subs []subQuestion, max int) []subQuestion {
	var out []subQuestion
	for _, sq := range subs {
		sq.Question = strings.TrimSpace(sq.Question)
		if sq.Question == "" {
			continue
		}
		if sq.Tool != toolVectorSearch && sq.Tool != toolGraphSearch {
			sq.Tool = toolVectorSearch
		}
		out = append(out, sq)
		if len(out) == max {
			break
		}
	}
	return out
}

// answerSubQuestion produces a compact answer to one sub-question from
// its retrieved context. Empty context or a failed model call degrades
// to the no-answer text instead of failing the query.
func (e *Engine) answerSubQuestion(ctx context.Context, sq subQuestion, contextLines []string) string {
	if len(contextLines) == 0 {
		return noAnswerText
	}

	req := llm.ChatRequest{
		Model: e.config.Model,
		Messages: []llm.Message{
			{Role: "system", Content: "You answer questions strictly from the provided context. If the context does not contain the answer, say so briefly."},
			{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s\n\nAnswer concisely from the context only.",
				strings.Join(contextLines, "\n---\n"), sq.Question)},
		},
		Temperature: 0,
	}
	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		e.logger.Warn().Err(err).Str("sub_question", sq.Question).Msg("Sub-question answering failed")
		return noAnswerText
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return noAnswerText
	}
	return answer
}
