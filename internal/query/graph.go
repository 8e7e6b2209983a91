package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

// graphContext is what graph retrieval hands to synthesis: context
// lines plus the source nodes behind them.
type graphContext struct {
	lines   []string
	sources []model.SourceNode
}

const graphQuerySystemPrompt = `You translate questions about a knowledge graph into structured retrieval parameters. The graph links text chunks to entities with labels PERSON, COMPANY, ROLE, PURCHASE_ORDER, MATERIAL and CERTIFICATION; chunks carry created_at_timestamp in Unix seconds. Queries are read-only. Respond with JSON only.`

// buildGraphQueryPrompt carries four worked examples, all filtering on
// the chunk timestamp, so the model reliably produces windowed queries.
func buildGraphQueryPrompt(question string, window *TimeWindow) string {
	var b strings.Builder
	b.WriteString("Produce retrieval parameters for the question. Fields: entity_terms (name fragments to match), labels (restrict entity labels, may be empty), start_timestamp / end_timestamp (Unix seconds bounding chunk.created_at_timestamp), limit.\n\nExamples:\n\n")
	b.WriteString(`Question: show me emails about purchase order 7020 from October 2024
{"entity_terms": ["7020"], "labels": ["PURCHASE_ORDER"], "start_timestamp": 1727740800, "end_timestamp": 1730419199, "limit": 20}

Question: who did we talk to at Summit Materials in 2024?
{"entity_terms": ["summit materials"], "labels": ["PERSON", "COMPANY"], "start_timestamp": 1704067200, "end_timestamp": 1735689599, "limit": 20}

Question: which materials were discussed during Q3 2024?
{"entity_terms": [], "labels": ["MATERIAL"], "start_timestamp": 1719792000, "end_timestamp": 1727740799, "limit": 20}

Question: certifications mentioned after March 2025
{"entity_terms": [], "labels": ["CERTIFICATION"], "start_timestamp": 1743465600, "end_timestamp": null, "limit": 20}

`)
	fmt.Fprintf(&b, "Question: %s\n", question)
	if window != nil {
		fmt.Fprintf(&b, "The question's time range is %s to %s (start_timestamp %d, end_timestamp %d); use it.\n",
			window.StartDate, window.EndDate, window.Start, window.End)
	}
	b.WriteString("Respond with JSON only.")
	return b.String()
}

// timedGraphRetrieve generates a structured graph query from the
// question and runs it. Generated output is parsed into the closed
// ReadQuery type; the window is enforced even when the model omits it.
func (e *Engine) timedGraphRetrieve(ctx context.Context, tenantID, question string, window *TimeWindow) (graphContext, error) {
	req := llm.ChatRequest{
		Model: e.config.Model,
		Messages: []llm.Message{
			{Role: "system", Content: graphQuerySystemPrompt},
			{Role: "user", Content: buildGraphQueryPrompt(question, window)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	}
	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		return graphContext{}, fmt.Errorf("graph query generation: %w", err)
	}

	var rq graphstore.ReadQuery
	jsonText, err := llm.ExtractJSON(resp.Content)
	if err == nil {
		err = json.Unmarshal([]byte(jsonText), &rq)
	}
	if err != nil {
		return graphContext{}, fmt.Errorf("parse generated graph query: %w", err)
	}

	rq.TenantID = tenantID
	if window != nil {
		rq.StartTimestamp = &window.Start
		rq.EndTimestamp = &window.End
	}

	records, err := e.graph.RunReadQuery(ctx, rq)
	if err != nil {
		return graphContext{}, fmt.Errorf("run graph query: %w", err)
	}
	return graphContextFromRecords(records), nil
}

// untimedGraphRetrieve finds entry-point entities two ways (synonym
// keywords matched by name, and nearest entities to the question
// vector), expands the neighbourhood two hops and collects the chunks
// mentioning those entities.
func (e *Engine) untimedGraphRetrieve(ctx context.Context, tenantID, question string) (graphContext, error) {
	keywords := e.entityKeywords(ctx, question)

	seen := map[int64]bool{}
	var seedIDs []int64
	if len(keywords) > 0 {
		named, err := e.graph.SearchEntityNames(ctx, tenantID, keywords, 10)
		if err != nil {
			return graphContext{}, fmt.Errorf("entity name search: %w", err)
		}
		for _, ent := range named {
			if !seen[ent.ID] {
				seen[ent.ID] = true
				seedIDs = append(seedIDs, ent.ID)
			}
		}
	}

	if vec, err := e.embedder.EmbedSingle(ctx, question); err != nil {
		e.logger.Warn().Err(err).Msg("Question embedding for graph seeding failed")
	} else {
		matches, err := e.graph.SimilarEntities(ctx, tenantID, vec, 5)
		if err != nil {
			return graphContext{}, fmt.Errorf("entity similarity search: %w", err)
		}
		for _, m := range matches {
			if !seen[m.Entity.ID] {
				seen[m.Entity.ID] = true
				seedIDs = append(seedIDs, m.Entity.ID)
			}
		}
	}

	if len(seedIDs) == 0 {
		return graphContext{}, nil
	}

	facts, err := e.graph.Expand(ctx, tenantID, seedIDs, 60)
	if err != nil {
		return graphContext{}, fmt.Errorf("graph expansion: %w", err)
	}
	chunks, err := e.graph.ChunksForEntities(ctx, tenantID, seedIDs, nil, nil, 10)
	if err != nil {
		return graphContext{}, fmt.Errorf("chunks for entities: %w", err)
	}

	var gc graphContext
	for _, f := range facts {
		gc.lines = append(gc.lines, f.String())
	}
	for _, c := range chunks {
		gc.lines = append(gc.lines, chunkContextLine(c))
		gc.sources = append(gc.sources, sourceNodeFromChunk(c, 0))
	}
	return gc, nil
}

// entityKeywords rewrites the question into entity-name keywords. Falls
// back to picking proper-noun-ish tokens when the model call fails.
func (e *Engine) entityKeywords(ctx context.Context, question string) []string {
	req := llm.ChatRequest{
		Model: e.config.Model,
		Messages: []llm.Message{
			{Role: "system", Content: "You extract entity names and their likely synonyms from questions. Respond with JSON only."},
			{Role: "user", Content: fmt.Sprintf(`List up to 5 entity names or keywords from this question that could name people, companies, roles, purchase orders, materials or certifications. Include close synonyms.

Question: %s

Respond as {"keywords": ["..."]}.`, question)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	}
	resp, err := e.provider.Chat(ctx, req)
	if err == nil {
		var raw struct {
			Keywords []string `json:"keywords"`
		}
		jsonText, jerr := llm.ExtractJSON(resp.Content)
		if jerr == nil && json.Unmarshal([]byte(jsonText), &raw) == nil && len(raw.Keywords) > 0 {
			if len(raw.Keywords) > 5 {
				raw.Keywords = raw.Keywords[:5]
			}
			return raw.Keywords
		}
	}
	e.logger.Debug().Err(err).Msg("Keyword extraction fell back to heuristics")
	return fallbackKeywords(question)
}

// questionStopwords are capitalised tokens that open questions without
// naming anything.
var questionStopwords = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "which": true,
	"why": true, "how": true, "did": true, "does": true, "the": true,
	"was": true, "were": true, "are": true, "is": true, "can": true,
	"show": true, "list": true, "tell": true, "find": true, "give": true,
}

// fallbackKeywords keeps capitalised and numeric tokens, which is what
// entity names in questions usually look like.
func fallbackKeywords(question string) []string {
	var keywords []string
	for _, field := range strings.Fields(question) {
		token := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(token) < 3 || questionStopwords[strings.ToLower(token)] {
			continue
		}
		first := []rune(token)[0]
		if unicode.IsUpper(first) || unicode.IsDigit(first) {
			keywords = append(keywords, token)
		}
		if len(keywords) == 5 {
			break
		}
	}
	return keywords
}

func graphContextFromRecords(records []graphstore.Record) graphContext {
	var gc graphContext
	for _, r := range records {
		line := r.Text
		if r.Name != "" {
			line = fmt.Sprintf("[%s %s] %s", r.Label, r.Name, r.Text)
		}
		gc.lines = append(gc.lines, line)
		gc.sources = append(gc.sources, model.SourceNode{
			Title:              r.Title,
			Source:             "graph",
			DocumentType:       r.Type,
			CreatedAt:          r.CreatedAt,
			CreatedAtTimestamp: r.CreatedAtTimestamp,
			Excerpt:            model.ExcerptOf(r.Text, 200),
		})
	}
	return gc
}

func chunkContextLine(c model.Chunk) string {
	if c.Title != "" {
		return fmt.Sprintf("From %q: %s", c.Title, c.Content)
	}
	return c.Content
}

func sourceNodeFromChunk(c model.Chunk, score float64) model.SourceNode {
	return model.SourceNode{
		DocumentID:         c.DocumentID,
		Title:              c.Title,
		Source:             c.Source,
		DocumentType:       c.DocumentType,
		CreatedAt:          c.CreatedAt,
		CreatedAtTimestamp: c.CreatedAtTimestamp,
		Excerpt:            model.ExcerptOf(c.Content, 200),
		Score:              score,
	}
}
