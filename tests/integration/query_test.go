package integration

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/query"
)

// queryScript scripts the query-side LLM roles. Each field covers one
// prompt; unset fields make the corresponding call fail loudly so a
// test cannot silently exercise the wrong path.
type queryScript struct {
	timeFilter string
	decompose  string
	keywords   string
	graphQuery string
	subAnswer  string
	synthesis  string
}

func (s queryScript) provider() *llm.MockProvider {
	pick := func(name, scripted string) (string, error) {
		if scripted == "" {
			return "", fmt.Errorf("unscripted %s call", name)
		}
		return scripted, nil
	}
	return &llm.MockProvider{RespondFunc: func(req llm.ChatRequest) (string, error) {
		sys := systemPrompt(req)
		switch {
		case strings.Contains(sys, "extract explicit time ranges"):
			return pick("time filter", s.timeFilter)
		case strings.Contains(sys, "split questions"):
			return pick("decompose", s.decompose)
		case strings.Contains(sys, "entity names and their likely synonyms"):
			return pick("keywords", s.keywords)
		case strings.Contains(sys, "translate questions about a knowledge graph"):
			return pick("graph query", s.graphQuery)
		case strings.Contains(sys, "answer questions strictly from the provided context"):
			return pick("sub-answer", s.subAnswer)
		case sys == "":
			return pick("synthesis", s.synthesis)
		}
		return "", fmt.Errorf("unexpected LLM call: %q", sys)
	}}
}

func TestQueryEngine(t *testing.T) {
	skipUnlessIntegration(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	env := newTestEnv(t, setup)
	ctx := context.Background()

	const tenant = "tenant-query"

	// Seed the corpus: one email inside October 2024, one outside.
	pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), nil, nil)
	octSent := time.Date(2024, 10, 3, 12, 0, 0, 0, time.UTC)
	octResult := pipeline.Ingest(ctx, emailDoc(tenant, "msg-oct", "PO-7020 confirmed", orderEmailBody,
		"tony@summit.example", []string{"sarah@acme.example"}, octSent))
	require.Equal(t, model.StatusSuccess, octResult.Status)

	decPipeline := env.newPipeline(t, extractionProvider(`{"entities": [], "relations": []}`, "YES"), nil, nil)
	decSent := time.Date(2024, 12, 10, 9, 0, 0, 0, time.UTC)
	decResult := decPipeline.Ingest(ctx, emailDoc(tenant, "msg-dec", "December invoice",
		"The December invoice for the Denver yard is attached. Payment is due on receipt.",
		"billing@summit.example", []string{"sarah@acme.example"}, decSent))
	require.Equal(t, model.StatusSuccess, decResult.Status)

	newEngine := func(provider llm.Provider) *query.Engine {
		return query.New(env.logger, query.Config{
			Model:      "test-model",
			TopK:       10,
			RerankTopN: 5,
		}, provider, env.embedder, env.vectors, env.graph, nil, nil)
	}

	t.Run("time-windowed question only sees windowed sources", func(t *testing.T) {
		script := queryScript{
			timeFilter: `{"has_time_filter": true, "start_date": "2024-10-01", "end_date": "2024-10-31"}`,
			decompose:  `{"sub_questions": [{"question": "purchase order 7020 status", "tool": "vector_search"}]}`,
			subAnswer:  "PO-7020 was confirmed by Tony Codet of Summit Materials.",
			synthesis:  "Purchase order PO-7020 was confirmed in October 2024 by Tony Codet.",
		}
		engine := newEngine(script.provider())

		resp, err := engine.Query(ctx, tenant, "What happened with purchase order 7020 in October 2024?", nil)
		require.NoError(t, err)
		assert.Equal(t, "Purchase order PO-7020 was confirmed in October 2024 by Tony Codet.", resp.Answer)
		assert.Equal(t, true, resp.Metadata["is_time_filtered"])
		assert.Equal(t, "2024-10-01", resp.Metadata["time_filter_start"])
		assert.Equal(t, "2024-10-31", resp.Metadata["time_filter_end"])

		// The window is a hard filter: the December email never appears.
		require.NotEmpty(t, resp.SourceNodes)
		windowStart := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC).Unix()
		windowEnd := time.Date(2024, 10, 31, 23, 59, 59, 0, time.UTC).Unix()
		for _, node := range resp.SourceNodes {
			require.NotNil(t, node.CreatedAtTimestamp)
			assert.GreaterOrEqual(t, *node.CreatedAtTimestamp, windowStart)
			assert.LessOrEqual(t, *node.CreatedAtTimestamp, windowEnd)
		}
	})

	t.Run("empty window yields the no-information answer", func(t *testing.T) {
		script := queryScript{
			timeFilter: `{"has_time_filter": true, "start_date": "2023-01-01", "end_date": "2023-01-31"}`,
			decompose:  `{"sub_questions": [{"question": "purchase orders", "tool": "vector_search"}]}`,
		}
		engine := newEngine(script.provider())

		resp, err := engine.Query(ctx, tenant, "Which purchase orders were discussed in January 2023?", nil)
		require.NoError(t, err)
		assert.Equal(t, "No relevant information found.", resp.Answer)
		assert.Empty(t, resp.SourceNodes)
		assert.Equal(t, true, resp.Metadata["is_time_filtered"])
	})

	t.Run("untimed question uses both stores", func(t *testing.T) {
		script := queryScript{
			decompose: `{"sub_questions": [
				{"question": "aggregate delivery details", "tool": "vector_search"},
				{"question": "who works for Summit Materials", "tool": "graph_search"}]}`,
			keywords:  `{"keywords": ["Summit Materials", "Tony Codet"]}`,
			subAnswer: "Tony Codet of Summit Materials handles the aggregate deliveries.",
			synthesis: "Tony Codet at Summit Materials handles the aggregate deliveries.",
		}
		provider := script.provider()
		engine := newEngine(provider)

		resp, err := engine.Query(ctx, tenant, "Who handles the aggregate deliveries at Summit Materials?", nil)
		require.NoError(t, err)
		assert.Equal(t, "Tony Codet at Summit Materials handles the aggregate deliveries.", resp.Answer)
		assert.Equal(t, false, resp.Metadata["is_time_filtered"])
		assert.NotEmpty(t, resp.SourceNodes)

		// No time keywords means the time extractor is never consulted.
		for _, call := range provider.Calls {
			assert.NotContains(t, systemPrompt(call), "extract explicit time ranges")
		}
	})

	t.Run("timed graph retrieval enforces the window", func(t *testing.T) {
		script := queryScript{
			timeFilter: `{"has_time_filter": true, "start_date": "2024-10-01", "end_date": "2024-10-31"}`,
			decompose:  `{"sub_questions": [{"question": "emails mentioning PO-7020", "tool": "graph_search"}]}`,
			// The generated query omits the timestamps; the engine must
			// force the extracted window onto it anyway.
			graphQuery: `{"entity_terms": ["7020"], "labels": ["PURCHASE_ORDER"], "limit": 20}`,
			subAnswer:  "PO-7020 appears in the October confirmation email.",
			synthesis:  "PO-7020 was discussed in the October confirmation email.",
		}
		engine := newEngine(script.provider())

		resp, err := engine.Query(ctx, tenant, "Show emails about purchase order 7020 from October 2024", nil)
		require.NoError(t, err)
		assert.Equal(t, "PO-7020 was discussed in the October confirmation email.", resp.Answer)
		assert.Equal(t, true, resp.Metadata["is_time_filtered"])
		windowStart := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC).Unix()
		windowEnd := time.Date(2024, 10, 31, 23, 59, 59, 0, time.UTC).Unix()
		for _, node := range resp.SourceNodes {
			if node.CreatedAtTimestamp == nil {
				continue
			}
			assert.GreaterOrEqual(t, *node.CreatedAtTimestamp, windowStart)
			assert.LessOrEqual(t, *node.CreatedAtTimestamp, windowEnd)
		}
	})

	t.Run("chat threads history into synthesis", func(t *testing.T) {
		var synthesisMessages int
		provider := &llm.MockProvider{RespondFunc: func(req llm.ChatRequest) (string, error) {
			sys := systemPrompt(req)
			switch {
			case strings.Contains(sys, "split questions"):
				return `{"sub_questions": [{"question": "aggregate pricing", "tool": "vector_search"}]}`, nil
			case strings.Contains(sys, "answer questions strictly from the provided context"):
				return "Pricing was confirmed for Q4.", nil
			case sys == "":
				synthesisMessages = len(req.Messages)
				return "As discussed, the pricing holds.", nil
			}
			return "", fmt.Errorf("unexpected LLM call: %q", sys)
		}}
		engine := newEngine(provider)

		history := []llm.Message{
			{Role: "user", Content: "Tell me about Summit Materials."},
			{Role: "assistant", Content: "Summit Materials supplies aggregate."},
		}
		resp, err := engine.Chat(ctx, tenant, "And what about their pricing?", history, nil)
		require.NoError(t, err)
		assert.Equal(t, "As discussed, the pricing holds.", resp.Answer)
		// Two history turns plus the synthesis prompt.
		assert.Equal(t, 3, synthesisMessages)
	})
}
