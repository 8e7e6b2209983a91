package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/embedding"
	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/metrics"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/rerank"
	"github.com/thunderbirdlabs/cortex/internal/vectorstore"
)

// noInfoAnswer is returned when neither store yields any context.
const noInfoAnswer = "No relevant information found."

// VectorSearcher is the vector-store surface the engine reads from.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, k int, filter *vectorstore.Filter) ([]vectorstore.Result, error)
}

// GraphReader is the graph-store surface the engine reads from.
type GraphReader interface {
	RunReadQuery(ctx context.Context, q graphstore.ReadQuery) ([]graphstore.Record, error)
	SearchEntityNames(ctx context.Context, tenantID string, terms []string, limit int) ([]model.Entity, error)
	SimilarEntities(ctx context.Context, tenantID string, vector []float32, topK int) ([]graphstore.EntityMatch, error)
	Expand(ctx context.Context, tenantID string, seedIDs []int64, limit int) ([]graphstore.Fact, error)
	ChunksForEntities(ctx context.Context, tenantID string, entityIDs []int64, startTS, endTS *int64, limit int) ([]model.Chunk, error)
}

// Reranker reorders retrieved texts by relevance to the question.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string, topN int) []rerank.Ranked
}

// Config holds query-engine tuning.
type Config struct {
	Model               string
	TopK                int
	RerankTopN          int
	EmailDecayDays      int
	AttachmentDecayDays int
	HistoryTokenBudget  int
	MaxSubQuestions     int
	SynthesisTemplate   string
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 20
	}
	if c.RerankTopN <= 0 {
		c.RerankTopN = 10
	}
	if c.EmailDecayDays == 0 {
		c.EmailDecayDays = 30
	}
	if c.AttachmentDecayDays == 0 {
		c.AttachmentDecayDays = 90
	}
	if c.HistoryTokenBudget <= 0 {
		c.HistoryTokenBudget = 3900
	}
	if c.MaxSubQuestions <= 0 {
		c.MaxSubQuestions = 4
	}
	return c
}

// Options narrows retrieval for one query.
type Options struct {
	Source       string
	DocumentType string
}

// Response is the answer to one query.
type Response struct {
	Answer      string             `json:"answer"`
	SourceNodes []model.SourceNode `json:"source_nodes"`
	Metadata    model.Metadata     `json:"metadata"`
}

// Engine answers questions by decomposing them into sub-questions
// routed to vector and graph retrieval, then synthesising the
// sub-answers into one response.
type Engine struct {
	logger   *observability.Logger
	config   Config
	provider llm.Provider
	embedder embedding.Embedder
	vectors  VectorSearcher
	graph    GraphReader
	reranker Reranker
	timex    *TimeExtractor
	metrics  *metrics.Collector

	// now is swappable for deterministic recency in tests.
	now func() time.Time
}

// New creates a query engine. reranker and collector may be nil.
func New(
	logger *observability.Logger,
	cfg Config,
	provider llm.Provider,
	embedder embedding.Embedder,
	vectors VectorSearcher,
	graph GraphReader,
	reranker Reranker,
	collector *metrics.Collector,
) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		logger:   logger.WithComponent("query"),
		config:   cfg,
		provider: provider,
		embedder: embedder,
		vectors:  vectors,
		graph:    graph,
		reranker: reranker,
		timex:    NewTimeExtractor(provider, cfg.Model, logger),
		metrics:  collector,
		now:      time.Now,
	}
}

// Query answers a single question for a tenant.
func (e *Engine) Query(ctx context.Context, tenantID, question string, opts *Options) (*Response, error) {
	return e.run(ctx, tenantID, question, nil, opts)
}

// Chat answers a question with prior conversation turns shaping the
// synthesised answer. Retrieval itself is stateless.
func (e *Engine) Chat(ctx context.Context, tenantID, question string, history []llm.Message, opts *Options) (*Response, error) {
	return e.run(ctx, tenantID, question, history, opts)
}

func (e *Engine) run(ctx context.Context, tenantID, question string, history []llm.Message, opts *Options) (*Response, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("query requires a tenant")
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("query requires a question")
	}

	start := e.now()
	logger := e.logger.WithTenant(tenantID)

	// Step 1: time extraction, only when the question mentions time.
	var window *TimeWindow
	if hasTimeKeywords(question) {
		w, err := e.timex.Extract(ctx, question)
		if err != nil {
			logger.Warn().Err(err).Msg("Time extraction failed, querying without a window")
		} else {
			window = w
		}
	}

	// Step 2: decompose into sub-questions routed to the two stores.
	subs := e.decompose(ctx, question)

	// Step 3: retrieve and answer each sub-question. A failed
	// retrieval degrades that sub-question instead of failing the
	// query.
	var (
		answers   []subAnswer
		sources   []model.SourceNode
		retrieved int
	)
	for _, sq := range subs {
		lines, nodes, err := e.retrieve(ctx, tenantID, sq, window, opts)
		if err != nil {
			logger.Warn().Err(err).Str("tool", sq.Tool).Msg("Sub-question retrieval failed")
			lines, nodes = nil, nil
		}
		retrieved += len(lines)
		sources = append(sources, nodes...)
		answers = append(answers, subAnswer{
			Question: sq.Question,
			Answer:   e.answerSubQuestion(ctx, sq, lines),
		})
	}

	if retrieved == 0 {
		logger.Info().Bool("time_filtered", window != nil).Msg("No context retrieved")
		e.observe(start, window != nil)
		return &Response{
			Answer:      noInfoAnswer,
			SourceNodes: []model.SourceNode{},
			Metadata:    e.metadata(window),
		}, nil
	}

	// Step 4: synthesise the final answer from the sub-answers.
	answer, err := e.synthesize(ctx, question, formatSubAnswers(answers), history)
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	e.observe(start, window != nil)
	logger.Info().
		Int("sub_questions", len(subs)).
		Int("sources", len(sources)).
		Bool("time_filtered", window != nil).
		Dur("duration", e.now().Sub(start)).
		Msg("Query answered")

	if sources == nil {
		sources = []model.SourceNode{}
	}
	return &Response{
		Answer:      answer,
		SourceNodes: sources,
		Metadata:    e.metadata(window),
	}, nil
}

// retrieve dispatches one sub-question to its tool.
func (e *Engine) retrieve(ctx context.Context, tenantID string, sq subQuestion, window *TimeWindow, opts *Options) ([]string, []model.SourceNode, error) {
	if sq.Tool == toolGraphSearch {
		var gc graphContext
		var err error
		if window != nil {
			gc, err = e.timedGraphRetrieve(ctx, tenantID, sq.Question, window)
		} else {
			gc, err = e.untimedGraphRetrieve(ctx, tenantID, sq.Question)
		}
		return gc.lines, gc.sources, err
	}
	return e.vectorRetrieve(ctx, tenantID, sq.Question, window, opts)
}

// vectorRetrieve embeds the sub-question, searches the chunk collection
// under the tenant (and optional source, type and time) filter, then
// applies recency boost and rerank.
func (e *Engine) vectorRetrieve(ctx context.Context, tenantID, question string, window *TimeWindow, opts *Options) ([]string, []model.SourceNode, error) {
	vec, err := e.embedder.EmbedSingle(ctx, question)
	if err != nil {
		return nil, nil, fmt.Errorf("embed question: %w", err)
	}

	conds := []vectorstore.Condition{vectorstore.Eq("tenant_id", tenantID)}
	if opts != nil && opts.Source != "" {
		conds = append(conds, vectorstore.Eq("source", opts.Source))
	}
	if opts != nil && opts.DocumentType != "" {
		conds = append(conds, vectorstore.Eq("document_type", opts.DocumentType))
	}
	if window != nil {
		conds = append(conds,
			vectorstore.Gte("created_at_timestamp", window.Start),
			vectorstore.Lte("created_at_timestamp", window.End))
	}

	results, err := e.vectors.Search(ctx, vec, e.config.TopK, vectorstore.NewFilter(conds...))
	if err != nil {
		return nil, nil, fmt.Errorf("vector search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil, nil
	}

	applyRecencyBoost(results, e.config.EmailDecayDays, e.config.AttachmentDecayDays, e.now())
	results = e.rerankResults(ctx, question, results)

	lines := make([]string, 0, len(results))
	nodes := make([]model.SourceNode, 0, len(results))
	for _, r := range results {
		lines = append(lines, chunkContextLine(r.Chunk))
		nodes = append(nodes, sourceNodeFromChunk(r.Chunk, r.Score))
	}
	return lines, nodes, nil
}

// rerankResults reorders the boosted hits and keeps the top n. Without
// a reranker the boosted order is truncated instead.
func (e *Engine) rerankResults(ctx context.Context, question string, results []vectorstore.Result) []vectorstore.Result {
	topN := e.config.RerankTopN
	if topN > len(results) {
		topN = len(results)
	}
	if e.reranker == nil {
		return results[:topN]
	}

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Content
	}
	ranked := e.reranker.Rerank(ctx, question, texts, topN)
	out := make([]vectorstore.Result, 0, len(ranked))
	for _, rk := range ranked {
		r := results[rk.Index]
		r.Score = rk.Score
		out = append(out, r)
	}
	return out
}

func (e *Engine) metadata(window *TimeWindow) model.Metadata {
	md := model.Metadata{"is_time_filtered": window != nil}
	if window != nil {
		md["time_filter_start"] = window.StartDate
		md["time_filter_end"] = window.EndDate
	}
	return md
}

func (e *Engine) observe(start time.Time, timeFiltered bool) {
	if e.metrics == nil {
		return
	}
	e.metrics.QueriesServed.WithLabelValues(strconv.FormatBool(timeFiltered)).Inc()
	e.metrics.QueryDuration.Observe(e.now().Sub(start).Seconds())
}
