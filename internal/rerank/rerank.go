// Package rerank reorders retrieved chunks by relevance to the query
// using a cross-encoder model, with a lexical fallback when no model is
// available.
package rerank

import (
	"context"
	"sort"

	"github.com/thunderbirdlabs/cortex/internal/observability"
)

// Ranked points back into the caller's candidate slice.
type Ranked struct {
	Index int
	Score float64
}

// Scorer assigns a relevance score to each text for a query.
type Scorer interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Name() string
}

// Reranker applies a scorer and keeps the best candidates.
type Reranker struct {
	scorer Scorer
	logger *observability.Logger
}

// New creates a reranker around a scorer.
func New(scorer Scorer, logger *observability.Logger) *Reranker {
	return &Reranker{scorer: scorer, logger: logger.WithComponent("rerank")}
}

// Rerank scores texts against the query and returns the topN best,
// highest score first. Ties keep the original retrieval order. On
// scorer failure the original order is preserved so retrieval never
// loses results to a broken model.
func (r *Reranker) Rerank(ctx context.Context, query string, texts []string, topN int) []Ranked {
	if len(texts) == 0 {
		return nil
	}
	if topN <= 0 || topN > len(texts) {
		topN = len(texts)
	}

	ranked := make([]Ranked, len(texts))
	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil || len(scores) != len(texts) {
		r.logger.Warn().
			Str("scorer", r.scorer.Name()).
			Err(err).
			Msg("Rerank scoring failed, keeping retrieval order")
		for i := range texts {
			ranked[i] = Ranked{Index: i}
		}
		return ranked[:topN]
	}

	for i := range texts {
		ranked[i] = Ranked{Index: i, Score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked[:topN]
}
