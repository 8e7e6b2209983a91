package rerank

import (
	"context"
	"fmt"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// CrossEncoder scores query/passage pairs with a local ONNX
// cross-encoder through hugot. Loading the model is expensive, so one
// instance is shared process-wide via Shared.
type CrossEncoder struct {
	session  *hugot.Session
	pipeline *pipelines.TextClassificationPipeline
	mu       sync.Mutex
}

var (
	sharedMu   sync.Mutex
	sharedCE   *CrossEncoder
	sharedPath string
)

// Shared returns the process-wide cross-encoder for modelPath, loading
// it on first use. Subsequent calls with the same path reuse the loaded
// model.
func Shared(modelPath string) (*CrossEncoder, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCE != nil {
		if sharedPath != modelPath {
			return nil, fmt.Errorf("cross-encoder already loaded from %s", sharedPath)
		}
		return sharedCE, nil
	}
	ce, err := NewCrossEncoder(modelPath)
	if err != nil {
		return nil, err
	}
	sharedCE = ce
	sharedPath = modelPath
	return sharedCE, nil
}

// NewCrossEncoder loads a cross-encoder model from disk.
func NewCrossEncoder(modelPath string) (*CrossEncoder, error) {
	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create hugot session: %w", err)
	}

	config := hugot.TextClassificationConfig{
		ModelPath: modelPath,
		Name:      "cortex-reranker",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("create reranker pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("create reranker pipeline: %w", err)
	}

	return &CrossEncoder{session: session, pipeline: pipeline}, nil
}

// Score runs the cross-encoder over query/text pairs. The underlying
// pipeline is not safe for concurrent runs, hence the lock.
func (c *CrossEncoder) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	pairs := make([]string, len(texts))
	for i, text := range texts {
		pairs[i] = buildPair(query, text)
	}

	c.mu.Lock()
	output, err := c.pipeline.RunPipeline(pairs)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("run reranker: %w", err)
	}
	if len(output.ClassificationOutputs) != len(texts) {
		return nil, fmt.Errorf("reranker returned %d outputs for %d texts", len(output.ClassificationOutputs), len(texts))
	}

	scores := make([]float64, len(texts))
	for i, classes := range output.ClassificationOutputs {
		best := float32(0)
		for _, class := range classes {
			if class.Score > best {
				best = class.Score
			}
		}
		scores[i] = float64(best)
	}
	return scores, nil
}

// Name identifies the scorer in logs.
func (c *CrossEncoder) Name() string { return "cross-encoder" }

// Close releases the ONNX session.
func (c *CrossEncoder) Close() error {
	return c.session.Destroy()
}

// buildPair formats a query/passage pair for a cross-encoder that
// expects both segments in one input.
func buildPair(query, text string) string {
	return query + " [SEP] " + text
}

var _ Scorer = (*CrossEncoder)(nil)
