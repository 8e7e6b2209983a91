package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/cache"
)

// CachedEmbedder wraps an Embedder with a content-addressed cache.
// Keys are derived from the normalized text and the model identifier,
// so re-ingesting unchanged content reuses stored vectors instead of
// calling the embedding API again.
type CachedEmbedder struct {
	inner Embedder
	cache cache.Client
	ttl   time.Duration
}

// NewCachedEmbedder creates a caching decorator around inner.
func NewCachedEmbedder(inner Embedder, c cache.Client, ttl time.Duration) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedEmbedder{inner: inner, cache: c, ttl: ttl}
}

func (c *CachedEmbedder) key(text string) string {
	return "emb:" + cache.HashKey(c.inner.Model(), strings.TrimSpace(text))
}

// Embed returns cached vectors where available and embeds the rest.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		data, err := c.cache.Get(ctx, c.key(text))
		if err == nil {
			var vec []float32
			if jsonErr := json.Unmarshal(data, &vec); jsonErr == nil {
				out[i] = vec
				continue
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			// Cache trouble is not worth failing ingestion over.
			_ = err
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, vec := range fresh {
		out[missingIdx[j]] = vec
		if data, err := json.Marshal(vec); err == nil {
			_ = c.cache.Set(ctx, c.key(missing[j]), data, c.ttl)
		}
	}

	return out, nil
}

// EmbedSingle returns a cached vector or embeds the text.
func (c *CachedEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in batches, consulting the cache per text.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.Embed(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Model returns the wrapped model name.
func (c *CachedEmbedder) Model() string {
	return c.inner.Model()
}

// Dimension returns the wrapped dimension.
func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

var _ Embedder = (*CachedEmbedder)(nil)
