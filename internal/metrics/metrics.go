// Package metrics holds the Prometheus collectors for ingestion,
// deduplication, query serving and the job substrate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles all application metrics behind one registry.
type Collector struct {
	registry *prometheus.Registry

	// Ingestion
	DocumentsIngested *prometheus.CounterVec
	ChunksEmbedded    prometheus.Counter
	IngestDuration    prometheus.Histogram

	// Embedding cache
	EmbeddingCacheHits   prometheus.Counter
	EmbeddingCacheMisses prometheus.Counter

	// Graph
	EntitiesUpserted  prometheus.Counter
	RelationsUpserted prometheus.Counter
	RelationsRejected prometheus.Counter

	// Dedup
	DedupRuns        prometheus.Counter
	EntitiesMerged   prometheus.Counter
	DedupAlerts      prometheus.Counter
	EmbeddingsHealed prometheus.Counter

	// Query
	QueriesServed *prometheus.CounterVec
	QueryDuration prometheus.Histogram

	// Jobs
	JobsProcessed *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCollector creates all metrics under the given namespace with a
// dedicated registry, so tests can build collectors freely without
// duplicate-registration panics.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		DocumentsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Documents ingested, by outcome status",
		}, []string{"status"}),
		ChunksEmbedded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_embedded_total",
			Help:      "Chunks embedded and written to the vector store",
		}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Wall-clock time to ingest one document",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		EmbeddingCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding lookups answered from cache",
		}),
		EmbeddingCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding lookups that required a model call",
		}),
		EntitiesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_entities_upserted_total",
			Help:      "Entity nodes merged into the graph",
		}),
		RelationsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_relations_upserted_total",
			Help:      "Relations merged into the graph",
		}),
		RelationsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_relations_rejected_total",
			Help:      "Candidate relations rejected by the validator",
		}),
		DedupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_runs_total",
			Help:      "Entity dedup runs completed",
		}),
		EntitiesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_entities_merged_total",
			Help:      "Duplicate entities merged away",
		}),
		DedupAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_merge_alerts_total",
			Help:      "Dedup runs whose merge count exceeded the guard threshold",
		}),
		EmbeddingsHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_embeddings_healed_total",
			Help:      "Entity embeddings regenerated during dedup",
		}),
		QueriesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_served_total",
			Help:      "Queries answered, by whether a time filter applied",
		}, []string{"time_filtered"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Wall-clock time to answer one query",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs pulled and finished, by queue and outcome",
		}, []string{"queue", "status"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		c.DocumentsIngested, c.ChunksEmbedded, c.IngestDuration,
		c.EmbeddingCacheHits, c.EmbeddingCacheMisses,
		c.EntitiesUpserted, c.RelationsUpserted, c.RelationsRejected,
		c.DedupRuns, c.EntitiesMerged, c.DedupAlerts, c.EmbeddingsHealed,
		c.QueriesServed, c.QueryDuration,
		c.JobsProcessed,
		c.HTTPRequests, c.HTTPDuration,
	)

	return c
}

// Registry exposes the underlying registry for custom collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
