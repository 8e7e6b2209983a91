// Package engine assembles the Cortex core. One Engine owns the
// stores, caches, ingestion pipeline, dedup engine, hybrid query
// engine and job substrate for a process; the API server and the CLI
// both drive it through the same surface.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thunderbirdlabs/cortex/internal/cache"
	"github.com/thunderbirdlabs/cortex/internal/config"
	"github.com/thunderbirdlabs/cortex/internal/dedup"
	"github.com/thunderbirdlabs/cortex/internal/docstore"
	"github.com/thunderbirdlabs/cortex/internal/embedding"
	"github.com/thunderbirdlabs/cortex/internal/extract"
	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/ingest"
	"github.com/thunderbirdlabs/cortex/internal/jobs"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/metrics"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/query"
	"github.com/thunderbirdlabs/cortex/internal/rerank"
	"github.com/thunderbirdlabs/cortex/internal/schema"
	"github.com/thunderbirdlabs/cortex/internal/vectorstore"
)

// Engine is the assembled core. Construct it once per process with New
// and share it; every method is safe for concurrent use.
type Engine struct {
	logger  *observability.Logger
	config  *config.Config
	metrics *metrics.Collector

	documentsDB *sql.DB
	cache       cache.Client
	broker      jobs.Broker

	documents *docstore.Store
	vectors   *vectorstore.Store
	graph     *graphstore.Store

	embedder embedding.Embedder
	provider llm.Provider

	pipeline *ingest.Pipeline
	dedup    *dedup.Engine
	query    *query.Engine
	queue    *jobs.Queue

	mu        sync.Mutex
	lastDedup map[string]*dedup.Report
}

// New builds the engine from configuration: it connects every store,
// runs the idempotent schema setup, and wires the pipelines. The
// returned engine must be Closed.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	logger := observability.NewLogger(observability.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "cortex",
	})
	collector := metrics.NewCollector("cortex")

	e := &Engine{
		logger:    logger,
		config:    cfg,
		metrics:   collector,
		lastDedup: map[string]*dedup.Report{},
	}

	if err := e.connectStores(ctx); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.buildComponents(); err != nil {
		e.Close()
		return nil, err
	}

	logger.Info().
		Str("document_driver", cfg.Document.Driver).
		Str("cache_driver", cfg.Cache.Driver).
		Bool("jobs_available", e.broker != nil).
		Msg("Engine ready")
	return e, nil
}

// connectStores opens the vector, graph, document and cache backends
// and runs their idempotent startup DDL.
func (e *Engine) connectStores(ctx context.Context) error {
	cfg := e.config

	if cfg.Vector.DSN == "" {
		return fmt.Errorf("vector store DSN is required")
	}
	vectorDB, err := openPostgres(ctx, cfg.Vector.DSN, cfg.Vector.MaxOpenConns, cfg.Vector.MaxIdleConns, 0)
	if err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	e.vectors = vectorstore.New(vectorDB, vectorstore.Config{
		Collection: cfg.Vector.Collection,
		Dimension:  cfg.Vector.Dimension,
		OpTimeout:  cfg.Vector.OpTimeout,
	}, e.logger)
	if err := e.vectors.EnsureCollection(ctx); err != nil {
		return err
	}

	if cfg.Graph.DSN == "" {
		return fmt.Errorf("graph store DSN is required")
	}
	graphDB, err := openPostgres(ctx, cfg.Graph.DSN, cfg.Graph.MaxOpenConns, cfg.Graph.MaxIdleConns, 0)
	if err != nil {
		return fmt.Errorf("connect graph store: %w", err)
	}
	e.graph = graphstore.New(graphDB, graphstore.Config{
		EntityDimension: cfg.Graph.EntityDimension,
		OpTimeout:       cfg.Graph.OpTimeout,
	}, e.logger)
	if err := e.graph.EnsureSchema(ctx); err != nil {
		return err
	}

	if err := e.connectDocuments(ctx); err != nil {
		return err
	}
	return e.connectCache()
}

func (e *Engine) connectDocuments(ctx context.Context) error {
	cfg := e.config

	switch cfg.Document.Driver {
	case "sqlite":
		db, err := docstore.Open("sqlite3", cfg.Document.SQLite.Path)
		if err != nil {
			return err
		}
		if cfg.Document.SQLite.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Document.SQLite.MaxOpenConns)
		}
		if mode := cfg.Document.SQLite.JournalMode; mode != "" {
			if _, err := db.ExecContext(ctx, "PRAGMA journal_mode="+mode); err != nil {
				db.Close()
				return fmt.Errorf("set journal mode: %w", err)
			}
		}
		e.documentsDB = db
	case "postgres":
		db, err := openPostgres(ctx, cfg.Document.Postgres.DSN,
			cfg.Document.Postgres.MaxOpenConns, cfg.Document.Postgres.MaxIdleConns,
			cfg.Document.Postgres.ConnMaxLifetime)
		if err != nil {
			return fmt.Errorf("connect document store: %w", err)
		}
		e.documentsDB = db
	default:
		return fmt.Errorf("unknown document store driver %q", cfg.Document.Driver)
	}

	e.documents = docstore.New(e.documentsDB)
	return e.documents.EnsureSchema(ctx)
}

func (e *Engine) connectCache() error {
	cfg := e.config

	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}
		e.cache = client

		broker, err := jobs.NewRedisBroker(jobs.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return fmt.Errorf("connect job broker: %w", err)
		}
		e.broker = broker
		e.queue = jobs.NewQueue(broker, jobs.QueueConfig{
			Name:        cfg.Jobs.Queue,
			MaxAttempts: cfg.Jobs.MaxAttempts,
		}, e.logger)
		return nil
	}

	e.cache = cache.NewMemoryClient(cfg.Cache.MaxEntries)
	return nil
}

// buildComponents wires the clients and pipelines over the connected
// stores.
func (e *Engine) buildComponents() error {
	cfg := e.config

	embedClient, err := embedding.NewClient(embedding.Config{
		APIKey:        cfg.Embedding.APIKey,
		Model:         cfg.Embedding.Model,
		BaseURL:       cfg.Embedding.BaseURL,
		Dimension:     cfg.Embedding.Dimension,
		Timeout:       cfg.Embedding.Timeout,
		RetryAttempts: cfg.Embedding.RetryAttempts,
	})
	if err != nil {
		return fmt.Errorf("create embedding client: %w", err)
	}
	e.embedder = embedding.NewCachedEmbedder(embedClient, e.cache, cfg.Cache.TTL)

	provider, err := llm.NewClient(llm.Config{
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		Timeout:       cfg.LLM.Timeout,
		RetryAttempts: cfg.LLM.RetryAttempts,
	})
	if err != nil {
		return fmt.Errorf("create llm client: %w", err)
	}
	e.provider = provider

	extractor := extract.NewExtractor(provider, schema.Default(), extract.Config{
		Model:         cfg.LLM.ExtractionModel,
		MaxTriples:    cfg.Extraction.MaxTriplesPerChunk,
		MaxInputChars: cfg.Extraction.MaxInputChars,
	}, e.logger)
	validator := extract.NewValidator(provider, extract.ValidatorConfig{
		Model:          cfg.LLM.ValidationModel,
		MaxPrefixChars: cfg.Extraction.ValidationPrefixChars,
	}, e.logger)

	e.pipeline = ingest.NewPipeline(
		e.logger,
		ingest.Config{
			ChunkSize:             cfg.Chunking.ChunkSize,
			ChunkOverlap:          cfg.Chunking.ChunkOverlap,
			NumWorkers:            cfg.Ingestion.NumWorkers,
			MaxConcurrentGraph:    cfg.Ingestion.MaxConcurrentGraph,
			ValidateRelationships: cfg.Extraction.ValidateRelationships,
		},
		e.embedder,
		extractor,
		validator,
		e.vectors,
		e.graph,
		e.documents,
		e.metrics,
	)

	e.dedup = dedup.New(e.graph, e.embedder, dedup.Config{
		SimilarityThreshold: cfg.Dedup.SimilarityThreshold,
		MaxEditDistance:     cfg.Dedup.MaxEditDistance,
		HoursLookback:       cfg.Dedup.HoursLookback,
		TopK:                cfg.Dedup.TopK,
		MergeBatchSize:      cfg.Dedup.MergeBatchSize,
		MergeGuardThreshold: cfg.Dedup.MergeGuardThreshold,
	}, e.logger, e.metrics)

	e.query = query.New(
		e.logger,
		query.Config{
			Model:               cfg.LLM.QueryModel,
			TopK:                cfg.Retrieval.TopK,
			RerankTopN:          cfg.Retrieval.RerankTopN,
			EmailDecayDays:      cfg.Retrieval.EmailDecayDays,
			AttachmentDecayDays: cfg.Retrieval.AttachmentDecayDays,
			HistoryTokenBudget:  cfg.Retrieval.HistoryTokenBudget,
			SynthesisTemplate:   cfg.Retrieval.SynthesisTemplate,
		},
		provider,
		e.embedder,
		e.vectors,
		e.graph,
		e.buildReranker(),
		e.metrics,
	)
	return nil
}

// buildReranker loads the shared cross-encoder when enabled, falling
// back to lexical overlap scoring so retrieval order is never left to
// raw similarity alone.
func (e *Engine) buildReranker() *rerank.Reranker {
	var scorer rerank.Scorer = rerank.NewLexical()
	if e.config.Rerank.Enabled {
		ce, err := rerank.Shared(e.config.Rerank.ModelPath)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Cross-encoder load failed, using lexical reranking")
		} else {
			scorer = ce
		}
	}
	return rerank.New(scorer, e.logger)
}

// Ready reports whether every backing store answers. Used by the API
// server's readiness probe.
func (e *Engine) Ready(ctx context.Context) error {
	if err := e.documentsDB.PingContext(ctx); err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	if err := e.vectors.Ping(ctx); err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	if err := e.graph.Ping(ctx); err != nil {
		return fmt.Errorf("graph store: %w", err)
	}
	return nil
}

// Logger exposes the engine's root logger for the hosting process.
func (e *Engine) Logger() *observability.Logger {
	return e.logger
}

// Metrics exposes the collector for the /metrics endpoint.
func (e *Engine) Metrics() *metrics.Collector {
	return e.metrics
}

// Close releases every connection the engine holds. Safe on a
// partially constructed engine.
func (e *Engine) Close() error {
	var errs []error
	if e.broker != nil {
		if err := e.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("job broker: %w", err))
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if e.documentsDB != nil {
		if err := e.documentsDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("document store: %w", err))
		}
	}
	if e.graph != nil {
		if err := e.graph.Close(); err != nil {
			errs = append(errs, fmt.Errorf("graph store: %w", err))
		}
	}
	if e.vectors != nil {
		if err := e.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// openPostgres opens a pooled Postgres connection and verifies it.
func openPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int, lifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
