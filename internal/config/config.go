// Package config provides unified configuration loading for the Cortex core.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the Cortex core.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Document      DocumentStoreConfig `yaml:"document_store"`
	Vector        VectorStoreConfig   `yaml:"vector_store"`
	Graph         GraphStoreConfig    `yaml:"graph_store"`
	Cache         CacheConfig         `yaml:"cache"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Rerank        RerankConfig        `yaml:"rerank"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tenancy       TenancyConfig       `yaml:"tenancy"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DocumentStoreConfig holds source-of-truth store settings.
type DocumentStoreConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// VectorStoreConfig holds the pgvector chunk collection settings.
type VectorStoreConfig struct {
	DSN          string        `yaml:"dsn"`
	Collection   string        `yaml:"collection"`
	Dimension    int           `yaml:"dimension"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

// GraphStoreConfig holds the property graph settings.
type GraphStoreConfig struct {
	DSN             string        `yaml:"dsn"`
	EntityDimension int           `yaml:"entity_dimension"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// EmbeddingConfig holds embedding model settings.
type EmbeddingConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Dimension     int           `yaml:"dimension"`
	BatchSize     int           `yaml:"batch_size"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// LLMConfig holds chat-completion model settings for extraction,
// validation and query understanding.
type LLMConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	ExtractionModel string        `yaml:"extraction_model"`
	ValidationModel string        `yaml:"validation_model"`
	QueryModel      string        `yaml:"query_model"`
	Timeout         time.Duration `yaml:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
}

// ChunkingConfig holds text splitting settings.
type ChunkingConfig struct {
	ChunkSize       int `yaml:"chunk_size"`
	ChunkOverlap    int `yaml:"chunk_overlap"`
	MaxContentChars int `yaml:"max_content_chars"`
}

// ExtractionConfig holds triple extraction and validation settings.
type ExtractionConfig struct {
	MaxTriplesPerChunk    int  `yaml:"max_triples_per_chunk"`
	MaxInputChars         int  `yaml:"max_input_chars"`
	ValidateRelationships bool `yaml:"validate_relationships"`
	ValidationPrefixChars int  `yaml:"validation_prefix_chars"`
}

// IngestionConfig holds pipeline concurrency settings.
type IngestionConfig struct {
	NumWorkers         int `yaml:"num_workers"`
	MaxConcurrentGraph int `yaml:"max_concurrent_graph"`
	GraphPoolSize      int `yaml:"graph_pool_size"`
}

// DedupConfig holds entity deduplication settings.
type DedupConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxEditDistance     int     `yaml:"max_edit_distance"`
	HoursLookback       int     `yaml:"hours_lookback"`
	TopK                int     `yaml:"top_k"`
	MergeBatchSize      int     `yaml:"merge_batch_size"`
	MergeGuardThreshold int     `yaml:"merge_guard_threshold"`
	IntervalMinutes     int     `yaml:"interval_minutes"`
}

// RetrievalConfig holds hybrid query settings.
type RetrievalConfig struct {
	TopK                int    `yaml:"top_k"`
	RerankTopN          int    `yaml:"rerank_top_n"`
	EmailDecayDays      int    `yaml:"email_decay_days"`
	AttachmentDecayDays int    `yaml:"attachment_decay_days"`
	HistoryTokenBudget  int    `yaml:"history_token_budget"`
	SynthesisTemplate   string `yaml:"synthesis_template"`
}

// RerankConfig holds cross-encoder settings.
type RerankConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ModelPath string `yaml:"model_path"`
}

// JobsConfig holds job queue and scheduler settings.
type JobsConfig struct {
	Queue         string        `yaml:"queue"`
	MaxAttempts   int           `yaml:"max_attempts"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	LockRefresh   time.Duration `yaml:"lock_refresh"`
	BackfillLimit int           `yaml:"backfill_limit"`
	BackfillMax   int           `yaml:"backfill_max"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TenancyConfig holds multi-tenancy settings.
type TenancyConfig struct {
	DefaultTenant string `yaml:"default_tenant"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Document: DocumentStoreConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/cortex.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Vector: VectorStoreConfig{
			Collection:   "cortex_chunks",
			Dimension:    1536,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			OpTimeout:    60 * time.Second,
		},
		Graph: GraphStoreConfig{
			EntityDimension: 1536,
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			OpTimeout:       60 * time.Second,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        24 * time.Hour,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Embedding: EmbeddingConfig{
			BaseURL:       "https://openrouter.ai/api/v1",
			Model:         "openai/text-embedding-3-small",
			Dimension:     1536,
			BatchSize:     100,
			Timeout:       60 * time.Second,
			RetryAttempts: 3,
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			ExtractionModel: "openai/gpt-4o-mini",
			ValidationModel: "openai/gpt-4o-mini",
			QueryModel:      "openai/gpt-4o",
			Timeout:         60 * time.Second,
			RetryAttempts:   3,
		},
		Chunking: ChunkingConfig{
			ChunkSize:       1024,
			ChunkOverlap:    200,
			MaxContentChars: 100000,
		},
		Extraction: ExtractionConfig{
			MaxTriplesPerChunk:    5,
			MaxInputChars:         24000,
			ValidateRelationships: true,
			ValidationPrefixChars: 500,
		},
		Ingestion: IngestionConfig{
			NumWorkers:         4,
			MaxConcurrentGraph: 10,
			GraphPoolSize:      50,
		},
		Dedup: DedupConfig{
			SimilarityThreshold: 0.92,
			MaxEditDistance:     3,
			HoursLookback:       24,
			TopK:                10,
			MergeBatchSize:      10,
			MergeGuardThreshold: 100,
			IntervalMinutes:     15,
		},
		Retrieval: RetrievalConfig{
			TopK:                20,
			RerankTopN:          10,
			EmailDecayDays:      30,
			AttachmentDecayDays: 90,
			HistoryTokenBudget:  3900,
		},
		Rerank: RerankConfig{
			Enabled: false,
		},
		Jobs: JobsConfig{
			Queue:         "ingest",
			MaxAttempts:   3,
			JobTimeout:    time.Hour,
			LockTTL:       60 * time.Second,
			LockRefresh:   30 * time.Second,
			BackfillLimit: 100,
			BackfillMax:   1000,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
		Tenancy: TenancyConfig{
			DefaultTenant: "dev",
		},
	}
}

// Validate checks the configuration for errors. A failure here is fatal;
// the process must not start with an invalid configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Document.Driver != "sqlite" && c.Document.Driver != "postgres" {
		return fmt.Errorf("invalid document store driver: %s", c.Document.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Chunking.ChunkOverlap, c.Chunking.ChunkSize)
	}

	if c.Vector.Dimension < 1 || c.Graph.EntityDimension < 1 || c.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding dimensions must be positive")
	}

	if c.Ingestion.MaxConcurrentGraph >= c.Ingestion.GraphPoolSize {
		return fmt.Errorf("max_concurrent_graph (%d) must be smaller than graph_pool_size (%d)",
			c.Ingestion.MaxConcurrentGraph, c.Ingestion.GraphPoolSize)
	}

	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup similarity_threshold must be in (0, 1]")
	}

	if c.Retrieval.RerankTopN > c.Retrieval.TopK {
		return fmt.Errorf("rerank_top_n (%d) cannot exceed top_k (%d)",
			c.Retrieval.RerankTopN, c.Retrieval.TopK)
	}

	if c.Jobs.BackfillLimit > c.Jobs.BackfillMax {
		return fmt.Errorf("backfill_limit (%d) cannot exceed backfill_max (%d)",
			c.Jobs.BackfillLimit, c.Jobs.BackfillMax)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Document.Driver == "sqlite"
}

// DocumentDSN returns the document store connection string.
func (c *Config) DocumentDSN() string {
	if c.Document.Driver == "sqlite" {
		return c.Document.SQLite.Path
	}
	return c.Document.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Document.Driver = "sqlite"
			cfg.Document.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Document.Driver = "postgres"
			cfg.Document.Postgres.DSN = v
		}
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Document.Postgres.DSN = v
		if cfg.Vector.DSN == "" {
			cfg.Vector.DSN = v
		}
		if cfg.Graph.DSN == "" {
			cfg.Graph.DSN = v
		}
	}

	if v := os.Getenv("VECTOR_URL"); v != "" {
		cfg.Vector.DSN = v
	}

	if v := os.Getenv("GRAPH_URL"); v != "" {
		cfg.Graph.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = v
		}
	}

	if v := os.Getenv("RERANK_MODEL_PATH"); v != "" {
		cfg.Rerank.Enabled = true
		cfg.Rerank.ModelPath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("DEFAULT_TENANT"); v != "" {
		cfg.Tenancy.DefaultTenant = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
