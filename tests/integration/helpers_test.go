package integration

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/docstore"
	"github.com/thunderbirdlabs/cortex/internal/embedding"
	"github.com/thunderbirdlabs/cortex/internal/extract"
	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/ingest"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/model"
	"github.com/thunderbirdlabs/cortex/internal/observability"
	"github.com/thunderbirdlabs/cortex/internal/schema"
	"github.com/thunderbirdlabs/cortex/internal/vectorstore"
)

// testDimension keeps test embeddings small. Both stores are created at
// this dimension via EnsureCollection/EnsureSchema rather than the
// deployment migration, which is fixed at the production dimension.
const testDimension = 8

// testEnv wires the real stores over one shared connection pool.
type testEnv struct {
	db        *sql.DB
	logger    *observability.Logger
	embedder  *embedding.MockClient
	vectors   *vectorstore.Store
	graph     *graphstore.Store
	documents *docstore.Store
}

// newTestEnv connects to the test Postgres and initializes all three
// stores. The pool is closed once via t.Cleanup; the stores share it,
// so their own Close methods are never called here.
func newTestEnv(t *testing.T, setup *TestContainerSetup) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("postgres", setup.PostgresConnStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.Config{
		Level:       "error",
		Format:      "console",
		ServiceName: "cortex-test",
	})

	vectors := vectorstore.New(db, vectorstore.Config{
		Collection: "cortex_chunks",
		Dimension:  testDimension,
	}, logger)
	require.NoError(t, vectors.EnsureCollection(ctx))

	graph := graphstore.New(db, graphstore.Config{EntityDimension: testDimension}, logger)
	require.NoError(t, graph.EnsureSchema(ctx))

	documents := docstore.New(db)
	require.NoError(t, documents.EnsureSchema(ctx))

	return &testEnv{
		db:        db,
		logger:    logger,
		embedder:  embedding.NewMockClient(testDimension),
		vectors:   vectors,
		graph:     graph,
		documents: documents,
	}
}

// newPipeline builds an ingestion pipeline over the env stores with a
// scripted LLM. graph overrides the graph writer when non-nil, letting
// tests inject failures.
func (env *testEnv) newPipeline(t *testing.T, provider llm.Provider, graph ingest.GraphWriter, embedder embedding.Embedder) *ingest.Pipeline {
	t.Helper()
	if graph == nil {
		graph = env.graph
	}
	if embedder == nil {
		embedder = env.embedder
	}
	extractor := extract.NewExtractor(provider, schema.Default(), extract.Config{Model: "test-model"}, env.logger)
	validator := extract.NewValidator(provider, extract.ValidatorConfig{Model: "test-model"}, env.logger)
	return ingest.NewPipeline(env.logger, ingest.Config{
		ChunkSize:             2000,
		ChunkOverlap:          100,
		NumWorkers:            2,
		MaxConcurrentGraph:    2,
		ValidateRelationships: true,
	}, embedder, extractor, validator, env.vectors, graph, env.documents, nil)
}

// countRows runs a COUNT query and returns the result.
func (env *testEnv) countRows(t *testing.T, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, env.db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

// systemPrompt pulls the system message out of a chat request so the
// scripted provider can branch on which caller is asking.
func systemPrompt(req llm.ChatRequest) string {
	for _, m := range req.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// userPrompt pulls the last user message out of a chat request.
func userPrompt(req llm.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

// emailDoc builds a normalized email document.
func emailDoc(tenantID, sourceID, title, content, sender string, recipients []string, createdAt time.Time) model.Document {
	extra := model.Metadata{"sender_address": sender}
	if len(recipients) > 0 {
		extra["to_addresses"] = recipients
	}
	return model.Document{
		TenantID:     tenantID,
		Source:       "nylas",
		SourceID:     sourceID,
		DocumentType: "email",
		Title:        title,
		Content:      content,
		CreatedAt:    &createdAt,
		Extra:        extra,
	}
}

// flakyGraph injects failures into chunk-node writes for selected
// documents while delegating everything else to the real store.
type flakyGraph struct {
	*graphstore.Store
	failDocs map[string]bool
}

func (f *flakyGraph) UpsertChunkNode(ctx context.Context, c model.Chunk) error {
	if f.failDocs[c.DocumentID] {
		return fmt.Errorf("injected graph failure for %s", c.DocumentID)
	}
	return f.Store.UpsertChunkNode(ctx, c)
}

// failingEmbedder fails batch embedding while leaving single-text
// embedding intact, which is how a chunk-embedding outage looks to the
// pipeline.
type failingEmbedder struct {
	embedding.Embedder
}

func (failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("injected embedding failure")
}
