package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/docstore"
	"github.com/thunderbirdlabs/cortex/internal/llm"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

const orderEmailBody = `Hi team,

Tony Codet from Summit Materials confirmed purchase order PO-7020 for
the Q4 aggregate delivery. Summit Materials received the order last
week and will ship from the Denver yard.

Thanks,
Sarah`

const orderExtractionJSON = `{
	"entities": [
		{"label": "PERSON", "name": "Tony Codet", "properties": {"email": "tony@summit.example"}},
		{"label": "COMPANY", "name": "Summit Materials"},
		{"label": "PURCHASE_ORDER", "name": "PO-7020"}
	],
	"relations": [
		{"source": "Tony Codet", "source_label": "PERSON", "relation": "WORKS_FOR", "target": "Summit Materials", "target_label": "COMPANY"},
		{"source": "Summit Materials", "source_label": "COMPANY", "relation": "RECEIVED_ORDER", "target": "PO-7020", "target_label": "PURCHASE_ORDER"}
	]
}`

// extractionProvider scripts the two ingestion-side LLM roles: the
// triple extractor and the relationship validator.
func extractionProvider(extraction, verdict string) *llm.MockProvider {
	return &llm.MockProvider{RespondFunc: func(req llm.ChatRequest) (string, error) {
		sys := systemPrompt(req)
		switch {
		case strings.Contains(sys, "information extraction engine"):
			return extraction, nil
		case strings.Contains(sys, "verify relationships"):
			return verdict, nil
		}
		return "", fmt.Errorf("unexpected LLM call: %q", sys)
	}}
}

func TestIngestPipeline(t *testing.T) {
	skipUnlessIntegration(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	env := newTestEnv(t, setup)
	ctx := context.Background()

	t.Run("email document lands in both stores", func(t *testing.T) {
		const tenant = "tenant-email"
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), nil, nil)

		sentAt := time.Date(2024, 10, 3, 12, 0, 0, 0, time.UTC)
		doc := emailDoc(tenant, "msg-7020", "PO-7020 confirmed", orderEmailBody,
			"tony@summit.example", []string{"sarah@acme.example", "ops@acme.example"}, sentAt)

		result := pipeline.Ingest(ctx, doc)
		require.Equal(t, model.StatusSuccess, result.Status, "error: %s", result.Error)
		require.Equal(t, 1, result.ChunkCount)
		// 3 participants plus 3 extracted entities.
		assert.Equal(t, 6, result.EntityCount)
		assert.Equal(t, 2, result.RelationCount)

		assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM graph_chunks WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 6, env.countRows(t, `SELECT COUNT(*) FROM graph_entities WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 2, env.countRows(t, `SELECT COUNT(*) FROM graph_relations WHERE tenant_id = $1`, tenant))

		// Sender gets a SENT edge, each recipient a RECEIVED edge, on
		// every chunk of the email.
		assert.Equal(t, 1, env.countRows(t,
			`SELECT COUNT(*) FROM graph_email_edges ge
			 JOIN graph_entities e ON e.id = ge.entity_id
			 WHERE e.tenant_id = $1 AND ge.label = 'SENT'`, tenant))
		assert.Equal(t, 2, env.countRows(t,
			`SELECT COUNT(*) FROM graph_email_edges ge
			 JOIN graph_entities e ON e.id = ge.entity_id
			 WHERE e.tenant_id = $1 AND ge.label = 'RECEIVED'`, tenant))

		// Mentions link chunks to extracted entities only, never to
		// email participants.
		assert.Equal(t, 3, env.countRows(t,
			`SELECT COUNT(*) FROM graph_mentions m
			 JOIN graph_entities e ON e.id = m.entity_id
			 WHERE e.tenant_id = $1`, tenant))

		// The email timestamp propagates to the stored chunk.
		var chunkTS int64
		require.NoError(t, env.db.QueryRowContext(ctx,
			`SELECT created_at_timestamp FROM cortex_chunks WHERE tenant_id = $1`, tenant).Scan(&chunkTS))
		assert.Equal(t, sentAt.Unix(), chunkTS)

		rec, err := env.documents.FindByDocumentID(ctx, tenant, result.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, rec.Status)
		require.NotNil(t, rec.CreatedAtTimestamp)
		assert.Equal(t, sentAt.Unix(), *rec.CreatedAtTimestamp)
	})

	t.Run("re-ingesting identical content is skipped", func(t *testing.T) {
		const tenant = "tenant-idem"
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), nil, nil)
		sentAt := time.Date(2024, 10, 3, 12, 0, 0, 0, time.UTC)
		doc := emailDoc(tenant, "msg-7020", "PO-7020 confirmed", orderEmailBody,
			"tony@summit.example", nil, sentAt)

		first := pipeline.Ingest(ctx, doc)
		require.Equal(t, model.StatusSuccess, first.Status)
		chunksBefore := env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1`, tenant)
		entitiesBefore := env.countRows(t, `SELECT COUNT(*) FROM graph_entities WHERE tenant_id = $1`, tenant)

		// Same content arriving again, even under a new source id, is
		// suppressed by the content hash.
		doc.SourceID = "msg-7020-forwarded"
		doc.DocID = ""
		second := pipeline.Ingest(ctx, doc)
		assert.Equal(t, model.StatusSkipped, second.Status)
		assert.Equal(t, model.ErrDuplicateSkipped, second.ErrorKind)

		assert.Equal(t, chunksBefore, env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1`, tenant))
		assert.Equal(t, entitiesBefore, env.countRows(t, `SELECT COUNT(*) FROM graph_entities WHERE tenant_id = $1`, tenant))
	})

	t.Run("rejected relationships keep their entities", func(t *testing.T) {
		const tenant = "tenant-reject"
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "NO"), nil, nil)
		sentAt := time.Date(2024, 10, 4, 9, 0, 0, 0, time.UTC)
		doc := emailDoc(tenant, "msg-reject", "PO-7020 confirmed", orderEmailBody,
			"tony@summit.example", nil, sentAt)

		result := pipeline.Ingest(ctx, doc)
		require.Equal(t, model.StatusSuccess, result.Status)
		assert.Equal(t, 0, result.RelationCount)

		// The validator filters edges, never nodes or mentions.
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM graph_relations WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 4, env.countRows(t, `SELECT COUNT(*) FROM graph_entities WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 3, env.countRows(t,
			`SELECT COUNT(*) FROM graph_mentions m
			 JOIN graph_entities e ON e.id = m.entity_id
			 WHERE e.tenant_id = $1`, tenant))
	})

	t.Run("empty content is skipped without error", func(t *testing.T) {
		const tenant = "tenant-empty"
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), nil, nil)

		result := pipeline.Ingest(ctx, model.Document{
			TenantID: tenant,
			Source:   "upload",
			SourceID: "blank-1",
			Content:  "   \n\t  ",
		})
		assert.Equal(t, model.StatusSkipped, result.Status)
		assert.Empty(t, result.ErrorKind)
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1`, tenant))
	})

	t.Run("embedding failure aborts before any store write", func(t *testing.T) {
		const tenant = "tenant-embed-fail"
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), nil,
			failingEmbedder{env.embedder})

		result := pipeline.Ingest(ctx, model.Document{
			TenantID: tenant,
			Source:   "upload",
			SourceID: "embed-fail-1",
			Content:  "Some document content that should never be stored.",
		})
		assert.Equal(t, model.StatusError, result.Status)
		assert.Equal(t, model.ErrEmbedding, result.ErrorKind)
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM graph_chunks WHERE tenant_id = $1`, tenant))

		// The failure is still bookkept so operators can see it.
		rec, err := env.documents.FindByDocumentID(ctx, tenant, result.DocumentID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusError, rec.Status)
	})

	t.Run("batch contains one document's graph failure", func(t *testing.T) {
		const tenant = "tenant-batch"
		graph := &flakyGraph{Store: env.graph, failDocs: map[string]bool{"doc-b": true}}
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), graph, nil)

		sentAt := time.Date(2024, 11, 1, 8, 0, 0, 0, time.UTC)
		docs := []model.Document{
			{DocID: "doc-a", TenantID: tenant, Source: "upload", SourceID: "a", Content: "Quarterly aggregate pricing for Summit Materials.", CreatedAt: &sentAt},
			{DocID: "doc-b", TenantID: tenant, Source: "upload", SourceID: "b", Content: "Delivery schedule for purchase order PO-7020.", CreatedAt: &sentAt},
			{DocID: "doc-c", TenantID: tenant, Source: "upload", SourceID: "c", Content: "Certification renewal notes for the Denver yard.", CreatedAt: &sentAt},
		}

		results := pipeline.IngestBatch(ctx, docs, 3, 2)
		require.Len(t, results, 3)
		// Results come back in input order regardless of worker timing.
		assert.Equal(t, "doc-a", results[0].DocumentID)
		assert.Equal(t, "doc-b", results[1].DocumentID)
		assert.Equal(t, "doc-c", results[2].DocumentID)

		assert.Equal(t, model.StatusSuccess, results[0].Status)
		assert.Equal(t, model.StatusPartialSuccess, results[1].Status)
		assert.Equal(t, model.ErrPartialSuccess, results[1].ErrorKind)
		assert.Equal(t, model.StatusSuccess, results[2].Status)

		// doc-b's vector write landed before its graph write failed.
		assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1 AND document_id = 'doc-b'`, tenant))
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM graph_chunks WHERE tenant_id = $1 AND document_id = 'doc-b'`, tenant))

		// Partial documents are what backfill later picks up.
		needing, err := env.documents.ListNeedingGraphBackfill(ctx, tenant, 10)
		require.NoError(t, err)
		require.Len(t, needing, 1)
		assert.Equal(t, "doc-b", needing[0].DocumentID)
	})

	t.Run("delete removes a document everywhere", func(t *testing.T) {
		const tenant = "tenant-delete"
		pipeline := env.newPipeline(t, extractionProvider(orderExtractionJSON, "YES"), nil, nil)
		sentAt := time.Date(2024, 10, 5, 10, 0, 0, 0, time.UTC)
		doc := emailDoc(tenant, "msg-delete", "PO-7020 confirmed", orderEmailBody,
			"tony@summit.example", nil, sentAt)

		result := pipeline.Ingest(ctx, doc)
		require.Equal(t, model.StatusSuccess, result.Status)

		require.NoError(t, pipeline.DeleteDocument(ctx, tenant, result.DocumentID))

		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM cortex_chunks WHERE tenant_id = $1`, tenant))
		assert.Equal(t, 0, env.countRows(t, `SELECT COUNT(*) FROM graph_chunks WHERE tenant_id = $1`, tenant))
		_, err := env.documents.FindByDocumentID(ctx, tenant, result.DocumentID)
		assert.True(t, errors.Is(err, docstore.ErrNotFound))
	})
}
