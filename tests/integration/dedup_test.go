package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thunderbirdlabs/cortex/internal/dedup"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

func TestDedupEngine(t *testing.T) {
	skipUnlessIntegration(t)

	setup := SetupTestContainers(t)
	defer setup.Cleanup()
	env := newTestEnv(t, setup)
	ctx := context.Background()

	personVec := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	companyVec := []float32{0, 1, 0, 0, 0, 0, 0, 0}

	// seedDuplicates creates two near-identical PERSON nodes (identical
	// embeddings, one-letter name difference) where only the first is
	// connected, plus the COMPANY it works for.
	seedDuplicates := func(t *testing.T, tenant string) (primary, duplicate int64) {
		t.Helper()
		company, _, err := env.graph.MergeEntity(ctx, model.Entity{
			TenantID: tenant, Label: "COMPANY", Name: "Summit Materials", Embedding: companyVec,
		})
		require.NoError(t, err)

		primary, _, err = env.graph.MergeEntity(ctx, model.Entity{
			TenantID: tenant, Label: "PERSON", Name: "Tony Codet",
			Properties: model.Metadata{"email": "tony@summit.example"},
			Embedding:  personVec,
		})
		require.NoError(t, err)

		duplicate, _, err = env.graph.MergeEntity(ctx, model.Entity{
			TenantID: tenant, Label: "PERSON", Name: "Tony Codett",
			Properties: model.Metadata{"phone": "555-0100"},
			Embedding:  personVec,
		})
		require.NoError(t, err)

		_, err = env.graph.MergeRelation(ctx, tenant, primary, "WORKS_FOR", company)
		require.NoError(t, err)
		return primary, duplicate
	}

	newEngine := func(guard int) *dedup.Engine {
		return dedup.New(env.graph, env.embedder, dedup.Config{
			SimilarityThreshold: 0.9,
			MaxEditDistance:     2,
			HoursLookback:       -1, // full scan
			TopK:                5,
			MergeGuardThreshold: guard,
		}, env.logger, nil)
	}

	t.Run("dry run reports without mutating", func(t *testing.T) {
		const tenant = "tenant-dedup-dry"
		seedDuplicates(t, tenant)
		engine := newEngine(0)

		report, err := engine.Run(ctx, tenant, true)
		require.NoError(t, err)
		assert.True(t, report.DryRun)
		assert.Equal(t, 1, report.ClustersFound)
		assert.Equal(t, 1, report.DuplicatesFound)
		assert.Equal(t, 0, report.EntitiesMerged)
		assert.False(t, report.GuardTriggered)

		// Both PERSON nodes survive a dry run.
		assert.Equal(t, 2, env.countRows(t,
			`SELECT COUNT(*) FROM graph_entities WHERE tenant_id = $1 AND label = 'PERSON'`, tenant))
	})

	t.Run("merge keeps the better-connected node", func(t *testing.T) {
		const tenant = "tenant-dedup-merge"
		primary, duplicate := seedDuplicates(t, tenant)

		// Point a mention at the duplicate so re-pointing is observable.
		chunkID := "3f9c2f60-0000-4000-8000-000000000001"
		require.NoError(t, env.graph.UpsertChunkNode(ctx, model.Chunk{
			ChunkID: chunkID, TenantID: tenant, DocumentID: "doc-1", Content: "Tony Codett confirmed the order.",
		}))
		require.NoError(t, env.graph.LinkMentions(ctx, chunkID, []int64{duplicate}))

		engine := newEngine(0)
		report, err := engine.Run(ctx, tenant, false)
		require.NoError(t, err)
		assert.Equal(t, 1, report.EntitiesMerged)
		assert.Equal(t, 0, report.ClustersSkipped)

		// One PERSON remains, and it is the connected one.
		var name string
		require.NoError(t, env.db.QueryRowContext(ctx,
			`SELECT name FROM graph_entities WHERE tenant_id = $1 AND label = 'PERSON'`, tenant).Scan(&name))
		assert.Equal(t, "Tony Codet", name)

		// The survivor inherits property keys it did not have.
		var email, phone string
		require.NoError(t, env.db.QueryRowContext(ctx,
			`SELECT properties->>'email', properties->>'phone' FROM graph_entities WHERE id = $1`, primary).
			Scan(&email, &phone))
		assert.Equal(t, "tony@summit.example", email)
		assert.Equal(t, "555-0100", phone)

		// The duplicate's mention now points at the survivor.
		assert.Equal(t, 1, env.countRows(t,
			`SELECT COUNT(*) FROM graph_mentions WHERE entity_id = $1`, primary))
		// Its relation is intact.
		assert.Equal(t, 1, env.countRows(t,
			`SELECT COUNT(*) FROM graph_relations WHERE tenant_id = $1 AND source_id = $2`, tenant, primary))

		// A second run finds nothing left to merge.
		again, err := engine.Run(ctx, tenant, false)
		require.NoError(t, err)
		assert.Equal(t, 0, again.ClustersFound)
		assert.Equal(t, 0, again.EntitiesMerged)
	})

	t.Run("vectorless entities are healed first", func(t *testing.T) {
		const tenant = "tenant-dedup-heal"
		id, _, err := env.graph.MergeEntity(ctx, model.Entity{
			TenantID: tenant, Label: "MATERIAL", Name: "Crushed Aggregate",
		})
		require.NoError(t, err)

		engine := newEngine(0)
		report, err := engine.Run(ctx, tenant, false)
		require.NoError(t, err)
		assert.Equal(t, 1, report.EmbeddingsRegenerated)

		assert.Equal(t, 1, env.countRows(t,
			`SELECT COUNT(*) FROM graph_entities WHERE id = $1 AND embedding IS NOT NULL`, id))
	})

	t.Run("merge guard flags oversized runs", func(t *testing.T) {
		const tenant = "tenant-dedup-guard"
		seedDuplicates(t, tenant)
		_, _, err := env.graph.MergeEntity(ctx, model.Entity{
			TenantID: tenant, Label: "PERSON", Name: "Tony Codeta",
			Embedding: personVec,
		})
		require.NoError(t, err)

		engine := newEngine(1)
		report, err := engine.Run(ctx, tenant, false)
		require.NoError(t, err)
		// The merges stand; the guard only raises the flag.
		assert.Equal(t, 2, report.EntitiesMerged)
		assert.True(t, report.GuardTriggered)
		assert.Equal(t, 1, env.countRows(t,
			`SELECT COUNT(*) FROM graph_entities WHERE tenant_id = $1 AND label = 'PERSON'`, tenant))
	})
}
