package ingest

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thunderbirdlabs/cortex/internal/extract"
	"github.com/thunderbirdlabs/cortex/internal/graphstore"
	"github.com/thunderbirdlabs/cortex/internal/model"
)

// emailEdge links an email participant entity to every chunk of the
// carrying email.
type emailEdge struct {
	entityID int64
	label    string
}

// tally accumulates graph write counts across chunk workers.
type tally struct {
	mu        sync.Mutex
	entities  int
	relations int
}

func (t *tally) add(entities, relations int) {
	t.mu.Lock()
	t.entities += entities
	t.relations += relations
	t.mu.Unlock()
}

// writeGraph materialises a document's chunks in the graph store and
// enriches them with extracted entities and relations. Each chunk is
// written independently; one chunk's failure never cancels the others.
func (p *Pipeline) writeGraph(ctx context.Context, doc *model.Document, chunks []model.Chunk, sem *semaphore.Weighted, result *Result) error {
	edges, participantsCreated, err := p.mergeEmailParticipants(ctx, doc)
	if err != nil {
		return err
	}

	var counts tally
	counts.add(participantsCreated, 0)

	var g errgroup.Group
	for i := range chunks {
		c := chunks[i]
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return p.writeChunkGraph(ctx, c, edges, &counts)
		})
	}
	err = g.Wait()

	result.EntityCount = counts.entities
	result.RelationCount = counts.relations
	if p.metrics != nil {
		p.metrics.EntitiesUpserted.Add(float64(counts.entities))
		p.metrics.RelationsUpserted.Add(float64(counts.relations))
	}
	return err
}

// mergeEmailParticipants upserts a PERSON entity per email address on
// the document and returns the edges to attach to each chunk. The
// sender maps to SENT, every recipient to RECEIVED.
func (p *Pipeline) mergeEmailParticipants(ctx context.Context, doc *model.Document) ([]emailEdge, int, error) {
	type participant struct {
		address string
		label   string
	}
	var participants []participant
	if addr := doc.SenderAddress(); addr != "" {
		participants = append(participants, participant{addr, graphstore.EdgeSent})
	}
	for _, addr := range doc.RecipientAddresses() {
		if addr != "" {
			participants = append(participants, participant{addr, graphstore.EdgeReceived})
		}
	}
	if len(participants) == 0 {
		return nil, 0, nil
	}

	edges := make([]emailEdge, 0, len(participants))
	created := 0
	for _, pt := range participants {
		entity := model.Entity{
			TenantID:   doc.TenantID,
			Label:      "PERSON",
			Name:       pt.address,
			Properties: model.Metadata{"email": pt.address},
		}
		vec, err := p.embedder.EmbedSingle(ctx, entity.EmbeddingText())
		if err != nil {
			p.logger.Warn().Str("entity", pt.address).Err(err).Msg("Participant embedding failed, storing without vector")
		} else {
			entity.Embedding = vec
		}
		id, wasNew, err := p.graph.MergeEntity(ctx, entity)
		if err != nil {
			return nil, 0, err
		}
		if wasNew {
			created++
		}
		edges = append(edges, emailEdge{entityID: id, label: pt.label})
	}
	return edges, created, nil
}

// writeChunkGraph writes one chunk node plus its extracted entities,
// mentions and relations. Extraction failure is contained: the chunk
// node still exists, only enrichment is lost.
func (p *Pipeline) writeChunkGraph(ctx context.Context, c model.Chunk, edges []emailEdge, counts *tally) error {
	if err := p.graph.UpsertChunkNode(ctx, c); err != nil {
		return err
	}

	var extraction extract.Result
	if p.extractor != nil {
		res, err := p.extractor.Extract(ctx, c.Content)
		if err != nil {
			p.logger.Warn().Str("chunk_id", c.ChunkID).Err(err).Msg("Extraction failed, chunk stored without enrichment")
		} else {
			extraction = res
		}
	}

	triples := extraction.Triples
	if p.validator != nil && p.config.ValidateRelationships && len(triples) > 0 {
		kept := p.validator.Validate(ctx, c.Content, triples)
		if rejected := len(triples) - len(kept); rejected > 0 && p.metrics != nil {
			p.metrics.RelationsRejected.Add(float64(rejected))
		}
		triples = kept
	}

	entityIDs, created, err := p.mergeChunkEntities(ctx, c.TenantID, extraction.Entities)
	if err != nil {
		return err
	}

	if len(entityIDs) > 0 {
		ids := make([]int64, 0, len(entityIDs))
		for _, id := range entityIDs {
			ids = append(ids, id)
		}
		if err := p.graph.LinkMentions(ctx, c.ChunkID, ids); err != nil {
			return err
		}
	}

	relationsCreated := 0
	for _, tr := range triples {
		sourceID, ok := entityIDs[entityKey(tr.SourceLabel, tr.SourceName)]
		if !ok {
			continue
		}
		targetID, ok := entityIDs[entityKey(tr.TargetLabel, tr.TargetName)]
		if !ok {
			continue
		}
		wasNew, err := p.graph.MergeRelation(ctx, c.TenantID, sourceID, tr.Relation, targetID)
		if err != nil {
			return err
		}
		if wasNew {
			relationsCreated++
		}
	}

	var edgeErrs []error
	for _, e := range edges {
		if err := p.graph.LinkEmailEdge(ctx, e.entityID, c.ChunkID, e.label); err != nil {
			edgeErrs = append(edgeErrs, err)
		}
	}

	counts.add(created, relationsCreated)
	return errors.Join(edgeErrs...)
}

// mergeChunkEntities embeds and upserts a chunk's extracted entities,
// returning graph ids keyed by identity. Embedding failure degrades to
// vectorless entities; the dedup self-heal fills them in later.
func (p *Pipeline) mergeChunkEntities(ctx context.Context, tenantID string, entities []extract.Entity) (map[string]int64, int, error) {
	if len(entities) == 0 {
		return nil, 0, nil
	}

	texts := make([]string, len(entities))
	for i, e := range entities {
		ent := model.Entity{Label: e.Label, Name: e.Name}
		texts[i] = ent.EmbeddingText()
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		p.logger.Warn().Err(err).Int("entities", len(entities)).Msg("Entity embedding failed, storing without vectors")
		vectors = nil
	}

	ids := make(map[string]int64, len(entities))
	created := 0
	for i, e := range entities {
		entity := model.Entity{
			TenantID:   tenantID,
			Label:      e.Label,
			Name:       e.Name,
			Properties: p.sanitizer.GraphProperties(e.Properties),
		}
		if vectors != nil && i < len(vectors) {
			entity.Embedding = vectors[i]
		}
		id, wasNew, err := p.graph.MergeEntity(ctx, entity)
		if err != nil {
			return nil, 0, err
		}
		ids[e.Key()] = id
		if wasNew {
			created++
		}
	}
	return ids, created, nil
}

func entityKey(label, name string) string {
	e := extract.Entity{Label: label, Name: name}
	return e.Key()
}
