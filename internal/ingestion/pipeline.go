// Package ingestion turns an approved memory into enriched, embedded,
// fact-extracted chunks. Chunk rows are committed before their vectors are
// indexed, so the relational store is always the source of truth.
package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"brainvault/internal/chunking"
	"brainvault/internal/config"
	"brainvault/internal/facts"
	"brainvault/internal/llm"
	"brainvault/internal/logging"
	"brainvault/internal/notify"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

// Pipeline runs the full ingestion flow for one memory.
type Pipeline struct {
	store   *store.Store
	vectors vector.Store
	gateway *llm.Gateway
	chunker *chunking.Chunker
	facts   *facts.Service
	hub     *notify.Hub
	cfg     *config.ChunkingConfig
	logger  logging.Logger
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(st *store.Store, vectors vector.Store, gateway *llm.Gateway, chunker *chunking.Chunker, factSvc *facts.Service, hub *notify.Hub, cfg *config.ChunkingConfig) *Pipeline {
	return &Pipeline{
		store:   st,
		vectors: vectors,
		gateway: gateway,
		chunker: chunker,
		facts:   factSvc,
		hub:     hub,
		cfg:     cfg,
		logger:  logging.WithComponent("ingestion"),
	}
}

// Ingest processes a memory end to end: chunk, enrich, persist, index,
// extract facts, finalize. Re-running for the same memory replaces the
// previous chunks and vectors, which makes the operation safe to replay.
func (p *Pipeline) Ingest(ctx context.Context, userID, memoryID int64) error {
	m, err := p.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	// Replace any previous ingestion output (edited memory or replayed
	// task). Vectors go first so no vector outlives its row.
	if err := p.clearPrevious(ctx, m); err != nil {
		return err
	}

	pieces, err := p.chunker.Chunk(ctx, m.Content)
	if err != nil {
		return err
	}
	if len(pieces) == 0 {
		p.logger.InfoContext(ctx, "memory produced no chunks", "memory_id", memoryID)
		return nil
	}

	// Enrichment fan-out is all-or-nothing: a single failure aborts the
	// batch so no half-annotated memory is ever persisted.
	enrichments := make([]*llm.Enrichment, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	for i := range pieces {
		g.Go(func() error {
			enr, err := p.gateway.Enrich(gctx, userID, pieces[i])
			if err != nil {
				return fmt.Errorf("chunk %d enrichment failed: %w", i, err)
			}
			enrichments[i] = enr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Fact extraction fan-out is best-effort: a failed chunk loses its
	// facts, not the whole ingestion.
	candidates := make([][]llm.CandidateFact, len(pieces))
	var fg errgroup.Group
	for i := range pieces {
		fg.Go(func() error {
			extracted, err := p.gateway.ExtractFacts(ctx, userID, pieces[i], m.CreatedAt)
			if err != nil {
				p.logger.WarnContext(ctx, "fact extraction failed for chunk, skipping",
					"memory_id", memoryID, "chunk_index", i, "error", err)
				return nil
			}
			candidates[i] = extracted
			return nil
		})
	}
	_ = fg.Wait()

	chunks := make([]*types.Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = &types.Chunk{
			MemoryID:     memoryID,
			ChunkIndex:   i,
			Text:         text,
			EmbeddingID:  uuid.New().String(),
			Summary:      enrichments[i].Summary,
			GeneratedQAs: enrichments[i].QAs,
			Entities:     enrichments[i].Entities,
			TrustScore:   0.5,
			TokensCount:  chunking.EstimateTokens(text),
		}
	}

	// Chunk rows commit before any vector work.
	if err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		return p.store.InsertChunksTx(ctx, tx, chunks)
	}); err != nil {
		return err
	}

	if err := p.indexChunks(ctx, m, chunks); err != nil {
		// Rows exist; the reconciler re-indexes missing vectors.
		p.logger.ErrorContext(ctx, "chunk indexing failed, reconciler will repair",
			"memory_id", memoryID, "error", err)
	}

	// Facts are per-chunk transactions: one chunk's fact failure does not
	// disturb the others.
	for i, c := range chunks {
		if len(candidates[i]) == 0 {
			continue
		}
		if _, err := p.facts.CreateFacts(ctx, userID, memoryID, c.ID, candidates[i], m.CreatedAt); err != nil {
			p.logger.WarnContext(ctx, "fact persistence failed for chunk, skipping",
				"memory_id", memoryID, "chunk_id", c.ID, "error", err)
		}
	}

	if err := p.store.SetMemoryEmbeddingID(ctx, memoryID, chunks[0].EmbeddingID); err != nil {
		return err
	}

	p.hub.Publish(userID, types.NewEvent(types.EventIngestionComplete, map[string]interface{}{
		"memory_id": memoryID,
		"chunks":    len(chunks),
	}))
	return nil
}

func (p *Pipeline) clearPrevious(ctx context.Context, m *types.Memory) error {
	ids, err := p.store.ListChunkEmbeddingIDs(ctx, m.ID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := p.vectors.Delete(ctx, ids); err != nil {
		return err
	}
	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		return p.store.DeleteChunksByMemoryTx(ctx, tx, m.ID)
	})
}

// indexChunks embeds the enriched text of each chunk and upserts the
// vectors under the chunks' embedding ids.
func (p *Pipeline) indexChunks(ctx context.Context, m *types.Memory, chunks []*types.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = p.embeddingText(c)
	}

	vecs, err := p.gateway.EmbedBatch(ctx, m.UserID, texts)
	if err != nil {
		return err
	}

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:     c.EmbeddingID,
			Values: vecs[i],
			Metadata: map[string]interface{}{
				vector.MetaUserID:      m.UserID,
				vector.MetaType:        string(types.VectorTypeChunk),
				vector.MetaTextContent: c.Text,
				vector.MetaMemoryID:    m.ID,
				vector.MetaChunkIndex:  c.ChunkIndex,
				vector.MetaCreatedAt:   m.CreatedAt.Unix(),
				vector.MetaTags:        m.Tags,
				vector.MetaSource:      m.SourceLLM,
			},
		}
	}
	return p.vectors.Upsert(ctx, records)
}

func (p *Pipeline) embeddingText(c *types.Chunk) string {
	return EmbeddingText(c, p.cfg.MaxEmbeddingContent)
}

// EmbeddingText appends the enrichment context to the chunk text so the
// vector carries the summary and Q&A signal, capped at maxLen when
// positive. The reconciler uses the same composition when re-indexing.
func EmbeddingText(c *types.Chunk, maxLen int) string {
	var b strings.Builder
	b.WriteString(c.Text)

	if c.Summary != "" || len(c.GeneratedQAs) > 0 {
		b.WriteString("\n\n-- Context --")
		if c.Summary != "" {
			b.WriteString("\nSummary: ")
			b.WriteString(c.Summary)
		}
		if len(c.GeneratedQAs) > 0 {
			b.WriteString("\nQ&A:")
			for _, qa := range c.GeneratedQAs {
				b.WriteString("\nQ: ")
				b.WriteString(qa.Question)
				b.WriteString("\nA: ")
				b.WriteString(qa.Answer)
			}
		}
	}

	text := b.String()
	if maxLen > 0 && len(text) > maxLen {
		text = text[:maxLen]
	}
	return text
}

// PurgeDerived removes a memory's chunks, vectors, and facts while keeping
// the memory row itself. Backs the inbox discard action.
func (p *Pipeline) PurgeDerived(ctx context.Context, userID, memoryID int64) error {
	m, err := p.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}
	if err := p.clearPrevious(ctx, m); err != nil {
		return err
	}
	return p.facts.DeleteFactsForMemory(ctx, userID, memoryID)
}

// DeleteMemoryData removes everything derived from a memory and then the
// memory itself: chunk vectors, fact vectors, rows. Vector deletes run
// before row deletes.
func (p *Pipeline) DeleteMemoryData(ctx context.Context, userID, memoryID int64) error {
	ids, err := p.store.ListChunkEmbeddingIDs(ctx, memoryID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		if err := p.vectors.Delete(ctx, ids); err != nil {
			return err
		}
	}

	if err := p.facts.DeleteFactsForMemory(ctx, userID, memoryID); err != nil {
		return err
	}

	return p.store.WithTx(ctx, func(tx *sql.Tx) error {
		return p.store.DeleteMemoryTx(ctx, tx, userID, memoryID)
	})
}
