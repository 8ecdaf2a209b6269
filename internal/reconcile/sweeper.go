// Package reconcile repairs drift between the relational store and the
// vector index. The rows are the source of truth: a chunk row without a
// vector gets re-indexed, a chunk vector without a row gets deleted.
package reconcile

import (
	"context"

	"brainvault/internal/ingestion"
	"brainvault/internal/llm"
	"brainvault/internal/logging"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

// Sweeper performs one consistency pass per call.
type Sweeper struct {
	store       *store.Store
	vectors     vector.Store
	gateway     *llm.Gateway
	maxEmbedLen int
	logger      logging.Logger
}

// NewSweeper wires the reconciler. maxEmbedLen caps the re-embedded text
// the same way ingestion does.
func NewSweeper(st *store.Store, vectors vector.Store, gateway *llm.Gateway, maxEmbedLen int) *Sweeper {
	return &Sweeper{
		store:       st,
		vectors:     vectors,
		gateway:     gateway,
		maxEmbedLen: maxEmbedLen,
		logger:      logging.WithComponent("reconcile"),
	}
}

// Sweep compares chunk rows against chunk vectors and repairs both
// directions. Errors on individual chunks are logged and skipped so one
// bad row cannot stall the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	rows, err := s.store.ListAllChunkEmbeddingIDs(ctx)
	if err != nil {
		return err
	}

	indexed, err := s.vectors.ListIDs(ctx, vector.Filter{
		vector.MetaType: string(types.VectorTypeChunk),
	})
	if err != nil {
		return err
	}
	indexedSet := make(map[string]struct{}, len(indexed))
	for _, id := range indexed {
		indexedSet[id] = struct{}{}
	}

	var reindexed, failed int
	for embeddingID, chunkID := range rows {
		if _, ok := indexedSet[embeddingID]; ok {
			continue
		}
		if err := s.reindexChunk(ctx, chunkID); err != nil {
			s.logger.WarnContext(ctx, "chunk reindex failed",
				"chunk_id", chunkID, "embedding_id", embeddingID, "error", err)
			failed++
			continue
		}
		reindexed++
	}

	var orphans []string
	for _, id := range indexed {
		if _, ok := rows[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := s.vectors.Delete(ctx, orphans); err != nil {
			return err
		}
	}

	if reindexed > 0 || len(orphans) > 0 || failed > 0 {
		s.logger.InfoContext(ctx, "reconcile sweep finished",
			"reindexed", reindexed, "orphans_deleted", len(orphans), "failed", failed)
	}
	return nil
}

// reindexChunk rebuilds one chunk's vector from its row and parent memory.
func (s *Sweeper) reindexChunk(ctx context.Context, chunkID int64) error {
	c, err := s.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}
	m, err := s.store.GetMemoryByID(ctx, c.MemoryID)
	if err != nil {
		return err
	}

	vec, err := s.gateway.Embed(ctx, m.UserID, ingestion.EmbeddingText(c, s.maxEmbedLen))
	if err != nil {
		return err
	}

	return s.vectors.Upsert(ctx, []vector.Record{{
		ID:     c.EmbeddingID,
		Values: vec,
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
	}})
}
