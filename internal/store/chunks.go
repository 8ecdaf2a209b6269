package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

const chunkColumns = `id, memory_id, chunk_index, text, embedding_id, summary,
	generated_qas, entities, trust_score, feedback_score, tokens_count, metadata_json`

// InsertChunksTx writes a memory's chunks inside an existing transaction.
// Chunk rows commit before any vector upsert so reads never see a vector
// whose text body is missing.
func (s *Store) InsertChunksTx(ctx context.Context, tx *sql.Tx, chunks []*types.Chunk) error {
	for _, c := range chunks {
		qas, err := marshalJSON(c.GeneratedQAs, "[]")
		if err != nil {
			return err
		}
		entities, err := marshalJSON(c.Entities, "[]")
		if err != nil {
			return err
		}
		meta, err := marshalJSON(c.Metadata, "{}")
		if err != nil {
			return err
		}

		id, err := s.insertID(ctx, tx,
			`INSERT INTO chunks (memory_id, chunk_index, text, embedding_id, summary,
				generated_qas, entities, trust_score, feedback_score, tokens_count, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.MemoryID, c.ChunkIndex, c.Text, c.EmbeddingID, c.Summary,
			qas, entities, c.TrustScore, c.FeedbackScore, c.TokensCount, meta)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternalError, "failed to insert chunk", err)
		}
		c.ID = id
	}
	return nil
}

func scanChunk(scan func(dest ...interface{}) error) (*types.Chunk, error) {
	var c types.Chunk
	var qas, entities, meta string
	err := scan(&c.ID, &c.MemoryID, &c.ChunkIndex, &c.Text, &c.EmbeddingID,
		&c.Summary, &qas, &entities, &c.TrustScore, &c.FeedbackScore,
		&c.TokensCount, &meta)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(qas, &c.GeneratedQAs); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt generated_qas column", err)
	}
	if err := unmarshalJSON(entities, &c.Entities); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt entities column", err)
	}
	if err := unmarshalJSON(meta, &c.Metadata); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt metadata column", err)
	}
	return &c, nil
}

// GetChunk fetches a chunk by id.
func (s *Store) GetChunk(ctx context.Context, id int64) (*types.Chunk, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("chunk", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read chunk", err)
	}
	return c, nil
}

// ListChunksByMemory returns a memory's chunks in chunk order.
func (s *Store) ListChunksByMemory(ctx context.Context, memoryID int64) ([]*types.Chunk, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+chunkColumns+` FROM chunks WHERE memory_id = ? ORDER BY chunk_index`, memoryID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list chunks", err)
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

// ListChunksByEmbeddingIDs hydrates vector matches back to their rows. The
// result preserves no particular order; callers re-order by match rank.
func (s *Store) ListChunksByEmbeddingIDs(ctx context.Context, ids []string) ([]*types.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.query(ctx, s.db,
		`SELECT `+chunkColumns+` FROM chunks WHERE embedding_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to hydrate chunks", err)
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

// ListChunkEmbeddingIDs returns the vector ids of every chunk owned by the
// memory, for delete-vector-then-row sequences.
func (s *Store) ListChunkEmbeddingIDs(ctx context.Context, memoryID int64) ([]string, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT embedding_id FROM chunks WHERE memory_id = ? AND embedding_id != ''`, memoryID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list chunk vector ids", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan vector id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAllChunkEmbeddingIDs returns every chunk vector id in the store. Used
// by the reconciler's orphan sweep.
func (s *Store) ListAllChunkEmbeddingIDs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT embedding_id, id FROM chunks WHERE embedding_id != ''`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list chunk vector ids", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var embeddingID string
		var chunkID int64
		if err := rows.Scan(&embeddingID, &chunkID); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan vector id", err)
		}
		out[embeddingID] = chunkID
	}
	return out, rows.Err()
}

// DeleteChunksByMemoryTx clears a memory's chunk rows inside an existing
// transaction. Used on re-ingest after an edit.
func (s *Store) DeleteChunksByMemoryTx(ctx context.Context, tx *sql.Tx, memoryID int64) error {
	if _, err := s.exec(ctx, tx, `DELETE FROM chunks WHERE memory_id = ?`, memoryID); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to delete chunks", err)
	}
	return nil
}

// AdjustChunkFeedback shifts a chunk's feedback score by delta. The score
// multiplies into the composite retrieval score.
func (s *Store) AdjustChunkFeedback(ctx context.Context, chunkID int64, delta float64) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE chunks SET feedback_score = feedback_score + ? WHERE id = ?`, delta, chunkID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to adjust feedback", err)
	}
	return requireRow(res, "chunk", chunkID)
}

func collectChunks(rows *sql.Rows) ([]*types.Chunk, error) {
	var out []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan chunk", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "chunk row iteration failed", err)
	}
	return out, nil
}
