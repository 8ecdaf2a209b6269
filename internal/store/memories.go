package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

const memoryColumns = `id, user_id, title, content, tags, status, show_in_inbox,
	trusted, source_llm, embedding_id, created_at, updated_at`

// CreateMemory inserts a memory. CreatedAt is honored as given so replay
// submissions can backdate; callers enforce the tag policy.
func (s *Store) CreateMemory(ctx context.Context, m *types.Memory) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = types.StatusPending
	}

	tags, err := marshalJSON(m.Tags, "[]")
	if err != nil {
		return err
	}

	id, err := s.insertID(ctx, s.db,
		`INSERT INTO memories (user_id, title, content, tags, status, show_in_inbox,
			trusted, source_llm, embedding_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UserID, m.Title, m.Content, tags, string(m.Status), m.ShowInInbox,
		m.Trusted, m.SourceLLM, m.EmbeddingID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to create memory", err)
	}
	m.ID = id
	return nil
}

func scanMemory(scan func(dest ...interface{}) error) (*types.Memory, error) {
	var m types.Memory
	var tags, status string
	err := scan(&m.ID, &m.UserID, &m.Title, &m.Content, &tags, &status,
		&m.ShowInInbox, &m.Trusted, &m.SourceLLM, &m.EmbeddingID,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = types.MemoryStatus(status)
	if err := unmarshalJSON(tags, &m.Tags); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt tags column", err)
	}
	return &m, nil
}

// GetMemory fetches a memory scoped to its owner.
func (s *Store) GetMemory(ctx context.Context, userID, id int64) (*types.Memory, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	m, err := scanMemory(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("memory", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read memory", err)
	}
	return m, nil
}

// UpdateMemoryContent rewrites title/content/tags for the edit action.
func (s *Store) UpdateMemoryContent(ctx context.Context, userID, id int64, title, content string, tags []string) error {
	tagsJSON, err := marshalJSON(tags, "[]")
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE memories SET title = ?, content = ?, tags = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		title, content, tagsJSON, time.Now().UTC(), id, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to update memory", err)
	}
	return requireRow(res, "memory", id)
}

// UpdateMemoryStatus transitions a memory's lifecycle state and inbox flag.
func (s *Store) UpdateMemoryStatus(ctx context.Context, userID, id int64, status types.MemoryStatus, showInInbox bool) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE memories SET status = ?, show_in_inbox = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		string(status), showInInbox, time.Now().UTC(), id, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to update memory status", err)
	}
	return requireRow(res, "memory", id)
}

// SetMemoryEmbeddingID records the representative chunk vector id set by
// ingestion finalize.
func (s *Store) SetMemoryEmbeddingID(ctx context.Context, id int64, embeddingID string) error {
	_, err := s.exec(ctx, s.db,
		`UPDATE memories SET embedding_id = ?, updated_at = ? WHERE id = ?`,
		embeddingID, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to set embedding id", err)
	}
	return nil
}

// ListInbox returns memories flagged for inbox review, newest first.
func (s *Store) ListInbox(ctx context.Context, userID int64, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, s.db,
		`SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND show_in_inbox = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, true, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list inbox", err)
	}
	defer func() { _ = rows.Close() }()
	return collectMemories(rows)
}

// SearchMemoriesBySubstring does a case-insensitive substring match over
// title and content, newest first. Backs the episodic view.
func (s *Store) SearchMemoriesBySubstring(ctx context.Context, userID int64, query string, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.query(ctx, s.db,
		`SELECT `+memoryColumns+` FROM memories
		WHERE user_id = ? AND status != ?
		AND (LOWER(content) LIKE ? OR LOWER(title) LIKE ?)
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, string(types.StatusDiscarded), pattern, pattern, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to search memories", err)
	}
	defer func() { _ = rows.Close() }()
	return collectMemories(rows)
}

// GetMemoryByID reads a memory without owner scoping. Reserved for
// background jobs that walk rows across users.
func (s *Store) GetMemoryByID(ctx context.Context, id int64) (*types.Memory, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("memory", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read memory", err)
	}
	return m, nil
}

// ListMemoriesByIDs hydrates a batch of memories, keyed by id. Backs
// retrieval's parent-memory join.
func (s *Store) ListMemoriesByIDs(ctx context.Context, userID int64, ids []int64) (map[int64]*types.Memory, error) {
	if len(ids) == 0 {
		return map[int64]*types.Memory{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID)

	rows, err := s.query(ctx, s.db,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`) AND user_id = ?`,
		args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to hydrate memories", err)
	}
	defer func() { _ = rows.Close() }()

	list, err := collectMemories(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*types.Memory, len(list))
	for _, m := range list {
		out[m.ID] = m
	}
	return out, nil
}

// DeleteMemoryTx removes the memory row inside an existing transaction.
// Callers must have deleted the associated vectors first.
func (s *Store) DeleteMemoryTx(ctx context.Context, tx *sql.Tx, userID, id int64) error {
	if _, err := s.exec(ctx, tx, `DELETE FROM chunks WHERE memory_id = ?`, id); err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to delete chunks", err)
	}
	res, err := s.exec(ctx, tx, `DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to delete memory", err)
	}
	return requireRow(res, "memory", id)
}

func collectMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan memory", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "memory row iteration failed", err)
	}
	return out, nil
}

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to check affected rows", err)
	}
	if n == 0 {
		return apperrors.NewNotFound(entity, id)
	}
	return nil
}
