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

const factColumns = `id, user_id, subject, predicate, object, confidence,
	source_memory_id, source_chunk_id, valid_from, valid_until, location,
	is_superseded, created_at, updated_at`

func scanFact(scan func(dest ...interface{}) error) (*types.Fact, error) {
	var f types.Fact
	var validUntil sql.NullTime
	err := scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object,
		&f.Confidence, &f.SourceMemoryID, &f.SourceChunkID, &f.ValidFrom,
		&validUntil, &f.Location, &f.IsSuperseded, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if validUntil.Valid {
		t := validUntil.Time
		f.ValidUntil = &t
	}
	return &f, nil
}

// InsertFactTx inserts a fact inside an existing transaction. The insert is
// idempotent on (user, subject, predicate, object, valid_from, source chunk):
// a re-delivered task finds the prior row and returns it unchanged.
func (s *Store) InsertFactTx(ctx context.Context, tx *sql.Tx, f *types.Fact) (bool, error) {
	row := s.queryRow(ctx, tx,
		`SELECT `+factColumns+` FROM facts
		WHERE user_id = ? AND subject = ? AND predicate = ? AND object = ?
		AND valid_from = ? AND source_chunk_id = ?`,
		f.UserID, f.Subject, f.Predicate, f.Object, f.ValidFrom, f.SourceChunkID)
	existing, err := scanFact(row.Scan)
	if err == nil {
		*f = *existing
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, apperrors.Wrap(apperrors.CodeInternalError, "failed to check fact idempotence", err)
	}

	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	var validUntil interface{}
	if f.ValidUntil != nil {
		validUntil = *f.ValidUntil
	}

	id, err := s.insertID(ctx, tx,
		`INSERT INTO facts (user_id, subject, predicate, object, confidence,
			source_memory_id, source_chunk_id, valid_from, valid_until, location,
			is_superseded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.Subject, f.Predicate, f.Object, f.Confidence,
		f.SourceMemoryID, f.SourceChunkID, f.ValidFrom, validUntil, f.Location,
		f.IsSuperseded, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeInternalError, "failed to insert fact", err)
	}
	f.ID = id
	return true, nil
}

// GetFact fetches a fact scoped to its owner.
func (s *Store) GetFact(ctx context.Context, userID, id int64) (*types.Fact, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+factColumns+` FROM facts WHERE id = ? AND user_id = ?`, id, userID)
	f, err := scanFact(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("fact", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read fact", err)
	}
	return f, nil
}

// ListFactsByIDs hydrates fact vector matches to rows.
func (s *Store) ListFactsByIDs(ctx context.Context, userID int64, ids []int64) ([]*types.Fact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, userID)

	rows, err := s.query(ctx, s.db,
		`SELECT `+factColumns+` FROM facts WHERE id IN (`+placeholders+`) AND user_id = ?`,
		args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to hydrate facts", err)
	}
	defer func() { _ = rows.Close() }()
	return collectFacts(rows)
}

// ListCurrentFactsBySubjectPredicate returns the user's current facts for an
// exact subject/predicate pair. Backs the single-value-predicate guard.
func (s *Store) ListCurrentFactsBySubjectPredicate(ctx context.Context, q Querier, userID int64, subject, predicate string) ([]*types.Fact, error) {
	rows, err := s.query(ctx, q,
		`SELECT `+factColumns+` FROM facts
		WHERE user_id = ? AND subject = ? AND predicate = ?
		AND valid_until IS NULL AND is_superseded = ?`,
		userID, subject, predicate, false)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list current facts", err)
	}
	defer func() { _ = rows.Close() }()
	return collectFacts(rows)
}

// SupersedeFactTx closes a fact's validity at the given instant and marks it
// superseded. Already-closed facts are left untouched so replays are safe.
func (s *Store) SupersedeFactTx(ctx context.Context, tx *sql.Tx, userID, id int64, at time.Time) error {
	_, err := s.exec(ctx, tx,
		`UPDATE facts SET valid_until = ?, is_superseded = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND valid_until IS NULL`,
		at, true, time.Now().UTC(), id, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to supersede fact", err)
	}
	return nil
}

// SupersedeFact is the standalone variant used by the state view's passive
// cleanup.
func (s *Store) SupersedeFact(ctx context.Context, userID, id int64, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SupersedeFactTx(ctx, tx, userID, id, at)
	})
}

// DeleteFactsByMemoryTx removes the facts extracted from a memory. Callers
// delete the fact vectors first.
func (s *Store) DeleteFactsByMemoryTx(ctx context.Context, tx *sql.Tx, userID, memoryID int64) error {
	_, err := s.exec(ctx, tx,
		`DELETE FROM facts WHERE user_id = ? AND source_memory_id = ?`, userID, memoryID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to delete facts", err)
	}
	return nil
}

// ListFactIDsByMemory returns the ids of facts extracted from a memory, for
// vector deletion ahead of row deletion.
func (s *Store) ListFactIDsByMemory(ctx context.Context, userID, memoryID int64) ([]int64, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id FROM facts WHERE user_id = ? AND source_memory_id = ?`, userID, memoryID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list fact ids", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan fact id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectFacts(rows *sql.Rows) ([]*types.Fact, error) {
	var out []*types.Fact
	for rows.Next() {
		f, err := scanFact(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan fact", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "fact row iteration failed", err)
	}
	return out, nil
}
