package store

import (
	"context"
	"database/sql"
	"time"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

// RecordUsage appends one metered provider call. Implements the LLM
// gateway's UsageSink.
func (s *Store) RecordUsage(ctx context.Context, rec *types.UsageRecord) error {
	rec.CreatedAt = time.Now().UTC()
	id, err := s.insertID(ctx, s.db,
		`INSERT INTO usage_records (user_id, provider, model, tokens_in, tokens_out,
			estimated_cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.Provider, rec.Model, rec.TokensIn, rec.TokensOut,
		rec.EstimatedCost, rec.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to record usage", err)
	}
	rec.ID = id
	return nil
}

// TokensUsedSince sums a user's input+output tokens since the cutoff. Backs
// the 24-hour budget gate.
func (s *Store) TokensUsedSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.queryRow(ctx, s.db,
		`SELECT SUM(tokens_in + tokens_out) FROM usage_records
		WHERE user_id = ? AND created_at >= ?`, userID, since).Scan(&total)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInternalError, "failed to sum usage", err)
	}
	return total.Int64, nil
}

// DailyTokenLimit reads the user's personal daily token budget from their
// settings, zero when unset. Completes the gateway's BudgetSource.
func (s *Store) DailyTokenLimit(ctx context.Context, userID int64) (int64, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Settings.DailyTokenBudget, nil
}
