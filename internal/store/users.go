package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

// CreateUser inserts a new active user with default settings and a fresh
// drop token.
func (s *Store) CreateUser(ctx context.Context, email string) (*types.User, error) {
	now := time.Now().UTC()
	settings, err := marshalJSON(types.DefaultSettings(), "{}")
	if err != nil {
		return nil, err
	}

	u := &types.User{
		Email:     email,
		Active:    true,
		DropToken: uuid.New().String(),
		Settings:  types.DefaultSettings(),
		CreatedAt: now,
	}

	id, err := s.insertID(ctx, s.db,
		`INSERT INTO users (email, active, drop_token, settings, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Email, u.Active, u.DropToken, settings, now)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to create user", err)
	}
	u.ID = id
	return u, nil
}

func (s *Store) scanUser(row *sql.Row) (*types.User, error) {
	var u types.User
	var settings string
	err := row.Scan(&u.ID, &u.Email, &u.Active, &u.DropToken, &settings, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("user", nil)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read user", err)
	}

	var raw map[string]interface{}
	if err := unmarshalJSON(settings, &raw); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt settings column", err)
	}
	u.Settings, err = types.DecodeSettings(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt settings column", err)
	}
	return &u, nil
}

const userColumns = `id, email, active, drop_token, settings, created_at`

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (*types.User, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

// GetUserByDropToken resolves the agent drop token to its owner. Inactive
// users are excluded so their tokens stop working.
func (s *Store) GetUserByDropToken(ctx context.Context, token string) (*types.User, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+userColumns+` FROM users WHERE drop_token = ? AND active = ?`, token, true)
	return s.scanUser(row)
}

// UpdateSettings replaces the user's settings record.
func (s *Store) UpdateSettings(ctx context.Context, userID int64, settings types.Settings) error {
	data, err := marshalJSON(settings, "{}")
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `UPDATE users SET settings = ? WHERE id = ?`, data, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to update settings", err)
	}
	return nil
}

// DeactivateUser soft-disables an account. Rows and vectors stay in place.
func (s *Store) DeactivateUser(ctx context.Context, userID int64) error {
	_, err := s.exec(ctx, s.db, `UPDATE users SET active = ? WHERE id = ?`, false, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to deactivate user", err)
	}
	return nil
}
