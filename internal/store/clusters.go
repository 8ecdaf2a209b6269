package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

const clusterColumns = `id, user_id, memory_ids, representative_text, status, created_at`

// CreateCluster records a pending near-duplicate group for user review.
func (s *Store) CreateCluster(ctx context.Context, c *types.Cluster) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = types.ClusterPending
	}

	ids, err := marshalJSON(c.MemberMemoryIDs, "[]")
	if err != nil {
		return err
	}

	id, err := s.insertID(ctx, s.db,
		`INSERT INTO clusters (user_id, memory_ids, representative_text, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.UserID, ids, c.RepresentativeText, string(c.Status), c.CreatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to create cluster", err)
	}
	c.ID = id
	return nil
}

func scanCluster(scan func(dest ...interface{}) error) (*types.Cluster, error) {
	var c types.Cluster
	var ids, status string
	err := scan(&c.ID, &c.UserID, &ids, &c.RepresentativeText, &status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = types.ClusterStatus(status)
	if err := unmarshalJSON(ids, &c.MemberMemoryIDs); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "corrupt memory_ids column", err)
	}
	return &c, nil
}

// GetCluster fetches a cluster scoped to its owner.
func (s *Store) GetCluster(ctx context.Context, userID, id int64) (*types.Cluster, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanCluster(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFound("cluster", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to read cluster", err)
	}
	return c, nil
}

// ListPendingClusters returns the user's unreviewed clusters, newest first.
func (s *Store) ListPendingClusters(ctx context.Context, userID int64) ([]*types.Cluster, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+clusterColumns+` FROM clusters
		WHERE user_id = ? AND status = ? ORDER BY created_at DESC, id DESC`,
		userID, string(types.ClusterPending))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to list clusters", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Cluster
	for rows.Next() {
		c, err := scanCluster(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInternalError, "failed to scan cluster", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasPendingClusterWith reports whether any pending cluster already contains
// the memory, so the monitor does not re-flag the same duplicate pair.
func (s *Store) HasPendingClusterWith(ctx context.Context, userID, memoryID int64) (bool, error) {
	clusters, err := s.ListPendingClusters(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, c := range clusters {
		for _, id := range c.MemberMemoryIDs {
			if id == memoryID {
				return true, nil
			}
		}
	}
	return false, nil
}

// UpdateClusterStatus resolves a cluster review.
func (s *Store) UpdateClusterStatus(ctx context.Context, userID, id int64, status types.ClusterStatus) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE clusters SET status = ? WHERE id = ? AND user_id = ?`,
		string(status), id, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternalError, "failed to update cluster", err)
	}
	return requireRow(res, "cluster", id)
}
