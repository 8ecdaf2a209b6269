// Package dedupe watches for near-duplicate memories after approval and
// surfaces them as pending merge clusters for the user to review.
package dedupe

import (
	"context"
	"sort"

	"brainvault/internal/llm"
	"brainvault/internal/logging"
	"brainvault/internal/notify"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

const (
	// neighborCount is how many nearest chunks are inspected per approval.
	neighborCount = 5
	// similarityFloor admits a candidate when cosine similarity exceeds it
	// (cosine distance below 0.3).
	similarityFloor = 0.7
)

// Monitor checks a freshly approved memory against the user's existing
// chunks and opens a cluster when close matches exist.
type Monitor struct {
	store   *store.Store
	vectors vector.Store
	gateway *llm.Gateway
	hub     *notify.Hub
	logger  logging.Logger
}

// NewMonitor wires the dedupe monitor.
func NewMonitor(st *store.Store, vectors vector.Store, gateway *llm.Gateway, hub *notify.Hub) *Monitor {
	return &Monitor{
		store:   st,
		vectors: vectors,
		gateway: gateway,
		hub:     hub,
		logger:  logging.WithComponent("dedupe"),
	}
}

// CheckMemory looks for near-duplicates of the given memory. When any are
// found and no pending cluster already covers the memory, a new pending
// cluster is created and the user is notified.
func (m *Monitor) CheckMemory(ctx context.Context, userID, memoryID int64) error {
	mem, err := m.store.GetMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}

	exists, err := m.store.HasPendingClusterWith(ctx, userID, memoryID)
	if err != nil {
		return err
	}
	if exists {
		m.logger.DebugContext(ctx, "memory already in a pending cluster", "memory_id", memoryID)
		return nil
	}

	probe, err := m.gateway.Embed(ctx, userID, mem.Content)
	if err != nil {
		return err
	}

	matches, err := m.vectors.Query(ctx, probe, neighborCount, vector.Filter{
		vector.MetaUserID: userID,
		vector.MetaType:   string(types.VectorTypeChunk),
	}, false)
	if err != nil {
		return err
	}

	neighbors := m.duplicateMemoryIDs(matches, memoryID)
	if len(neighbors) == 0 {
		return nil
	}

	cluster := &types.Cluster{
		UserID:             userID,
		MemberMemoryIDs:    append([]int64{memoryID}, neighbors...),
		RepresentativeText: mem.Content,
		Status:             types.ClusterPending,
	}
	if err := m.store.CreateCluster(ctx, cluster); err != nil {
		return err
	}

	m.hub.Publish(userID, types.NewEvent(types.EventNewCluster, map[string]interface{}{
		"cluster_id": cluster.ID,
		"members":    cluster.MemberMemoryIDs,
	}))
	m.logger.InfoContext(ctx, "duplicate cluster opened",
		"cluster_id", cluster.ID, "memory_id", memoryID, "neighbors", len(neighbors))
	return nil
}

// duplicateMemoryIDs extracts the distinct parent memory ids of matches
// above the similarity floor, excluding the memory under inspection.
func (m *Monitor) duplicateMemoryIDs(matches []vector.Match, selfID int64) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, match := range matches {
		if match.Score <= similarityFloor {
			continue
		}
		id, ok := memoryIDFromMatch(match)
		if !ok || id == selfID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func memoryIDFromMatch(match vector.Match) (int64, bool) {
	if match.Metadata == nil {
		return 0, false
	}
	switch v := match.Metadata[vector.MetaMemoryID].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
