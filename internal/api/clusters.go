package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"brainvault/internal/apperrors"
	"brainvault/internal/types"
)

// handleListClusters returns the user's pending duplicate clusters.
func (r *Router) handleListClusters(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	clusters, err := r.store.ListPendingClusters(req.Context(), user.ID)
	if err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	if clusters == nil {
		clusters = []*types.Cluster{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"clusters": clusters})
}

type clusterActionRequest struct {
	Action string `json:"action"`
}

// handleClusterAction settles a duplicate-cluster review. Accepting records
// the user's confirmation that the members overlap; merging the memories
// themselves stays a manual edit.
func (r *Router) handleClusterAction(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	clusterID, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || clusterID <= 0 {
		apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeValidationError, "malformed cluster id"))
		return
	}

	var body clusterActionRequest
	if err := decodeJSON(req, &body); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	var status types.ClusterStatus
	switch body.Action {
	case "accept":
		status = types.ClusterAccepted
	case "reject":
		status = types.ClusterRejected
	default:
		apperrors.WriteHTTP(w, apperrors.Newf(apperrors.CodeValidationError, "unknown action %q", body.Action))
		return
	}

	if _, err := r.store.GetCluster(req.Context(), user.ID, clusterID); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	if err := r.store.UpdateClusterStatus(req.Context(), user.ID, clusterID, status); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": clusterID, "status": status})
}
