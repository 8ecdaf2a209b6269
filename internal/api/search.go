package api

import (
	"net/http"

	"brainvault/internal/apperrors"
	"brainvault/internal/retrieval"
)

// feedbackDelta is the per-vote shift to a chunk's feedback score, which
// multiplies into the composite retrieval score as (1 + feedback).
const feedbackDelta = 0.1

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
	View  string `json:"view"`
}

// handleSearch runs the retrieval planner for the authenticated user.
func (r *Router) handleSearch(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	var body searchRequest
	if err := decodeJSON(req, &body); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	results, err := r.planner.Search(req.Context(), user.ID, body.Query, body.TopK, retrieval.View(body.View))
	if err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

type feedbackRequest struct {
	ChunkID int64 `json:"chunk_id"`
	Helpful bool  `json:"helpful"`
}

// handleFeedback records a relevance vote on a retrieved chunk.
func (r *Router) handleFeedback(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	var body feedbackRequest
	if err := decodeJSON(req, &body); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	if body.ChunkID <= 0 {
		apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeValidationError, "chunk_id is required"))
		return
	}

	chunk, err := r.store.GetChunk(req.Context(), body.ChunkID)
	if err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	// Ownership check goes through the parent memory.
	if _, err := r.store.GetMemory(req.Context(), user.ID, chunk.MemoryID); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	delta := feedbackDelta
	if !body.Helpful {
		delta = -feedbackDelta
	}
	if err := r.store.AdjustChunkFeedback(req.Context(), chunk.ID, delta); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chunk_id": chunk.ID})
}
