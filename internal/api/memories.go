package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"brainvault/internal/apperrors"
	"brainvault/internal/tasks"
	"brainvault/internal/types"
)

// benchmarkTag marks replayed submissions allowed to backdate created_at.
const benchmarkTag = "memorybench"

type createMemoryRequest struct {
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// handleCreateMemory accepts a user-authored memory. It is trusted and
// approved immediately; metadata, ingestion, and dedupe run as background
// tasks.
func (r *Router) handleCreateMemory(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	var body createMemoryRequest
	if err := decodeJSON(req, &body); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	if body.Content == "" {
		apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeValidationError, "content cannot be empty"))
		return
	}

	m := &types.Memory{
		UserID:      user.ID,
		Title:       body.Title,
		Content:     body.Content,
		Tags:        body.Tags,
		Status:      types.StatusApproved,
		ShowInInbox: false,
		Trusted:     true,
		SourceLLM:   "user",
	}
	// Backdating is honored only for benchmark replays.
	if body.CreatedAt != nil && m.HasTag(benchmarkTag) {
		m.CreatedAt = body.CreatedAt.UTC()
	}

	if err := r.store.CreateMemory(req.Context(), m); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	r.enqueueMemoryTasks(req, user.ID, m.ID,
		tasks.TypeMemoryMetadata, tasks.TypeMemoryIngest, tasks.TypeMemoryDedupe)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         m.ID,
		"status":     m.Status,
		"created_at": m.CreatedAt,
	})
}

// handleDeleteMemory retires a memory. The default is a soft archive: the
// derived chunks, vectors, and facts go away and the row stays as an
// archived tombstone. `?permanent=true` removes the row too.
func (r *Router) handleDeleteMemory(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	memoryID, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || memoryID <= 0 {
		apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeValidationError, "malformed memory id"))
		return
	}

	// Ownership is settled before any derived data is touched.
	if _, err := r.store.GetMemory(req.Context(), user.ID, memoryID); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	if req.URL.Query().Get("permanent") == "true" {
		if err := r.pipeline.DeleteMemoryData(req.Context(), user.ID, memoryID); err != nil {
			apperrors.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": memoryID, "deleted": true})
		return
	}

	if err := r.pipeline.PurgeDerived(req.Context(), user.ID, memoryID); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	if err := r.store.UpdateMemoryStatus(req.Context(), user.ID, memoryID, types.StatusArchived, false); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": memoryID, "status": types.StatusArchived})
}

// enqueueMemoryTasks queues background work for a memory. Failures are
// logged rather than surfaced: the reconciler and replays cover the gap.
func (r *Router) enqueueMemoryTasks(req *http.Request, userID, memoryID int64, taskTypes ...string) {
	for _, taskType := range taskTypes {
		if _, err := r.runner.Enqueue(req.Context(), taskType, userID, tasks.MemoryPayload{MemoryID: memoryID}); err != nil {
			r.logger.ErrorContext(req.Context(), "failed to enqueue task",
				"type", taskType, "memory_id", memoryID, "error", err)
		}
	}
}
