package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"brainvault/internal/apperrors"
	"brainvault/internal/sanitize"
	"brainvault/internal/tasks"
	"brainvault/internal/types"
)

type dropRequest struct {
	Title    string                 `json:"title,omitempty"`
	Content  string                 `json:"content"`
	JobID    string                 `json:"job_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// handleDrop receives agent-pushed content. The token authenticates the
// target user; everything lands in the inbox as pending and untrusted.
func (r *Router) handleDrop(w http.ResponseWriter, req *http.Request) {
	if !r.allowDrop(w, req) {
		return
	}

	user, err := r.store.GetUserByDropToken(req.Context(), chi.URLParam(req, "token"))
	if err != nil {
		apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeForbidden, "unknown drop token"))
		return
	}

	maxBytes := r.cfg.Drop.MaxBodyBytes
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxBytes))
	if err != nil {
		apperrors.WriteHTTP(w, apperrors.Wrap(apperrors.CodeInternalError, "failed to read body", err))
		return
	}
	// The limit itself is out of bounds: a body of exactly maxBytes is
	// indistinguishable from a truncated larger one.
	if int64(len(raw)) >= maxBytes {
		apperrors.WriteHTTP(w, apperrors.NewInputRejected("body exceeds drop size limit"))
		return
	}

	var body dropRequest
	if err := decodeJSONBytes(raw, &body); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	content := sanitize.StripHTML(body.Content)
	if content == "" {
		apperrors.WriteHTTP(w, apperrors.NewInputRejected("content empty after HTML stripping"))
		return
	}

	m := &types.Memory{
		UserID:      user.ID,
		Title:       sanitize.StripHTML(body.Title),
		Content:     content,
		Status:      types.StatusPending,
		ShowInInbox: true,
		Trusted:     false,
		SourceLLM:   "agent_drop",
	}
	if err := r.store.CreateMemory(req.Context(), m); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	r.enqueueMemoryTasks(req, user.ID, m.ID, tasks.TypeMemoryMetadata)
	r.hub.Publish(user.ID, types.NewEvent(types.EventInboxUpdate, map[string]interface{}{
		"memory_id": m.ID,
		"source":    m.SourceLLM,
	}))

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     m.ID,
		"status": m.Status,
	})
}

// allowDrop enforces the per-client-IP sliding window on the drop channel.
func (r *Router) allowDrop(w http.ResponseWriter, req *http.Request) bool {
	res, err := r.limiter.Check(req.Context(), clientIP(req))
	if err != nil {
		// A broken limiter backend must not take the channel down.
		r.logger.WarnContext(req.Context(), "rate limiter check failed", "error", err)
		return true
	}
	if !res.Allowed {
		apperrors.WriteHTTP(w, apperrors.NewRateLimited(
			r.cfg.Drop.RateLimit, "60s", res.RetryAfter))
		return false
	}
	return true
}

// handleListInbox returns the user's pending inbox items, newest first.
func (r *Router) handleListInbox(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	items, err := r.store.ListInbox(req.Context(), user.ID, limit)
	if err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type inboxActionRequest struct {
	Action  string `json:"action"`
	Payload struct {
		Title   string   `json:"title,omitempty"`
		Content string   `json:"content,omitempty"`
		Tags    []string `json:"tags,omitempty"`
	} `json:"payload"`
}

// handleInboxAction settles one inbox item: approve kicks ingestion, edit
// rewrites then re-ingests, discard deletes derived data (vectors first)
// and keeps the row as a tombstone, dismiss only hides the item.
func (r *Router) handleInboxAction(w http.ResponseWriter, req *http.Request) {
	user := currentUser(req)

	memoryID, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil || memoryID <= 0 {
		apperrors.WriteHTTP(w, apperrors.New(apperrors.CodeValidationError, "malformed memory id"))
		return
	}

	var body inboxActionRequest
	if err := decodeJSON(req, &body); err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	m, err := r.store.GetMemory(req.Context(), user.ID, memoryID)
	if err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	switch body.Action {
	case "approve":
		err = r.approveMemory(req, user.ID, m)
	case "edit":
		err = r.editMemory(req, user.ID, m, &body)
	case "discard":
		err = r.discardMemory(req, user.ID, m)
	case "dismiss":
		err = r.store.UpdateMemoryStatus(req.Context(), user.ID, m.ID, m.Status, false)
	default:
		err = apperrors.Newf(apperrors.CodeValidationError, "unknown action %q", body.Action)
	}
	if err != nil {
		apperrors.WriteHTTP(w, err)
		return
	}

	r.hub.Publish(user.ID, types.NewEvent(types.EventInboxUpdate, map[string]interface{}{
		"memory_id": m.ID,
		"action":    body.Action,
	}))
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": m.ID, "action": body.Action})
}

func (r *Router) approveMemory(req *http.Request, userID int64, m *types.Memory) error {
	if err := r.store.UpdateMemoryStatus(req.Context(), userID, m.ID, types.StatusApproved, false); err != nil {
		return err
	}
	r.enqueueMemoryTasks(req, userID, m.ID, tasks.TypeMemoryIngest, tasks.TypeMemoryDedupe)
	return nil
}

func (r *Router) editMemory(req *http.Request, userID int64, m *types.Memory, body *inboxActionRequest) error {
	title := body.Payload.Title
	if title == "" {
		title = m.Title
	}
	content := body.Payload.Content
	if content == "" {
		content = m.Content
	}
	tags := body.Payload.Tags
	if tags == nil {
		tags = m.Tags
	}

	if err := r.store.UpdateMemoryContent(req.Context(), userID, m.ID, title, content, tags); err != nil {
		return err
	}
	if err := r.store.UpdateMemoryStatus(req.Context(), userID, m.ID, types.StatusApproved, false); err != nil {
		return err
	}
	r.enqueueMemoryTasks(req, userID, m.ID, tasks.TypeMemoryIngest)
	return nil
}

func (r *Router) discardMemory(req *http.Request, userID int64, m *types.Memory) error {
	// Vectors and derived rows go first; the memory row stays as a
	// discarded tombstone.
	if err := r.pipeline.PurgeDerived(req.Context(), userID, m.ID); err != nil {
		return err
	}
	return r.store.UpdateMemoryStatus(req.Context(), userID, m.ID, types.StatusDiscarded, false)
}
