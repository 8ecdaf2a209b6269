package tasks

import (
	"context"
	"strings"

	"brainvault/internal/logging"
	"brainvault/internal/notify"
	"brainvault/internal/store"
	"brainvault/internal/types"
)

// Ingestor processes a memory into chunks, vectors, and facts.
type Ingestor interface {
	Ingest(ctx context.Context, userID, memoryID int64) error
}

// DuplicateChecker inspects an approved memory for near-duplicates.
type DuplicateChecker interface {
	CheckMemory(ctx context.Context, userID, memoryID int64) error
}

// Tagger proposes tags for a memory.
type Tagger interface {
	SuggestTags(ctx context.Context, userID int64, title, content string) ([]string, error)
}

// Sweeper repairs drift between chunk rows and their vectors.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Handlers binds the engine services to the runner's task types.
type Handlers struct {
	store    *store.Store
	ingestor Ingestor
	checker  DuplicateChecker
	tagger   Tagger
	sweeper  Sweeper
	hub      *notify.Hub
	logger   logging.Logger
}

// NewHandlers wires the task handlers.
func NewHandlers(st *store.Store, ingestor Ingestor, checker DuplicateChecker, tagger Tagger, sweeper Sweeper, hub *notify.Hub) *Handlers {
	return &Handlers{
		store:    st,
		ingestor: ingestor,
		checker:  checker,
		tagger:   tagger,
		sweeper:  sweeper,
		hub:      hub,
		logger:   logging.WithComponent("tasks.handlers"),
	}
}

// RegisterAll installs every handler on the runner.
func (h *Handlers) RegisterAll(r *Runner) {
	r.Register(TypeMemoryIngest, h.HandleIngest)
	r.Register(TypeMemoryMetadata, h.HandleMetadata)
	r.Register(TypeMemoryDedupe, h.HandleDedupe)
	r.Register(TypeVectorReconcile, h.HandleReconcile)
}

// HandleIngest runs the full ingestion pipeline for a memory. The pipeline
// replaces prior chunks by memory id, so replays converge.
func (h *Handlers) HandleIngest(ctx context.Context, task *store.Task) error {
	p, err := DecodeMemoryPayload(task)
	if err != nil {
		return err
	}
	return h.ingestor.Ingest(ctx, task.UserID, p.MemoryID)
}

// HandleMetadata asks the gateway for tags and merges them into the memory.
func (h *Handlers) HandleMetadata(ctx context.Context, task *store.Task) error {
	p, err := DecodeMemoryPayload(task)
	if err != nil {
		return err
	}

	m, err := h.store.GetMemory(ctx, task.UserID, p.MemoryID)
	if err != nil {
		return err
	}

	suggested, err := h.tagger.SuggestTags(ctx, task.UserID, m.Title, m.Content)
	if err != nil {
		return err
	}
	merged := mergeTags(m.Tags, suggested)
	if len(merged) == len(m.Tags) {
		return nil
	}

	if err := h.store.UpdateMemoryContent(ctx, task.UserID, m.ID, m.Title, m.Content, merged); err != nil {
		return err
	}
	h.hub.Publish(task.UserID, types.NewEvent(types.EventInboxUpdate, map[string]interface{}{
		"memory_id": m.ID,
		"tags":      merged,
	}))
	return nil
}

// HandleDedupe checks an approved memory for near-duplicate clusters.
func (h *Handlers) HandleDedupe(ctx context.Context, task *store.Task) error {
	p, err := DecodeMemoryPayload(task)
	if err != nil {
		return err
	}
	return h.checker.CheckMemory(ctx, task.UserID, p.MemoryID)
}

// HandleReconcile sweeps the vector store against the chunk rows.
func (h *Handlers) HandleReconcile(ctx context.Context, task *store.Task) error {
	return h.sweeper.Sweep(ctx)
}

// mergeTags appends new suggestions, preserving order and dropping
// case-insensitive duplicates.
func mergeTags(existing, suggested []string) []string {
	seen := make(map[string]struct{}, len(existing))
	merged := make([]string, 0, len(existing)+len(suggested))
	for _, tag := range existing {
		seen[strings.ToLower(tag)] = struct{}{}
		merged = append(merged, tag)
	}
	for _, tag := range suggested {
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, tag)
	}
	return merged
}
