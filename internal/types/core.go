// Package types defines the core entities shared across the engine: users,
// memories, chunks, facts, clusters, and the vector record mirror.
package types

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// MemoryStatus is the lifecycle state of a memory.
type MemoryStatus string

const (
	StatusPending   MemoryStatus = "pending"
	StatusApproved  MemoryStatus = "approved"
	StatusDiscarded MemoryStatus = "discarded"
	StatusArchived  MemoryStatus = "archived"
)

// Valid reports whether the status is one of the recognized states.
func (s MemoryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDiscarded, StatusArchived:
		return true
	}
	return false
}

// VectorType distinguishes the two kinds of vector records.
type VectorType string

const (
	VectorTypeChunk VectorType = "memory_chunk"
	VectorTypeFact  VectorType = "fact"
)

// User represents a registered account. Deactivation is soft only.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	DropToken string    `json:"-"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
}

// Settings is the typed user settings record. It used to be a loose
// key/value bag; unknown keys are rejected on decode.
type Settings struct {
	AutoApprove      bool  `json:"auto_approve" mapstructure:"auto_approve"`
	DailyTokenBudget int64 `json:"daily_token_budget" mapstructure:"daily_token_budget"`
}

// DefaultSettings returns the settings applied to new users.
func DefaultSettings() Settings {
	return Settings{AutoApprove: true, DailyTokenBudget: 0}
}

// DecodeSettings decodes a raw settings map into a typed record, rejecting
// unknown keys.
func DecodeSettings(raw map[string]interface{}) (Settings, error) {
	s := DefaultSettings()
	if raw == nil {
		return s, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &s,
		ErrorUnused: true,
	})
	if err != nil {
		return s, fmt.Errorf("failed to build settings decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Memory represents a single submitted item of knowledge.
type Memory struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Tags        []string     `json:"tags"`
	Status      MemoryStatus `json:"status"`
	ShowInInbox bool         `json:"show_in_inbox"`
	Trusted     bool         `json:"trusted"`
	SourceLLM   string       `json:"source_llm,omitempty"`
	EmbeddingID string       `json:"embedding_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasTag reports whether the memory carries the given tag (case-insensitive
// comparison is the caller's concern; tags are stored as submitted).
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// QA is one synthetic question/answer pair attached to a chunk.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Chunk is the atomic retrieval unit: a contiguous substring of a memory
// annotated with a summary, Q&A pairs, and an entity list.
type Chunk struct {
	ID            int64                  `json:"id"`
	MemoryID      int64                  `json:"memory_id"`
	ChunkIndex    int                    `json:"chunk_index"`
	Text          string                 `json:"text"`
	EmbeddingID   string                 `json:"embedding_id,omitempty"`
	Summary       string                 `json:"summary,omitempty"`
	GeneratedQAs  []QA                   `json:"generated_qas,omitempty"`
	Entities      []string               `json:"entities,omitempty"`
	TrustScore    float64                `json:"trust_score"`
	FeedbackScore float64                `json:"feedback_score"`
	TokensCount   int                    `json:"tokens_count"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Fact is an atomic subject-predicate-object triple with bitemporal
// validity. A fact is current iff ValidUntil is nil and IsSuperseded is
// false.
type Fact struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	Subject        string     `json:"subject"`
	Predicate      string     `json:"predicate"`
	Object         string     `json:"object"`
	Confidence     float64    `json:"confidence"`
	SourceMemoryID int64      `json:"source_memory_id,omitempty"`
	SourceChunkID  int64      `json:"source_chunk_id,omitempty"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`
	Location       string     `json:"location,omitempty"`
	IsSuperseded   bool       `json:"is_superseded"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Current reports whether the fact is currently true.
func (f *Fact) Current() bool {
	return f.ValidUntil == nil && !f.IsSuperseded
}

// Text renders the triple as plain text for embedding and judging.
func (f *Fact) Text() string {
	return f.Subject + " " + f.Predicate + " " + f.Object
}

// VectorID is the fact's id in the vector store.
func (f *Fact) VectorID() string {
	return fmt.Sprintf("fact_%d", f.ID)
}

// ClusterStatus is the lifecycle state of a dedupe cluster.
type ClusterStatus string

const (
	ClusterPending  ClusterStatus = "pending"
	ClusterAccepted ClusterStatus = "accepted"
	ClusterRejected ClusterStatus = "rejected"
)

// Cluster groups near-duplicate memories awaiting user review.
type Cluster struct {
	ID                 int64         `json:"id"`
	UserID             int64         `json:"user_id"`
	MemberMemoryIDs    []int64       `json:"member_memory_ids"`
	RepresentativeText string        `json:"representative_text"`
	Status             ClusterStatus `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
}

// UsageRecord is one metered LLM call, written by the gateway's UsageSink.
type UsageRecord struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	TokensIn      int       `json:"tokens_in"`
	TokensOut     int       `json:"tokens_out"`
	EstimatedCost float64   `json:"estimated_cost"`
	CreatedAt     time.Time `json:"created_at"`
}

// Event is a progress notification fanned out to a user's subscribers.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types published by the engine.
const (
	EventIngestionComplete = "ingestion_complete"
	EventInboxUpdate       = "inbox_update"
	EventNewCluster        = "new_cluster"
)

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, data map[string]interface{}) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}
