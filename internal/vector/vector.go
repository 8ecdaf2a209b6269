// Package vector defines the dense-vector index used for chunk and fact
// retrieval, with a Qdrant implementation and an in-memory one for tests.
package vector

import "context"

// Metadata keys mirrored alongside every vector.
const (
	MetaUserID      = "user_id"
	MetaType        = "type"
	MetaTextContent = "text_content"
	MetaMemoryID    = "memory_id"
	MetaChunkIndex  = "chunk_index"
	MetaCreatedAt   = "created_at"
	MetaTags        = "tags"
	MetaSource      = "source"
	MetaFactID      = "fact_id"
	MetaValidFrom   = "valid_from"
)

// Record is one vector plus its mirrored metadata. Upserting a record with
// an existing id replaces it.
type Record struct {
	ID       string
	Values   []float32
	Metadata map[string]interface{}
}

// Match is one query hit. Score is cosine similarity in [0, 1] for
// normalized embeddings; Values is populated only when requested.
type Match struct {
	ID       string
	Score    float64
	Values   []float32
	Metadata map[string]interface{}
}

// Filter is a conjunction of exact-match metadata conditions. String and
// integer values are supported; a []string value matches any of its
// elements.
type Filter map[string]interface{}

// Store is the dense index contract shared by the Qdrant and in-memory
// implementations.
type Store interface {
	// Init ensures the backing collection exists.
	Init(ctx context.Context) error

	// Upsert writes records, replacing any existing ids.
	Upsert(ctx context.Context, records []Record) error

	// Query returns the k nearest records to vec under the filter, most
	// similar first.
	Query(ctx context.Context, vec []float32, k int, filter Filter, includeValues bool) ([]Match, error)

	// Delete removes records by id. Missing ids are not an error.
	Delete(ctx context.Context, ids []string) error

	// DeleteByFilter removes every record matching the filter.
	DeleteByFilter(ctx context.Context, filter Filter) error

	// ListIDs returns the ids of every record matching the filter. Used
	// by the reconciler's orphan sweep.
	ListIDs(ctx context.Context, filter Filter) ([]string, error)

	Close() error
}
