package index

import (
	"context"
)

// Entry is one indexed chunk embedding with its retrieval metadata.
type Entry struct {
	ChunkID    string
	DocumentID string
	Vector     []float32
	Text       string
	Section    string
	PageStart  int
	PageEnd    int
	Kind       string
}

// Match is one retrieval hit, higher score is better.
type Match struct {
	ChunkID    string
	DocumentID string
	Score      float64
	Text       string
	Section    string
	PageStart  int
	PageEnd    int
}

// VectorIndex is the pluggable nearest-neighbor store. Upsert with the
// same chunk id replaces rather than duplicates; both operations are
// idempotent on chunk id. Implementations may be exact or approximate.
type VectorIndex interface {
	Upsert(ctx context.Context, entries []Entry) error
	// Query returns the top-k matches ordered by descending score,
	// restricted to one document when docID is non-empty.
	Query(ctx context.Context, vector []float32, k int, docID string) ([]Match, error)
	// DeleteDocument removes every entry belonging to a document. The
	// document never learns about index internals; deletion is by id.
	DeleteDocument(ctx context.Context, docID string) error
}
