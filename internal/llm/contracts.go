package llm

import (
	"context"
	"encoding/json"
)

// ContextChunk is one retrieved passage handed to the model as evidence.
type ContextChunk struct {
	ID      string
	Page    int
	Section string
	Text    string
}

// FieldSpec describes one target fact field: the retrieval query that finds
// its evidence, the prompts that extract it, and the schema its value must
// satisfy.
type FieldSpec struct {
	Name         string
	Query        string
	SystemPrompt string
	UserTemplate string // must contain %s for the joined chunk text
	Schema       map[string]any
}

// FieldExtractor issues one structured-extraction call for a field.
// Implementations classify failures via internal/common: transient errors
// may be retried by the caller, validation errors must not be.
type FieldExtractor interface {
	ExtractField(ctx context.Context, spec FieldSpec, chunks []ContextChunk) (json.RawMessage, error)
}
