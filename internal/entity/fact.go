package entity

import (
	"encoding/json"
	"time"
)

// FactStatus is the outcome of one field extraction. Low confidence is
// data, not an error; only schema or provenance violations yield failed.
type FactStatus string

const (
	FactOK            FactStatus = "ok"
	FactLowConfidence FactStatus = "low_confidence"
	FactFailed        FactStatus = "failed"
)

// Fact binds an extracted value to a (document, field) pair. Facts are
// never mutated: a re-run appends a new version and the prior one stays
// queryable for audit.
type Fact struct {
	DocumentID string          `json:"document_id"`
	Field      string          `json:"field"`
	Version    int             `json:"version"`
	Status     FactStatus      `json:"status"`
	Value      json.RawMessage `json:"value,omitempty"`
	Confidence float64         `json:"confidence"`
	// SupportingChunks is the provenance set; non-empty for every ok fact.
	SupportingChunks []string  `json:"supporting_chunks"`
	Attempts         int       `json:"attempts"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
