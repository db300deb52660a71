package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReviewKind classifies manual-review queue items.
type ReviewKind string

const (
	ReviewAmbiguousStitch ReviewKind = "ambiguous_stitch"
	ReviewFailedField     ReviewKind = "failed_field"
)

// ReviewStatus is the resolution state of a queue item.
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "open"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewItem is one entry on the operator review queue: an ambiguous
// cross-page stitch or a failed fact field.
type ReviewItem struct {
	ID         uuid.UUID       `json:"id"`
	DocumentID string          `json:"document_id"`
	Kind       ReviewKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Status     ReviewStatus    `json:"status"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}
