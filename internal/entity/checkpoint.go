package entity

import (
	"encoding/json"
	"time"
)

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageExtract   Stage = "extracted"
	StageReconcile Stage = "reconciled"
	StageStitch    Stage = "stitched"
	StageChunk     Stage = "chunked"
	StageIndex     Stage = "indexed"
	StageFacts     Stage = "facts_extracted"
)

// Stages lists the pipeline stages in order.
func Stages() []Stage {
	return []Stage{
		StageExtract, StageReconcile, StageStitch,
		StageChunk, StageIndex, StageFacts,
	}
}

// CheckpointStatus marks a stage as claimed by a worker or completed.
type CheckpointStatus string

const (
	CheckpointClaimed CheckpointStatus = "claimed"
	CheckpointDone    CheckpointStatus = "done"
)

// Checkpoint records that a stage completed for a given input. A stage is
// skipped on resume only when its recorded input hash matches the current
// input hash; the payload holds the stage output for reload.
type Checkpoint struct {
	DocumentID string           `json:"document_id"`
	Stage      Stage            `json:"stage"`
	Status     CheckpointStatus `json:"status"`
	InputHash  string           `json:"input_hash"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}
