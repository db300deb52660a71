package async

import (
	"context"
	"time"
)

// Job is one document submitted for pipeline processing.
type Job struct {
	DocumentID  string
	Path        string
	SubmittedAt time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Shutdown(ctx context.Context)
}
