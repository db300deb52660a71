package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/hanwen-zhu/filingfacts/internal/common"
	"github.com/hanwen-zhu/filingfacts/internal/extract"
	"github.com/hanwen-zhu/filingfacts/internal/pipeline"
)

// DocumentQueue feeds documents to the pipeline coordinator from a pool of
// workers. Each document runs under its own timeout; a document claimed by
// another run is dropped quietly since that run will finish it.
type DocumentQueue struct {
	coord   *pipeline.Coordinator
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type Option func(*DocumentQueue)

func WithWorkers(n int) Option {
	return func(q *DocumentQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}
func WithQueueSize(n int) Option {
	return func(q *DocumentQueue) {
		if n > 0 {
			q.ch = make(chan Job, n)
		}
	}
}
func WithProcessTimeout(d time.Duration) Option {
	return func(q *DocumentQueue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

func NewDocumentQueue(coord *pipeline.Coordinator, logger *slog.Logger, opts ...Option) *DocumentQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &DocumentQueue{
		coord:   coord,
		logger:  logger,
		workers: 2,
		timeout: 20 * time.Minute,
		ch:      make(chan Job, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *DocumentQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("queue.worker_started", "worker_id", workerID)

				for job := range q.ch {
					ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
					err := q.coord.Process(ctx, extract.DocumentRef{ID: job.DocumentID, Path: job.Path})
					cancel()

					switch {
					case err == nil:
						q.logger.Info("queue.document_done", "worker_id", workerID, "doc_id", job.DocumentID)
					case errors.Is(err, common.ErrStageClaimed):
						q.logger.Info("queue.document_claimed_elsewhere", "worker_id", workerID, "doc_id", job.DocumentID)
					default:
						q.logger.Error("queue.document_failed", "worker_id", workerID, "doc_id", job.DocumentID, "error", err)
					}
				}

				q.logger.Info("queue.worker_stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *DocumentQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("queue.enqueue_after_shutdown", "doc_id", job.DocumentID)
		return nil
	}
	select {
	case q.ch <- job:
		q.logger.Info("queue.document_enqueued", "doc_id", job.DocumentID)
	default:
		q.logger.Warn("queue.full_backpressure", "doc_id", job.DocumentID)
		q.ch <- job
	}
	return nil
}

func (q *DocumentQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("queue.shutdown_interrupted")
	case <-done:
		q.logger.Info("queue.drained")
	}
}
