package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitroom/tryon-backend/internal/fashn"
	"github.com/fitroom/tryon-backend/internal/tryon"
	"github.com/fitroom/tryon-backend/internal/tryon/notifier"
	"github.com/fitroom/tryon-backend/internal/tryon/storage"
	"github.com/fitroom/tryon-backend/shared/rabbitmq"
)

// JobStore is the slice of the job store the worker needs. Exactly one
// worker goroutine owns a claimed job until it reaches a terminal
// state; the guarded writes enforce that ownership.
type JobStore interface {
	ClaimJob(ctx context.Context, jobID string) (*tryon.Job, error)
	SetProcessingLower(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID, predictionID string, metadata tryon.Metadata) error
	CompleteJob(ctx context.Context, jobID string, fields storage.CompletionFields) error
	FailJob(ctx context.Context, jobID, message string) error
	CreateHistory(ctx context.Context, job *tryon.Job, resultImageURL string) (string, error)
}

// TryOnClient performs one garment-application pass against the
// external model.
type TryOnClient interface {
	Run(ctx context.Context, req fashn.RunRequest) (*fashn.RunResult, error)
}

// ImageStore persists image artifacts behind stable URLs.
type ImageStore interface {
	UploadBuffer(ctx context.Context, data []byte, contentType string) (string, error)
	UploadFromURL(ctx context.Context, sourceURL string) (string, error)
}

// GarmentCombiner merges garment images into one buffer.
type GarmentCombiner interface {
	Combine(ctx context.Context, urls []string) ([]byte, error)
}

// JobMessage is the task message consumed from the work queue.
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

// Config holds worker configuration.
type Config struct {
	Logger        *slog.Logger
	Store         JobStore
	TryOn         TryOnClient
	Images        ImageStore
	Combiner      GarmentCombiner
	Publisher     notifier.Publisher
	RabbitClient  *rabbitmq.Client
	Concurrency   int
	PrefetchCount int
	JobTimeout    time.Duration
}

// Worker consumes the try-on work queue and drives each job through
// its processing strategy to a terminal state.
type Worker struct {
	logger        *slog.Logger
	store         JobStore
	tryon         TryOnClient
	images        ImageStore
	combiner      GarmentCombiner
	publisher     notifier.Publisher
	rabbitClient  *rabbitmq.Client
	concurrency   int
	prefetchCount int
	jobTimeout    time.Duration
	workerID      string
	jobsChan      chan *JobMessage
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		store:         cfg.Store,
		tryon:         cfg.TryOn,
		images:        cfg.Images,
		combiner:      cfg.Combiner,
		publisher:     cfg.Publisher,
		rabbitClient:  cfg.RabbitClient,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		jobTimeout:    cfg.JobTimeout,
		workerID:      "tryon-worker-" + uuid.New().String()[:8],
		jobsChan:      make(chan *JobMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start sets up the queue consumer, spawns the worker pool, and blocks
// dispatching messages until the context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker pool, waiting for in-flight jobs.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// publishJobEvents emits the events for a job's current state, in
// order, immediately after the corresponding status write. Publish
// failures are logged and swallowed: the push channel is best-effort
// and pollers reconcile from the job store.
func (w *Worker) publishJobEvents(ctx context.Context, job *tryon.Job) {
	for _, event := range tryon.Events(job) {
		if err := w.publisher.Publish(ctx, job.UserID, event); err != nil {
			w.logger.Warn("Failed to publish job event",
				slog.String("job_id", job.JobID),
				slog.String("event", event.Name),
				slog.Any("error", err),
			)
		}
	}
}
