package handler

import (
	"context"
	"log/slog"

	"github.com/fitroom/tryon-backend/internal/tryon"
	"github.com/fitroom/tryon-backend/internal/tryon/notifier"
)

// JobStore is the slice of the job store the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job *tryon.Job) error
	GetJob(ctx context.Context, jobID, userID string) (*tryon.Job, error)
	ListJobs(ctx context.Context, userID, status string, limit int) ([]tryon.Job, error)
	CancelJob(ctx context.Context, jobID, userID string) (*tryon.Job, error)
	FailJob(ctx context.Context, jobID, message string) error
	DefaultModelImage(ctx context.Context, userID string) (string, error)
	DeleteHistory(ctx context.Context, historyID, userID string) error
}

// TaskQueue enqueues job messages for the worker service.
type TaskQueue interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger *slog.Logger
	Store  JobStore
	Queue  TaskQueue
	Events notifier.Publisher
	Hub    *notifier.Hub
}

// TryOnHandler handles try-on job HTTP requests.
type TryOnHandler struct {
	logger *slog.Logger
	store  JobStore
	queue  TaskQueue
	events notifier.Publisher
	hub    *notifier.Hub
}

// NewTryOnHandler creates a new TryOnHandler instance.
func NewTryOnHandler(deps *Dependencies) *TryOnHandler {
	return &TryOnHandler{
		logger: deps.Logger,
		store:  deps.Store,
		queue:  deps.Queue,
		events: deps.Events,
		hub:    deps.Hub,
	}
}
