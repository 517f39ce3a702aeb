package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/fitroom/tryon-backend/internal/tryon"
)

// Storage is the durable job store. It is the single source of truth
// for job state; all status writes on the processing path are guarded
// so that the first terminal transition wins and later writers observe
// tryon.ErrJobSuperseded instead of clobbering a finished job.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, user_id, model_image_url, garment_urls, upper_garment_url,
	lower_garment_url, outfit_image_url, category, mode, seed,
	save_to_history, status, prediction_id, result_image_url,
	upper_result_url, processing_time_ms, error_message, metadata,
	history_id, created_at, completed_at
`

// CreateJob inserts a new PENDING job row.
func (s *Storage) CreateJob(ctx context.Context, job *tryon.Job) error {
	query := `
		INSERT INTO tryon_jobs (
			job_id, user_id, model_image_url, garment_urls, upper_garment_url,
			lower_garment_url, outfit_image_url, category, mode, seed,
			save_to_history, status, created_at
		) VALUES (
			:job_id, :user_id, :model_image_url, :garment_urls, :upper_garment_url,
			:lower_garment_url, :outfit_image_url, :category, :mode, :seed,
			:save_to_history, :status, :created_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job scoped to its owner. A job that exists but
// belongs to another user is reported as not found.
func (s *Storage) GetJob(ctx context.Context, jobID, userID string) (*tryon.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM tryon_jobs WHERE job_id = $1 AND user_id = $2`

	var job tryon.Job
	if err := s.db.GetContext(ctx, &job, query, jobID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tryon.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// ListJobs returns the caller's jobs, newest first, optionally filtered
// by status.
func (s *Storage) ListJobs(ctx context.Context, userID, status string, limit int) ([]tryon.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM tryon_jobs WHERE user_id = $1`
	args := []interface{}{userID}

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, status)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	var jobs []tryon.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ClaimJob transitions a job from PENDING to PROCESSING_UPPER and
// returns its full row. The guarded update makes the claim exclusive:
// a job that was already claimed, or cancelled before the worker got
// to it, yields tryon.ErrJobSuperseded.
func (s *Storage) ClaimJob(ctx context.Context, jobID string) (*tryon.Job, error) {
	query := `
		UPDATE tryon_jobs
		SET status = $1
		WHERE job_id = $2
		  AND status = $3
		RETURNING ` + jobColumns

	var job tryon.Job
	err := s.db.GetContext(ctx, &job, query, tryon.StatusProcessingUpper, jobID, tryon.StatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or cancelled",
				slog.String("job_id", jobID),
			)
			return nil, tryon.ErrJobSuperseded
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// SetProcessingLower advances the legacy upper+lower strategy to its
// second progress state.
func (s *Storage) SetProcessingLower(ctx context.Context, jobID string) error {
	query := `
		UPDATE tryon_jobs
		SET status = $1
		WHERE job_id = $2
		  AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, tryon.StatusProcessingLower, jobID, tryon.StatusProcessingUpper)
	if err != nil {
		return fmt.Errorf("failed to set processing_lower: %w", err)
	}

	return s.checkSuperseded(result, jobID)
}

// UpdateProgress records mid-flight fields (prediction ID, metadata)
// without changing status. A job that already reached a terminal state
// rejects the write.
func (s *Storage) UpdateProgress(ctx context.Context, jobID, predictionID string, metadata tryon.Metadata) error {
	query := `
		UPDATE tryon_jobs
		SET prediction_id = COALESCE(NULLIF($1, ''), prediction_id),
		    metadata = COALESCE($2, metadata)
		WHERE job_id = $3
		  AND status NOT IN ($4, $5)
	`

	result, err := s.db.ExecContext(ctx, query, predictionID, metadata, jobID,
		tryon.StatusCompleted, tryon.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return s.checkSuperseded(result, jobID)
}

// CompletionFields carries the result of a successful strategy run.
type CompletionFields struct {
	ResultImageURL string
	UpperResultURL string
	ProcessingTime int64
	Metadata       tryon.Metadata
	HistoryID      string
}

// CompleteJob performs the terminal COMPLETED write, setting
// completed_at exactly once.
func (s *Storage) CompleteJob(ctx context.Context, jobID string, fields CompletionFields) error {
	query := `
		UPDATE tryon_jobs
		SET status = $1,
		    result_image_url = $2,
		    upper_result_url = $3,
		    processing_time_ms = $4,
		    metadata = COALESCE($5, metadata),
		    history_id = $6,
		    completed_at = NOW()
		WHERE job_id = $7
		  AND status NOT IN ($1, $8)
	`

	result, err := s.db.ExecContext(ctx, query, tryon.StatusCompleted,
		fields.ResultImageURL, fields.UpperResultURL, fields.ProcessingTime,
		fields.Metadata, fields.HistoryID, jobID, tryon.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return s.checkSuperseded(result, jobID)
}

// FailJob performs the terminal FAILED write, preserving the original
// error message verbatim.
func (s *Storage) FailJob(ctx context.Context, jobID, message string) error {
	query := `
		UPDATE tryon_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW()
		WHERE job_id = $3
		  AND status NOT IN ($1, $4)
	`

	result, err := s.db.ExecContext(ctx, query, tryon.StatusFailed, message, jobID, tryon.StatusCompleted)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}

	return s.checkSuperseded(result, jobID)
}

// CancelJob is the user-facing cancellation: a terminal FAILED write
// scoped to the owner. It distinguishes a missing job from one that
// already finished.
func (s *Storage) CancelJob(ctx context.Context, jobID, userID string) (*tryon.Job, error) {
	query := `
		UPDATE tryon_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW()
		WHERE job_id = $3
		  AND user_id = $4
		  AND status NOT IN ($1, $5)
		RETURNING ` + jobColumns

	var job tryon.Job
	err := s.db.GetContext(ctx, &job, query, tryon.StatusFailed, tryon.CancelledMessage,
		jobID, userID, tryon.StatusCompleted)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	// No row updated: either the job is gone / foreign, or terminal.
	existing, getErr := s.GetJob(ctx, jobID, userID)
	if getErr != nil {
		return nil, getErr
	}
	if tryon.IsTerminal(existing.Status) {
		return nil, tryon.ErrJobFinished
	}
	return nil, fmt.Errorf("failed to cancel job %s: no row updated", jobID)
}

// DefaultModelImage returns the caller's stored profile image, or an
// empty string when none is set.
func (s *Storage) DefaultModelImage(ctx context.Context, userID string) (string, error) {
	query := `SELECT COALESCE(default_model_image_url, '') FROM users WHERE user_id = $1`

	var url string
	if err := s.db.GetContext(ctx, &url, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get default model image: %w", err)
	}

	return url, nil
}

func (s *Storage) checkSuperseded(result sql.Result, jobID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job write superseded by a terminal transition",
			slog.String("job_id", jobID),
		)
		return tryon.ErrJobSuperseded
	}
	return nil
}
