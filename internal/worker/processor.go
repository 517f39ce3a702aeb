package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fitroom/tryon-backend/internal/fashn"
	"github.com/fitroom/tryon-backend/internal/tryon"
	"github.com/fitroom/tryon-backend/internal/tryon/storage"
)

// strategyResult carries the outcome of a successful strategy run.
type strategyResult struct {
	resultImageURL string
	predictionID   string
	metadata       tryon.Metadata
}

// processJob drives a single job from claim to terminal state. Every
// path after a successful claim ends in exactly one terminal status
// write; errors never escape to the caller except pre-claim, where the
// message may be requeued.
func (w *Worker) processJob(ctx context.Context, msg *JobMessage) (err error) {
	// Strategy execution runs under the per-job timeout; the terminal
	// status write and its events must still land after the timeout
	// fires, so they run on a context that survives it.
	termCtx := context.WithoutCancel(ctx)

	runCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	// Claim the job: PENDING -> PROCESSING_UPPER. A job cancelled
	// before the worker got to it, or already claimed elsewhere, is
	// skipped without touching the queue again.
	job, err := w.store.ClaimJob(runCtx, msg.JobID)
	if err != nil {
		if errors.Is(err, tryon.ErrJobSuperseded) || errors.Is(err, tryon.ErrJobNotFound) {
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", msg.JobID),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		return &errClaimFailed{err: err}
	}

	// A panic in strategy code must still land the job in FAILED.
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while processing job",
				slog.String("job_id", job.JobID),
				slog.Any("panic", r),
			)
			w.failJob(termCtx, job, fmt.Sprintf("internal error: %v", r))
			err = nil
		}
	}()

	// First broadcast: the claim's status write just happened.
	w.publishJobEvents(runCtx, job)

	started := time.Now()
	result, runErr := w.runStrategy(runCtx, job)
	if runErr != nil {
		if errors.Is(runErr, tryon.ErrJobSuperseded) {
			w.logger.Info("Job cancelled while processing, stopping",
				slog.String("job_id", job.JobID),
			)
			return nil
		}
		w.failJob(termCtx, job, runErr.Error())
		return nil
	}

	w.completeJob(termCtx, job, result, time.Since(started))
	return nil
}

// runStrategy produces a single effective garment image for the job's
// strategy and performs exactly one try-on call with it.
func (w *Worker) runStrategy(ctx context.Context, job *tryon.Job) (*strategyResult, error) {
	strategy := job.SelectStrategy()
	w.logger.Info("Processing job",
		slog.String("job_id", job.JobID),
		slog.String("strategy", string(strategy)),
		slog.String("mode", job.Mode),
		slog.Int("seed", job.Seed),
	)

	var (
		garmentImage string
		category     string
		metadata     = tryon.Metadata{"strategy": string(strategy)}
	)

	switch strategy {
	case tryon.StrategyGarmentSet:
		combinedURL, err := w.combineAndUpload(ctx, job, job.GarmentURLs, metadata)
		if err != nil {
			return nil, err
		}
		metadata["garment_count"] = len(job.GarmentURLs)
		garmentImage = combinedURL
		// The combined image mixes garment types, so the remote model
		// infers the category itself.
		category = tryon.DefaultCategory

	case tryon.StrategyOutfit:
		garmentImage = job.OutfitImageURL
		category = job.Category

	case tryon.StrategyUpperLower:
		combinedURL, err := w.combineAndUpload(ctx, job, []string{job.UpperGarmentURL, job.LowerGarmentURL}, metadata)
		if err != nil {
			return nil, err
		}
		garmentImage = combinedURL
		category = tryon.DefaultCategory

		// Older clients expect progress to pass through the second
		// processing state even though only one try-on call is made.
		if err := w.store.SetProcessingLower(ctx, job.JobID); err != nil {
			return nil, err
		}
		job.Status = tryon.StatusProcessingLower
		w.publishJobEvents(ctx, job)
	}

	runResult, err := w.tryon.Run(ctx, fashn.RunRequest{
		ModelImage:   job.ModelImageURL,
		GarmentImage: garmentImage,
		Category:     category,
		Mode:         job.Mode,
		Seed:         job.Seed,
		NumSamples:   1,
	})
	if err != nil {
		return nil, err
	}

	metadata["credits_used"] = runResult.CreditsUsed
	if !runResult.Succeeded() {
		if runResult.Error != "" {
			return nil, errors.New(runResult.Error)
		}
		return nil, fmt.Errorf("try-on finished with status %q and no output", runResult.Status)
	}

	return &strategyResult{
		resultImageURL: runResult.Output[0],
		predictionID:   runResult.ID,
		metadata:       metadata,
	}, nil
}

// combineAndUpload merges the garment URLs into one image, persists
// it, records the intermediate artifact, and returns its URL. Unlike
// the result upload, a failure here is fatal: without a stored
// combination there is nothing to send to the try-on API.
func (w *Worker) combineAndUpload(ctx context.Context, job *tryon.Job, urls []string, metadata tryon.Metadata) (string, error) {
	combined, err := w.combiner.Combine(ctx, urls)
	if err != nil {
		return "", err
	}

	combinedURL, err := w.images.UploadBuffer(ctx, combined, "image/png")
	if err != nil {
		return "", fmt.Errorf("failed to upload combined garment image: %w", err)
	}

	metadata["combined_image_url"] = combinedURL
	if err := w.store.UpdateProgress(ctx, job.JobID, "", metadata); err != nil {
		return "", err
	}

	return combinedURL, nil
}

// completeJob persists the result and performs the terminal COMPLETED
// write. Result durability is best-effort: if the image store rejects
// the upload, the upstream URL is kept and the job still completes.
func (w *Worker) completeJob(ctx context.Context, job *tryon.Job, result *strategyResult, elapsed time.Duration) {
	resultURL, err := w.images.UploadFromURL(ctx, result.resultImageURL)
	if err != nil {
		w.logger.Warn("Failed to persist result image, keeping upstream URL",
			slog.String("job_id", job.JobID),
			slog.String("upstream_url", result.resultImageURL),
			slog.Any("error", err),
		)
		resultURL = result.resultImageURL
	}

	historyID := ""
	if job.SaveToHistory {
		historyID, err = w.store.CreateHistory(ctx, job, resultURL)
		if err != nil {
			w.logger.Warn("Failed to create history record",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			historyID = ""
		}
	}

	fields := storage.CompletionFields{
		ResultImageURL: resultURL,
		ProcessingTime: elapsed.Milliseconds(),
		Metadata:       result.metadata,
		HistoryID:      historyID,
	}

	if err := w.store.UpdateProgress(ctx, job.JobID, result.predictionID, nil); err != nil {
		if errors.Is(err, tryon.ErrJobSuperseded) {
			w.logger.Info("Job cancelled before completion write, cancellation stands",
				slog.String("job_id", job.JobID),
			)
			return
		}
		w.logger.Error("Failed to record prediction id",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	if err := w.store.CompleteJob(ctx, job.JobID, fields); err != nil {
		if errors.Is(err, tryon.ErrJobSuperseded) {
			w.logger.Info("Job cancelled before completion write, cancellation stands",
				slog.String("job_id", job.JobID),
			)
			return
		}
		w.logger.Error("Failed to mark job completed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	now := time.Now()
	job.Status = tryon.StatusCompleted
	job.ResultImageURL = resultURL
	job.ProcessingTime = fields.ProcessingTime
	job.Metadata = result.metadata
	job.HistoryID = historyID
	job.CompletedAt = &now
	w.publishJobEvents(ctx, job)

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.JobID),
		slog.Int64("processing_time_ms", fields.ProcessingTime),
	)
}

// failJob performs the terminal FAILED write with the original error
// message preserved verbatim. If the write loses to a concurrent
// cancellation, the cancellation stands and no event is emitted.
func (w *Worker) failJob(ctx context.Context, job *tryon.Job, message string) {
	if err := w.store.FailJob(ctx, job.JobID, message); err != nil {
		if errors.Is(err, tryon.ErrJobSuperseded) {
			w.logger.Info("Job already terminal, failure write skipped",
				slog.String("job_id", job.JobID),
			)
			return
		}
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	now := time.Now()
	job.Status = tryon.StatusFailed
	job.ErrorMessage = message
	job.CompletedAt = &now
	w.publishJobEvents(ctx, job)

	w.logger.Warn("Job failed",
		slog.String("job_id", job.JobID),
		slog.String("error", message),
	)
}
