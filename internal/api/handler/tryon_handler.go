package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fitroom/tryon-backend/internal/api/dto"
	"github.com/fitroom/tryon-backend/internal/tryon"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// UserIDKey is the gin context key under which the identity middleware
// stores the authenticated caller's user ID.
const UserIDKey = "user_id"

func callerID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// SubmitJob handles POST /api/v1/tryon/jobs
// Accepts a try-on request, persists a PENDING job, and enqueues it
// for the worker. The call returns before any processing starts.
func (h *TryOnHandler) SubmitJob(c *gin.Context) {
	userID := callerID(c)

	var req dto.SubmitTryOnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job := tryon.Job{
		JobID:           uuid.New().String(),
		UserID:          userID,
		ModelImageURL:   req.ModelImageURL,
		GarmentURLs:     req.GarmentURLs,
		UpperGarmentURL: req.UpperGarmentURL,
		LowerGarmentURL: req.LowerGarmentURL,
		OutfitImageURL:  req.OutfitImageURL,
		Category:        req.Category,
		Mode:            req.Mode,
		Seed:            -1,
		SaveToHistory:   req.SaveToHistory,
		Status:          tryon.StatusPending,
		CreatedAt:       time.Now(),
	}

	// An absent seed is randomized later; an explicit one, zero
	// included, is pinned so the caller can reproduce the result.
	if req.Seed != nil {
		if *req.Seed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "seed must be non-negative",
			})
			return
		}
		job.Seed = *req.Seed
	}

	// Fall back to the caller's stored profile image before
	// validating; validation failures create no job row.
	if job.ModelImageURL == "" {
		defaultImage, err := h.store.DefaultModelImage(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("Failed to load default model image",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to submit job",
			})
			return
		}
		job.ModelImageURL = defaultImage
	}

	if err := job.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	// Seed, category, and mode are fixed here for the job's lifetime.
	job.ApplyDefaults()

	if err := h.store.CreateJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	body, err := json.Marshal(map[string]string{"job_id": job.JobID})
	if err == nil {
		err = h.queue.PublishWithRetry(c.Request.Context(), body, "application/json")
	}
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		// The row exists but no worker will ever see it; fail it so
		// pollers are not left with a job stuck in PENDING, and tell
		// push subscribers the same thing.
		if failErr := h.store.FailJob(c.Request.Context(), job.JobID, "failed to enqueue job"); failErr != nil {
			h.logger.Error("Failed to mark unenqueued job as failed",
				slog.String("job_id", job.JobID),
				slog.String("error", failErr.Error()),
			)
		} else {
			job.Status = tryon.StatusFailed
			job.ErrorMessage = "failed to enqueue job"
			for _, event := range tryon.Events(&job) {
				if pubErr := h.events.Publish(c.Request.Context(), userID, event); pubErr != nil {
					h.logger.Warn("Failed to publish enqueue-failure event",
						slog.String("job_id", job.JobID),
						slog.String("event", event.Name),
						slog.String("error", pubErr.Error()),
					)
				}
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	h.logger.Info("Try-on job accepted",
		slog.String("job_id", job.JobID),
		slog.String("user_id", userID),
		slog.String("strategy", string(job.SelectStrategy())),
	)

	c.JSON(http.StatusAccepted, dto.SubmitTryOnResponse{
		JobID:     job.JobID,
		Status:    job.Status,
		Message:   "Try-on job accepted for processing",
		CreatedAt: job.CreatedAt,
	})
}

// GetJob handles GET /api/v1/tryon/jobs/:job_id
// Returns the job snapshot scoped to the caller.
func (h *TryOnHandler) GetJob(c *gin.Context) {
	userID := callerID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, tryon.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(job))
}

// ListJobs handles GET /api/v1/tryon/jobs
// Lists the caller's jobs, newest first, with an optional status
// filter.
func (h *TryOnHandler) ListJobs(c *gin.Context) {
	userID := callerID(c)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultListLimit
	}
	if req.Limit > maxListLimit {
		req.Limit = maxListLimit
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), userID, req.Status, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	responses := make([]dto.TryOnJobResponse, len(jobs))
	for i := range jobs {
		responses[i] = dto.FromJob(&jobs[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs": responses,
	})
}

// CancelJob handles POST /api/v1/tryon/jobs/:job_id/cancel
// Best-effort cooperative cancellation: the job is flipped to FAILED
// but an in-flight try-on call is not interrupted. If the worker's
// terminal write landed first, the cancel is rejected as a conflict.
func (h *TryOnHandler) CancelJob(c *gin.Context) {
	userID := callerID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.CancelJob(c.Request.Context(), jobID, userID)
	if err != nil {
		switch {
		case errors.Is(err, tryon.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
		case errors.Is(err, tryon.ErrJobFinished):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job already finished",
			})
		default:
			h.logger.Error("Failed to cancel job",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
		}
		return
	}

	h.logger.Info("Job cancelled by user",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)

	for _, event := range tryon.Events(job) {
		if pubErr := h.events.Publish(c.Request.Context(), userID, event); pubErr != nil {
			h.logger.Warn("Failed to publish cancel event",
				slog.String("job_id", jobID),
				slog.String("event", event.Name),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	c.Status(http.StatusNoContent)
}

// DeleteHistory handles DELETE /api/v1/tryon/history/:history_id
// Removes a saved history record; the job row it references stays.
func (h *TryOnHandler) DeleteHistory(c *gin.Context) {
	userID := callerID(c)
	historyID := c.Param("history_id")

	if _, err := uuid.Parse(historyID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "history_id must be a valid UUID",
		})
		return
	}

	if err := h.store.DeleteHistory(c.Request.Context(), historyID, userID); err != nil {
		if errors.Is(err, tryon.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "History record not found",
			})
			return
		}
		h.logger.Error("Failed to delete history record",
			slog.String("history_id", historyID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete history record",
		})
		return
	}

	c.Status(http.StatusNoContent)
}
