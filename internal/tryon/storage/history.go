package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fitroom/tryon-backend/internal/tryon"
)

// CreateHistory writes the denormalized history record for a job that
// finished successfully with the save-to-history flag set. It is
// written exactly once per job, before the terminal COMPLETED write so
// that the job row can carry the history ID without being mutated
// after it reaches a terminal state.
func (s *Storage) CreateHistory(ctx context.Context, job *tryon.Job, resultImageURL string) (string, error) {
	historyID := uuid.New().String()
	query := `
		INSERT INTO tryon_history (
			history_id, job_id, user_id, model_image_url, garment_urls,
			upper_garment_url, lower_garment_url, outfit_image_url,
			result_image_url, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := s.db.ExecContext(ctx, query, historyID, job.JobID, job.UserID,
		job.ModelImageURL, job.GarmentURLs, job.UpperGarmentURL,
		job.LowerGarmentURL, job.OutfitImageURL, resultImageURL, time.Now())
	if err != nil {
		return "", fmt.Errorf("failed to create history record: %w", err)
	}

	return historyID, nil
}

// DeleteHistory removes a history record owned by the caller. The job
// row it references is kept as an audit trail.
func (s *Storage) DeleteHistory(ctx context.Context, historyID, userID string) error {
	query := `DELETE FROM tryon_history WHERE history_id = $1 AND user_id = $2`

	result, err := s.db.ExecContext(ctx, query, historyID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete history record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return tryon.ErrJobNotFound
	}

	return nil
}
