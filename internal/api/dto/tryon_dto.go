package dto

import (
	"time"

	"github.com/fitroom/tryon-backend/internal/tryon"
)

// SubmitTryOnRequest is the submit payload. Exactly one of the three
// garment-input shapes must be present; modelImageUrl may be omitted
// when the caller has a default profile image on file.
type SubmitTryOnRequest struct {
	ModelImageURL   string   `json:"modelImageUrl"`
	GarmentURLs     []string `json:"garmentUrls"`
	UpperGarmentURL string   `json:"upperGarmentUrl"`
	LowerGarmentURL string   `json:"lowerGarmentUrl"`
	OutfitImageURL  string   `json:"outfitImageUrl"`
	Category        string   `json:"category"`
	Mode            string   `json:"mode"`
	Seed            *int     `json:"seed"`
	SaveToHistory   bool     `json:"saveToHistory"`
}

// SubmitTryOnResponse acknowledges an accepted job.
type SubmitTryOnResponse struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListJobsRequest carries the list query parameters.
type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

// TryOnJobResponse is the full job snapshot returned by the status and
// list endpoints.
type TryOnJobResponse struct {
	JobID           string         `json:"jobId"`
	Status          string         `json:"status"`
	Progress        int            `json:"progress"`
	ModelImageURL   string         `json:"modelImageUrl"`
	GarmentURLs     []string       `json:"garmentUrls,omitempty"`
	UpperGarmentURL string         `json:"upperGarmentUrl,omitempty"`
	LowerGarmentURL string         `json:"lowerGarmentUrl,omitempty"`
	OutfitImageURL  string         `json:"outfitImageUrl,omitempty"`
	ResultImageURL  string         `json:"resultImageUrl,omitempty"`
	UpperResultURL  string         `json:"upperResultUrl,omitempty"`
	ProcessingTime  int64          `json:"processingTime,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	HistoryID       string         `json:"historyId,omitempty"`
	Metadata        tryon.Metadata `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// FromJob maps a job entity to its response shape, deriving the fixed
// per-state progress value.
func FromJob(job *tryon.Job) TryOnJobResponse {
	return TryOnJobResponse{
		JobID:           job.JobID,
		Status:          job.Status,
		Progress:        tryon.Progress(job.Status),
		ModelImageURL:   job.ModelImageURL,
		GarmentURLs:     job.GarmentURLs,
		UpperGarmentURL: job.UpperGarmentURL,
		LowerGarmentURL: job.LowerGarmentURL,
		OutfitImageURL:  job.OutfitImageURL,
		ResultImageURL:  job.ResultImageURL,
		UpperResultURL:  job.UpperResultURL,
		ProcessingTime:  job.ProcessingTime,
		ErrorMessage:    job.ErrorMessage,
		HistoryID:       job.HistoryID,
		Metadata:        job.Metadata,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
}
