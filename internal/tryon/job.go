package tryon

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Job status constants. A job walks PENDING -> PROCESSING_UPPER ->
// [PROCESSING_LOWER ->] COMPLETED, or drops to FAILED from any
// non-terminal state.
const (
	StatusPending         = "pending"
	StatusProcessingUpper = "processing_upper"
	StatusProcessingLower = "processing_lower"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// Strategy identifies how the worker turns the garment inputs into a
// single effective garment image for the try-on call.
type Strategy string

const (
	// StrategyGarmentSet combines an arbitrary set of garment images.
	StrategyGarmentSet Strategy = "garment_set"
	// StrategyOutfit uses a single pre-combined outfit image as-is.
	StrategyOutfit Strategy = "outfit"
	// StrategyUpperLower combines an upper+lower pair. Kept for older
	// clients; it still reports progress through processing_lower.
	StrategyUpperLower Strategy = "upper_lower"
)

// Defaults applied at submit time. They are fixed for the job's
// lifetime once chosen.
const (
	DefaultCategory = "auto"
	DefaultMode     = "quality"
	MaxSeed         = 1_000_000
)

// CancelledMessage is the error message recorded on user cancellation.
const CancelledMessage = "Job cancelled by user"

// Metadata is a free-form diagnostics map stored alongside the job
// (credits consumed, intermediate artifact URLs, strategy details).
type Metadata map[string]any

// Value implements driver.Valuer so Metadata round-trips as JSONB.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("metadata: cannot scan %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// StringSlice stores a list of URLs as a JSONB array.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *StringSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("string slice: cannot scan %T", src)
	}
	if len(data) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(data, s)
}

// Job is the central entity: one user-submitted try-on request and its
// processing state. Inputs are immutable once created; the mutable
// fields are written only by the single worker that owns the job.
type Job struct {
	JobID  string `db:"job_id"`
	UserID string `db:"user_id"`

	ModelImageURL   string      `db:"model_image_url"`
	GarmentURLs     StringSlice `db:"garment_urls"`
	UpperGarmentURL string      `db:"upper_garment_url"`
	LowerGarmentURL string      `db:"lower_garment_url"`
	OutfitImageURL  string      `db:"outfit_image_url"`
	Category        string      `db:"category"`
	Mode            string      `db:"mode"`
	Seed            int         `db:"seed"`
	SaveToHistory   bool        `db:"save_to_history"`

	Status         string   `db:"status"`
	PredictionID   string   `db:"prediction_id"`
	ResultImageURL string   `db:"result_image_url"`
	UpperResultURL string   `db:"upper_result_url"`
	ProcessingTime int64    `db:"processing_time_ms"`
	ErrorMessage   string   `db:"error_message"`
	Metadata       Metadata `db:"metadata"`
	HistoryID      string   `db:"history_id"`

	CreatedAt   time.Time  `db:"created_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// IsTerminal reports whether the status permits no further mutation.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Progress maps a status to its fixed progress percentage. The exact
// values are a wire-format contract and must not change.
func Progress(status string) int {
	switch status {
	case StatusProcessingUpper:
		return 25
	case StatusProcessingLower:
		return 75
	case StatusCompleted:
		return 100
	default:
		// pending, failed and anything unknown report zero.
		return 0
	}
}

// SelectStrategy picks the processing strategy from which input fields
// are populated. A garment set wins over an outfit image, which wins
// over the upper+lower pair.
func (j *Job) SelectStrategy() Strategy {
	switch {
	case len(j.GarmentURLs) > 0:
		return StrategyGarmentSet
	case j.OutfitImageURL != "":
		return StrategyOutfit
	default:
		return StrategyUpperLower
	}
}

// HasGarmentInput reports whether any recognized garment shape is set.
func (j *Job) HasGarmentInput() bool {
	if len(j.GarmentURLs) > 0 || j.OutfitImageURL != "" {
		return true
	}
	return j.UpperGarmentURL != "" && j.LowerGarmentURL != ""
}

// ApplyDefaults fills in the submit-time defaults for seed, category
// and mode. A negative seed marks "not supplied" and is randomized
// exactly once; an explicit seed, zero included, is kept as-is for
// the job's lifetime.
func (j *Job) ApplyDefaults() {
	if j.Seed < 0 {
		j.Seed = rand.Intn(MaxSeed)
	}
	if strings.TrimSpace(j.Category) == "" {
		j.Category = DefaultCategory
	}
	if strings.TrimSpace(j.Mode) == "" {
		j.Mode = DefaultMode
	}
}

// Validate checks the submit preconditions. It is called before any
// job row is created, after the profile-default model image fallback
// has been applied.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.ModelImageURL) == "" {
		return ErrNoModelImage
	}
	if !j.HasGarmentInput() {
		return ErrNoGarmentInput
	}
	return nil
}
