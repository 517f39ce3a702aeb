package tryon

import "time"

// Event names pushed to subscribed clients. EventJobUpdate is emitted
// on every status write; the named events are redundant views of the
// same transition for clients that only care about one of them.
const (
	EventJobUpdate     = "job-update"
	EventJobProcessing = "job-processing"
	EventJobCompleted  = "job-completed"
	EventJobFailed     = "job-failed"
)

// JobUpdatePayload is the wire shape of every job event.
type JobUpdatePayload struct {
	JobID          string     `json:"jobId"`
	UserID         string     `json:"userId"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	Step           string     `json:"step,omitempty"`
	ResultImageURL string     `json:"resultImageUrl,omitempty"`
	UpperResultURL string     `json:"upperResultUrl,omitempty"`
	ProcessingTime int64      `json:"processingTime,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	HistoryID      string     `json:"historyId,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	Metadata       Metadata   `json:"metadata,omitempty"`
}

// Event pairs an event name with its payload.
type Event struct {
	Name    string           `json:"event"`
	Payload JobUpdatePayload `json:"data"`
}

// Events builds the events for a job's current state: the generic
// job-update first, followed by the named view of the same transition
// when one applies. The generic event is emitted exactly once per
// status write, in state order.
func Events(job *Job) []Event {
	payload := JobUpdatePayload{
		JobID:          job.JobID,
		UserID:         job.UserID,
		Status:         job.Status,
		Progress:       Progress(job.Status),
		ResultImageURL: job.ResultImageURL,
		UpperResultURL: job.UpperResultURL,
		ProcessingTime: job.ProcessingTime,
		ErrorMessage:   job.ErrorMessage,
		HistoryID:      job.HistoryID,
		CompletedAt:    job.CompletedAt,
		Metadata:       job.Metadata,
	}

	events := []Event{{Name: EventJobUpdate, Payload: payload}}

	switch job.Status {
	case StatusProcessingUpper:
		named := payload
		named.Step = "upper"
		events = append(events, Event{Name: EventJobProcessing, Payload: named})
	case StatusProcessingLower:
		named := payload
		named.Step = "lower"
		events = append(events, Event{Name: EventJobProcessing, Payload: named})
	case StatusCompleted:
		events = append(events, Event{Name: EventJobCompleted, Payload: payload})
	case StatusFailed:
		events = append(events, Event{Name: EventJobFailed, Payload: payload})
	}

	return events
}
