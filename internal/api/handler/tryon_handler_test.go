package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitroom/tryon-backend/internal/api/dto"
	"github.com/fitroom/tryon-backend/internal/tryon"
)

type fakeJobStore struct {
	mu sync.Mutex

	jobs             map[string]*tryon.Job
	defaultModel     map[string]string
	history          map[string]string
	createErr        error
	defaultModelErr  error
	failedJobs       []string
	deletedHistories []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:         make(map[string]*tryon.Job),
		defaultModel: make(map[string]string),
		history:      make(map[string]string),
	}
}

func (s *fakeJobStore) CreateJob(_ context.Context, job *tryon.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	clone := *job
	s.jobs[job.JobID] = &clone
	return nil
}

func (s *fakeJobStore) GetJob(_ context.Context, jobID, userID string) (*tryon.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, tryon.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *fakeJobStore) ListJobs(_ context.Context, userID, status string, limit int) ([]tryon.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tryon.Job
	for _, job := range s.jobs {
		if job.UserID != userID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeJobStore) CancelJob(_ context.Context, jobID, userID string) (*tryon.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.UserID != userID {
		return nil, tryon.ErrJobNotFound
	}
	if tryon.IsTerminal(job.Status) {
		return nil, tryon.ErrJobFinished
	}
	job.Status = tryon.StatusFailed
	job.ErrorMessage = tryon.CancelledMessage
	clone := *job
	return &clone, nil
}

func (s *fakeJobStore) FailJob(_ context.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedJobs = append(s.failedJobs, jobID)
	if job, ok := s.jobs[jobID]; ok {
		job.Status = tryon.StatusFailed
		job.ErrorMessage = message
	}
	return nil
}

func (s *fakeJobStore) DefaultModelImage(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultModelErr != nil {
		return "", s.defaultModelErr
	}
	return s.defaultModel[userID], nil
}

func (s *fakeJobStore) DeleteHistory(_ context.Context, historyID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.history[historyID]
	if !ok || owner != userID {
		return tryon.ErrJobNotFound
	}
	delete(s.history, historyID)
	s.deletedHistories = append(s.deletedHistories, historyID)
	return nil
}

type fakeQueue struct {
	mu        sync.Mutex
	published [][]byte
	err       error
}

func (q *fakeQueue) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, body)
	return nil
}

type fakeEventSink struct {
	mu     sync.Mutex
	events []tryon.Event
}

func (p *fakeEventSink) Publish(_ context.Context, _ string, event tryon.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeEventSink) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.events))
	for i, e := range p.events {
		names[i] = e.Name
	}
	return names
}

type handlerFixture struct {
	store  *fakeJobStore
	queue  *fakeQueue
	events *fakeEventSink
	router *gin.Engine
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		store:  newFakeJobStore(),
		queue:  &fakeQueue{},
		events: &fakeEventSink{},
	}

	h := NewTryOnHandler(&Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  f.store,
		Queue:  f.queue,
		Events: f.events,
	})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(UserIDKey, c.GetHeader("X-User-ID"))
	})
	r.POST("/jobs", h.SubmitJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:job_id", h.GetJob)
	r.POST("/jobs/:job_id/cancel", h.CancelJob)
	r.DELETE("/history/:history_id", h.DeleteHistory)
	f.router = r
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSubmitJob_GarmentSet(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(t, http.MethodPost, "/jobs", dto.SubmitTryOnRequest{
		ModelImageURL: "https://img.example/model.jpg",
		GarmentURLs:   []string{"https://img.example/g1.jpg", "https://img.example/g2.jpg"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitTryOnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, tryon.StatusPending, resp.Status)
	require.NoError(t, uuid.Validate(resp.JobID))

	// One message enqueued, carrying only the job id.
	require.Len(t, f.queue.published, 1)
	var msg map[string]string
	require.NoError(t, json.Unmarshal(f.queue.published[0], &msg))
	assert.Equal(t, resp.JobID, msg["job_id"])

	stored := f.store.jobs[resp.JobID]
	require.NotNil(t, stored)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, tryon.DefaultCategory, stored.Category)
	assert.Equal(t, tryon.DefaultMode, stored.Mode)
	assert.GreaterOrEqual(t, stored.Seed, 0)
}

func TestSubmitJob_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  dto.SubmitTryOnRequest
	}{
		{
			name: "no garment input",
			req: dto.SubmitTryOnRequest{
				ModelImageURL: "https://img.example/model.jpg",
			},
		},
		{
			name: "upper without lower",
			req: dto.SubmitTryOnRequest{
				ModelImageURL:   "https://img.example/model.jpg",
				UpperGarmentURL: "https://img.example/upper.jpg",
			},
		},
		{
			name: "no model image and no default",
			req: dto.SubmitTryOnRequest{
				GarmentURLs: []string{"https://img.example/g1.jpg"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			w := f.do(t, http.MethodPost, "/jobs", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, f.store.jobs, "no job row on validation failure")
			assert.Empty(t, f.queue.published)
		})
	}
}

func TestSubmitJob_ExplicitSeed(t *testing.T) {
	f := newHandlerFixture(t)

	// Zero is a legitimate seed and must survive to the stored job.
	seed := 0
	w := f.do(t, http.MethodPost, "/jobs", dto.SubmitTryOnRequest{
		ModelImageURL: "https://img.example/model.jpg",
		GarmentURLs:   []string{"https://img.example/g1.jpg"},
		Seed:          &seed,
	})

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitTryOnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, f.store.jobs[resp.JobID].Seed)

	// Negative seeds are rejected rather than silently randomized.
	bad := -1
	w = f.do(t, http.MethodPost, "/jobs", dto.SubmitTryOnRequest{
		ModelImageURL: "https://img.example/model.jpg",
		GarmentURLs:   []string{"https://img.example/g1.jpg"},
		Seed:          &bad,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, f.store.jobs, 1)
}

func TestSubmitJob_DefaultModelImageFallback(t *testing.T) {
	f := newHandlerFixture(t)
	f.store.defaultModel["user-1"] = "https://img.example/profile.jpg"

	w := f.do(t, http.MethodPost, "/jobs", dto.SubmitTryOnRequest{
		OutfitImageURL: "https://img.example/outfit.jpg",
	})

	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitTryOnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "https://img.example/profile.jpg", f.store.jobs[resp.JobID].ModelImageURL)
}

func TestSubmitJob_EnqueueFailureFailsJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.queue.err = fmt.Errorf("broker unavailable")

	w := f.do(t, http.MethodPost, "/jobs", dto.SubmitTryOnRequest{
		ModelImageURL: "https://img.example/model.jpg",
		GarmentURLs:   []string{"https://img.example/g1.jpg"},
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	// The orphaned row is failed so pollers are not stuck on PENDING.
	require.Len(t, f.store.failedJobs, 1)
	assert.Equal(t, tryon.StatusFailed, f.store.jobs[f.store.failedJobs[0]].Status)

	// Push subscribers hear about the failure too.
	assert.Equal(t, []string{tryon.EventJobUpdate, tryon.EventJobFailed}, f.events.names())
}

func TestGetJob(t *testing.T) {
	f := newHandlerFixture(t)
	jobID := uuid.New().String()
	f.store.jobs[jobID] = &tryon.Job{
		JobID:  jobID,
		UserID: "user-1",
		Status: tryon.StatusProcessingLower,
	}

	w := f.do(t, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.TryOnJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, tryon.StatusProcessingLower, resp.Status)
	assert.Equal(t, 75, resp.Progress)
}

func TestGetJob_Errors(t *testing.T) {
	f := newHandlerFixture(t)
	otherUsers := uuid.New().String()
	f.store.jobs[otherUsers] = &tryon.Job{
		JobID:  otherUsers,
		UserID: "user-2",
		Status: tryon.StatusPending,
	}

	w := f.do(t, http.MethodGet, "/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Another user's job is indistinguishable from a missing one.
	w = f.do(t, http.MethodGet, "/jobs/"+otherUsers, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	f := newHandlerFixture(t)
	for i := 0; i < 3; i++ {
		id := uuid.New().String()
		status := tryon.StatusPending
		if i == 0 {
			status = tryon.StatusCompleted
		}
		f.store.jobs[id] = &tryon.Job{JobID: id, UserID: "user-1", Status: status}
	}
	foreign := uuid.New().String()
	f.store.jobs[foreign] = &tryon.Job{JobID: foreign, UserID: "user-2", Status: tryon.StatusPending}

	w := f.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []dto.TryOnJobResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 3)

	w = f.do(t, http.MethodGet, "/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)
}

func TestCancelJob(t *testing.T) {
	f := newHandlerFixture(t)
	jobID := uuid.New().String()
	f.store.jobs[jobID] = &tryon.Job{
		JobID:  jobID,
		UserID: "user-1",
		Status: tryon.StatusProcessingUpper,
	}

	w := f.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, tryon.StatusFailed, f.store.jobs[jobID].Status)
	assert.Equal(t, tryon.CancelledMessage, f.store.jobs[jobID].ErrorMessage)

	// Cancellation announces itself like any other terminal write.
	assert.Equal(t, []string{tryon.EventJobUpdate, tryon.EventJobFailed}, f.events.names())
}

func TestCancelJob_AlreadyFinished(t *testing.T) {
	f := newHandlerFixture(t)
	jobID := uuid.New().String()
	f.store.jobs[jobID] = &tryon.Job{
		JobID:  jobID,
		UserID: "user-1",
		Status: tryon.StatusCompleted,
	}

	w := f.do(t, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, f.events.names())
}

func TestCancelJob_NotFound(t *testing.T) {
	f := newHandlerFixture(t)
	w := f.do(t, http.MethodPost, "/jobs/"+uuid.New().String()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteHistory(t *testing.T) {
	f := newHandlerFixture(t)
	historyID := uuid.New().String()
	f.store.history[historyID] = "user-1"

	w := f.do(t, http.MethodDelete, "/history/"+historyID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{historyID}, f.store.deletedHistories)

	w = f.do(t, http.MethodDelete, "/history/"+historyID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
