package fashn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrMissingAPIKey indicates that the client was configured without
// credentials.
var ErrMissingAPIKey = errors.New("fashn: api key is required")

const (
	defaultBaseURL      = "https://api.fashn.ai/v1"
	defaultModel        = "tryon-v1.6"
	defaultPollInterval = 2 * time.Second
)

// Options configures the FASHN try-on client.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client performs HTTP calls against the FASHN try-on API. Run blocks
// until the remote model finishes one garment-application pass; the
// call is slow (seconds) and is only ever made from a worker goroutine.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	pollInterval time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// RunRequest captures the inputs for one try-on pass.
type RunRequest struct {
	ModelImage   string
	GarmentImage string
	Category     string
	Mode         string
	Seed         int
	NumSamples   int
}

// RunResult is the normalized terminal response from the API.
type RunResult struct {
	ID          string
	Status      string
	Output      []string
	Error       string
	CreditsUsed int
}

// Succeeded reports whether the remote pass finished with output.
func (r *RunResult) Succeeded() bool {
	return r.Status == "completed" && len(r.Output) > 0
}

type runPayload struct {
	ModelName string    `json:"model_name"`
	Inputs    runInputs `json:"inputs"`
}

type runInputs struct {
	ModelImage   string `json:"model_image"`
	GarmentImage string `json:"garment_image"`
	Category     string `json:"category,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Seed         int    `json:"seed,omitempty"`
	NumSamples   int    `json:"num_samples,omitempty"`
}

type predictionResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Output      []string `json:"output"`
	Error       *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
	CreditsUsed int `json:"credits_used"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:       opts.APIKey,
		baseURL:      baseURL,
		model:        model,
		pollInterval: pollInterval,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// Run submits one try-on pass and polls until the prediction reaches a
// terminal state. There is no overall deadline here; the remote
// operation is treated as long-running but eventually terminating, and
// the caller's context is the only way to abandon it.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	submitted, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Try-on prediction submitted",
		slog.String("prediction_id", submitted.ID),
		slog.String("status", submitted.Status),
	)

	pred := submitted
	for !isTerminalPrediction(pred.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		pred, err = c.status(ctx, submitted.ID)
		if err != nil {
			return nil, err
		}
	}

	result := &RunResult{
		ID:          pred.ID,
		Status:      pred.Status,
		Output:      pred.Output,
		CreditsUsed: pred.CreditsUsed,
	}
	if pred.Error != nil {
		result.Error = pred.Error.Message
		if result.Error == "" {
			result.Error = pred.Error.Name
		}
	}

	return result, nil
}

func (c *Client) submit(ctx context.Context, req RunRequest) (*predictionResponse, error) {
	payload := runPayload{
		ModelName: c.model,
		Inputs: runInputs{
			ModelImage:   req.ModelImage,
			GarmentImage: req.GarmentImage,
			Category:     req.Category,
			Mode:         req.Mode,
			Seed:         req.Seed,
			NumSamples:   req.NumSamples,
		},
	}

	return c.do(ctx, http.MethodPost, c.baseURL+"/run", payload)
}

func (c *Client) status(ctx context.Context, predictionID string) (*predictionResponse, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+"/status/"+predictionID, nil)
}

func (c *Client) do(ctx context.Context, method, url string, payload any) (*predictionResponse, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("fashn: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("fashn: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fashn: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fashn: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fashn: %s", upstreamErrorMessage(resp.StatusCode, data))
	}

	var pred predictionResponse
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, fmt.Errorf("fashn: parse response: %w", err)
	}

	return &pred, nil
}

// upstreamErrorMessage extracts the API's own error message so it can
// be surfaced verbatim into the job record.
func upstreamErrorMessage(statusCode int, data []byte) string {
	var parsed struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		switch v := parsed.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("unexpected status %d", statusCode)
}

func isTerminalPrediction(status string) bool {
	switch status {
	case "completed", "failed", "canceled":
		return true
	default:
		return false
	}
}
