package imagestore

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

// ErrMissingBaseURL indicates the client was configured without an
// endpoint.
var ErrMissingBaseURL = errors.New("imagestore: base url is required")

const defaultTimeout = 30 * time.Second

// Options configures the image store client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the object-storage gateway that persists result
// images behind stable URLs. Persistence here is best-effort for job
// success: callers that fail an upload fall back to the upstream URL.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

type uploadResponse struct {
	URL   string `json:"url"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

// NewClient constructs a client with sane defaults.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// UploadBuffer persists raw image bytes and returns the stored URL.
func (c *Client) UploadBuffer(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/png"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("imagestore: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	return c.send(req)
}

// UploadFromURL asks the gateway to fetch a remote image and persist
// it, returning the stored URL.
func (c *Client) UploadFromURL(ctx context.Context, sourceURL string) (string, error) {
	payload, err := json.Marshal(map[string]string{"url": sourceURL})
	if err != nil {
		return "", fmt.Errorf("imagestore: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload-from-url", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("imagestore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.send(req)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) send(req *http.Request) (string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("imagestore: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("imagestore: read response: %w", err)
	}

	var parsed uploadResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("imagestore: parse response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := parsed.Error
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("imagestore: %s", msg)
	}

	if parsed.URL == "" {
		return "", errors.New("imagestore: response missing url")
	}

	return parsed.URL, nil
}
