package fashn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Options{
		APIKey:       "test-key",
		BaseURL:      server.URL,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	return client, server
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Options{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestClient_Run_CompletesAfterPolling(t *testing.T) {
	var statusCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "tryon-v1.6", payload["model_name"])

		inputs := payload["inputs"].(map[string]any)
		assert.Equal(t, "https://x/model.png", inputs["model_image"])
		assert.Equal(t, "https://x/garment.png", inputs["garment_image"])
		assert.Equal(t, "auto", inputs["category"])

		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-1",
			"status": "starting",
		})
	})
	mux.HandleFunc("/status/pred-1", func(w http.ResponseWriter, r *http.Request) {
		if statusCalls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "pred-1",
				"status": "processing",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "pred-1",
			"status":       "completed",
			"output":       []string{"https://upstream/result.png"},
			"credits_used": 2,
		})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.Run(context.Background(), RunRequest{
		ModelImage:   "https://x/model.png",
		GarmentImage: "https://x/garment.png",
		Category:     "auto",
		Mode:         "quality",
		Seed:         42,
	})
	require.NoError(t, err)

	assert.Equal(t, "pred-1", result.ID)
	assert.True(t, result.Succeeded())
	assert.Equal(t, []string{"https://upstream/result.png"}, result.Output)
	assert.Equal(t, 2, result.CreditsUsed)
	assert.GreaterOrEqual(t, statusCalls.Load(), int32(3))
}

func TestClient_Run_SurfacesUpstreamFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-2",
			"status": "failed",
			"error": map[string]any{
				"name":    "PoseError",
				"message": "Could not detect a person in the model image",
			},
		})
	})

	client, _ := newTestClient(t, mux)

	result, err := client.Run(context.Background(), RunRequest{
		ModelImage:   "https://x/model.png",
		GarmentImage: "https://x/garment.png",
	})
	require.NoError(t, err)

	assert.False(t, result.Succeeded())
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, "Could not detect a person in the model image", result.Error)
}

func TestClient_Run_NonSuccessStatusCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Insufficient credits"},
		})
	})

	client, _ := newTestClient(t, mux)

	_, err := client.Run(context.Background(), RunRequest{
		ModelImage:   "https://x/model.png",
		GarmentImage: "https://x/garment.png",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient credits")
}

func TestClient_Run_ContextCancelledWhilePolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "pred-3", "status": "starting"})
	})
	mux.HandleFunc("/status/pred-3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "pred-3", "status": "processing"})
	})

	client, _ := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Run(ctx, RunRequest{
		ModelImage:   "https://x/model.png",
		GarmentImage: "https://x/garment.png",
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
