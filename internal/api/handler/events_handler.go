package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StreamEvents handles GET /api/v1/tryon/events
// Subscribes the connection to the caller's job-event channel and
// streams events over SSE until the client disconnects. Delivery is
// best-effort: a disconnected client misses events and reconciles by
// polling the status endpoint on reconnect.
func (h *TryOnHandler) StreamEvents(c *gin.Context) {
	userID := callerID(c)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	events, cancel := h.hub.Subscribe(userID)
	defer cancel()

	h.logger.Info("Event subscriber connected",
		slog.String("user_id", userID),
	)

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.Name, event.Payload)
			return true
		}
	})

	h.logger.Info("Event subscriber disconnected",
		slog.String("user_id", userID),
	)
}
