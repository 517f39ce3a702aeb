package notifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fitroom/tryon-backend/internal/tryon"
)

// Publisher delivers job events to a user's live subscribers. The
// worker publishes through AMQP so every API instance sees the event;
// tests and single-process setups can publish straight into a Hub.
type Publisher interface {
	Publish(ctx context.Context, userID string, event tryon.Event) error
}

// subscriberBuffer bounds each subscriber channel. A subscriber that
// falls this far behind starts losing events; there is no durability
// guarantee and clients reconcile by polling on reconnect.
const subscriberBuffer = 16

// Hub is the in-memory subscriber registry: user ID to the set of live
// connections. It is process-local; a restart drops all subscriptions.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan tryon.Event]struct{}
	logger      *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan tryon.Event]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a new live connection for the given user and
// returns its event channel plus a cancel function. Cancel is safe to
// call more than once.
func (h *Hub) Subscribe(userID string) (<-chan tryon.Event, func()) {
	ch := make(chan tryon.Event, subscriberBuffer)

	h.mu.Lock()
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan tryon.Event]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs := h.subscribers[userID]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subscribers, userID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish broadcasts an event to every live subscriber of the user.
// Delivery is in publish order per subscriber; a full subscriber
// channel drops the event rather than blocking the publisher.
func (h *Hub) Publish(_ context.Context, userID string, event tryon.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[userID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("Dropping event for slow subscriber",
				slog.String("user_id", userID),
				slog.String("event", event.Name),
				slog.String("job_id", event.Payload.JobID),
			)
		}
	}

	return nil
}

// SubscriberCount returns the number of live connections for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
