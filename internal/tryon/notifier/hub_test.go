package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitroom/tryon-backend/internal/tryon"
)

func newTestHub() *Hub {
	return NewHub(slog.Default())
}

func makeEvent(jobID, status string) tryon.Event {
	return tryon.Event{
		Name: tryon.EventJobUpdate,
		Payload: tryon.JobUpdatePayload{
			JobID:    jobID,
			UserID:   "user-1",
			Status:   status,
			Progress: tryon.Progress(status),
		},
	}
}

func TestHub_PublishDeliversInOrder(t *testing.T) {
	hub := newTestHub()
	ch, cancel := hub.Subscribe("user-1")
	defer cancel()

	statuses := []string{
		tryon.StatusProcessingUpper,
		tryon.StatusProcessingLower,
		tryon.StatusCompleted,
	}
	for _, status := range statuses {
		require.NoError(t, hub.Publish(context.Background(), "user-1", makeEvent("job-1", status)))
	}

	for _, want := range statuses {
		select {
		case event := <-ch:
			assert.Equal(t, want, event.Payload.Status)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestHub_PublishReachesAllSubscribers(t *testing.T) {
	hub := newTestHub()

	ch1, cancel1 := hub.Subscribe("user-1")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("user-1")
	defer cancel2()

	require.NoError(t, hub.Publish(context.Background(), "user-1", makeEvent("job-1", tryon.StatusCompleted)))

	for _, ch := range []<-chan tryon.Event{ch1, ch2} {
		select {
		case event := <-ch:
			assert.Equal(t, "job-1", event.Payload.JobID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestHub_UserIsolation(t *testing.T) {
	hub := newTestHub()

	ch, cancel := hub.Subscribe("user-2")
	defer cancel()

	require.NoError(t, hub.Publish(context.Background(), "user-1", makeEvent("job-1", tryon.StatusCompleted)))

	select {
	case event := <-ch:
		t.Fatalf("user-2 received user-1 event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelRemovesSubscriber(t *testing.T) {
	hub := newTestHub()

	_, cancel := hub.Subscribe("user-1")
	assert.Equal(t, 1, hub.SubscriberCount("user-1"))

	cancel()
	assert.Equal(t, 0, hub.SubscriberCount("user-1"))

	// Cancel is idempotent.
	cancel()
	assert.Equal(t, 0, hub.SubscriberCount("user-1"))

	// Publishing to a user with no subscribers is a no-op.
	require.NoError(t, hub.Publish(context.Background(), "user-1", makeEvent("job-1", tryon.StatusFailed)))
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := newTestHub()

	ch, cancel := hub.Subscribe("user-1")
	defer cancel()

	// Fill the buffer and then some; the publisher must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			_ = hub.Publish(context.Background(), "user-1", makeEvent(fmt.Sprintf("job-%d", i), tryon.StatusCompleted))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The buffered prefix is still delivered in order.
	for i := 0; i < subscriberBuffer; i++ {
		event := <-ch
		assert.Equal(t, fmt.Sprintf("job-%d", i), event.Payload.JobID)
	}
}
