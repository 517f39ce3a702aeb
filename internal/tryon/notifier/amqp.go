package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fitroom/tryon-backend/internal/tryon"
	"github.com/fitroom/tryon-backend/shared/rabbitmq"
)

// AMQPPublisher publishes job events to the fanout events exchange so
// that every API instance, not just the one co-located with the
// worker, can push them to its subscribers. Events are fire-and-forget:
// a publish failure is logged, never escalated, since the push channel
// carries no durability guarantee.
type AMQPPublisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewAMQPPublisher creates a publisher on top of an events-exchange
// client.
func NewAMQPPublisher(client *rabbitmq.Client, logger *slog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		client: client,
		logger: logger,
	}
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, userID string, event tryon.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish job event",
			slog.String("user_id", userID),
			slog.String("event", event.Name),
			slog.String("job_id", event.Payload.JobID),
			slog.Any("error", err),
		)
		return err
	}

	return nil
}

// Pump drains events from an exclusive queue bound to the events
// exchange and feeds them into the local Hub. Each API instance runs
// one pump.
type Pump struct {
	client *rabbitmq.Client
	hub    *Hub
	logger *slog.Logger
}

// NewPump creates a pump bridging the events exchange to the hub.
func NewPump(client *rabbitmq.Client, hub *Hub, logger *slog.Logger) *Pump {
	return &Pump{
		client: client,
		hub:    hub,
		logger: logger,
	}
}

// Run consumes events until the context is cancelled or the delivery
// channel closes.
func (p *Pump) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := p.client.Consume(consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start event consumer: %w", err)
	}

	p.logger.Info("Event pump started",
		slog.String("consumer_tag", consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Event pump stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				p.logger.Warn("Event delivery channel closed")
				return nil
			}
			p.dispatch(ctx, delivery)
		}
	}
}

func (p *Pump) dispatch(ctx context.Context, delivery amqp.Delivery) {
	var event tryon.Event
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		p.logger.Error("Failed to parse event JSON",
			slog.String("error", err.Error()),
		)
		_ = delivery.Nack(false, false)
		return
	}

	_ = p.hub.Publish(ctx, event.Payload.UserID, event)
	_ = delivery.Ack(false)
}
