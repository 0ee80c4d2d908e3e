package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sengine/sengine/internal/broker"
	"github.com/sengine/sengine/pkg/logging"
)

// Event is the body POSTed to subscribers.
type Event struct {
	EventID   uuid.UUID `json:"event_id"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Job is the broker payload queued for the delivery dispatcher.
type Job struct {
	DeliveryID int64           `json:"deliveryId"`
	WebhookID  int64           `json:"webhookId"`
	EventID    uuid.UUID       `json:"eventId"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
}

type producerStore interface {
	ActiveForEvent(ctx context.Context, userID, workspaceID int64, event string) ([]Webhook, error)
	InsertDelivery(ctx context.Context, webhookID int64, eventID uuid.UUID, eventType string, payload []byte) (int64, error)
}

type jobPublisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, messageID string) error
}

// Producer matches an event against active subscriptions and enqueues one
// delivery job per match. Emit is best-effort: a fan-out failure is logged,
// never propagated to the caller's send path.
type Producer struct {
	store  producerStore
	bus    jobPublisher
	logger *logging.Logger
}

func NewProducer(store producerStore, bus jobPublisher, logger *logging.Logger) *Producer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Producer{store: store, bus: bus, logger: logger.Component("webhook-producer")}
}

func (p *Producer) Emit(ctx context.Context, userID, workspaceID int64, event string, data map[string]any) {
	subs, err := p.store.ActiveForEvent(ctx, userID, workspaceID, event)
	if err != nil {
		p.logger.Error("subscription lookup failed", "event", event, "user_id", userID, "error", err)
		return
	}
	for _, sub := range subs {
		p.enqueue(ctx, sub, event, data)
	}
}

func (p *Producer) enqueue(ctx context.Context, sub Webhook, event string, data map[string]any) {
	eventID := uuid.New()
	payload, err := json.Marshal(Event{
		EventID:   eventID,
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		p.logger.Error("event marshal failed", "event", event, "error", err)
		return
	}

	deliveryID, err := p.store.InsertDelivery(ctx, sub.ID, eventID, event, payload)
	if err != nil {
		p.logger.Error("delivery insert failed", "webhook_id", sub.ID, "event", event, "error", err)
		return
	}

	job, err := json.Marshal(Job{
		DeliveryID: deliveryID,
		WebhookID:  sub.ID,
		EventID:    eventID,
		Event:      event,
		Payload:    payload,
	})
	if err != nil {
		p.logger.Error("job marshal failed", "delivery_id", deliveryID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, broker.InboxExchange, broker.WebhookKey, job, eventID.String()); err != nil {
		p.logger.Error("job publish failed", "delivery_id", deliveryID, "error", err)
	}
}
