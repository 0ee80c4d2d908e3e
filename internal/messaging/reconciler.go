package messaging

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sengine/sengine/internal/observability/metrics"
	"github.com/sengine/sengine/pkg/logging"
)

type reconcilerStore interface {
	FindByRef(ctx context.Context, bRef, providerMessageID string) (*Message, error)
	UpdateDeliveryStatus(ctx context.Context, id int64, coarse *int, textual string) error
}

// dripUpdater propagates a delivery outcome onto the scheduled row and the
// per-enrollment tracking row of a drip send.
type dripUpdater interface {
	UpdateDeliveryStatus(ctx context.Context, messageID int64, status string) error
	MarkDripContactDelivered(ctx context.Context, messageID int64) error
}

type reconcilerEmitter interface {
	Emit(ctx context.Context, userID, workspaceID int64, event string, data map[string]any)
}

// Reconciler consumes inbox.status and resolves the eventually-consistent
// outcome of each send. Always acks: the provider resends callbacks, and a
// missed one is not fatal.
type Reconciler struct {
	store   reconcilerStore
	drip    dripUpdater
	events  reconcilerEmitter
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
}

func NewReconciler(store reconcilerStore, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Reconciler{store: store, logger: logger.Component("reconciler")}
}

func (r *Reconciler) WithDripUpdates(drip dripUpdater) *Reconciler {
	r.drip = drip
	return r
}

func (r *Reconciler) WithEvents(events reconcilerEmitter) *Reconciler {
	r.events = events
	return r
}

func (r *Reconciler) WithMetrics(m *metrics.PipelineMetrics) *Reconciler {
	r.metrics = m
	return r
}

// Handle processes one provider status callback.
func (r *Reconciler) Handle(ctx context.Context, delivery amqp.Delivery) error {
	var env StatusEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		r.logger.Error("malformed status payload, dropping", "error", err)
		return nil
	}
	data := env.Data
	if data.MessageSID == "" && data.BRef == "" {
		r.logger.Warn("status payload carries no identifiers, dropping")
		return nil
	}

	msg, err := r.store.FindByRef(ctx, data.BRef, data.MessageSID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.logger.Warn("no message for status callback",
				"b_ref", data.BRef, "message_sid", data.MessageSID)
			return nil
		}
		r.logger.Error("message lookup failed", "b_ref", data.BRef, "error", err)
		return nil
	}

	coarse, textual, known := MapProviderStatus(data.Status)
	var coarsePtr *int
	if known {
		coarsePtr = &coarse
	}
	if err := r.store.UpdateDeliveryStatus(ctx, msg.ID, coarsePtr, textual); err != nil {
		r.logger.Error("update delivery status failed", "message_id", msg.ID, "error", err)
		return nil
	}

	if msg.IsDrip && r.drip != nil {
		r.propagateDrip(ctx, msg.ID, data.Status)
	}

	switch data.Status {
	case "delivered":
		r.emit(ctx, msg, "message.delivered", data)
	case "failed", "undelivered":
		r.emit(ctx, msg, "message.failed", data)
	}

	r.metrics.ObserveStatusCallback(textual)
	r.logger.Info("delivery status reconciled",
		"message_id", msg.ID, "provider_status", data.Status, "known", known)
	return nil
}

func (r *Reconciler) propagateDrip(ctx context.Context, messageID int64, providerStatus string) {
	switch providerStatus {
	case "delivered", "read":
		if err := r.drip.UpdateDeliveryStatus(ctx, messageID, "delivered"); err != nil {
			r.logger.Error("drip delivery update failed", "message_id", messageID, "error", err)
		}
		if err := r.drip.MarkDripContactDelivered(ctx, messageID); err != nil {
			r.logger.Error("drip contact delivery update failed", "message_id", messageID, "error", err)
		}
	case "failed", "undelivered":
		if err := r.drip.UpdateDeliveryStatus(ctx, messageID, "failed"); err != nil {
			r.logger.Error("drip failure update failed", "message_id", messageID, "error", err)
		}
	}
}

func (r *Reconciler) emit(ctx context.Context, msg *Message, event string, data StatusData) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"message_id":          msg.ID,
		"b_ref":               msg.BRef,
		"provider_message_id": data.MessageSID,
		"status":              data.Status,
		"to":                  msg.ToNumber,
		"from":                msg.FromNumber,
	}
	if data.ErrorCode != "" {
		payload["error_code"] = data.ErrorCode
		payload["error_message"] = data.ErrorMessage
	}
	r.events.Emit(ctx, msg.UserID, msg.WorkspaceID, event, payload)
}
