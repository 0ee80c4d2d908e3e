package inbound

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"

	"github.com/sengine/sengine/internal/contacts"
	"github.com/sengine/sengine/internal/messaging"
	"github.com/sengine/sengine/pkg/logging"
	"github.com/sengine/sengine/pkg/phone"
)

// Envelope is the inbox.inbound payload carrying one provider-received
// message.
type Envelope struct {
	Data Data `json:"data"`
}

type Data struct {
	MessageSID string   `json:"messageSid"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Body       string   `json:"body"`
	NumMedia   int      `json:"numMedia"`
	MediaURLs  []string `json:"mediaUrls,omitempty"`
}

type contactDirectory interface {
	FindNumberOwner(ctx context.Context, phone string) (*contacts.UserNumber, error)
	GetUser(ctx context.Context, id int64) (*contacts.User, error)
	FindOrCreate(ctx context.Context, userID, workspaceID int64, phone string) (*contacts.Contact, error)
	SetOptedOut(ctx context.Context, id int64, optedOut bool) error
	AddOptOut(ctx context.Context, userID int64, phone string) error
	RemoveOptOut(ctx context.Context, userID int64, phone string) error
	TouchLastMessage(ctx context.Context, id int64, body string, inbound bool) error
}

type messageWriter interface {
	Insert(ctx context.Context, q messaging.Querier, m messaging.Message) (int64, error)
	UnreadCount(ctx context.Context, userID, contactID int64) (int, error)
}

type emitter interface {
	Emit(ctx context.Context, userID, workspaceID int64, event string, data map[string]any)
}

// notifier pushes realtime updates to connected clients.
type notifier interface {
	MessageNew(ctx context.Context, userID, contactID, messageID int64) error
	UnreadCount(ctx context.Context, userID, contactID int64, count int) error
}

// Ingestor consumes inbox.inbound: persists the message, maintains the
// contact and the opt-out deny-list, and fans out notifications.
type Ingestor struct {
	dir      contactDirectory
	messages messageWriter
	events   emitter
	notify   notifier
	logger   *logging.Logger
}

func NewIngestor(dir contactDirectory, messages messageWriter, logger *logging.Logger) *Ingestor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Ingestor{dir: dir, messages: messages, logger: logger.Component("inbound")}
}

func (i *Ingestor) WithEvents(events emitter) *Ingestor {
	i.events = events
	return i
}

func (i *Ingestor) WithNotifier(n notifier) *Ingestor {
	i.notify = n
	return i
}

// Handle processes one inbound event. A storage write failure returns
// non-nil so the broker retries; everything else acks.
func (i *Ingestor) Handle(ctx context.Context, delivery amqp.Delivery) error {
	var env Envelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		i.logger.Error("malformed inbound payload, dropping", "error", err)
		return nil
	}
	data := env.Data
	if data.From == "" || data.To == "" {
		i.logger.Warn("inbound payload missing numbers, dropping", "message_sid", data.MessageSID)
		return nil
	}

	owner, err := i.dir.FindNumberOwner(ctx, data.To)
	if err != nil {
		i.logger.Warn("inbound for unknown number, dropping", "to", data.To, "message_sid", data.MessageSID)
		return nil
	}
	user, err := i.dir.GetUser(ctx, owner.UserID)
	if err != nil {
		i.logger.Error("number owner lookup failed", "user_id", owner.UserID, "error", err)
		return nil
	}

	fromNumber := phone.NormalizeE164(data.From)
	contact, err := i.dir.FindOrCreate(ctx, user.ID, user.WorkspaceID, fromNumber)
	if err != nil {
		return fmt.Errorf("inbound: find or create contact: %w", err)
	}

	i.applyKeywords(ctx, user, contact, data.Body)

	msgID, err := i.persist(ctx, user, contact, owner, data)
	if err != nil {
		return err
	}

	if err := i.dir.TouchLastMessage(ctx, contact.ID, data.Body, true); err != nil {
		i.logger.Error("touch last message failed", "contact_id", contact.ID, "error", err)
	}

	if i.events != nil {
		i.events.Emit(ctx, user.ID, user.WorkspaceID, "message.inbound", map[string]any{
			"message_id":          msgID,
			"contact_id":          contact.ID,
			"from":                fromNumber,
			"to":                  owner.Phone,
			"body":                data.Body,
			"provider_message_id": data.MessageSID,
		})
	}
	i.pushNotifications(ctx, user.ID, contact.ID, msgID)

	i.logger.Info("inbound message ingested",
		"message_id", msgID, "contact_id", contact.ID, "user_id", user.ID)
	return nil
}

func (i *Ingestor) applyKeywords(ctx context.Context, user *contacts.User, contact *contacts.Contact, body string) {
	switch {
	case IsOptOut(body):
		if err := i.dir.SetOptedOut(ctx, contact.ID, true); err != nil {
			i.logger.Error("set opted out failed", "contact_id", contact.ID, "error", err)
		}
		if err := i.dir.AddOptOut(ctx, user.ID, contact.Phone); err != nil {
			i.logger.Error("deny-list add failed", "contact_id", contact.ID, "error", err)
		}
		i.emitConsent(ctx, user, contact, "contact.optout")
		i.logger.Info("contact opted out", "contact_id", contact.ID)
	case IsOptIn(body):
		if err := i.dir.SetOptedOut(ctx, contact.ID, false); err != nil {
			i.logger.Error("clear opted out failed", "contact_id", contact.ID, "error", err)
		}
		if err := i.dir.RemoveOptOut(ctx, user.ID, contact.Phone); err != nil {
			i.logger.Error("deny-list remove failed", "contact_id", contact.ID, "error", err)
		}
		i.emitConsent(ctx, user, contact, "contact.optin")
		i.logger.Info("contact opted in", "contact_id", contact.ID)
	}
}

func (i *Ingestor) emitConsent(ctx context.Context, user *contacts.User, contact *contacts.Contact, event string) {
	if i.events == nil {
		return
	}
	i.events.Emit(ctx, user.ID, user.WorkspaceID, event, map[string]any{
		"contact_id": contact.ID,
		"phone":      contact.Phone,
	})
}

func (i *Ingestor) persist(ctx context.Context, user *contacts.User, contact *contacts.Contact,
	owner *contacts.UserNumber, data Data) (int64, error) {

	messageType := messaging.MessageTypeSMS
	mediaURL := ""
	if data.NumMedia > 0 {
		messageType = messaging.MessageTypeMMS
		if len(data.MediaURLs) > 0 {
			mediaURL = data.MediaURLs[0]
		}
	}
	sid := data.MessageSID
	msg := messaging.Message{
		UID:            uuid.New(),
		FromNumber:     phone.NormalizeE164(data.From),
		ToNumber:       owner.Phone,
		Body:           data.Body,
		MediaURL:       mediaURL,
		Status:         messaging.StatusDelivered,
		DeliveryStatus: "received",
		Direction:      messaging.DirectionInbound,
		UserID:         user.ID,
		WorkspaceID:    user.WorkspaceID,
		ContactID:      contact.ID,
		MessageType:    messageType,
	}
	if sid != "" {
		msg.ProviderMessageID = &sid
	}
	msgID, err := i.messages.Insert(ctx, nil, msg)
	if err != nil {
		return 0, fmt.Errorf("inbound: insert message: %w", err)
	}
	return msgID, nil
}

func (i *Ingestor) pushNotifications(ctx context.Context, userID, contactID, messageID int64) {
	if i.notify == nil {
		return
	}
	if err := i.notify.MessageNew(ctx, userID, contactID, messageID); err != nil {
		i.logger.Error("notify message:new failed", "message_id", messageID, "error", err)
	}
	count, err := i.messages.UnreadCount(ctx, userID, contactID)
	if err != nil {
		i.logger.Error("unread count failed", "contact_id", contactID, "error", err)
		return
	}
	if err := i.notify.UnreadCount(ctx, userID, contactID, count); err != nil {
		i.logger.Error("notify unread count failed", "contact_id", contactID, "error", err)
	}
}
