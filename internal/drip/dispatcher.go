package drip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/sengine/sengine/internal/contacts"
	"github.com/sengine/sengine/internal/credits"
	"github.com/sengine/sengine/internal/messaging"
	"github.com/sengine/sengine/internal/messaging/twilioclient"
	"github.com/sengine/sengine/internal/observability/metrics"
	"github.com/sengine/sengine/pkg/logging"
)

type dispatcherStore interface {
	Get(ctx context.Context, id int64) (*ScheduledMessage, error)
	MarkSent(ctx context.Context, id, messageID int64, providerMessageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkDripContactSent(ctx context.Context, id, messageID int64, bRef string, sentAt time.Time) error
	MarkDripContactFailed(ctx context.Context, id int64, status int, reason string) error
}

type messageInserter interface {
	Insert(ctx context.Context, q messaging.Querier, m messaging.Message) (int64, error)
}

type directory interface {
	Get(ctx context.Context, id int64) (*contacts.Contact, error)
	GetUser(ctx context.Context, id int64) (*contacts.User, error)
	ResolveSender(ctx context.Context, userID, preferredID int64, preferred string) (*contacts.UserNumber, error)
	TouchLastMessage(ctx context.Context, id int64, body string, inbound bool) error
}

type creditLedger interface {
	HasEnoughCredits(ctx context.Context, userID, amount int64) (bool, error)
	Deduct(ctx context.Context, userID, amount int64, description, refType string, refID int64) (*credits.MovementResult, error)
	Refund(ctx context.Context, userID, amount int64, description, refType string, refID int64) (*credits.MovementResult, error)
}

type gateway interface {
	Send(ctx context.Context, req twilioclient.SendRequest) twilioclient.SendResult
}

type pacer interface {
	Wait(ctx context.Context) error
}

type eventEmitter interface {
	Emit(ctx context.Context, userID, workspaceID int64, event string, data map[string]any)
}

// Dispatcher consumes drip.messages and performs the send. Every delivery is
// acknowledged: the database row is the authoritative record of the outcome,
// and the broker is never used for application-level retry of sends.
type Dispatcher struct {
	scheduled dispatcherStore
	messages  messageInserter
	dir       directory
	ledger    creditLedger
	gateway   gateway
	pacer     pacer
	events    eventEmitter
	metrics   *metrics.PipelineMetrics
	logger    *logging.Logger

	statusCallbackURL string
	delay             time.Duration
	sleep             func(time.Duration)
}

func NewDispatcher(scheduled dispatcherStore, messages messageInserter, dir directory, ledger creditLedger, gw gateway, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		scheduled: scheduled,
		messages:  messages,
		dir:       dir,
		ledger:    ledger,
		gateway:   gw,
		pacer:     rate.NewLimiter(rate.Limit(5), 10),
		logger:    logger.Component("drip-dispatcher"),
		sleep:     time.Sleep,
	}
}

// WithRateLimit replaces the token bucket. perSec is the refill rate, burst
// the bucket capacity.
func (d *Dispatcher) WithRateLimit(perSec float64, burst int) *Dispatcher {
	if perSec > 0 && burst > 0 {
		d.pacer = rate.NewLimiter(rate.Limit(perSec), burst)
	}
	return d
}

// WithPacer shares an existing token bucket with this dispatcher.
func (d *Dispatcher) WithPacer(p pacer) *Dispatcher {
	if p != nil {
		d.pacer = p
	}
	return d
}

// WithDelay adds a fixed pause after every dispatch attempt, on top of the
// token bucket. Useful to slow a single consumer without touching the shared
// bucket.
func (d *Dispatcher) WithDelay(delay time.Duration) *Dispatcher {
	if delay > 0 {
		d.delay = delay
	}
	return d
}

func (d *Dispatcher) WithStatusCallbackURL(u string) *Dispatcher {
	d.statusCallbackURL = u
	return d
}

func (d *Dispatcher) WithEvents(events eventEmitter) *Dispatcher {
	d.events = events
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.PipelineMetrics) *Dispatcher {
	d.metrics = m
	return d
}

// Handle processes one drip.messages delivery. It always returns nil so the
// broker acks; failures are recorded in storage, never retried via requeue.
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp.Delivery) error {
	var payload Payload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		d.logger.Error("malformed drip payload, dropping", "error", err)
		return nil
	}
	if payload.IsLoadTest {
		d.sleep(time.Duration(50+rand.Intn(151)) * time.Millisecond)
		return nil
	}

	sm, err := d.scheduled.Get(ctx, payload.ScheduledMessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			d.logger.Warn("scheduled message missing, dropping", "scheduled_message_id", payload.ScheduledMessageID)
			return nil
		}
		d.logger.Error("load scheduled message failed", "scheduled_message_id", payload.ScheduledMessageID, "error", err)
		return nil
	}
	if alreadyHandled(sm) {
		d.logger.Info("duplicate delivery, already handled",
			"scheduled_message_id", sm.ID, "status", sm.Status)
		d.metrics.ObserveDispatch("duplicate", 0)
		return nil
	}

	start := time.Now()
	outcome := d.dispatch(ctx, sm, &payload)
	d.metrics.ObserveDispatch(outcome, time.Since(start).Seconds())
	if d.delay > 0 {
		d.sleep(d.delay)
	}
	return nil
}

// alreadyHandled reports whether a prior dispatch (or a cancellation) has
// settled this row. A non-null provider id means the gateway was reached.
func alreadyHandled(sm *ScheduledMessage) bool {
	if sm.ProviderMessageID != nil && *sm.ProviderMessageID != "" {
		return true
	}
	switch sm.Status {
	case StatusPending, StatusQueued, StatusSending:
		return false
	default:
		return true
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sm *ScheduledMessage, payload *Payload) string {
	contact, err := d.dir.Get(ctx, sm.ContactID)
	switch {
	case errors.Is(err, contacts.ErrNotFound):
		return d.fail(ctx, sm, DripContactFailed, "Contact not found")
	case err != nil:
		return d.fail(ctx, sm, DripContactFailed, fmt.Sprintf("Contact lookup failed: %v", err))
	case contact.DeletedAt != nil:
		return d.fail(ctx, sm, DripContactFailed, "Contact deleted")
	case contact.OptedOut:
		return d.fail(ctx, sm, DripContactSkipped, "Contact opted out")
	case contact.IsBlock:
		return d.fail(ctx, sm, DripContactSkipped, "Contact blocked")
	}

	user, err := d.dir.GetUser(ctx, sm.UserID)
	if err != nil {
		return d.fail(ctx, sm, DripContactFailed, "User not found")
	}
	if user.MessagingStatus != "active" {
		return d.fail(ctx, sm, DripContactFailed, "User messaging disabled")
	}

	sender, err := d.dir.ResolveSender(ctx, sm.UserID, payload.SID, sm.FromNumber)
	if err != nil {
		return d.fail(ctx, sm, DripContactFailed, "No active sending number")
	}

	cost := payload.CreditCost
	if cost <= 0 {
		cost = 1
	}
	ok, err := d.ledger.HasEnoughCredits(ctx, sm.UserID, cost)
	if err != nil {
		return d.fail(ctx, sm, DripContactFailed, fmt.Sprintf("Credit check failed: %v", err))
	}
	if !ok {
		return d.fail(ctx, sm, DripContactFailed, "Insufficient credits")
	}
	if _, err := d.ledger.Deduct(ctx, sm.UserID, cost, "Drip SMS", credits.ReferenceDripSMS, sm.DripID); err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			return d.fail(ctx, sm, DripContactFailed, "Insufficient credits")
		}
		return d.fail(ctx, sm, DripContactFailed, fmt.Sprintf("Credit deduction failed: %v", err))
	}

	// Charged from here on: every failure path must refund.
	if err := d.pacer.Wait(ctx); err != nil {
		return d.refundAndFail(ctx, sm, cost, "Cancelled before send")
	}

	body := Personalize(sm.Body, Vars{
		First: contact.FirstName,
		Name:  fullName(contact),
		Phone: contact.Phone,
		Email: contact.Email,
	})

	bRef := newBRef()
	uid := uuid.New()

	req := twilioclient.SendRequest{
		From:           sender.Phone,
		To:             sm.ToNumber,
		Body:           body,
		MediaURL:       sm.MediaURL,
		StatusCallback: d.callbackURL(bRef),
	}
	if user.ProviderAccountID != "" && user.ProviderAuthToken != "" {
		req.Credentials = &twilioclient.Credentials{
			AccountSID: user.ProviderAccountID,
			AuthToken:  user.ProviderAuthToken,
		}
	}

	result := d.gateway.Send(ctx, req)
	if !result.Success {
		return d.refundAndFail(ctx, sm, cost, gatewayFailureReason(result))
	}

	return d.recordSend(ctx, sm, contact, sender, body, bRef, uid, cost, result)
}

func (d *Dispatcher) recordSend(ctx context.Context, sm *ScheduledMessage, contact *contacts.Contact,
	sender *contacts.UserNumber, body, bRef string, uid uuid.UUID, cost int64, result twilioclient.SendResult) string {

	now := time.Now().UTC()
	providerID := result.ProviderMessageID
	dripID := sm.DripID
	msg := messaging.Message{
		UID:               uid,
		BRef:              bRef,
		ProviderMessageID: &providerID,
		FromNumber:        sender.Phone,
		ToNumber:          sm.ToNumber,
		Body:              body,
		MediaURL:          sm.MediaURL,
		Status:            messaging.StatusSent,
		DeliveryStatus:    result.Status,
		Direction:         messaging.DirectionOutbound,
		IsDrip:            true,
		DripID:            &dripID,
		UserID:            sm.UserID,
		WorkspaceID:       sm.WorkspaceID,
		ContactID:         sm.ContactID,
		MessageType:       messageType(sm.MediaURL),
		IsCharged:         true,
	}
	msgID, err := d.messages.Insert(ctx, nil, msg)
	if err != nil {
		// The gateway accepted the send but the record could not be written.
		// Refund per the no-orphaned-charge rule and leave the row Failed for
		// operator review; the provider id goes into error_message so the
		// send remains traceable.
		d.logger.Error("message insert after gateway success failed",
			"scheduled_message_id", sm.ID, "provider_message_id", providerID, "error", err)
		return d.refundAndFail(ctx, sm, cost, fmt.Sprintf("Record send failed after gateway accept (provider id %s): %v", providerID, err))
	}

	if err := d.scheduled.MarkSent(ctx, sm.ID, msgID, providerID, now); err != nil {
		d.logger.Error("mark sent failed", "scheduled_message_id", sm.ID, "error", err)
	}
	if err := d.scheduled.MarkDripContactSent(ctx, sm.DripContactID, msgID, bRef, now); err != nil {
		d.logger.Error("mark drip contact sent failed", "drip_contact_id", sm.DripContactID, "error", err)
	}
	if err := d.dir.TouchLastMessage(ctx, contact.ID, body, false); err != nil {
		d.logger.Error("touch last message failed", "contact_id", contact.ID, "error", err)
	}

	d.emit(ctx, sm.UserID, sm.WorkspaceID, "outbound_message", map[string]any{
		"message_id":          msgID,
		"b_ref":               bRef,
		"provider_message_id": providerID,
		"to":                  sm.ToNumber,
		"from":                sender.Phone,
		"drip_id":             sm.DripID,
		"campaign_id":         sm.CampaignID,
		"status":              "sent",
	})

	d.logger.Info("drip message sent",
		"scheduled_message_id", sm.ID, "message_id", msgID,
		"provider_message_id", providerID, "segments", result.SegmentCount)
	return "sent"
}

// fail settles the row without a charge having occurred.
func (d *Dispatcher) fail(ctx context.Context, sm *ScheduledMessage, dcStatus int, reason string) string {
	d.logger.Warn("drip send not attempted", "scheduled_message_id", sm.ID, "reason", reason)
	if err := d.scheduled.MarkFailed(ctx, sm.ID, reason); err != nil {
		d.logger.Error("mark failed failed", "scheduled_message_id", sm.ID, "error", err)
	}
	if err := d.scheduled.MarkDripContactFailed(ctx, sm.DripContactID, dcStatus, reason); err != nil {
		d.logger.Error("mark drip contact failed failed", "drip_contact_id", sm.DripContactID, "error", err)
	}
	if dcStatus == DripContactSkipped {
		return "skipped"
	}
	return "failed"
}

// refundAndFail settles the row after a charge: the compensating refund
// carries the same reference as the debit.
func (d *Dispatcher) refundAndFail(ctx context.Context, sm *ScheduledMessage, cost int64, reason string) string {
	if _, err := d.ledger.Refund(ctx, sm.UserID, cost, "Refund: "+reason, credits.ReferenceDripSMS, sm.DripID); err != nil {
		d.logger.Error("refund failed", "scheduled_message_id", sm.ID, "user_id", sm.UserID, "error", err)
	}
	return d.fail(ctx, sm, DripContactFailed, reason)
}

func (d *Dispatcher) emit(ctx context.Context, userID, workspaceID int64, event string, data map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(ctx, userID, workspaceID, event, data)
}

func (d *Dispatcher) callbackURL(bRef string) string {
	if d.statusCallbackURL == "" {
		return ""
	}
	u, err := url.Parse(d.statusCallbackURL)
	if err != nil {
		return d.statusCallbackURL
	}
	q := u.Query()
	q.Set("bRef", bRef)
	u.RawQuery = q.Encode()
	return u.String()
}

func gatewayFailureReason(result twilioclient.SendResult) string {
	if result.ErrorCode != "" {
		return fmt.Sprintf("Gateway error %s: %s", result.ErrorCode, result.ErrorMessage)
	}
	if result.ErrorMessage != "" {
		return "Gateway error: " + result.ErrorMessage
	}
	return "Gateway error"
}

func fullName(c *contacts.Contact) string {
	if c.LastName == "" {
		return c.FirstName
	}
	if c.FirstName == "" {
		return c.LastName
	}
	return c.FirstName + " " + c.LastName
}

func messageType(mediaURL string) int {
	if mediaURL != "" {
		return messaging.MessageTypeMMS
	}
	return messaging.MessageTypeSMS
}

func newBRef() string {
	return fmt.Sprintf("DM-%d-%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}
