package messaging

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

	"github.com/sengine/sengine/internal/messaging/twilioclient"
	"github.com/sengine/sengine/pkg/logging"
)

type sendStore interface {
	ProviderMessageID(ctx context.Context, id int64) (string, bool, error)
	SetProviderMessageID(ctx context.Context, id int64, providerMessageID string) error
	MarkFailed(ctx context.Context, id int64) error
}

type sendGateway interface {
	Send(ctx context.Context, req twilioclient.SendRequest) twilioclient.SendResult
}

type sendPacer interface {
	Wait(ctx context.Context) error
}

// SendConsumer handles inbox.send jobs: one-off outbound messages whose rows
// already exist in storage, written by the upstream API. It shares the
// process token bucket with the drip dispatcher by default.
type SendConsumer struct {
	store   sendStore
	gateway sendGateway
	pacer   sendPacer
	logger  *logging.Logger
	sleep   func(time.Duration)
}

func NewSendConsumer(store sendStore, gw sendGateway, logger *logging.Logger) *SendConsumer {
	if logger == nil {
		logger = logging.Default()
	}
	return &SendConsumer{
		store:   store,
		gateway: gw,
		pacer:   rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger.Component("send-consumer"),
		sleep:   time.Sleep,
	}
}

// WithPacer shares an existing token bucket with this consumer.
func (c *SendConsumer) WithPacer(p sendPacer) *SendConsumer {
	if p != nil {
		c.pacer = p
	}
	return c
}

// Handle processes one inbox.send delivery. A transient storage error
// returns non-nil so the broker retries up to its cap; definitive outcomes
// ack.
func (c *SendConsumer) Handle(ctx context.Context, delivery amqp.Delivery) error {
	var env SendEnvelope
	if err := json.Unmarshal(delivery.Body, &env); err != nil {
		c.logger.Error("malformed send payload, dropping", "error", err)
		return nil
	}
	if env.Type != TypeSendSMS {
		c.logger.Warn("unknown payload type, dropping", "type", env.Type)
		return nil
	}
	data := env.Data

	if data.IsLoadTest {
		c.sleep(time.Duration(50+rand.Intn(151)) * time.Millisecond)
		return nil
	}

	_, done, err := c.store.ProviderMessageID(ctx, data.MessageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.logger.Warn("message row missing, dropping", "message_id", data.MessageID)
			return nil
		}
		return fmt.Errorf("messaging: idempotency read: %w", err)
	}
	if done {
		c.logger.Info("message already sent, skipping", "message_id", data.MessageID)
		return nil
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return fmt.Errorf("messaging: pacing wait: %w", err)
	}

	req := twilioclient.SendRequest{
		From:           data.FromNumber,
		To:             data.ToNumber,
		Body:           data.Message,
		MediaURL:       data.MediaURL,
		StatusCallback: callbackWithRef(data.StatusCallbackURL, data.BRef),
	}
	if data.TwilioCredentials != nil {
		req.Credentials = &twilioclient.Credentials{
			AccountSID: data.TwilioCredentials.AccountSID,
			AuthToken:  data.TwilioCredentials.AuthToken,
		}
	}

	result := c.gateway.Send(ctx, req)
	if !result.Success {
		c.logger.Warn("gateway rejected send",
			"message_id", data.MessageID, "code", result.ErrorCode, "error", result.ErrorMessage)
		if err := c.store.MarkFailed(ctx, data.MessageID); err != nil {
			return fmt.Errorf("messaging: mark failed: %w", err)
		}
		return nil
	}

	if err := c.store.SetProviderMessageID(ctx, data.MessageID, result.ProviderMessageID); err != nil {
		// The gateway call happened but the id was not recorded. A broker
		// retry can double-send in this window; accepted residual risk,
		// bounded by writing the id in a single statement right after the
		// gateway response.
		c.logger.Error("record provider id failed", "message_id", data.MessageID, "error", err)
		return err
	}
	c.logger.Info("message sent", "message_id", data.MessageID, "provider_message_id", result.ProviderMessageID)
	return nil
}

func callbackWithRef(base, bRef string) string {
	if base == "" || bRef == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("bRef", bRef)
	u.RawQuery = q.Encode()
	return u.String()
}
