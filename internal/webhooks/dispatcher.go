package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sengine/sengine/internal/observability/metrics"
	"github.com/sengine/sengine/pkg/logging"
)

const (
	requestTimeout  = 10 * time.Second
	maxRedirects    = 3
	maxResponseBody = 5000
	userAgent       = "Sengine-Webhook/1.0"
)

type dispatcherStore interface {
	Get(ctx context.Context, id int64) (*Webhook, error)
	RecordAttempt(ctx context.Context, deliveryID int64, status string,
		responseStatus *int, responseBody, errorMessage string, duration time.Duration, attemptedAt time.Time) error
	MarkSuccess(ctx context.Context, webhookID int64, at time.Time) error
	MarkFailure(ctx context.Context, webhookID int64) error
}

// Dispatcher consumes inbox.webhook jobs and POSTs signed payloads to
// subscribers. Every delivery is acked: attempt history lives in the
// deliveries table, and retries are user-driven.
type Dispatcher struct {
	store   dispatcherStore
	client  *http.Client
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
}

func NewDispatcher(store dispatcherStore, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New("webhooks: too many redirects")
				}
				return nil
			},
		},
		logger: logger.Component("webhook-dispatcher"),
	}
}

// WithHTTPClient overrides the transport, keeping the configured timeout and
// redirect policy unless the caller set their own.
func (d *Dispatcher) WithHTTPClient(client *http.Client) *Dispatcher {
	if client != nil {
		d.client = client
	}
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.PipelineMetrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithTimeout adjusts the per-request deadline.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.client.Timeout = timeout
	}
	return d
}

// Handle processes one delivery job.
func (d *Dispatcher) Handle(ctx context.Context, delivery amqp.Delivery) error {
	var job Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		d.logger.Error("malformed webhook job, dropping", "error", err)
		return nil
	}

	hook, err := d.store.Get(ctx, job.WebhookID)
	if err != nil {
		d.logger.Error("webhook lookup failed", "webhook_id", job.WebhookID, "error", err)
		return nil
	}

	attemptedAt := time.Now().UTC()
	start := time.Now()
	status, responseStatus, responseBody, errMsg := d.post(ctx, hook, job)
	elapsed := time.Since(start)

	if err := d.store.RecordAttempt(ctx, job.DeliveryID, status, responseStatus,
		responseBody, errMsg, elapsed, attemptedAt); err != nil {
		d.logger.Error("record attempt failed", "delivery_id", job.DeliveryID, "error", err)
	}
	if status == DeliverySuccess {
		if err := d.store.MarkSuccess(ctx, hook.ID, attemptedAt); err != nil {
			d.logger.Error("mark success failed", "webhook_id", hook.ID, "error", err)
		}
	} else {
		if err := d.store.MarkFailure(ctx, hook.ID); err != nil {
			d.logger.Error("mark failure failed", "webhook_id", hook.ID, "error", err)
		}
	}

	d.metrics.ObserveWebhookDelivery(status)
	d.logger.Info("webhook delivery attempted",
		"delivery_id", job.DeliveryID, "webhook_id", hook.ID,
		"event", job.Event, "status", status, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (d *Dispatcher) post(ctx context.Context, hook *Webhook, job Job) (status string, responseStatus *int, responseBody, errMsg string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return DeliveryFailed, nil, "", "build request: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", job.Event)
	req.Header.Set("X-Webhook-Delivery", job.EventID.String())
	req.Header.Set("X-Webhook-Signature", Sign(hook.Secret, job.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return DeliveryFailed, nil, "", err.Error()
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return DeliverySuccess, &code, string(body), ""
	}
	return DeliveryFailed, &code, string(body), ""
}
