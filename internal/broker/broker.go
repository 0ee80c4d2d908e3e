package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sengine/sengine/pkg/logging"
)

// Exchange and queue names for the two logical domains sharing the broker.
const (
	InboxExchange = "inbox"
	DripExchange  = "drip"
	InboxDLX      = "inbox.dlx"
	DripDLX       = "drip.dlx"

	SendQueue        = "inbox.send"
	InboundQueue     = "inbox.inbound"
	StatusQueue      = "inbox.status"
	NotifyQueue      = "inbox.notify"
	WebhookQueue     = "inbox.webhook"
	InboxFailedQueue = "inbox.failed"
	DripQueue        = "drip.messages"
	DripDeadQueue    = "drip.dead"
)

// Routing keys.
const (
	SendKey        = "send"
	InboundKey     = "inbound"
	StatusKey      = "status"
	NotifyKey      = "notify"
	WebhookKey     = "webhook"
	InboxFailedKey = "failed"
	DripSendKey    = "drip.send"
	DripFailedKey  = "drip.failed"
)

const (
	// MaxRetryCount bounds redeliveries before a message is dead-lettered.
	MaxRetryCount = 3

	maxConnectAttempts = 10
	initialBackoff     = 1 * time.Second
	maxBackoff         = 30 * time.Second

	inboxQueueTTL = 24 * time.Hour
	dripQueueTTL  = 1 * time.Hour
	failedTTL     = 7 * 24 * time.Hour
)

// Handler processes a single delivery. A nil return acknowledges the
// message; an error routes it through the retry/DLX path.
type Handler func(ctx context.Context, d amqp.Delivery) error

type consumerSpec struct {
	queue    string
	tag      string
	prefetch int
	handler  Handler
}

// Broker owns one AMQP connection and a shared publish channel. Consumers
// get dedicated channels so prefetch applies per consumer.
type Broker struct {
	url    string
	logger *logging.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	closed    bool
	consumers []consumerSpec

	consumeCtx    context.Context
	cancelConsume context.CancelFunc
	inflight      sync.WaitGroup
	fatal         chan error
}

// Connect dials the broker, declares the full topology and starts the
// reconnect watchdog. Dial retries with exponential backoff (1s doubling to
// a 30s cap) up to 10 attempts.
func Connect(ctx context.Context, url string, logger *logging.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.Default()
	}
	consumeCtx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		url:           url,
		logger:        logger.Component("broker"),
		consumeCtx:    consumeCtx,
		cancelConsume: cancel,
		fatal:         make(chan error, 1),
	}
	if err := b.dial(ctx); err != nil {
		cancel()
		return nil, err
	}
	go b.watch()
	return b, nil
}

// Fatal reports an unrecoverable broker failure (reconnect budget spent).
// The supervisor exits non-zero when this fires.
func (b *Broker) Fatal() <-chan error {
	return b.fatal
}

// IsConnected reports whether the underlying connection is usable.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}

func (b *Broker) dial(ctx context.Context) error {
	delay := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		conn, err := amqp.Dial(b.url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if topoErr := declareTopology(ch); topoErr == nil {
					b.mu.Lock()
					b.conn = conn
					b.ch = ch
					b.mu.Unlock()
					b.logger.Info("broker connected", "attempt", attempt)
					return nil
				} else {
					lastErr = topoErr
				}
			} else {
				lastErr = chErr
			}
			_ = conn.Close()
		} else {
			lastErr = err
		}
		b.logger.Warn("broker connect failed", "attempt", attempt, "error", lastErr, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = nextBackoff(delay)
	}
	return fmt.Errorf("broker: connect failed after %d attempts: %w", maxConnectAttempts, lastErr)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (b *Broker) watch() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}
		closed := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		b.mu.Lock()
		done := b.closed
		b.mu.Unlock()
		if done {
			return
		}
		b.logger.Warn("broker connection lost", "error", closed)
		if err := b.dial(context.Background()); err != nil {
			select {
			case b.fatal <- err:
			default:
			}
			return
		}
		b.restartConsumers()
	}
}

// Publish sends a persistent JSON message to an exchange.
func (b *Broker) Publish(ctx context.Context, exchange, key string, body []byte, messageID string) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker: publish on closed broker")
	}
	err := ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s/%s: %w", exchange, key, err)
	}
	return nil
}

// Subscribe registers a manual-ack consumer and starts it. Registered
// consumers are restarted automatically after a reconnect.
func (b *Broker) Subscribe(queue, tag string, prefetch int, handler Handler) error {
	spec := consumerSpec{queue: queue, tag: tag, prefetch: prefetch, handler: handler}
	b.mu.Lock()
	b.consumers = append(b.consumers, spec)
	b.mu.Unlock()
	return b.startConsumer(spec)
}

func (b *Broker) restartConsumers() {
	b.mu.Lock()
	specs := make([]consumerSpec, len(b.consumers))
	copy(specs, b.consumers)
	b.mu.Unlock()
	for _, spec := range specs {
		if err := b.startConsumer(spec); err != nil {
			b.logger.Error("consumer restart failed", "queue", spec.queue, "error", err)
		}
	}
}

func (b *Broker) startConsumer(spec consumerSpec) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("broker: not connected")
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: consumer channel: %w", err)
	}
	if spec.prefetch > 0 {
		if err := ch.Qos(spec.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("broker: qos: %w", err)
		}
	}
	deliveries, err := ch.Consume(spec.queue, spec.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("broker: consume %s: %w", spec.queue, err)
	}
	b.logger.Info("consumer started", "queue", spec.queue, "tag", spec.tag, "prefetch", spec.prefetch)
	go b.consumeLoop(spec, ch, deliveries)
	return nil
}

func (b *Broker) consumeLoop(spec consumerSpec, ch *amqp.Channel, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-b.consumeCtx.Done():
			_ = ch.Cancel(spec.tag, false)
			_ = ch.Close()
			return
		case d, ok := <-deliveries:
			if !ok {
				// Channel closed; the watchdog restarts us after reconnect.
				return
			}
			b.inflight.Add(1)
			b.handle(spec, ch, d)
			b.inflight.Done()
		}
	}
}

func (b *Broker) handle(spec consumerSpec, ch *amqp.Channel, d amqp.Delivery) {
	err := spec.handler(b.consumeCtx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.Error("ack failed", "queue", spec.queue, "error", ackErr)
		}
		return
	}
	b.logger.Warn("handler failed", "queue", spec.queue, "error", err)
	b.retryDelivery(ch, d)
}

// retryDelivery increments x-retry-count and republishes; past the retry
// budget the delivery is rejected without requeue so the DLX picks it up.
func (b *Broker) retryDelivery(ch *amqp.Channel, d amqp.Delivery) {
	count := retryCount(d.Headers) + 1
	if count >= MaxRetryCount {
		b.logger.Warn("retry budget spent, dead-lettering", "routing_key", d.RoutingKey, "retries", count)
		if err := d.Nack(false, false); err != nil {
			b.logger.Error("nack failed", "error", err)
		}
		return
	}
	headers := d.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retry-count"] = count
	err := ch.PublishWithContext(context.Background(), d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		// Could not republish; put the original back on the queue instead.
		b.logger.Error("retry republish failed", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.Error("nack failed", "error", nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		b.logger.Error("ack after republish failed", "error", ackErr)
	}
}

func retryCount(headers amqp.Table) int64 {
	if headers == nil {
		return 0
	}
	switch v := headers["x-retry-count"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// QueueDepth returns the ready-message count for a queue.
func (b *Broker) QueueDepth(queue string) (int, error) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("broker: not connected")
	}
	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, queueArgs(queue))
	if err != nil {
		return 0, fmt.Errorf("broker: inspect %s: %w", queue, err)
	}
	return q.Messages, nil
}

// StopConsumers cancels delivery to all consumers and waits for in-flight
// handlers, bounded by timeout.
func (b *Broker) StopConsumers(timeout time.Duration) {
	b.cancelConsume()
	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("in-flight handlers did not finish before kill timeout")
	}
}

// Close shuts the channel and connection down.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	ch := b.ch
	conn := b.conn
	b.ch = nil
	b.conn = nil
	b.mu.Unlock()
	b.cancelConsume()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
