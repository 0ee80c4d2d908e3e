package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// queueBinding describes one durable queue and its exchange binding.
type queueBinding struct {
	queue    string
	exchange string
	key      string
	args     amqp.Table
}

func inboxArgs(ttl int64) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    InboxDLX,
		"x-dead-letter-routing-key": InboxFailedKey,
	}
}

func topology() []queueBinding {
	inboxTTL := inboxQueueTTL.Milliseconds()
	return []queueBinding{
		{queue: SendQueue, exchange: InboxExchange, key: SendKey, args: inboxArgs(inboxTTL)},
		{queue: InboundQueue, exchange: InboxExchange, key: InboundKey, args: inboxArgs(inboxTTL)},
		{queue: StatusQueue, exchange: InboxExchange, key: StatusKey, args: inboxArgs(inboxTTL)},
		{queue: NotifyQueue, exchange: InboxExchange, key: NotifyKey, args: nil},
		{queue: WebhookQueue, exchange: InboxExchange, key: WebhookKey, args: inboxArgs(inboxTTL)},
		{queue: InboxFailedQueue, exchange: InboxDLX, key: InboxFailedKey, args: amqp.Table{
			"x-message-ttl": failedTTL.Milliseconds(),
		}},
		{queue: DripQueue, exchange: DripExchange, key: DripSendKey, args: amqp.Table{
			"x-message-ttl":             dripQueueTTL.Milliseconds(),
			"x-dead-letter-exchange":    DripDLX,
			"x-dead-letter-routing-key": DripFailedKey,
		}},
		{queue: DripDeadQueue, exchange: DripDLX, key: DripFailedKey, args: amqp.Table{
			"x-message-ttl": failedTTL.Milliseconds(),
		}},
	}
}

func queueArgs(queue string) amqp.Table {
	for _, qb := range topology() {
		if qb.queue == queue {
			return qb.args
		}
	}
	return nil
}

// declareTopology declares both domain exchanges, their dead-letter
// exchanges, and every durable queue with its binding. Idempotent; safe to
// run on every (re)connect.
func declareTopology(ch *amqp.Channel) error {
	for _, exchange := range []string{InboxExchange, DripExchange, InboxDLX, DripDLX} {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("broker: declare exchange %s: %w", exchange, err)
		}
	}
	for _, qb := range topology() {
		if _, err := ch.QueueDeclare(qb.queue, true, false, false, false, qb.args); err != nil {
			return fmt.Errorf("broker: declare queue %s: %w", qb.queue, err)
		}
		if err := ch.QueueBind(qb.queue, qb.key, qb.exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind %s to %s/%s: %w", qb.queue, qb.exchange, qb.key, err)
		}
	}
	return nil
}

// MonitoredQueues lists the queues the depth monitor samples.
func MonitoredQueues() []string {
	return []string{
		SendQueue, InboundQueue, StatusQueue, NotifyQueue, WebhookQueue,
		InboxFailedQueue, DripQueue, DripDeadQueue,
	}
}
