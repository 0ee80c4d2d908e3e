package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sengine/sengine/internal/broker"
	appconfig "github.com/sengine/sengine/internal/config"
	"github.com/sengine/sengine/internal/contacts"
	"github.com/sengine/sengine/internal/credits"
	"github.com/sengine/sengine/internal/drip"
	"github.com/sengine/sengine/internal/inbound"
	"github.com/sengine/sengine/internal/messaging"
	"github.com/sengine/sengine/internal/messaging/twilioclient"
	"github.com/sengine/sengine/internal/notify"
	"github.com/sengine/sengine/internal/observability/metrics"
	"github.com/sengine/sengine/internal/storage"
	"github.com/sengine/sengine/internal/webhooks"
	"github.com/sengine/sengine/pkg/logging"
)

// Runtime carries the shared infrastructure and wired workers of one
// drip-worker process.
type Runtime struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Pools   *storage.Pools
	Bus     *broker.Broker
	Redis   *redis.Client
	Metrics *metrics.PipelineMetrics

	Scheduler *drip.Scheduler
	Consumers []Consumer
}

// Consumer pairs a queue subscription with its handler.
type Consumer struct {
	Queue    string
	Tag      string
	Prefetch int
	Handler  broker.Handler
}

// NewRuntime connects infrastructure and wires every worker from config.
func NewRuntime(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	pools, err := storage.Open(ctx, cfg.DSN(), cfg.DBPoolMin, cfg.DBPoolMax)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open storage: %w", err)
	}

	if !cfg.RabbitMQEnabled {
		pools.Close()
		return nil, fmt.Errorf("bootstrap: broker is required for the drip worker (RABBITMQ_ENABLED=false)")
	}
	bus, err := broker.Connect(ctx, cfg.RabbitMQURL, logger)
	if err != nil {
		pools.Close()
		return nil, fmt.Errorf("bootstrap: connect broker: %w", err)
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Pools:   pools,
		Bus:     bus,
		Redis:   BuildRedisClient(ctx, cfg, logger),
		Metrics: metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
	}
	if err := rt.wire(); err != nil {
		rt.CloseInfra()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) wire() error {
	cfg := rt.Config

	gatewayClient, err := twilioclient.New(twilioclient.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: gateway client: %w", err)
	}

	messageStore := messaging.NewStore(rt.Pools.Writer).WithReader(rt.Pools.Reader)
	contactStore := contacts.NewStore(rt.Pools.Writer).WithReader(rt.Pools.Reader)
	dripStore := drip.NewStore(rt.Pools.Writer).WithReader(rt.Pools.Reader)
	webhookStore := webhooks.NewStore(rt.Pools.Writer).WithReader(rt.Pools.Reader)
	ledger := credits.NewLedger(rt.Pools.Writer)
	producer := webhooks.NewProducer(webhookStore, rt.Bus, rt.Logger)

	// One token bucket per process, shared by both outbound paths.
	bucket := rate.NewLimiter(rate.Limit(cfg.TwilioRatePerSec), cfg.TwilioRateBurst)

	if cfg.PreQueueEnabled {
		rt.Scheduler = drip.NewScheduler(dripStore, rt.Bus, rt.Logger).
			WithInterval(cfg.PreQueueInterval).
			WithWindow(cfg.PreQueueWindow).
			WithBatchSize(cfg.PreQueueBatch).
			WithMetrics(rt.Metrics)
	}

	dispatcher := drip.NewDispatcher(dripStore, messageStore, contactStore, ledger, gatewayClient, rt.Logger).
		WithStatusCallbackURL(cfg.TwilioStatusCallbackURL).
		WithEvents(producer).
		WithMetrics(rt.Metrics).
		WithPacer(bucket).
		WithDelay(cfg.DripRateLimitDelay)
	rt.Consumers = append(rt.Consumers, Consumer{
		Queue: broker.DripQueue, Tag: "drip-dispatcher", Prefetch: cfg.DripPrefetch, Handler: dispatcher.Handle,
	})
	if cfg.HighScaleDrip {
		// Second consumer on the same queue; pacing still holds because both
		// share the process bucket.
		rt.Consumers = append(rt.Consumers, Consumer{
			Queue: broker.DripQueue, Tag: "drip-dispatcher-2", Prefetch: cfg.DripPrefetch, Handler: dispatcher.Handle,
		})
	}

	if cfg.MessageWorkerEnabled {
		sendConsumer := messaging.NewSendConsumer(messageStore, gatewayClient, rt.Logger).WithPacer(bucket)
		rt.Consumers = append(rt.Consumers, Consumer{
			Queue: broker.SendQueue, Tag: "send-consumer", Prefetch: cfg.MessagePrefetch, Handler: sendConsumer.Handle,
		})
	}

	reconciler := messaging.NewReconciler(messageStore, rt.Logger).
		WithDripUpdates(dripStore).
		WithEvents(producer).
		WithMetrics(rt.Metrics)
	rt.Consumers = append(rt.Consumers, Consumer{
		Queue: broker.StatusQueue, Tag: "reconciler", Prefetch: cfg.MessagePrefetch, Handler: reconciler.Handle,
	})

	ingestor := inbound.NewIngestor(contactStore, messageStore, rt.Logger).WithEvents(producer)
	if rt.Redis != nil {
		ingestor = ingestor.WithNotifier(notify.NewService(rt.Redis, rt.Logger))
	}
	rt.Consumers = append(rt.Consumers, Consumer{
		Queue: broker.InboundQueue, Tag: "inbound-ingestor", Prefetch: cfg.MessagePrefetch, Handler: ingestor.Handle,
	})

	webhookDispatcher := webhooks.NewDispatcher(webhookStore, rt.Logger).
		WithMetrics(rt.Metrics).
		WithTimeout(cfg.WebhookTimeout)
	rt.Consumers = append(rt.Consumers, Consumer{
		Queue: broker.WebhookQueue, Tag: "webhook-dispatcher", Prefetch: cfg.MessagePrefetch, Handler: webhookDispatcher.Handle,
	})

	return nil
}

// MetricsHandler exposes the process Prometheus registry for the ops router.
func (rt *Runtime) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// CloseInfra releases the broker, pools and Redis without any draining.
// Orderly shutdown lives in the supervisor.
func (rt *Runtime) CloseInfra() {
	if rt.Bus != nil {
		_ = rt.Bus.Close()
	}
	if rt.Pools != nil {
		rt.Pools.Close()
	}
	if rt.Redis != nil {
		_ = rt.Redis.Close()
	}
}

// BuildRedisClient returns a configured Redis client or nil when unset or
// unreachable.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	options := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, realtime notifications disabled", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}
