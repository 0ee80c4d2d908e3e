package drip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sengine/sengine/internal/broker"
	"github.com/sengine/sengine/internal/observability/metrics"
	"github.com/sengine/sengine/pkg/logging"
)

type schedulerStore interface {
	DuePending(ctx context.Context, before time.Time, limit int) ([]ScheduledMessage, error)
	MarkQueued(ctx context.Context, ids []int64, queuedAt time.Time) (int64, error)
	StuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]ScheduledMessage, error)
}

type publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, messageID string) error
	IsConnected() bool
}

// Scheduler drains due scheduled messages from storage into the broker at a
// controlled lead time. Strictly sequential: a cycle refuses to start while
// the previous one is still running, and only one scheduler process may run
// fleet-wide.
type Scheduler struct {
	store    schedulerStore
	bus      publisher
	logger   *logging.Logger
	metrics  *metrics.PipelineMetrics
	interval time.Duration
	window   time.Duration
	batch    int
	// requeueAfter bounds how long a row may sit in queued before its broker
	// message is assumed TTL-expired and republished.
	requeueAfter time.Duration

	mu         sync.Mutex
	inProgress bool
}

func NewScheduler(store schedulerStore, bus publisher, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		store:        store,
		bus:          bus,
		logger:       logger.Component("pre-queue"),
		interval:     30 * time.Second,
		window:       15 * time.Minute,
		batch:        2000,
		requeueAfter: 2 * time.Hour,
	}
}

func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Scheduler) WithWindow(d time.Duration) *Scheduler {
	if d > 0 {
		s.window = d
	}
	return s
}

func (s *Scheduler) WithBatchSize(n int) *Scheduler {
	if n > 0 {
		s.batch = n
	}
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.PipelineMetrics) *Scheduler {
	s.metrics = m
	return s
}

// Run executes cycles on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return false
	}
	s.inProgress = true
	return true
}

func (s *Scheduler) end() {
	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()
}

// Cycle runs one drain pass. Returns the number of rows promoted to queued.
func (s *Scheduler) Cycle(ctx context.Context) int {
	if !s.begin() {
		s.logger.Warn("previous cycle still running, skipping")
		return 0
	}
	defer s.end()

	if !s.bus.IsConnected() {
		s.logger.Warn("broker not connected, skipping cycle")
		return 0
	}

	now := time.Now().UTC()
	rows, err := s.store.DuePending(ctx, now.Add(s.window), s.batch)
	if err != nil {
		s.logger.Error("select due rows failed", "error", err)
		return 0
	}
	if len(rows) == 0 {
		s.requeueStuck(ctx, now)
		return 0
	}

	queued := make([]int64, 0, len(rows))
	for i := range rows {
		if err := s.publishRow(ctx, &rows[i], now); err != nil {
			// Row stays pending; the next cycle retries it.
			s.logger.Error("publish failed", "scheduled_message_id", rows[i].ID, "error", err)
			continue
		}
		queued = append(queued, rows[i].ID)
	}
	if len(queued) == 0 {
		return 0
	}

	updated, err := s.store.MarkQueued(ctx, queued, now)
	if err != nil {
		// Published but not marked: the dispatcher's idempotency check
		// absorbs the resulting duplicate delivery.
		s.logger.Error("mark queued failed", "count", len(queued), "error", err)
		return 0
	}
	s.logger.Info("pre-queue cycle complete", "selected", len(rows), "queued", updated)
	s.metrics.ObservePreQueueBatch(int(updated))
	s.requeueStuck(ctx, now)
	return int(updated)
}

func (s *Scheduler) publishRow(ctx context.Context, m *ScheduledMessage, now time.Time) error {
	payload := Payload{
		ScheduledMessageID: m.ID,
		DripContactID:      m.DripContactID,
		UserID:             m.UserID,
		WorkspaceID:        m.WorkspaceID,
		ContactID:          m.ContactID,
		DripID:             m.DripID,
		CampaignID:         m.CampaignID,
		FromNumber:         m.FromNumber,
		ToNumber:           m.ToNumber,
		Message:            m.Body,
		MediaURL:           m.MediaURL,
		ScheduledAt:        m.ScheduledAt.UTC(),
		QueuedAt:           now,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("drip: marshal payload: %w", err)
	}
	return s.bus.Publish(ctx, broker.DripExchange, broker.DripSendKey, body, messageToken(m.ID))
}

// requeueStuck republishes rows whose queued broker message has outlived the
// drip queue TTL. The row stays queued; it never returns to pending.
func (s *Scheduler) requeueStuck(ctx context.Context, now time.Time) {
	stuck, err := s.store.StuckQueued(ctx, now.Add(-s.requeueAfter), s.batch)
	if err != nil {
		s.logger.Error("select stuck queued failed", "error", err)
		return
	}
	for i := range stuck {
		if err := s.publishRow(ctx, &stuck[i], now); err != nil {
			s.logger.Error("requeue publish failed", "scheduled_message_id", stuck[i].ID, "error", err)
		}
	}
	if len(stuck) > 0 {
		s.logger.Warn("requeued stuck rows", "count", len(stuck))
	}
}

func messageToken(id int64) string {
	return fmt.Sprintf("sm-%d", id)
}
