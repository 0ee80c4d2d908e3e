package drip

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeSchedulerStore struct {
	due      []ScheduledMessage
	dueErr   error
	stuck    []ScheduledMessage
	queued   [][]int64
	queuedAt time.Time
}

func (f *fakeSchedulerStore) DuePending(_ context.Context, _ time.Time, _ int) ([]ScheduledMessage, error) {
	return f.due, f.dueErr
}

func (f *fakeSchedulerStore) MarkQueued(_ context.Context, ids []int64, queuedAt time.Time) (int64, error) {
	f.queued = append(f.queued, ids)
	f.queuedAt = queuedAt
	return int64(len(ids)), nil
}

func (f *fakeSchedulerStore) StuckQueued(_ context.Context, _ time.Time, _ int) ([]ScheduledMessage, error) {
	return f.stuck, nil
}

type fakeBus struct {
	connected  bool
	failTokens map[string]bool
	published  []publishedMessage
}

type publishedMessage struct {
	exchange string
	key      string
	body     []byte
	token    string
}

func (f *fakeBus) Publish(_ context.Context, exchange, key string, body []byte, messageID string) error {
	if f.failTokens[messageID] {
		return errors.New("publish refused")
	}
	f.published = append(f.published, publishedMessage{exchange, key, body, messageID})
	return nil
}

func (f *fakeBus) IsConnected() bool { return f.connected }

func dueRow(id int64) ScheduledMessage {
	return ScheduledMessage{
		ID: id, UserID: 7, WorkspaceID: 3, ContactID: 9, DripID: 5, CampaignID: 2, DripContactID: 11,
		FromNumber: "+15550001111", ToNumber: "+15551112222", Body: "hi [first]",
		ScheduledAt: time.Now().Add(time.Minute), Status: StatusPending,
	}
}

func TestCyclePublishesAndMarksQueued(t *testing.T) {
	store := &fakeSchedulerStore{due: []ScheduledMessage{dueRow(1), dueRow(2)}}
	bus := &fakeBus{connected: true}
	s := NewScheduler(store, bus, nil)

	if got := s.Cycle(context.Background()); got != 2 {
		t.Fatalf("expected 2 queued, got %d", got)
	}
	if len(bus.published) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(bus.published))
	}
	var payload Payload
	if err := json.Unmarshal(bus.published[0].body, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ScheduledMessageID != 1 || payload.DripContactID != 11 || payload.Message != "hi [first]" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.QueuedAt.IsZero() {
		t.Fatal("queuedAt not set")
	}
	if len(store.queued) != 1 || len(store.queued[0]) != 2 {
		t.Fatalf("expected one batch of 2 ids, got %+v", store.queued)
	}
}

func TestCycleSkipsWhenBrokerDown(t *testing.T) {
	store := &fakeSchedulerStore{due: []ScheduledMessage{dueRow(1)}}
	bus := &fakeBus{connected: false}
	s := NewScheduler(store, bus, nil)

	if got := s.Cycle(context.Background()); got != 0 {
		t.Fatalf("expected skip, got %d", got)
	}
	if len(bus.published) != 0 {
		t.Fatal("must not publish while disconnected")
	}
}

func TestCycleFailedPublishLeavesRowPending(t *testing.T) {
	store := &fakeSchedulerStore{due: []ScheduledMessage{dueRow(1), dueRow(2)}}
	bus := &fakeBus{connected: true, failTokens: map[string]bool{"sm-1": true}}
	s := NewScheduler(store, bus, nil)

	if got := s.Cycle(context.Background()); got != 1 {
		t.Fatalf("expected 1 queued, got %d", got)
	}
	if len(store.queued) != 1 || len(store.queued[0]) != 1 || store.queued[0][0] != 2 {
		t.Fatalf("only the published row may be marked queued, got %+v", store.queued)
	}
}

func TestCycleRefusesOverlap(t *testing.T) {
	store := &fakeSchedulerStore{}
	bus := &fakeBus{connected: true}
	s := NewScheduler(store, bus, nil)

	if !s.begin() {
		t.Fatal("begin should succeed")
	}
	if got := s.Cycle(context.Background()); got != 0 {
		t.Fatalf("overlapping cycle must be skipped, got %d", got)
	}
	s.end()
}

func TestCycleRepublishesStuckRows(t *testing.T) {
	stuck := dueRow(4)
	stuck.Status = StatusQueued
	store := &fakeSchedulerStore{stuck: []ScheduledMessage{stuck}}
	bus := &fakeBus{connected: true}
	s := NewScheduler(store, bus, nil)

	s.Cycle(context.Background())
	if len(bus.published) != 1 || bus.published[0].token != "sm-4" {
		t.Fatalf("stuck row should be republished, got %+v", bus.published)
	}
	if len(store.queued) != 0 {
		t.Fatal("stuck rows must not be re-marked")
	}
}
