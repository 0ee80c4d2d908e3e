package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sengine/sengine/internal/messaging/twilioclient"
)

type fakeSendStore struct {
	providerIDs map[int64]string
	known       map[int64]bool
	recorded    map[int64]string
	failed      []int64
}

func newFakeSendStore() *fakeSendStore {
	return &fakeSendStore{
		providerIDs: map[int64]string{},
		known:       map[int64]bool{},
		recorded:    map[int64]string{},
	}
}

func (f *fakeSendStore) ProviderMessageID(_ context.Context, id int64) (string, bool, error) {
	if !f.known[id] {
		return "", false, ErrNotFound
	}
	pid, ok := f.providerIDs[id]
	return pid, ok && pid != "", nil
}

func (f *fakeSendStore) SetProviderMessageID(_ context.Context, id int64, pid string) error {
	f.recorded[id] = pid
	return nil
}

func (f *fakeSendStore) MarkFailed(_ context.Context, id int64) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeSendGateway struct {
	calls  []twilioclient.SendRequest
	result twilioclient.SendResult
}

func (f *fakeSendGateway) Send(_ context.Context, req twilioclient.SendRequest) twilioclient.SendResult {
	f.calls = append(f.calls, req)
	return f.result
}

func sendDelivery(t *testing.T, env SendEnvelope) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Body: body}
}

func TestSendConsumerHappyPath(t *testing.T) {
	store := newFakeSendStore()
	store.known[42] = true
	gw := &fakeSendGateway{result: twilioclient.SendResult{Success: true, ProviderMessageID: "SM9", Status: "sent"}}
	c := NewSendConsumer(store, gw, nil)

	env := SendEnvelope{Type: TypeSendSMS, Data: SendData{
		MessageID: 42, BRef: "DM-1-000001",
		FromNumber: "+15550001111", ToNumber: "+15551112222", Message: "hello",
		StatusCallbackURL: "https://api.example.com/twilio/status",
	}}
	if err := c.Handle(context.Background(), sendDelivery(t, env)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(gw.calls) != 1 {
		t.Fatalf("expected one gateway call, got %d", len(gw.calls))
	}
	if !strings.Contains(gw.calls[0].StatusCallback, "bRef=DM-1-000001") {
		t.Fatalf("callback missing bRef: %q", gw.calls[0].StatusCallback)
	}
	if store.recorded[42] != "SM9" {
		t.Fatalf("provider id not recorded: %+v", store.recorded)
	}
}

func TestSendConsumerDuplicateSkips(t *testing.T) {
	store := newFakeSendStore()
	store.known[42] = true
	store.providerIDs[42] = "SM1"
	gw := &fakeSendGateway{}
	c := NewSendConsumer(store, gw, nil)

	env := SendEnvelope{Type: TypeSendSMS, Data: SendData{MessageID: 42}}
	if err := c.Handle(context.Background(), sendDelivery(t, env)); err != nil {
		t.Fatalf("duplicate must ack, got %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatal("duplicate must not call the gateway")
	}
}

func TestSendConsumerGatewayFailureMarksRow(t *testing.T) {
	store := newFakeSendStore()
	store.known[42] = true
	gw := &fakeSendGateway{result: twilioclient.SendResult{Success: false, ErrorCode: "30007"}}
	c := NewSendConsumer(store, gw, nil)

	env := SendEnvelope{Type: TypeSendSMS, Data: SendData{MessageID: 42}}
	if err := c.Handle(context.Background(), sendDelivery(t, env)); err != nil {
		t.Fatalf("definitive failure must ack, got %v", err)
	}
	if len(store.failed) != 1 || store.failed[0] != 42 {
		t.Fatalf("row not marked failed: %+v", store.failed)
	}
}

func TestSendConsumerUnknownTypeDropped(t *testing.T) {
	store := newFakeSendStore()
	gw := &fakeSendGateway{}
	c := NewSendConsumer(store, gw, nil)

	env := SendEnvelope{Type: "SEND_FAX", Data: SendData{MessageID: 42}}
	if err := c.Handle(context.Background(), sendDelivery(t, env)); err != nil {
		t.Fatalf("unknown type must ack, got %v", err)
	}
	if len(gw.calls) != 0 {
		t.Fatal("unknown type must not call the gateway")
	}
}

func TestSendConsumerTenantCredentials(t *testing.T) {
	store := newFakeSendStore()
	store.known[42] = true
	gw := &fakeSendGateway{result: twilioclient.SendResult{Success: true, ProviderMessageID: "SM9"}}
	c := NewSendConsumer(store, gw, nil)

	env := SendEnvelope{Type: TypeSendSMS, Data: SendData{
		MessageID:         42,
		TwilioCredentials: &ProviderCredentials{AccountSID: "ACx", AuthToken: "tok"},
	}}
	if err := c.Handle(context.Background(), sendDelivery(t, env)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gw.calls[0].Credentials == nil || gw.calls[0].Credentials.AccountSID != "ACx" {
		t.Fatalf("credentials not passed through: %+v", gw.calls[0])
	}
}

func TestSendConsumerLoadTest(t *testing.T) {
	store := newFakeSendStore()
	gw := &fakeSendGateway{}
	c := NewSendConsumer(store, gw, nil)
	var slept time.Duration
	c.sleep = func(d time.Duration) { slept = d }

	env := SendEnvelope{Type: TypeSendSMS, Data: SendData{MessageID: 42, IsLoadTest: true}}
	if err := c.Handle(context.Background(), sendDelivery(t, env)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if slept < 50*time.Millisecond || slept > 200*time.Millisecond {
		t.Fatalf("sleep out of range: %v", slept)
	}
	if len(gw.calls) != 0 {
		t.Fatal("load test must not reach the gateway")
	}
}

type fakeReconcilerStore struct {
	msg     *Message
	updates []struct {
		id      int64
		coarse  *int
		textual string
	}
}

func (f *fakeReconcilerStore) FindByRef(_ context.Context, _, _ string) (*Message, error) {
	if f.msg == nil {
		return nil, ErrNotFound
	}
	return f.msg, nil
}

func (f *fakeReconcilerStore) UpdateDeliveryStatus(_ context.Context, id int64, coarse *int, textual string) error {
	f.updates = append(f.updates, struct {
		id      int64
		coarse  *int
		textual string
	}{id, coarse, textual})
	return nil
}

type fakeDripUpdater struct {
	statusUpdates []string
	delivered     []int64
}

func (f *fakeDripUpdater) UpdateDeliveryStatus(_ context.Context, _ int64, status string) error {
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeDripUpdater) MarkDripContactDelivered(_ context.Context, id int64) error {
	f.delivered = append(f.delivered, id)
	return nil
}

type recordedEvent struct {
	event string
	data  map[string]any
}

type fakeReconcilerEmitter struct {
	events []recordedEvent
}

func (f *fakeReconcilerEmitter) Emit(_ context.Context, _, _ int64, event string, data map[string]any) {
	f.events = append(f.events, recordedEvent{event, data})
}

func statusDelivery(t *testing.T, data StatusData) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(StatusEnvelope{Data: data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Body: body}
}

func TestReconcilerDeliveredFansOut(t *testing.T) {
	store := &fakeReconcilerStore{msg: &Message{ID: 55, BRef: "DM-1-000001", UserID: 7, WorkspaceID: 3, IsDrip: true}}
	drip := &fakeDripUpdater{}
	emitter := &fakeReconcilerEmitter{}
	r := NewReconciler(store, nil).WithDripUpdates(drip).WithEvents(emitter)

	d := statusDelivery(t, StatusData{MessageSID: "SM1", Status: "delivered", BRef: "DM-1-000001"})
	if err := r.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.updates) != 1 || *store.updates[0].coarse != StatusDelivered || store.updates[0].textual != "delivered" {
		t.Fatalf("unexpected updates %+v", store.updates)
	}
	if len(drip.delivered) != 1 || drip.delivered[0] != 55 {
		t.Fatalf("drip contact not promoted: %+v", drip.delivered)
	}
	if len(emitter.events) != 1 || emitter.events[0].event != "message.delivered" {
		t.Fatalf("expected message.delivered event, got %+v", emitter.events)
	}
}

func TestReconcilerFailedEmitsFailure(t *testing.T) {
	store := &fakeReconcilerStore{msg: &Message{ID: 55, UserID: 7, WorkspaceID: 3}}
	emitter := &fakeReconcilerEmitter{}
	r := NewReconciler(store, nil).WithEvents(emitter)

	d := statusDelivery(t, StatusData{MessageSID: "SM1", Status: "undelivered", ErrorCode: "30003"})
	if err := r.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(emitter.events) != 1 || emitter.events[0].event != "message.failed" {
		t.Fatalf("expected message.failed event, got %+v", emitter.events)
	}
	if emitter.events[0].data["error_code"] != "30003" {
		t.Fatalf("error code not propagated: %+v", emitter.events[0].data)
	}
}

func TestReconcilerUnknownStatusTextualOnly(t *testing.T) {
	store := &fakeReconcilerStore{msg: &Message{ID: 55}}
	r := NewReconciler(store, nil)

	d := statusDelivery(t, StatusData{MessageSID: "SM1", Status: "scheduled"})
	if err := r.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.updates) != 1 || store.updates[0].coarse != nil || store.updates[0].textual != "scheduled" {
		t.Fatalf("unknown status must propagate textual only, got %+v", store.updates)
	}
}

func TestReconcilerMissingMessageAcks(t *testing.T) {
	store := &fakeReconcilerStore{}
	r := NewReconciler(store, nil)

	d := statusDelivery(t, StatusData{MessageSID: "SMmissing", Status: "delivered"})
	if err := r.Handle(context.Background(), d); err != nil {
		t.Fatalf("missing message must still ack, got %v", err)
	}
}
