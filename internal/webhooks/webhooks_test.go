package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/google/uuid"
)

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"event":"message.delivered"}`)
	a := Sign("secret", payload)
	b := Sign("secret", payload)
	if a != b {
		t.Fatalf("signature not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "sha256=") {
		t.Fatalf("signature missing scheme prefix: %q", a)
	}
	if Sign("other", payload) == a {
		t.Fatal("different secrets must produce different signatures")
	}
	if Sign("secret", []byte(`{}`)) == a {
		t.Fatal("different payloads must produce different signatures")
	}
}

type fakeProducerStore struct {
	subs       []Webhook
	deliveries []int64
	nextID     int64
}

func (f *fakeProducerStore) ActiveForEvent(_ context.Context, _, _ int64, _ string) ([]Webhook, error) {
	return f.subs, nil
}

func (f *fakeProducerStore) InsertDelivery(_ context.Context, webhookID int64, _ uuid.UUID, _ string, _ []byte) (int64, error) {
	f.nextID++
	f.deliveries = append(f.deliveries, webhookID)
	return f.nextID, nil
}

type fakePublisher struct {
	jobs [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, _, _ string, body []byte, _ string) error {
	f.jobs = append(f.jobs, body)
	return nil
}

func TestProducerEnqueuesPerSubscription(t *testing.T) {
	store := &fakeProducerStore{subs: []Webhook{
		{ID: 1, URL: "https://a.example.com", Secret: "s1", Events: []string{"message.delivered"}},
		{ID: 2, URL: "https://b.example.com", Secret: "s2", Events: []string{"message.delivered"}},
	}}
	bus := &fakePublisher{}
	p := NewProducer(store, bus, nil)

	p.Emit(context.Background(), 7, 3, "message.delivered", map[string]any{"message_id": 55})

	if len(store.deliveries) != 2 || len(bus.jobs) != 2 {
		t.Fatalf("expected 2 pending deliveries and 2 jobs, got %d/%d", len(store.deliveries), len(bus.jobs))
	}
	var job Job
	if err := json.Unmarshal(bus.jobs[0], &job); err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.WebhookID != 1 || job.Event != "message.delivered" || job.DeliveryID != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	var event Event
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if event.EventID != job.EventID || event.Event != "message.delivered" {
		t.Fatalf("event body does not match job: %+v", event)
	}
}

func TestProducerNoSubscriptionsNoJobs(t *testing.T) {
	store := &fakeProducerStore{}
	bus := &fakePublisher{}
	p := NewProducer(store, bus, nil)

	p.Emit(context.Background(), 7, 3, "message.delivered", nil)
	if len(bus.jobs) != 0 {
		t.Fatal("no subscriptions must produce no jobs")
	}
}

type fakeDispatcherStore struct {
	hook     *Webhook
	attempts []recordedAttempt
	success  int
	failure  int
}

type recordedAttempt struct {
	deliveryID     int64
	status         string
	responseStatus *int
	responseBody   string
	errorMessage   string
}

func (f *fakeDispatcherStore) Get(_ context.Context, _ int64) (*Webhook, error) {
	return f.hook, nil
}

func (f *fakeDispatcherStore) RecordAttempt(_ context.Context, deliveryID int64, status string,
	responseStatus *int, responseBody, errorMessage string, _ time.Duration, _ time.Time) error {
	f.attempts = append(f.attempts, recordedAttempt{deliveryID, status, responseStatus, responseBody, errorMessage})
	return nil
}

func (f *fakeDispatcherStore) MarkSuccess(_ context.Context, _ int64, _ time.Time) error {
	f.success++
	return nil
}

func (f *fakeDispatcherStore) MarkFailure(_ context.Context, _ int64) error {
	f.failure++
	return nil
}

func jobDelivery(t *testing.T, job Job) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Body: body}
}

func TestDispatcherSignsAndRecordsSuccess(t *testing.T) {
	var gotHeaders http.Header
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	store := &fakeDispatcherStore{hook: &Webhook{ID: 1, URL: server.URL, Secret: "topsecret"}}
	d := NewDispatcher(store, nil)

	payload := []byte(`{"event_id":"e","event":"message.delivered","data":{}}`)
	eventID := uuid.New()
	job := Job{DeliveryID: 9, WebhookID: 1, EventID: eventID, Event: "message.delivered", Payload: payload}
	if err := d.Handle(context.Background(), jobDelivery(t, job)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if gotHeaders.Get("X-Webhook-Signature") != Sign("topsecret", payload) {
		t.Fatalf("bad signature header %q", gotHeaders.Get("X-Webhook-Signature"))
	}
	if gotHeaders.Get("User-Agent") != "Sengine-Webhook/1.0" ||
		gotHeaders.Get("X-Webhook-Event") != "message.delivered" ||
		gotHeaders.Get("X-Webhook-Delivery") != eventID.String() ||
		gotHeaders.Get("Content-Type") != "application/json" {
		t.Fatalf("missing headers: %+v", gotHeaders)
	}
	if gotBody != string(payload) {
		t.Fatalf("body mismatch: %q", gotBody)
	}
	if store.success != 1 || store.failure != 0 {
		t.Fatalf("expected success path, got success=%d failure=%d", store.success, store.failure)
	}
	if len(store.attempts) != 1 || store.attempts[0].status != DeliverySuccess ||
		store.attempts[0].responseStatus == nil || *store.attempts[0].responseStatus != 200 {
		t.Fatalf("unexpected attempt %+v", store.attempts)
	}
}

func TestDispatcherNon2xxIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream broken"))
	}))
	defer server.Close()

	store := &fakeDispatcherStore{hook: &Webhook{ID: 1, URL: server.URL, Secret: "s"}}
	d := NewDispatcher(store, nil)

	job := Job{DeliveryID: 9, WebhookID: 1, EventID: uuid.New(), Event: "message.failed", Payload: []byte(`{}`)}
	if err := d.Handle(context.Background(), jobDelivery(t, job)); err != nil {
		t.Fatalf("failure must still ack, got %v", err)
	}
	if store.failure != 1 || store.success != 0 {
		t.Fatalf("expected failure counter bump, got %+v", store)
	}
	attempt := store.attempts[0]
	if attempt.status != DeliveryFailed || *attempt.responseStatus != 502 || attempt.responseBody != "upstream broken" {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
}

func TestDispatcherTruncatesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 20000)))
	}))
	defer server.Close()

	store := &fakeDispatcherStore{hook: &Webhook{ID: 1, URL: server.URL, Secret: "s"}}
	d := NewDispatcher(store, nil)

	job := Job{DeliveryID: 9, WebhookID: 1, EventID: uuid.New(), Event: "e", Payload: []byte(`{}`)}
	if err := d.Handle(context.Background(), jobDelivery(t, job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := len(store.attempts[0].responseBody); got > maxResponseBody {
		t.Fatalf("response body not truncated: %d bytes", got)
	}
}

func TestDispatcherNetworkErrorRecorded(t *testing.T) {
	store := &fakeDispatcherStore{hook: &Webhook{ID: 1, URL: "http://127.0.0.1:1", Secret: "s"}}
	d := NewDispatcher(store, nil)

	job := Job{DeliveryID: 9, WebhookID: 1, EventID: uuid.New(), Event: "e", Payload: []byte(`{}`)}
	if err := d.Handle(context.Background(), jobDelivery(t, job)); err != nil {
		t.Fatalf("network error must still ack, got %v", err)
	}
	attempt := store.attempts[0]
	if attempt.status != DeliveryFailed || attempt.errorMessage == "" || attempt.responseStatus != nil {
		t.Fatalf("unexpected attempt %+v", attempt)
	}
}
