package inbound

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sengine/sengine/internal/contacts"
	"github.com/sengine/sengine/internal/messaging"
)

type fakeDirectory struct {
	owner   *contacts.UserNumber
	user    *contacts.User
	contact *contacts.Contact

	optedOut    map[int64]bool
	denyList    map[string]bool
	lastMessage string
	lastInbound bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		owner:    &contacts.UserNumber{ID: 4, UserID: 7, Phone: "+15550001111", Status: "active"},
		user:     &contacts.User{ID: 7, WorkspaceID: 3, MessagingStatus: "active"},
		contact:  &contacts.Contact{ID: 9, UserID: 7, WorkspaceID: 3, Phone: "+15551112222"},
		optedOut: map[int64]bool{},
		denyList: map[string]bool{},
	}
}

func (f *fakeDirectory) FindNumberOwner(_ context.Context, _ string) (*contacts.UserNumber, error) {
	if f.owner == nil {
		return nil, contacts.ErrNotFound
	}
	return f.owner, nil
}

func (f *fakeDirectory) GetUser(_ context.Context, _ int64) (*contacts.User, error) {
	return f.user, nil
}

func (f *fakeDirectory) FindOrCreate(_ context.Context, _, _ int64, _ string) (*contacts.Contact, error) {
	return f.contact, nil
}

func (f *fakeDirectory) SetOptedOut(_ context.Context, id int64, optedOut bool) error {
	f.optedOut[id] = optedOut
	return nil
}

func (f *fakeDirectory) AddOptOut(_ context.Context, _ int64, phone string) error {
	f.denyList[phone] = true
	return nil
}

func (f *fakeDirectory) RemoveOptOut(_ context.Context, _ int64, phone string) error {
	delete(f.denyList, phone)
	return nil
}

func (f *fakeDirectory) TouchLastMessage(_ context.Context, _ int64, body string, inbound bool) error {
	f.lastMessage, f.lastInbound = body, inbound
	return nil
}

type fakeMessages struct {
	inserted []messaging.Message
	unread   int
}

func (f *fakeMessages) Insert(_ context.Context, _ messaging.Querier, m messaging.Message) (int64, error) {
	f.inserted = append(f.inserted, m)
	return int64(len(f.inserted)), nil
}

func (f *fakeMessages) UnreadCount(_ context.Context, _, _ int64) (int, error) {
	return f.unread, nil
}

type fakeEmitter struct {
	events []string
}

func (f *fakeEmitter) Emit(_ context.Context, _, _ int64, event string, _ map[string]any) {
	f.events = append(f.events, event)
}

type fakeNotifier struct {
	newMessages []int64
	counts      []int
}

func (f *fakeNotifier) MessageNew(_ context.Context, _, _, messageID int64) error {
	f.newMessages = append(f.newMessages, messageID)
	return nil
}

func (f *fakeNotifier) UnreadCount(_ context.Context, _, _ int64, count int) error {
	f.counts = append(f.counts, count)
	return nil
}

func inboundDelivery(t *testing.T, data Data) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(Envelope{Data: data})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return amqp.Delivery{Body: body}
}

func TestIngestPersistsAndNotifies(t *testing.T) {
	dir := newFakeDirectory()
	msgs := &fakeMessages{unread: 4}
	emitter := &fakeEmitter{}
	notify := &fakeNotifier{}
	ing := NewIngestor(dir, msgs, nil).WithEvents(emitter).WithNotifier(notify)

	d := inboundDelivery(t, Data{
		MessageSID: "SMin1", From: "+15551112222", To: "+15550001111", Body: "hello there",
	})
	if err := ing.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(msgs.inserted) != 1 {
		t.Fatalf("expected one message row, got %d", len(msgs.inserted))
	}
	m := msgs.inserted[0]
	if m.Direction != messaging.DirectionInbound || m.MessageType != messaging.MessageTypeSMS {
		t.Fatalf("unexpected message %+v", m)
	}
	if m.ProviderMessageID == nil || *m.ProviderMessageID != "SMin1" {
		t.Fatal("provider sid not recorded")
	}
	if dir.lastMessage != "hello there" || !dir.lastInbound {
		t.Fatalf("contact not touched: %q inbound=%v", dir.lastMessage, dir.lastInbound)
	}
	if len(emitter.events) != 1 || emitter.events[0] != "message.inbound" {
		t.Fatalf("expected message.inbound event, got %v", emitter.events)
	}
	if len(notify.newMessages) != 1 || len(notify.counts) != 1 || notify.counts[0] != 4 {
		t.Fatalf("notifications missing: %+v", notify)
	}
}

func TestIngestClassifiesMMS(t *testing.T) {
	dir := newFakeDirectory()
	msgs := &fakeMessages{}
	ing := NewIngestor(dir, msgs, nil)

	d := inboundDelivery(t, Data{
		From: "+15551112222", To: "+15550001111", Body: "pic",
		NumMedia: 1, MediaURLs: []string{"https://cdn.example.com/a.jpg"},
	})
	if err := ing.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	m := msgs.inserted[0]
	if m.MessageType != messaging.MessageTypeMMS || m.MediaURL == "" {
		t.Fatalf("MMS not classified: %+v", m)
	}
}

func TestIngestOptOut(t *testing.T) {
	dir := newFakeDirectory()
	msgs := &fakeMessages{}
	emitter := &fakeEmitter{}
	ing := NewIngestor(dir, msgs, nil).WithEvents(emitter)

	d := inboundDelivery(t, Data{From: "+15551112222", To: "+15550001111", Body: " STOP "})
	if err := ing.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !dir.optedOut[9] {
		t.Fatal("contact not opted out")
	}
	if !dir.denyList["+15551112222"] {
		t.Fatalf("deny-list not updated: %+v", dir.denyList)
	}
	if len(msgs.inserted) != 1 {
		t.Fatal("opt-out message must still be persisted")
	}
	if len(emitter.events) != 2 || emitter.events[0] != "contact.optout" || emitter.events[1] != "message.inbound" {
		t.Fatalf("expected optout then inbound events, got %v", emitter.events)
	}
}

func TestIngestOptInClearsDenyList(t *testing.T) {
	dir := newFakeDirectory()
	dir.denyList["+15551112222"] = true
	dir.optedOut[9] = true
	msgs := &fakeMessages{}
	emitter := &fakeEmitter{}
	ing := NewIngestor(dir, msgs, nil).WithEvents(emitter)

	d := inboundDelivery(t, Data{From: "+15551112222", To: "+15550001111", Body: "start"})
	if err := ing.Handle(context.Background(), d); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if dir.optedOut[9] {
		t.Fatal("contact should be opted back in")
	}
	if dir.denyList["+15551112222"] {
		t.Fatal("deny-list entry should be removed")
	}
	if len(emitter.events) == 0 || emitter.events[0] != "contact.optin" {
		t.Fatalf("expected contact.optin event, got %v", emitter.events)
	}
}

func TestIngestUnknownNumberDropped(t *testing.T) {
	dir := newFakeDirectory()
	dir.owner = nil
	msgs := &fakeMessages{}
	ing := NewIngestor(dir, msgs, nil)

	d := inboundDelivery(t, Data{From: "+15551112222", To: "+19998887777", Body: "hi"})
	if err := ing.Handle(context.Background(), d); err != nil {
		t.Fatalf("unknown number must ack, got %v", err)
	}
	if len(msgs.inserted) != 0 {
		t.Fatal("nothing should be persisted for an unknown number")
	}
}
