package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v3"
)

func TestStoreInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock, read: mock}
	uid := uuid.New()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(uid, "DM-1-123456", (*string)(nil), "+15551112222", "+15553334444", "hi", "",
			StatusSent, "sent", DirectionOutbound, true, true, pgxmock.AnyArg(),
			int64(7), int64(3), int64(9), MessageTypeSMS, true).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	dripID := int64(11)
	id, err := store.Insert(context.Background(), nil, Message{
		UID:            uid,
		BRef:           "DM-1-123456",
		FromNumber:     "+15551112222",
		ToNumber:       "+15553334444",
		Body:           "hi",
		Status:         StatusSent,
		DeliveryStatus: "sent",
		Direction:      DirectionOutbound,
		IsRead:         true,
		IsDrip:         true,
		DripID:         &dripID,
		UserID:         7,
		WorkspaceID:    3,
		ContactID:      9,
		MessageType:    MessageTypeSMS,
		IsCharged:      true,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 42 {
		t.Fatalf("id = %d", id)
	}
}

func TestProviderMessageID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock, read: mock}

	sid := "SM1"
	mock.ExpectQuery("SELECT provider_message_id FROM messages").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"provider_message_id"}).AddRow(&sid))
	got, present, err := store.ProviderMessageID(context.Background(), 42)
	if err != nil || !present || got != "SM1" {
		t.Fatalf("got (%q, %v, %v)", got, present, err)
	}

	mock.ExpectQuery("SELECT provider_message_id FROM messages").
		WithArgs(int64(43)).
		WillReturnRows(pgxmock.NewRows([]string{"provider_message_id"}).AddRow((*string)(nil)))
	_, present, err = store.ProviderMessageID(context.Background(), 43)
	if err != nil || present {
		t.Fatalf("expected absent provider id, got present=%v err=%v", present, err)
	}
}

func TestProviderMessageIDNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock, read: mock}

	mock.ExpectQuery("SELECT provider_message_id FROM messages").
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows([]string{"provider_message_id"}))
	_, _, err = store.ProviderMessageID(context.Background(), 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetProviderMessageID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock, read: mock}

	mock.ExpectExec("UPDATE messages").
		WithArgs(int64(42), "SM1", StatusSent).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.SetProviderMessageID(context.Background(), 42, "SM1"); err != nil {
		t.Fatalf("set provider id: %v", err)
	}

	// Blank ids are ignored without touching the database.
	if err := store.SetProviderMessageID(context.Background(), 42, "  "); err != nil {
		t.Fatalf("blank provider id: %v", err)
	}
}

func TestUpdateDeliveryStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()
	store := &Store{pool: mock, read: mock}

	coarse := StatusDelivered
	mock.ExpectExec("UPDATE messages SET status").
		WithArgs(int64(42), coarse, "delivered").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.UpdateDeliveryStatus(context.Background(), 42, &coarse, "delivered"); err != nil {
		t.Fatalf("update with coarse: %v", err)
	}

	mock.ExpectExec("UPDATE messages SET delivery_status").
		WithArgs(int64(42), "partially_delivered").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := store.UpdateDeliveryStatus(context.Background(), 42, nil, "partially_delivered"); err != nil {
		t.Fatalf("update textual only: %v", err)
	}
}
