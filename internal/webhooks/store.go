package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sengine/sengine/internal/messaging"
)

// Delivery statuses.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// ErrNotFound is returned when a webhook lookup matches no row.
var ErrNotFound = errors.New("webhooks: not found")

// Webhook is a user-registered HTTP subscription.
type Webhook struct {
	ID              int64
	UserID          int64
	WorkspaceID     int64
	URL             string
	Secret          string
	Events          []string
	Status          string
	FailureCount    int
	LastTriggeredAt *time.Time
}

// Delivery is one immutable attempt log row.
type Delivery struct {
	ID             int64
	WebhookID      int64
	EventID        uuid.UUID
	EventType      string
	Payload        []byte
	Status         string
	ResponseStatus *int
	ResponseBody   string
	ErrorMessage   string
	DurationMS     *int64
	AttemptedAt    *time.Time
}

// Store persists webhook subscriptions and their delivery history.
// Subscription lookups go through the read pool; both default to the same
// pool.
type Store struct {
	pool messaging.PgxPool
	read messaging.PgxPool
}

func NewStore(pool messaging.PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool, read: pool}
}

// WithReader routes select-only queries through a separate pool.
func (s *Store) WithReader(pool messaging.PgxPool) *Store {
	if pool != nil {
		s.read = pool
	}
	return s
}

// ActiveForEvent lists active subscriptions for the user/workspace whose
// events set contains the tag.
func (s *Store) ActiveForEvent(ctx context.Context, userID, workspaceID int64, event string) ([]Webhook, error) {
	query := `
		SELECT id, user_id, workspace_id, url, secret, events, status, failure_count, last_triggered_at
		FROM webhooks
		WHERE user_id = $1 AND workspace_id = $2 AND status = 'active'
			AND events @> jsonb_build_array($3::text)
	`
	rows, err := s.read.Query(ctx, query, userID, workspaceID, event)
	if err != nil {
		return nil, fmt.Errorf("webhooks: select active: %w", err)
	}
	defer rows.Close()
	var out []Webhook
	for rows.Next() {
		var w Webhook
		if err := rows.Scan(&w.ID, &w.UserID, &w.WorkspaceID, &w.URL, &w.Secret, &w.Events,
			&w.Status, &w.FailureCount, &w.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("webhooks: scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Get loads one subscription by id with its secret.
func (s *Store) Get(ctx context.Context, id int64) (*Webhook, error) {
	query := `
		SELECT id, user_id, workspace_id, url, secret, events, status, failure_count, last_triggered_at
		FROM webhooks WHERE id = $1
	`
	var w Webhook
	err := s.read.QueryRow(ctx, query, id).Scan(&w.ID, &w.UserID, &w.WorkspaceID, &w.URL, &w.Secret,
		&w.Events, &w.Status, &w.FailureCount, &w.LastTriggeredAt)
	if err != nil {
		return nil, fmt.Errorf("webhooks: get webhook: %w", err)
	}
	return &w, nil
}

// InsertDelivery creates a pending attempt row and returns its id.
func (s *Store) InsertDelivery(ctx context.Context, webhookID int64, eventID uuid.UUID, eventType string, payload []byte) (int64, error) {
	query := `
		INSERT INTO webhook_deliveries (webhook_id, event_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	var id int64
	err := s.pool.QueryRow(ctx, query, webhookID, eventID, eventType, payload, DeliveryPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("webhooks: insert delivery: %w", err)
	}
	return id, nil
}

// RecordAttempt writes the outcome of one POST onto the delivery row.
func (s *Store) RecordAttempt(ctx context.Context, deliveryID int64, status string,
	responseStatus *int, responseBody, errorMessage string, duration time.Duration, attemptedAt time.Time) error {

	query := `
		UPDATE webhook_deliveries
		SET status = $2, response_status = $3, response_body = $4, error_message = $5,
			duration_ms = $6, attempted_at = $7
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, deliveryID, status, responseStatus,
		responseBody, errorMessage, duration.Milliseconds(), attemptedAt)
	if err != nil {
		return fmt.Errorf("webhooks: record attempt: %w", err)
	}
	return nil
}

// MarkSuccess resets the parent webhook's failure counter and stamps
// last_triggered_at.
func (s *Store) MarkSuccess(ctx context.Context, webhookID int64, at time.Time) error {
	query := `
		UPDATE webhooks
		SET failure_count = 0, last_triggered_at = $2, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, webhookID, at); err != nil {
		return fmt.Errorf("webhooks: mark success: %w", err)
	}
	return nil
}

// MarkFailure increments the parent webhook's failure counter.
func (s *Store) MarkFailure(ctx context.Context, webhookID int64) error {
	query := `
		UPDATE webhooks
		SET failure_count = failure_count + 1, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, webhookID); err != nil {
		return fmt.Errorf("webhooks: mark failure: %w", err)
	}
	return nil
}
