package drip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sengine/sengine/internal/messaging"
)

// ErrNotFound is returned when a scheduled message lookup matches no row.
var ErrNotFound = errors.New("drip: scheduled message not found")

// Store persists scheduled messages and per-enrollment drip contact rows.
// Batch selects go through the read pool; both default to the same pool.
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

// WithReader routes the scheduler's batch selects through a separate pool.
func (s *Store) WithReader(pool messaging.PgxPool) *Store {
	if pool != nil {
		s.read = pool
	}
	return s
}

const scheduledColumns = `id, user_id, workspace_id, contact_id, drip_id, campaign_id, drip_contact_id,
	from_number, to_number, body, media_url, scheduled_at, status, retry_count,
	queued_at, sent_at, error_message, message_id, provider_message_id`

func scanScheduled(row pgx.Row) (*ScheduledMessage, error) {
	var m ScheduledMessage
	err := row.Scan(&m.ID, &m.UserID, &m.WorkspaceID, &m.ContactID, &m.DripID, &m.CampaignID, &m.DripContactID,
		&m.FromNumber, &m.ToNumber, &m.Body, &m.MediaURL, &m.ScheduledAt, &m.Status, &m.RetryCount,
		&m.QueuedAt, &m.SentAt, &m.ErrorMessage, &m.MessageID, &m.ProviderMessageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("drip: scan scheduled message: %w", err)
	}
	return &m, nil
}

// Get loads one scheduled message by id. Stays on the write pool: this is
// the dispatcher's pre-flight idempotency read and must see its own writes.
func (s *Store) Get(ctx context.Context, id int64) (*ScheduledMessage, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_messages WHERE id = $1`
	return scanScheduled(s.pool.QueryRow(ctx, query, id))
}

// DuePending selects pending rows whose scheduled_at falls inside the lead
// window, oldest first. A row scheduled exactly at the window edge is
// eligible.
func (s *Store) DuePending(ctx context.Context, before time.Time, limit int) ([]ScheduledMessage, error) {
	query := `
		SELECT ` + scheduledColumns + `
		FROM scheduled_messages
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`
	rows, err := s.read.Query(ctx, query, StatusPending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("drip: select due pending: %w", err)
	}
	defer rows.Close()
	var out []ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkQueued promotes the collected rows from pending to queued in one
// statement. The status gate keeps a concurrently cancelled row untouched.
func (s *Store) MarkQueued(ctx context.Context, ids []int64, queuedAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE scheduled_messages
		SET status = $1, queued_at = $2, updated_at = now()
		WHERE id = ANY($3) AND status = $4
	`
	tag, err := s.pool.Exec(ctx, query, StatusQueued, queuedAt, ids, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("drip: mark queued: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StuckQueued lists rows that have sat in queued past the cutoff; their
// broker message has TTL-expired to the DLX and needs republishing.
func (s *Store) StuckQueued(ctx context.Context, cutoff time.Time, limit int) ([]ScheduledMessage, error) {
	query := `
		SELECT ` + scheduledColumns + `
		FROM scheduled_messages
		WHERE status = $1 AND queued_at <= $2
		ORDER BY queued_at ASC
		LIMIT $3
	`
	rows, err := s.read.Query(ctx, query, StatusQueued, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("drip: select stuck queued: %w", err)
	}
	defer rows.Close()
	var out []ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkSent records the successful transmission with its message row and
// provider id.
func (s *Store) MarkSent(ctx context.Context, id, messageID int64, providerMessageID string, sentAt time.Time) error {
	query := `
		UPDATE scheduled_messages
		SET status = $2, sent_at = $3, message_id = $4, provider_message_id = $5,
			error_message = '', updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, StatusSent, sentAt, messageID, providerMessageID); err != nil {
		return fmt.Errorf("drip: mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure with its reason.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE scheduled_messages
		SET status = $2, error_message = $3, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, StatusFailed, reason); err != nil {
		return fmt.Errorf("drip: mark failed: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus promotes a sent row to delivered/failed when the
// provider callback lands.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, messageID int64, status string) error {
	query := `
		UPDATE scheduled_messages
		SET status = $2, updated_at = now()
		WHERE message_id = $1 AND status = $3
	`
	if _, err := s.pool.Exec(ctx, query, messageID, status, StatusSent); err != nil {
		return fmt.Errorf("drip: update delivery status: %w", err)
	}
	return nil
}

// MarkDripContactSent updates the per-enrollment row after a send.
func (s *Store) MarkDripContactSent(ctx context.Context, id, messageID int64, bRef string, sentAt time.Time) error {
	query := `
		UPDATE drip_contacts
		SET status = $2, sent_at = $3, message_id = $4, b_ref = $5, error_message = '', updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, DripContactSent, sentAt, messageID, bRef); err != nil {
		return fmt.Errorf("drip: mark drip contact sent: %w", err)
	}
	return nil
}

// MarkDripContactFailed records a failure (or skip) on the enrollment row.
func (s *Store) MarkDripContactFailed(ctx context.Context, id int64, status int, reason string) error {
	query := `
		UPDATE drip_contacts
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, status, reason); err != nil {
		return fmt.Errorf("drip: mark drip contact failed: %w", err)
	}
	return nil
}

// MarkDripContactDelivered promotes the enrollment row on a delivery
// callback.
func (s *Store) MarkDripContactDelivered(ctx context.Context, messageID int64) error {
	query := `
		UPDATE drip_contacts
		SET status = $2, updated_at = now()
		WHERE message_id = $1 AND status = $3
	`
	if _, err := s.pool.Exec(ctx, query, messageID, DripContactDelivered, DripContactSent); err != nil {
		return fmt.Errorf("drip: mark drip contact delivered: %w", err)
	}
	return nil
}
