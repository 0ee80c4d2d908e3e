package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by pools and transactions alike.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the pool surface the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrNotFound is returned when a message lookup matches no row.
var ErrNotFound = errors.New("messaging: message not found")

// Store persists message rows in Postgres. Pure lookups go through the read
// pool; both default to the same pool.
type Store struct {
	pool PgxPool
	read PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool, read: pool}
}

// WithReader routes select-only queries through a separate pool.
func (s *Store) WithReader(pool PgxPool) *Store {
	if pool != nil {
		s.read = pool
	}
	return s
}

const messageColumns = `id, uid, b_ref, provider_message_id, from_number, to_number, body, media_url,
	status, delivery_status, direction, is_read, is_drip, drip_id,
	user_id, workspace_id, contact_id, message_type, is_charged, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.UID, &m.BRef, &m.ProviderMessageID, &m.FromNumber, &m.ToNumber, &m.Body, &m.MediaURL,
		&m.Status, &m.DeliveryStatus, &m.Direction, &m.IsRead, &m.IsDrip, &m.DripID,
		&m.UserID, &m.WorkspaceID, &m.ContactID, &m.MessageType, &m.IsCharged, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("messaging: scan message: %w", err)
	}
	return &m, nil
}

// Insert creates a message row and returns its id.
func (s *Store) Insert(ctx context.Context, q Querier, m Message) (int64, error) {
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO messages (
			uid, b_ref, provider_message_id, from_number, to_number, body, media_url,
			status, delivery_status, direction, is_read, is_drip, drip_id,
			user_id, workspace_id, contact_id, message_type, is_charged
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING id
	`
	var id int64
	err := q.QueryRow(ctx, query,
		m.UID, m.BRef, m.ProviderMessageID, m.FromNumber, m.ToNumber, m.Body, m.MediaURL,
		m.Status, m.DeliveryStatus, m.Direction, m.IsRead, m.IsDrip, m.DripID,
		m.UserID, m.WorkspaceID, m.ContactID, m.MessageType, m.IsCharged,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("messaging: insert message: %w", err)
	}
	return id, nil
}

// Get loads one message by id.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(s.read.QueryRow(ctx, query, id))
}

// ProviderMessageID returns the provider id for a message, if the row exists
// and the id has been written. The dispatcher uses this as its pre-flight
// idempotency read, so it stays on the write pool and sees its own writes.
func (s *Store) ProviderMessageID(ctx context.Context, id int64) (string, bool, error) {
	var pid *string
	err := s.pool.QueryRow(ctx, `SELECT provider_message_id FROM messages WHERE id = $1`, id).Scan(&pid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("messaging: read provider id: %w", err)
	}
	if pid == nil || *pid == "" {
		return "", false, nil
	}
	return *pid, true, nil
}

// SetProviderMessageID records the gateway-assigned id in a single
// statement. Called immediately after a successful gateway response, before
// any other bookkeeping.
func (s *Store) SetProviderMessageID(ctx context.Context, id int64, providerMessageID string) error {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return nil
	}
	query := `
		UPDATE messages
		SET provider_message_id = $2,
			status = $3,
			delivery_status = 'sent',
			updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, providerMessageID, StatusSent); err != nil {
		return fmt.Errorf("messaging: set provider message id: %w", err)
	}
	return nil
}

// FindByRef locates a message by tracking token, falling back to the
// provider message id. Delivery callbacks may carry either.
func (s *Store) FindByRef(ctx context.Context, bRef, providerMessageID string) (*Message, error) {
	if strings.TrimSpace(bRef) != "" {
		m, err := scanMessage(s.read.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE b_ref = $1 LIMIT 1`, bRef))
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if strings.TrimSpace(providerMessageID) == "" {
		return nil, ErrNotFound
	}
	return scanMessage(s.read.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1 LIMIT 1`, providerMessageID))
}

// UpdateDeliveryStatus writes the textual provider state and, when the state
// is a known one, the coarse code.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, id int64, coarse *int, textual string) error {
	var err error
	if coarse != nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE messages SET status = $2, delivery_status = $3, updated_at = now() WHERE id = $1
		`, id, *coarse, textual)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE messages SET delivery_status = $2, updated_at = now() WHERE id = $1
		`, id, textual)
	}
	if err != nil {
		return fmt.Errorf("messaging: update delivery status: %w", err)
	}
	return nil
}

// MarkFailed records a terminal send failure on the message row.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	query := `
		UPDATE messages
		SET status = $2, delivery_status = 'failed', updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, id, StatusFailed); err != nil {
		return fmt.Errorf("messaging: mark failed: %w", err)
	}
	return nil
}

// UnreadCount counts unread inbound messages for a user/contact pair.
func (s *Store) UnreadCount(ctx context.Context, userID, contactID int64) (int, error) {
	var n int
	err := s.read.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE user_id = $1 AND contact_id = $2 AND direction = 'inbound' AND is_read = FALSE
	`, userID, contactID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("messaging: unread count: %w", err)
	}
	return n, nil
}
