package contacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sengine/sengine/internal/messaging"
	"github.com/sengine/sengine/pkg/phone"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("contacts: not found")

// Contact is the per-recipient row shared with the upstream API. This worker
// mutates opted_out, last_message, open_chat and unread_count only.
type Contact struct {
	ID          int64
	UserID      int64
	WorkspaceID int64
	Phone       string
	FirstName   string
	LastName    string
	Email       string
	OptedOut    bool
	IsBlock     bool
	LastMessage string
	OpenChat    bool
	Archive     bool
	UnreadCount int
	DeletedAt   *time.Time
}

// User carries the tenant fields the dispatcher needs.
type User struct {
	ID                int64
	WorkspaceID       int64
	ProviderAccountID string
	ProviderAuthToken string
	MessagingStatus   string
}

// UserNumber is a provisioned sending number.
type UserNumber struct {
	ID     int64
	UserID int64
	Phone  string
	Status string
}

// Store reads and writes contact, user and number rows. Pure lookups go
// through the read pool; both default to the same pool.
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

const contactColumns = `id, user_id, workspace_id, phone, first_name, last_name, email,
	opted_out, is_block, last_message, open_chat, archive, unread_count, deleted_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.UserID, &c.WorkspaceID, &c.Phone, &c.FirstName, &c.LastName, &c.Email,
		&c.OptedOut, &c.IsBlock, &c.LastMessage, &c.OpenChat, &c.Archive, &c.UnreadCount, &c.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: scan contact: %w", err)
	}
	return &c, nil
}

// Get loads one contact by id, including soft-deleted rows so callers can
// distinguish "deleted" from "missing".
func (s *Store) Get(ctx context.Context, id int64) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	return scanContact(s.read.QueryRow(ctx, query, id))
}

// FindByPhone locates a live contact for a user by normalized phone.
func (s *Store) FindByPhone(ctx context.Context, userID int64, number string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
		WHERE user_id = $1 AND phone = $2 AND deleted_at IS NULL
		LIMIT 1`
	return scanContact(s.read.QueryRow(ctx, query, userID, number))
}

// FindOrCreate returns the contact for a user/phone pair, creating a bare
// row when the number is unknown.
func (s *Store) FindOrCreate(ctx context.Context, userID, workspaceID int64, number string) (*Contact, error) {
	number = phone.NormalizeE164(number)
	if number == "" {
		return nil, fmt.Errorf("contacts: phone required")
	}
	c, err := s.FindByPhone(ctx, userID, number)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	query := `
		INSERT INTO contacts (user_id, workspace_id, phone, open_chat)
		VALUES ($1, $2, $3, TRUE)
		RETURNING ` + contactColumns
	return scanContact(s.pool.QueryRow(ctx, query, userID, workspaceID, number))
}

// SetOptedOut flips the contact's opt-out flag.
func (s *Store) SetOptedOut(ctx context.Context, id int64, optedOut bool) error {
	query := `UPDATE contacts SET opted_out = $2, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, id, optedOut); err != nil {
		return fmt.Errorf("contacts: set opted out: %w", err)
	}
	return nil
}

// TouchLastMessage records the latest message body on the contact. For
// inbound traffic the chat thread is reopened and the unread counter bumped.
func (s *Store) TouchLastMessage(ctx context.Context, id int64, body string, inbound bool) error {
	var err error
	if inbound {
		_, err = s.pool.Exec(ctx, `
			UPDATE contacts
			SET last_message = $2, last_message_at = now(),
				open_chat = TRUE, archive = FALSE,
				unread_count = unread_count + 1,
				updated_at = now()
			WHERE id = $1
		`, id, body)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE contacts
			SET last_message = $2, last_message_at = now(), updated_at = now()
			WHERE id = $1
		`, id, body)
	}
	if err != nil {
		return fmt.Errorf("contacts: touch last message: %w", err)
	}
	return nil
}

// GetUser loads one user row.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.read.QueryRow(ctx, `
		SELECT id, workspace_id, provider_account_id, provider_auth_token, messaging_status
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.WorkspaceID, &u.ProviderAccountID, &u.ProviderAuthToken, &u.MessagingStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: get user: %w", err)
	}
	return &u, nil
}

// ActiveNumbers lists the user's live sending numbers.
func (s *Store) ActiveNumbers(ctx context.Context, userID int64) ([]UserNumber, error) {
	rows, err := s.read.Query(ctx, `
		SELECT id, user_id, phone, status
		FROM user_numbers
		WHERE user_id = $1 AND status = 'active' AND deleted_at IS NULL
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("contacts: active numbers: %w", err)
	}
	defer rows.Close()
	var out []UserNumber
	for rows.Next() {
		var n UserNumber
		if err := rows.Scan(&n.ID, &n.UserID, &n.Phone, &n.Status); err != nil {
			return nil, fmt.Errorf("contacts: scan number: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ResolveSender picks the sending number for a user. The enrollment's number
// id wins when it is still active; failing that, a preferred number matches
// on normalized E.164 form, so a bare 10-digit enrollment number still finds
// its provisioned +1 counterpart. Last resort is the first active number.
func (s *Store) ResolveSender(ctx context.Context, userID, preferredID int64, preferred string) (*UserNumber, error) {
	numbers, err := s.ActiveNumbers(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(numbers) == 0 {
		return nil, ErrNotFound
	}
	if preferredID > 0 {
		for i := range numbers {
			if numbers[i].ID == preferredID {
				return &numbers[i], nil
			}
		}
	}
	if want := phone.NormalizeE164(preferred); want != "" {
		for i := range numbers {
			if phone.NormalizeE164(numbers[i].Phone) == want {
				return &numbers[i], nil
			}
		}
	}
	return &numbers[0], nil
}

// FindNumberOwner fuzzy-matches an inbound recipient number against
// provisioned numbers to find the owning user.
func (s *Store) FindNumberOwner(ctx context.Context, number string) (*UserNumber, error) {
	digits := phone.SanitizePhone(number)
	if digits == "" {
		return nil, ErrNotFound
	}
	var n UserNumber
	err := s.read.QueryRow(ctx, `
		SELECT id, user_id, phone, status
		FROM user_numbers
		WHERE regexp_replace(phone, '\D', '', 'g') = $1
			AND status = 'active' AND deleted_at IS NULL
		LIMIT 1
	`, digits).Scan(&n.ID, &n.UserID, &n.Phone, &n.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("contacts: find number owner: %w", err)
	}
	return &n, nil
}
