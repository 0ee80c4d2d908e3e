package contacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sengine/sengine/pkg/phone"
)

// AddOptOut records a (user, phone) pair on the deny-list.
func (s *Store) AddOptOut(ctx context.Context, userID int64, number string) error {
	number = phone.NormalizeE164(number)
	query := `
		INSERT INTO opt_outs (user_id, phone)
		VALUES ($1, $2)
		ON CONFLICT (user_id, phone) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, userID, number); err != nil {
		return fmt.Errorf("contacts: add opt-out: %w", err)
	}
	return nil
}

// RemoveOptOut deletes a deny-list entry on opt-in.
func (s *Store) RemoveOptOut(ctx context.Context, userID int64, number string) error {
	number = phone.NormalizeE164(number)
	query := `DELETE FROM opt_outs WHERE user_id = $1 AND phone = $2`
	if _, err := s.pool.Exec(ctx, query, userID, number); err != nil {
		return fmt.Errorf("contacts: remove opt-out: %w", err)
	}
	return nil
}

// IsOptedOut checks deny-list membership.
func (s *Store) IsOptedOut(ctx context.Context, userID int64, number string) (bool, error) {
	number = phone.NormalizeE164(number)
	var exists int
	err := s.read.QueryRow(ctx, `SELECT 1 FROM opt_outs WHERE user_id = $1 AND phone = $2`, userID, number).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("contacts: check opt-out: %w", err)
	}
	return true, nil
}
