package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sengine/sengine/internal/messaging"
)

// ErrInsufficientCredits is returned when a debit would take the balance
// below zero.
var ErrInsufficientCredits = errors.New("credits: insufficient credits")

// Transaction types.
const (
	TxTypeDebit  = "debit"
	TxTypeCredit = "credit"
)

// Reference types tying audit rows back to the work they paid for.
const (
	ReferenceDripSMS = "drip_sms"
	ReferenceSMS     = "sms"
)

// MovementResult reports the outcome of a balance mutation.
type MovementResult struct {
	NewBalance    int64
	TransactionID int64
}

// Ledger mutates user credit balances. Every mutation runs inside a
// transaction with a row lock on the balance, and writes an immutable audit
// row whose running sum always equals the balance.
type Ledger struct {
	pool messaging.PgxPool
}

func NewLedger(pool messaging.PgxPool) *Ledger {
	if pool == nil {
		return nil
	}
	return &Ledger{pool: pool}
}

// HasEnoughCredits is a non-transactional pre-flight read. The authoritative
// check happens inside Deduct.
func (l *Ledger) HasEnoughCredits(ctx context.Context, userID, amount int64) (bool, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("credits: read balance: %w", err)
	}
	return balance >= amount, nil
}

// Deduct charges amount against the user's balance. Fails with
// ErrInsufficientCredits when the locked balance cannot cover it.
func (l *Ledger) Deduct(ctx context.Context, userID, amount int64, description, refType string, refID int64) (*MovementResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits: begin deduct: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInsufficientCredits
		}
		return nil, fmt.Errorf("credits: lock balance: %w", err)
	}
	if balance < amount {
		return nil, ErrInsufficientCredits
	}
	newBalance := balance - amount

	_, err = tx.Exec(ctx, `
		UPDATE user_credits
		SET balance = $2, total_spent = total_spent + $3, updated_at = now()
		WHERE user_id = $1
	`, userID, newBalance, amount)
	if err != nil {
		return nil, fmt.Errorf("credits: write balance: %w", err)
	}

	var txID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, balance_after, description, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, userID, TxTypeDebit, -amount, newBalance, description, refType, refID).Scan(&txID)
	if err != nil {
		return nil, fmt.Errorf("credits: write debit audit row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("credits: commit deduct: %w", err)
	}
	return &MovementResult{NewBalance: newBalance, TransactionID: txID}, nil
}

// Refund returns amount to the user's balance. Never fails on balance; every
// refund matches a prior debit on the same reference.
func (l *Ledger) Refund(ctx context.Context, userID, amount int64, description, refType string, refID int64) (*MovementResult, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("credits: begin refund: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	err = tx.QueryRow(ctx, `
		INSERT INTO user_credits (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
		RETURNING balance
	`, userID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("credits: lock balance: %w", err)
	}
	newBalance := balance + amount

	_, err = tx.Exec(ctx, `
		UPDATE user_credits
		SET balance = $2, total_spent = total_spent - $3, updated_at = now()
		WHERE user_id = $1
	`, userID, newBalance, amount)
	if err != nil {
		return nil, fmt.Errorf("credits: write balance: %w", err)
	}

	var txID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (user_id, type, amount, balance_after, description, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, userID, TxTypeCredit, amount, newBalance, description, refType, refID).Scan(&txID)
	if err != nil {
		return nil, fmt.Errorf("credits: write credit audit row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("credits: commit refund: %w", err)
	}
	return &MovementResult{NewBalance: newBalance, TransactionID: txID}, nil
}
