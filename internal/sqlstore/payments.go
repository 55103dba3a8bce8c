package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Payment is one completed payout in the history
type Payment struct {
	ID        int64
	Coin      string
	Address   string
	PaymentID string
	Amount    uint64
	TxHash    string
	TxFee     uint64
	CreatedAt time.Time
}

// PendingPayout is a queued asynchronous payout
type PendingPayout struct {
	ID        int64
	Coin      string
	Address   string
	PaymentID string
	Amount    uint64
	State     string // pending | sent | failed
	Error     string
	CreatedAt time.Time
}

// ListPayments returns an address's payout history, newest first
func (s *Store) ListPayments(ctx context.Context, coin, address string, limit int) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, amount, tx_hash, tx_fee, created_at FROM payments
		WHERE coin = $1 AND address = $2
		ORDER BY created_at DESC
		LIMIT $3`,
		coin, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p := &Payment{Coin: coin, Address: address}
		var amount, fee int64
		if err := rows.Scan(&p.ID, &p.PaymentID, &amount, &p.TxHash, &fee, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.Amount = uint64(amount)
		p.TxFee = uint64(fee)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePendingPayout queues a payout for an asynchronous payout system
func (s *Store) CreatePendingPayout(ctx context.Context, p *PendingPayout) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO pending_payouts (coin, address, payment_id, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		p.Coin, p.Address, p.PaymentID, int64(p.Amount)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create pending payout: %w", err)
	}
	p.State = "pending"
	return nil
}

// UpdatePendingPayout flips a queued payout's state
func (s *Store) UpdatePendingPayout(ctx context.Context, id int64, state, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_payouts SET state = $2, error = $3, updated_at = now()
		WHERE id = $1`,
		id, state, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update pending payout: %w", err)
	}
	return nil
}

// GetConfigValue reads an operator config row; ok is false when the
// key does not exist
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pool_config WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get config value: %w", err)
	}
	return value, true, nil
}

// SetConfigValue upserts an operator config row
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pool_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	return nil
}
