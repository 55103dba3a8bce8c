package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Balance is one miner's payable state for a coin
type Balance struct {
	Coin      string
	Address   string
	PaymentID string
	Amount    uint64
	Locked    uint64
	UpdatedAt time.Time
}

// QueueBalanceIncrement credits a beneficiary and records the credit in
// the balance log. Satisfies the reward engine's BalanceStore.
func (s *Store) QueueBalanceIncrement(coin, address, paymentID string, amount uint64, blockKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (coin, address, payment_id, amount, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (coin, address, payment_id)
		DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()`,
		coin, address, paymentID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balance_log (coin, address, payment_id, amount, block_key)
		VALUES ($1, $2, $3, $4, $5)`,
		coin, address, paymentID, int64(amount), blockKey)
	if err != nil {
		return fmt.Errorf("failed to log balance credit: %w", err)
	}

	return tx.Commit()
}

// GetBalance returns one beneficiary's balance. A missing row is a
// zero balance, not an error.
func (s *Store) GetBalance(ctx context.Context, coin, address, paymentID string) (*Balance, error) {
	b := &Balance{Coin: coin, Address: address, PaymentID: paymentID}
	var amount, locked int64

	err := s.db.QueryRowContext(ctx, `
		SELECT amount, locked, updated_at FROM balances
		WHERE coin = $1 AND address = $2 AND payment_id = $3`,
		coin, address, paymentID).Scan(&amount, &locked, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	b.Amount = uint64(amount)
	b.Locked = uint64(locked)
	return b, nil
}

// ListPayable returns balances at or above the payout threshold,
// largest first
func (s *Store) ListPayable(ctx context.Context, coin string, minPayout uint64, limit int) ([]*Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, payment_id, amount, locked, updated_at FROM balances
		WHERE coin = $1 AND amount - locked >= $2
		ORDER BY amount DESC
		LIMIT $3`,
		coin, int64(minPayout), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payable balances: %w", err)
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		b := &Balance{Coin: coin}
		var amount, locked int64
		if err := rows.Scan(&b.Address, &b.PaymentID, &amount, &locked, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		b.Amount = uint64(amount)
		b.Locked = uint64(locked)
		out = append(out, b)
	}
	return out, rows.Err()
}

// LockForPayout reserves an amount of a balance ahead of a wallet
// transfer so a crashed payout run cannot double-pay
func (s *Store) LockForPayout(ctx context.Context, coin, address, paymentID string, amount uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances SET locked = locked + $4, updated_at = now()
		WHERE coin = $1 AND address = $2 AND payment_id = $3 AND amount - locked >= $4`,
		coin, address, paymentID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to lock balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("insufficient unlocked balance for %s", address)
	}
	return nil
}

// SettlePayout finalizes a sent payout: the locked amount is deducted
// and a payment history row is written, atomically
func (s *Store) SettlePayout(ctx context.Context, coin, address, paymentID string, amount uint64, txHash string, txFee uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE balances
		SET amount = amount - $4, locked = locked - $4, updated_at = now()
		WHERE coin = $1 AND address = $2 AND payment_id = $3`,
		coin, address, paymentID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to deduct balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (coin, address, payment_id, amount, tx_hash, tx_fee)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		coin, address, paymentID, int64(amount), txHash, int64(txFee))
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}

	return tx.Commit()
}

// ReleaseLock undoes a payout reservation after a failed transfer
func (s *Store) ReleaseLock(ctx context.Context, coin, address, paymentID string, amount uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE balances SET locked = locked - $4, updated_at = now()
		WHERE coin = $1 AND address = $2 AND payment_id = $3`,
		coin, address, paymentID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
