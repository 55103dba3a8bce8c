// Package payout pushes matured balances out through the coin wallet.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/rpc"
	"github.com/krypton-pool/krypton-pool/internal/sqlstore"
	"github.com/krypton-pool/krypton-pool/internal/util"
	"github.com/krypton-pool/krypton-pool/pkg/retry"
)

// listBatch bounds how many payable balances one pass considers
const listBatch = 256

// Wallet is the coin wallet the pusher spends from
type Wallet interface {
	GetBalance(ctx context.Context) (*rpc.BalanceResult, error)
	BatchTransfer(ctx context.Context, destinations []rpc.TransferDestination) (*rpc.TransferResult, error)
}

// Balances is the relational balance store the pusher settles against
type Balances interface {
	ListPayable(ctx context.Context, coin string, minPayout uint64, limit int) ([]*sqlstore.Balance, error)
	LockForPayout(ctx context.Context, coin, address, paymentID string, amount uint64) error
	SettlePayout(ctx context.Context, coin, address, paymentID string, amount uint64, txHash string, txFee uint64) error
	ReleaseLock(ctx context.Context, coin, address, paymentID string, amount uint64) error
}

// Locker serializes payout runs across pool instances
type Locker interface {
	LockPayouts(lockID string, ttl time.Duration) (bool, error)
	UnlockPayouts(lockID string) error
}

// Pusher drains payable balances for one coin
type Pusher struct {
	cfg      *config.PaymentsConfig
	coin     string
	wallet   Wallet
	balances Balances
	locker   Locker
	lockID   string

	quit chan struct{}
	done chan struct{}
}

// NewPusher creates a payout pusher for one coin
func NewPusher(cfg *config.PaymentsConfig, coin, instanceID string, wallet Wallet, balances Balances, locker Locker) *Pusher {
	return &Pusher{
		cfg:      cfg,
		coin:     coin,
		wallet:   wallet,
		balances: balances,
		locker:   locker,
		lockID:   instanceID,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the payout loop until Stop
func (p *Pusher) Start() {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.quit:
				return
			case <-ticker.C:
				if err := p.RunOnce(context.Background()); err != nil {
					util.Errorf("Payout run for %s failed: %v", p.coin, err)
				}
			}
		}
	}()
}

// Stop halts the loop
func (p *Pusher) Stop() {
	close(p.quit)
	<-p.done
}

// RunOnce drains every payable balance once, in wallet-sized batches.
// The instance-wide payout lock keeps concurrent runs from double
// spending.
func (p *Pusher) RunOnce(ctx context.Context) error {
	ok, err := p.locker.LockPayouts(p.lockID, 30*time.Minute)
	if err != nil {
		return fmt.Errorf("acquiring payout lock: %w", err)
	}
	if !ok {
		util.Debugf("Payout run for %s skipped, another instance holds the lock", p.coin)
		return nil
	}
	defer func() {
		if uerr := p.locker.UnlockPayouts(p.lockID); uerr != nil {
			util.Warnf("Releasing payout lock: %v", uerr)
		}
	}()

	payable, err := p.balances.ListPayable(ctx, p.coin, p.cfg.MinPayout, listBatch)
	if err != nil {
		return fmt.Errorf("listing payable balances: %w", err)
	}
	if len(payable) == 0 {
		return nil
	}

	// balance reads are side-effect free, unlike transfers
	walletBalance, err := retry.DoWithResult(ctx, retry.NetworkConfig(), func() (*rpc.BalanceResult, error) {
		return p.wallet.GetBalance(ctx)
	})
	if err != nil {
		return fmt.Errorf("wallet balance: %w", err)
	}

	maxDest := p.cfg.MaxDestinations
	if maxDest <= 0 {
		maxDest = 16
	}

	var spent uint64
	for start := 0; start < len(payable); start += maxDest {
		end := start + maxDest
		if end > len(payable) {
			end = len(payable)
		}
		batch := payable[start:end]

		var batchTotal uint64
		for _, b := range batch {
			batchTotal += b.Amount - b.Locked
		}
		if spent+batchTotal > walletBalance.UnlockedBalance {
			util.Warnf("Payout run for %s stopping: wallet unlocked %d cannot cover next batch of %d",
				p.coin, walletBalance.UnlockedBalance-spent, batchTotal)
			break
		}

		paid, err := p.payBatch(ctx, batch)
		spent += paid
		if err != nil {
			return err
		}
	}
	return nil
}

// payBatch locks, transfers and settles one wallet transaction's worth
// of balances. Returns the amount actually sent.
func (p *Pusher) payBatch(ctx context.Context, batch []*sqlstore.Balance) (uint64, error) {
	locked := make([]*sqlstore.Balance, 0, len(batch))
	amounts := make(map[*sqlstore.Balance]uint64, len(batch))

	for _, b := range batch {
		amount := b.Amount - b.Locked
		if err := p.balances.LockForPayout(ctx, p.coin, b.Address, b.PaymentID, amount); err != nil {
			util.Warnf("Skipping %s in payout batch: %v", b.Address, err)
			continue
		}
		locked = append(locked, b)
		amounts[b] = amount
	}
	if len(locked) == 0 {
		return 0, nil
	}

	release := func() {
		for _, b := range locked {
			if err := p.balances.ReleaseLock(ctx, p.coin, b.Address, b.PaymentID, amounts[b]); err != nil {
				util.Errorf("Releasing payout reservation for %s: %v", b.Address, err)
			}
		}
	}

	destinations := make([]rpc.TransferDestination, 0, len(locked))
	var total uint64
	for _, b := range locked {
		destinations = append(destinations, rpc.TransferDestination{
			Address:   b.Address,
			Amount:    amounts[b],
			PaymentID: b.PaymentID,
		})
		total += amounts[b]
	}

	result, err := p.wallet.BatchTransfer(ctx, destinations)
	if err != nil {
		release()
		return 0, fmt.Errorf("wallet transfer: %w", err)
	}

	// the network fee is split evenly across the batch
	feeShare := result.Fee / uint64(len(locked))
	for _, b := range locked {
		if err := p.balances.SettlePayout(ctx, p.coin, b.Address, b.PaymentID, amounts[b], result.TxHash, feeShare); err != nil {
			// the transfer already happened; settlement must not be
			// rolled back, only reported
			util.Errorf("Settling payout for %s (tx %s): %v", b.Address, result.TxHash, err)
		}
	}

	util.Infof("Paid %d recipients %d total in tx %s", len(locked), total, result.TxHash)
	return total, nil
}
