// Package reward computes block payouts. PPLNS walks the share ledger
// backward from the block height until the window saturates; SOLO pays
// the finder directly; PPS is credited at share acceptance.
package reward

import (
	"errors"
	"fmt"
	"math"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

var (
	ErrNoShares    = errors.New("no shares recorded for block")
	ErrZeroReward  = errors.New("block carries no reward")
	ErrBadPoolType = errors.New("unknown pool type")
)

// correctionTolerance is the relative PPLNS window drift above which
// the corrected payout policy switches its divisor and raises a notice
const correctionTolerance = 0.0001

// BalanceStore queues durable balance increments for later payout
type BalanceStore interface {
	QueueBalanceIncrement(coin, address, paymentID string, amount uint64, blockKey string) error
}

// Notifier reports operator-facing reward anomalies
type Notifier interface {
	PayoutCorrection(coin string, height uint64, windowTarget, totalShares float64)
	BlockOrphaned(coin string, height uint64, hash string)
}

// Engine computes payouts for one coin
type Engine struct {
	coin     *config.CoinConfig
	payments *config.PaymentsConfig
	store    *ledger.Ledger
	balances BalanceStore
	notifier Notifier
}

// NewEngine creates a reward engine for one coin
func NewEngine(coin *config.CoinConfig, payments *config.PaymentsConfig, store *ledger.Ledger, balances BalanceStore, notifier Notifier) *Engine {
	return &Engine{
		coin:     coin,
		payments: payments,
		store:    store,
		balances: balances,
		notifier: notifier,
	}
}

// recipient accumulates one beneficiary's share value during a walk
type recipient struct {
	address   string
	paymentID string
	value     float64
}

// payoutState is the running accumulation of one PPLNS walk
type payoutState struct {
	recipients     map[string]*recipient
	totalShares    float64
	firstShareTime int64
	lastShareTime  int64
}

func newPayoutState(payments *config.PaymentsConfig) *payoutState {
	st := &payoutState{recipients: make(map[string]*recipient)}
	// fee recipients are seeded so they appear in the payout set even
	// when a walk collects nothing for them
	st.credit(payments.FeeAddress, "", 0)
	if payments.DevAddress != "" {
		st.credit(payments.DevAddress, "", 0)
	}
	if payments.PoolDevAddress != "" {
		st.credit(payments.PoolDevAddress, "", 0)
	}
	return st
}

func (st *payoutState) credit(address, paymentID string, value float64) {
	key := address + "." + paymentID
	r, ok := st.recipients[key]
	if !ok {
		r = &recipient{address: address, paymentID: paymentID}
		st.recipients[key] = r
	}
	r.value += value
}

func (st *payoutState) observe(ts int64) {
	if st.firstShareTime == 0 || ts < st.firstShareTime {
		st.firstShareTime = ts
	}
	if ts > st.lastShareTime {
		st.lastShareTime = ts
	}
}

// ProcessBlock computes and queues payouts for an unlocked block, then
// marks it pay-ready. The block must already carry its coinbase reward.
func (e *Engine) ProcessBlock(block *ledger.Block) error {
	if block.Reward == 0 {
		return ErrZeroReward
	}

	switch block.PoolType {
	case ledger.PoolTypePPLNS, "":
		return e.processPPLNS(block)
	case ledger.PoolTypeSolo:
		return e.processSolo(block)
	case ledger.PoolTypePPS:
		// PPS blocks were already paid share by share
		return e.store.MarkBlockPayReady(block.Coin, block.Key)
	default:
		return fmt.Errorf("%w: %s", ErrBadPoolType, block.PoolType)
	}
}

// processPPLNS walks the ledger backward from the block height until
// the accumulated share value saturates the window
func (e *Engine) processPPLNS(block *ledger.Block) error {
	windowTarget := float64(block.Difficulty) * e.coin.ShareMulti
	st := newPayoutState(e.payments)

	err := e.store.ScanShares(block.Coin, block.Height, func(share *ledger.Share) bool {
		if share.PoolType != ledger.PoolTypePPLNS {
			return true
		}
		value := float64(share.RewardedDifficulty2)
		if value <= 0 {
			return true
		}

		// scale the saturating contribution down so the cumulative
		// total lands exactly on the window
		if st.totalShares+value > windowTarget {
			value = windowTarget - st.totalShares
			if value <= 0 {
				return false
			}
		}

		st.observe(share.Timestamp)
		e.creditShare(st, share, value)
		st.totalShares += value

		return st.totalShares < windowTarget
	})
	if err != nil {
		return fmt.Errorf("pplns scan for block %s: %w", block.Key, err)
	}

	if st.totalShares <= 0 {
		util.Warnf("Block %s at height %d has no recorded shares, invalidating", block.Key, block.Height)
		if ierr := e.store.InvalidateBlock(block.Coin, block.Key); ierr != nil {
			return ierr
		}
		return ErrNoShares
	}

	payWindow := e.payWindow(block, windowTarget, st.totalShares)

	for _, r := range st.recipients {
		amount := uint64(r.value / payWindow * float64(block.Reward))
		if amount == 0 {
			continue
		}
		if err := e.balances.QueueBalanceIncrement(block.Coin, r.address, r.paymentID, amount, block.Key); err != nil {
			return fmt.Errorf("queue balance for %s: %w", r.address, err)
		}
	}

	windowSecs := st.lastShareTime - st.firstShareTime
	util.Infof("Block %s at height %d paid over a %.0f-diff window (%d recipients, %ds of shares)",
		block.Key, block.Height, payWindow, len(st.recipients), windowSecs)

	if err := e.store.MarkBlockPayReady(block.Coin, block.Key); err != nil {
		return err
	}
	return e.store.ResetRoundShares(block.Coin)
}

// creditShare splits one share's value into the miner's cut and the
// fee recipients' donations
func (e *Engine) creditShare(st *payoutState, share *ledger.Share, value float64) {
	feePct := e.payments.PPLNSFee
	if share.Bitcoin {
		feePct += e.payments.BtcFee
	}
	fees := value * feePct / 100

	st.credit(share.Address, share.PaymentID, value-fees)
	e.creditFees(st, fees)
}

// creditFees splits collected fees into the two dev donations and the
// remaining pool fee
func (e *Engine) creditFees(st *payoutState, fees float64) {
	if fees <= 0 {
		return
	}
	dev := fees * e.payments.DevDonation / 100
	poolDev := fees * e.payments.PoolDevDonation / 100

	if e.payments.DevAddress != "" && dev > 0 {
		st.credit(e.payments.DevAddress, "", dev)
		fees -= dev
	}
	if e.payments.PoolDevAddress != "" && poolDev > 0 {
		st.credit(e.payments.PoolDevAddress, "", poolDev)
		fees -= poolDev
	}
	st.credit(e.payments.FeeAddress, "", fees)
}

// payWindow selects the PPLNS divisor. The corrected policy upscales
// rewards when the ledger holds fewer shares than the window calls
// for; the fixed-window policy always divides by the full window.
func (e *Engine) payWindow(block *ledger.Block, windowTarget, totalShares float64) float64 {
	if e.coin.PayoutPolicy == config.PayoutPolicyFixedWindow {
		return windowTarget
	}

	drift := math.Abs(windowTarget-totalShares) / windowTarget
	if drift <= correctionTolerance {
		return windowTarget
	}

	util.Warnf("Block %s PPLNS window drift %.4f%%: collected %.0f of %.0f, correcting divisor",
		block.Key, drift*100, totalShares, windowTarget)
	if e.notifier != nil {
		e.notifier.PayoutCorrection(block.Coin, block.Height, windowTarget, totalShares)
	}
	return totalShares
}

// processSolo pays the full reward, minus fees, to the finder
func (e *Engine) processSolo(block *ledger.Block) error {
	reward := float64(block.Reward)
	fees := reward * e.payments.SoloFee / 100

	st := newPayoutState(e.payments)
	st.credit(block.Finder, "", reward-fees)
	e.creditFees(st, fees)

	for _, r := range st.recipients {
		amount := uint64(r.value)
		if amount == 0 {
			continue
		}
		if err := e.balances.QueueBalanceIncrement(block.Coin, r.address, r.paymentID, amount, block.Key); err != nil {
			return fmt.Errorf("queue balance for %s: %w", r.address, err)
		}
	}

	util.Infof("Solo block %s at height %d paid to %s", block.Key, block.Height, block.Finder)
	return e.store.MarkBlockPayReady(block.Coin, block.Key)
}

// AccountShare credits one accepted PPS share immediately against the
// expected block reward at the current network difficulty
func (e *Engine) AccountShare(share *ledger.Share, networkDifficulty, expectedReward uint64) error {
	if share.PoolType != ledger.PoolTypePPS || networkDifficulty == 0 {
		return nil
	}

	value := float64(share.RewardedDifficulty2) / float64(networkDifficulty) * float64(expectedReward)
	credit := uint64(value * (1 - e.payments.PPSFee/100))
	if credit == 0 {
		return nil
	}
	return e.balances.QueueBalanceIncrement(e.coin.Name, share.Address, share.PaymentID, credit, "")
}
