package reward

import (
	"context"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/rpc"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

// HeaderSource resolves block headers for maturity checks
type HeaderSource interface {
	GetBlockHeaderByHash(ctx context.Context, hash string) (*rpc.BlockHeader, error)
}

// Unlocker matures found blocks: once a block sits deep enough it is
// unlocked and handed to the reward engine; a block the daemon stops
// recognizing for the whole retry window is an orphan and is
// invalidated instead.
type Unlocker struct {
	cfg    *config.UnlockerConfig
	coin   *config.CoinConfig
	store  *ledger.Ledger
	daemon HeaderSource
	engine *Engine

	notifier Notifier
	now      func() time.Time

	quit chan struct{}
	done chan struct{}
}

// NewUnlocker creates an unlocker for one coin
func NewUnlocker(cfg *config.UnlockerConfig, coin *config.CoinConfig, store *ledger.Ledger, daemon HeaderSource, engine *Engine, notifier Notifier) *Unlocker {
	return &Unlocker{
		cfg:      cfg,
		coin:     coin,
		store:    store,
		daemon:   daemon,
		engine:   engine,
		notifier: notifier,
		now:      time.Now,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the maturity loop until Stop
func (u *Unlocker) Start() {
	if !u.cfg.Enabled {
		close(u.done)
		return
	}

	interval := u.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		defer close(u.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-u.quit:
				return
			case <-ticker.C:
				u.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish
func (u *Unlocker) Stop() {
	close(u.quit)
	<-u.done
}

// RunOnce examines every pending block once
func (u *Unlocker) RunOnce(ctx context.Context) {
	blocks, err := u.store.GetBlocks(u.coin.Name)
	if err != nil {
		util.Errorf("Unlocker: listing %s blocks: %v", u.coin.Name, err)
		return
	}

	for _, block := range blocks {
		if block.Invalidated || block.PayReady {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		u.checkBlock(ctx, block)
	}
}

func (u *Unlocker) checkBlock(ctx context.Context, block *ledger.Block) {
	header, err := u.daemon.GetBlockHeaderByHash(ctx, block.Hash)

	if err == rpc.ErrBlockNotFound {
		u.handleMissing(block)
		return
	}
	if err != nil {
		// daemon trouble is not evidence about the block; try again
		// next pass
		util.Warnf("Unlocker: header fetch for block %s: %v", block.Key, err)
		return
	}

	if block.FirstMissing != 0 {
		if err := u.store.ClearBlockMissing(block.Coin, block.Key); err != nil {
			util.Warnf("Unlocker: clearing missing mark on %s: %v", block.Key, err)
		}
	}

	if header.OrphanStatus {
		u.invalidate(block, "daemon reports orphan status")
		return
	}

	if header.Depth < u.coin.BlocksRequired {
		util.Debugf("Block %s at height %d: depth %d of %d", block.Key, block.Height, header.Depth, u.coin.BlocksRequired)
		return
	}

	u.unlock(block, header.Reward)
}

// handleMissing tracks how long the daemon has failed to recognize a
// block. The first sighting only starts the clock; invalidation waits
// out the retry window since a freshly reorged daemon can re-learn a
// hash within minutes.
func (u *Unlocker) handleMissing(block *ledger.Block) {
	now := u.now().Unix()

	if block.FirstMissing == 0 {
		util.Warnf("Block %s at height %d not found by daemon, starting orphan timer", block.Key, block.Height)
		if err := u.store.MarkBlockMissing(block.Coin, block.Key, now); err != nil {
			util.Errorf("Unlocker: marking %s missing: %v", block.Key, err)
		}
		return
	}

	retryWindow := u.cfg.OrphanRetryWindow
	if retryWindow <= 0 {
		retryWindow = 10 * time.Minute
	}
	if now-block.FirstMissing < int64(retryWindow.Seconds()) {
		return
	}

	u.invalidate(block, "unresolvable past the retry window")
}

func (u *Unlocker) invalidate(block *ledger.Block, reason string) {
	util.Warnf("Block %s at height %d orphaned: %s", block.Key, block.Height, reason)
	if err := u.store.InvalidateBlock(block.Coin, block.Key); err != nil {
		util.Errorf("Unlocker: invalidating %s: %v", block.Key, err)
		return
	}
	if u.notifier != nil {
		u.notifier.BlockOrphaned(block.Coin, block.Height, block.Hash)
	}
}

func (u *Unlocker) unlock(block *ledger.Block, reward uint64) {
	if !block.Unlocked {
		if err := u.store.UnlockBlock(block.Coin, block.Key, reward); err != nil {
			util.Errorf("Unlocker: unlocking %s: %v", block.Key, err)
			return
		}
		util.Infof("Block %s at height %d matured with reward %d", block.Key, block.Height, reward)
		block.Unlocked = true
		block.Reward = reward
	}

	if err := u.engine.ProcessBlock(block); err != nil {
		if err == ErrNoShares {
			// the block was invalidated by the engine; nothing to retry
			return
		}
		util.Errorf("Unlocker: payout for block %s: %v", block.Key, err)
	}
}
