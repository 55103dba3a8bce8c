// Package ledger provides the share and block ledger for Krypton Pool,
// backed by Redis.
package ledger

import "time"

// PoolType selects the reward scheme a share or block belongs to
type PoolType string

const (
	PoolTypePPLNS PoolType = "pplns"
	PoolTypeSolo  PoolType = "solo"
	PoolTypePPS   PoolType = "pps"
)

// Share is one coalesced share record in a height list. A record may
// represent many consecutive raw shares from the same wallet and worker;
// ShareCount preserves the raw count while the difficulty fields carry
// the summed credit.
type Share struct {
	Address             string   `json:"addr"`
	PaymentID           string   `json:"pid,omitempty"`
	Worker              string   `json:"worker,omitempty"`
	Algo                string   `json:"algo"`
	PoolType            PoolType `json:"pool_type"`
	Difficulty          uint64   `json:"diff"`     // raw summed difficulty
	RewardedDifficulty  uint64   `json:"rdiff"`    // after outdated-template decay
	RewardedDifficulty2 uint64   `json:"rdiff2"`   // rdiff scaled by the algo hash factor
	ShareCount          uint64   `json:"n"`        // raw shares folded into this record
	BlockDifficulty     uint64   `json:"bdiff"`    // network difficulty when earned
	Height              uint64   `json:"height"`
	Bitcoin             bool     `json:"btc,omitempty"`
	Trusted             bool     `json:"trusted,omitempty"`
	FoundBlock          bool     `json:"found,omitempty"`
	Timestamp           int64    `json:"ts"`
}

// Block is a found block moving through the unlock lifecycle:
// pending -> valid (locked) -> valid+unlocked -> pay-ready, or
// pending/locked -> invalid (orphan). Transitions only ever move forward.
type Block struct {
	Key             string   `json:"key"` // ledger field key, unique per record
	Coin            string   `json:"coin"`
	Height          uint64   `json:"height"`
	Hash            string   `json:"hash"`
	Nonce           string   `json:"nonce"`
	Difficulty      uint64   `json:"diff"`       // network difficulty solved
	ShareDifficulty uint64   `json:"share_diff"` // difficulty of the solving share
	Finder          string   `json:"finder"`
	Worker          string   `json:"worker,omitempty"`
	PoolType        PoolType `json:"pool_type"`
	Reward          uint64   `json:"reward"`
	Valid           bool     `json:"valid"`
	Invalidated     bool     `json:"invalidated"`
	Unlocked        bool     `json:"unlocked"`
	PayReady        bool     `json:"pay_ready"`
	Timestamp       int64    `json:"ts"`
	FirstMissing    int64    `json:"first_missing,omitempty"` // when the daemon first answered not-found
}

// WalletTrust tracks per-wallet verification state for trust-based
// share admission. Probability is the chance (out of 256) that a share
// from this wallet is fully verified.
type WalletTrust struct {
	Address     string `json:"addr"`
	Probability int32  `json:"prob"`
	Penalty     int32  `json:"penalty"`   // full-verification runs left after a bad share
	Threshold   int32  `json:"threshold"` // remaining shares of the verification lockout
	LastUpdate  int64  `json:"ts"`
}

// Worker represents a mining worker
type Worker struct {
	Name     string  `json:"name"`
	Hashrate float64 `json:"hashrate"`
	LastSeen int64   `json:"last_seen"`
	Accepted uint64  `json:"accepted"`
	Rejected uint64  `json:"rejected"`
	Stale    uint64  `json:"stale"`
}

// Miner represents a miner's ledger view
type Miner struct {
	Address     string            `json:"address"`
	BlocksFound uint64            `json:"blocks_found"`
	LastShare   int64             `json:"last_share"`
	Workers     map[string]Worker `json:"workers,omitempty"`
}

// Payment represents a payout transaction
type Payment struct {
	TxHash    string `json:"tx_hash"`
	Address   string `json:"address"`
	Amount    uint64 `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"` // pending, confirmed, failed
}

// PoolStats represents pool-wide statistics
type PoolStats struct {
	Hashrate        float64 `json:"hashrate"`
	HashrateLarge   float64 `json:"hashrate_large"`
	Miners          int64   `json:"miners"`
	Workers         int64   `json:"workers"`
	RoundShares     uint64  `json:"round_shares"`
	LastBlockFound  int64   `json:"last_block_found"`
	LastBlockHeight uint64  `json:"last_block_height"`
	BlocksFound     uint64  `json:"blocks_found"`
	TotalPaid       uint64  `json:"total_paid"`
}

// NetworkStats represents chain state cached for the API
type NetworkStats struct {
	Height     uint64  `json:"height"`
	Difficulty uint64  `json:"difficulty"`
	Hashrate   float64 `json:"hashrate"`
	LastBeat   int64   `json:"last_beat"`
}

// MinerStats holds computed statistics for a miner
type MinerStats struct {
	Address       string    `json:"address"`
	Hashrate      float64   `json:"hashrate"`
	HashrateLarge float64   `json:"hashrate_large"`
	SharesValid   uint64    `json:"shares_valid"`
	SharesInvalid uint64    `json:"shares_invalid"`
	BlocksFound   uint64    `json:"blocks_found"`
	LastShare     time.Time `json:"last_share"`
	Workers       []Worker  `json:"workers"`
}
