// Package verify implements trust-based share admission control:
// bounding CPU spent on proof-of-work recomputation while still
// catching cheaters.
package verify

import (
	"bytes"
	"crypto/rand"
	"sync"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/pow"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

// Outcome classifies one share admission decision
type Outcome int

const (
	// OutcomeTrusted means the share was accepted without hashing
	OutcomeTrusted Outcome = iota
	// OutcomeVerified means the proof-of-work was recomputed and matched
	OutcomeVerified
	// OutcomeBadHash means recomputation did not match the claim
	OutcomeBadHash
	// OutcomeLowDifficulty means the hash is genuine but under target
	OutcomeLowDifficulty
	// OutcomeThrottled means the wallet exceeded its submission cap
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTrusted:
		return "trusted"
	case OutcomeVerified:
		return "verified"
	case OutcomeBadHash:
		return "bad-hash"
	case OutcomeLowDifficulty:
		return "low-difficulty"
	case OutcomeThrottled:
		return "throttled"
	}
	return "unknown"
}

// Result carries the admission decision plus the recomputed hash when
// a full verification ran
type Result struct {
	Outcome          Outcome
	Hash             []byte
	ActualDifficulty uint64
}

// maxProbability forces verification of every share
const maxProbability = 256

// trustState tracks per-wallet verification pressure. Probability is
// the chance (out of 256) that a share gets fully verified; it falls
// with every verified share and snaps back to 256 on any failure.
type trustState struct {
	probability int32
	penalty     int32
	threshold   int32
	goodShares  uint64
	lastSeen    time.Time

	rateWindow time.Time
	rateCount  int
}

// TrustStore persists wallet trust across restarts
type TrustStore interface {
	SaveTrust(records map[string]*ledger.WalletTrust) error
	LoadTrust() (map[string]*ledger.WalletTrust, error)
	DeleteTrust(address string) error
}

// Verifier decides trust-vs-verify per share and maintains per-wallet
// trust state. State is process-local; periodic persistence lets a
// restart resume with accumulated trust.
type Verifier struct {
	mu      sync.Mutex
	cfg     *config.ValidationConfig
	store   TrustStore
	trust   map[string]*trustState
	recheck map[uint64]struct{} // heights where every share is fully verified

	// injectable for deterministic tests
	randByte func() byte
	now      func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewVerifier creates a share verifier, merging any persisted trust
// conservatively: the stored and fresh states disagree in the
// direction of more verification.
func NewVerifier(cfg *config.ValidationConfig, store TrustStore) *Verifier {
	v := &Verifier{
		cfg:      cfg,
		store:    store,
		trust:    make(map[string]*trustState),
		recheck:  make(map[uint64]struct{}),
		randByte: cryptoRandByte,
		now:      time.Now,
		done:     make(chan struct{}),
	}

	if store != nil {
		if records, err := store.LoadTrust(); err != nil {
			util.Warnf("Trust state load failed: %v", err)
		} else {
			for addr, rec := range records {
				v.trust[addr] = &trustState{
					probability: rec.Probability,
					penalty:     rec.Penalty,
					threshold:   rec.Threshold,
					lastSeen:    time.Unix(rec.LastUpdate, 0),
				}
			}
			util.Infof("Loaded trust state for %d wallets", len(records))
		}
	}

	return v
}

// Start launches the periodic persistence loop
func (v *Verifier) Start() {
	if v.store == nil {
		return
	}
	v.wg.Add(1)
	go v.persistLoop()
}

// Stop flushes trust state and stops the persistence loop
func (v *Verifier) Stop() {
	close(v.done)
	v.wg.Wait()
	if v.store != nil {
		v.persist()
	}
}

func cryptoRandByte() byte {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0 // fail toward full verification
	}
	return b[0]
}

// state returns the trust entry for a wallet, creating a fresh
// verify-everything entry on first contact. Caller holds the mutex.
func (v *Verifier) state(address string) *trustState {
	s, ok := v.trust[address]
	if !ok {
		s = &trustState{probability: maxProbability}
		v.trust[address] = s
	}
	return s
}

// Verify admits or rejects one share. blob must already carry the
// miner's nonce; claimed is the hash the miner reported; height is the
// job's block height.
func (v *Verifier) Verify(address string, algo pow.Algo, blob, claimed []byte, difficulty, blockDifficulty, height uint64) *Result {
	v.mu.Lock()

	s := v.state(address)
	now := v.now()
	s.lastSeen = now

	// Admission backpressure: a wallet hammering the pool gets told to
	// back off before we spend any hashing on it
	if v.cfg.WalletRateLimit > 0 {
		if now.Sub(s.rateWindow) >= time.Minute {
			s.rateWindow = now
			s.rateCount = 0
		}
		s.rateCount++
		if s.rateCount > v.cfg.WalletRateLimit {
			v.mu.Unlock()
			return &Result{Outcome: OutcomeThrottled}
		}
	}

	_, flagged := v.recheck[height]
	skip := v.cfg.TrustEnabled && !flagged &&
		difficulty < v.cfg.TrustCeiling &&
		s.threshold <= 0 && s.penalty <= 0 &&
		int32(v.randByte()) > s.probability

	v.mu.Unlock()

	if skip {
		// Only a sanity check on the claimed hash; difficulty is taken
		// on trust
		if len(claimed) != 32 {
			return v.punish(address, &Result{Outcome: OutcomeBadHash})
		}
		// A claimed hash at block difficulty is never taken on trust:
		// fall through to full verification so a real block is caught
		// and a fake one punished
		if blockDifficulty == 0 || util.HashToDifficulty(claimed) < blockDifficulty {
			return &Result{Outcome: OutcomeTrusted, Hash: claimed, ActualDifficulty: difficulty}
		}
	}

	hash := pow.Hash(algo, blob)
	if len(claimed) > 0 && !bytes.Equal(hash, claimed) {
		return v.punish(address, &Result{Outcome: OutcomeBadHash, Hash: hash})
	}

	actual := util.HashToDifficulty(hash)
	if actual < difficulty {
		return v.punish(address, &Result{Outcome: OutcomeLowDifficulty, Hash: hash, ActualDifficulty: actual})
	}

	v.reward(address)
	return &Result{Outcome: OutcomeVerified, Hash: hash, ActualDifficulty: actual}
}

// reward credits a fully-verified good share
func (v *Verifier) reward(address string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.state(address)
	s.goodShares++
	s.probability -= v.cfg.StepDown
	if s.probability < v.cfg.MinProbability {
		s.probability = v.cfg.MinProbability
	}
	if s.threshold > 0 {
		s.threshold--
	}
	if s.penalty > 0 {
		s.penalty--
	}
}

// punish resets a wallet to full verification after any failure
func (v *Verifier) punish(address string, r *Result) *Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.state(address)
	s.goodShares = 0
	s.probability = maxProbability
	s.penalty = v.cfg.Penalty
	s.threshold = v.cfg.Threshold

	util.Warnf("Share verification failed for %s (%s), trust reset", shortAddr(address), r.Outcome)
	return r
}

// ReportBlockRejected punishes a wallet whose supposedly-valid share
// produced a block the daemon rejected, and flags the height so every
// further share against it is fully verified
func (v *Verifier) ReportBlockRejected(address string, height uint64) {
	v.FlagHeight(height)
	v.punish(address, &Result{Outcome: OutcomeBadHash})
}

// recheckKeepHeights bounds how far back height flags are retained
const recheckKeepHeights = 64

// FlagHeight marks a block height for mandatory re-check: the trust
// skip is suspended for shares submitted against it
func (v *Verifier) FlagHeight(height uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.recheck[height] = struct{}{}
	for h := range v.recheck {
		if h+recheckKeepHeights < height {
			delete(v.recheck, h)
		}
	}
}

// Probability exposes the current verification probability for a
// wallet, for stats and tests
func (v *Verifier) Probability(address string) int32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.trust[address]; ok {
		return s.probability
	}
	return maxProbability
}

func (v *Verifier) persistLoop() {
	defer v.wg.Done()

	interval := v.cfg.PersistInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			v.persist()
		}
	}
}

// persist serializes trust state, dropping wallets idle past the max
// age so the table does not grow forever
func (v *Verifier) persist() {
	cutoff := v.now().Add(-v.cfg.TrustMaxAge)

	v.mu.Lock()
	records := make(map[string]*ledger.WalletTrust, len(v.trust))
	var expired []string
	for addr, s := range v.trust {
		if s.lastSeen.Before(cutoff) {
			delete(v.trust, addr)
			expired = append(expired, addr)
			continue
		}
		records[addr] = &ledger.WalletTrust{
			Address:     addr,
			Probability: s.probability,
			Penalty:     s.penalty,
			Threshold:   s.threshold,
			LastUpdate:  s.lastSeen.Unix(),
		}
	}
	v.mu.Unlock()

	if err := v.store.SaveTrust(records); err != nil {
		util.Warnf("Trust state persist failed: %v", err)
		return
	}
	for _, addr := range expired {
		if err := v.store.DeleteTrust(addr); err != nil {
			util.Warnf("Trust record cleanup failed for %s: %v", shortAddr(addr), err)
		}
	}
}

func shortAddr(addr string) string {
	if len(addr) > 12 {
		return addr[:12]
	}
	return addr
}
