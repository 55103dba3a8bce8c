// Package jobs maintains block templates and hands out collision-free
// mining jobs.
package jobs

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/pow"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

var (
	ErrNoTemplate       = errors.New("no active template")
	ErrStaleTemplate    = errors.New("block expired")
	ErrOutdatedTemplate = errors.New("block outdated")
	ErrBlobTooShort     = errors.New("template blob too short for reserved offset")
	ErrUnknownJob       = errors.New("invalid job id")
)

// Template is one daemon block template for one algorithm. It is
// replaced wholesale on each new chain tip; the extranonce counter is
// never reused within a template's lifetime.
type Template struct {
	Algo           pow.Algo
	Height         uint64
	Difficulty     uint64
	Blob           []byte
	PrevHash       string
	ReservedOffset int
	SeedHash       string
	HashFactor     float64

	extraNonce uint32
	createdAt  time.Time
	retiredAt  atomic.Int64 // unix nanos, 0 while active
}

// Retired reports when the template was superseded, zero while active
func (t *Template) Retired() time.Time {
	ns := t.retiredAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Job is one unit of work issued to a session. Submissions tracks
// nonces already seen for duplicate rejection.
type Job struct {
	ID         string
	Algo       pow.Algo
	Height     uint64
	Difficulty uint64
	Blob       []byte
	Target     string
	ExtraNonce uint32
	HashFactor float64
	Template   *Template

	mu          sync.Mutex
	submissions map[string]struct{}
}

// MarkNonce records a nonce submission, returning false if the nonce
// was already submitted for this job
func (j *Job) MarkNonce(nonce string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.submissions == nil {
		j.submissions = make(map[string]struct{})
	}
	if _, dup := j.submissions[nonce]; dup {
		return false
	}
	j.submissions[nonce] = struct{}{}
	return true
}

// Engine owns the active template per algorithm for one coin, plus a
// bounded history of retired templates used to resolve shares that
// arrive just after a template swap.
type Engine struct {
	mu      sync.RWMutex
	coin    string
	active  map[pow.Algo]*Template
	retired map[pow.Algo][]*Template

	grace       time.Duration
	decayExp    int
	historySize int

	switchBonus  float64
	switchMargin float64
	minDwell     time.Duration
}

// NewEngine creates a job engine for one coin
func NewEngine(coin string, cfg *config.MiningConfig) *Engine {
	return &Engine{
		coin:         coin,
		active:       make(map[pow.Algo]*Template),
		retired:      make(map[pow.Algo][]*Template),
		grace:        cfg.OutdatedGracePeriod,
		decayExp:     cfg.OutdatedDecayExponent,
		historySize:  cfg.JobHistorySize,
		switchBonus:  cfg.AlgoSwitchBonus,
		switchMargin: cfg.AlgoSwitchMargin,
		minDwell:     cfg.AlgoMinDwell,
	}
}

// SetTemplate activates a new template for its algorithm. Returns false
// without replacing anything when the template's previous hash matches
// the active one (daemon re-sent the same tip).
func (e *Engine) SetTemplate(t *Template) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.active[t.Algo]
	if current != nil && current.PrevHash == t.PrevHash {
		util.Debugf("Duplicate template for %s/%s at height %d, ignoring", e.coin, t.Algo, t.Height)
		return false
	}

	if current != nil {
		current.retiredAt.Store(time.Now().UnixNano())
		history := append([]*Template{current}, e.retired[t.Algo]...)
		if len(history) > e.historySize {
			history = history[:e.historySize]
		}
		e.retired[t.Algo] = history
	}

	t.createdAt = time.Now()
	e.active[t.Algo] = t

	util.Debugf("New template for %s/%s: height %d, diff %d", e.coin, t.Algo, t.Height, t.Difficulty)
	return true
}

// ActiveTemplate returns the current template for an algorithm
func (e *Engine) ActiveTemplate(algo pow.Algo) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t, ok := e.active[algo]
	if !ok {
		return nil, ErrNoTemplate
	}
	return t, nil
}

// NextJob allocates a fresh job from the active template at the given
// session difficulty. The extranonce is embedded into the blob at the
// template's reserved offset so no two jobs search the same space.
func (e *Engine) NextJob(algo pow.Algo, difficulty uint64) (*Job, error) {
	t, err := e.ActiveTemplate(algo)
	if err != nil {
		return nil, err
	}

	if t.ReservedOffset+4 > len(t.Blob) {
		return nil, ErrBlobTooShort
	}

	n := atomic.AddUint32(&t.extraNonce, 1)
	blob := make([]byte, len(t.Blob))
	copy(blob, t.Blob)
	binary.LittleEndian.PutUint32(blob[t.ReservedOffset:], n)

	// HashFactor is the one template field mutable after activation
	e.mu.RLock()
	factor := t.HashFactor
	e.mu.RUnlock()

	return &Job{
		ID:         newJobID(),
		Algo:       algo,
		Height:     t.Height,
		Difficulty: difficulty,
		Blob:       blob,
		Target:     util.DifficultyToTargetHex(difficulty),
		ExtraNonce: n,
		HashFactor: factor,
		Template:   t,
	}, nil
}

// SetHashFactor rescores an algorithm's active template without waiting
// for the next chain tip. Returns false when the factor is not positive
// or the algorithm has no active template.
func (e *Engine) SetHashFactor(algo pow.Algo, factor float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.active[algo]
	if !ok || factor <= 0 {
		return false
	}
	t.HashFactor = factor
	return true
}

// Staleness returns the remaining-time fraction for a job's template:
// 1.0 while the template is active, decaying to 0 across the outdated
// grace period once retired. ErrOutdatedTemplate when the template has
// been pushed out of the retired history, ErrStaleTemplate past the
// grace window.
func (e *Engine) Staleness(job *Job, now time.Time) (float64, error) {
	retired := job.Template.Retired()
	if retired.IsZero() {
		return 1.0, nil
	}

	if !e.inHistory(job.Template) {
		return 0, ErrOutdatedTemplate
	}

	elapsed := now.Sub(retired)
	if elapsed >= e.grace {
		return 0, ErrStaleTemplate
	}
	return 1.0 - elapsed.Seconds()/e.grace.Seconds(), nil
}

// inHistory reports whether a retired template is still resolvable
func (e *Engine) inHistory(t *Template) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.retired[t.Algo] {
		if r == t {
			return true
		}
	}
	return false
}

// RewardedDifficulty discounts a share's credited difficulty when its
// job outlived the template it was built from. The remaining-time
// fraction is raised to a smoothing exponent so credit falls off
// steeply near the end of the grace window. Floor 1.
func (e *Engine) RewardedDifficulty(job *Job, now time.Time) (uint64, error) {
	frac, err := e.Staleness(job, now)
	if err != nil {
		return 0, err
	}
	if frac >= 1.0 {
		return job.Difficulty, nil
	}

	rewarded := uint64(float64(job.Difficulty) * math.Pow(frac, float64(e.decayExp)))
	if rewarded < 1 {
		rewarded = 1
	}
	return rewarded, nil
}

// SelectBestAlgo picks the algorithm a session should mine next, based
// on its declared per-algorithm performance weighted by each template's
// current hash factor. The active algorithm is held with a hysteresis
// bonus and a minimum dwell time; a challenger must also beat the
// port's default algorithm by the configured margin.
func (e *Engine) SelectBestAlgo(perf map[pow.Algo]float64, current, def pow.Algo, lastSwitch time.Time) pow.Algo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	score := func(algo pow.Algo) float64 {
		t, ok := e.active[algo]
		if !ok {
			return 0
		}
		return perf[algo] * t.HashFactor
	}

	best := current
	bestScore := score(current) * (1.0 + e.switchBonus)

	for algo := range perf {
		if algo == current {
			continue
		}
		s := score(algo)
		if s <= bestScore {
			continue
		}
		if algo != def && s < score(def)*(1.0+e.switchMargin) {
			continue
		}
		best = algo
		bestScore = s
	}

	if best != current && time.Since(lastSwitch) < e.minDwell {
		return current
	}
	return best
}

// newJobID returns an unguessable job token
func newJobID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to the clock; job IDs only need uniqueness then
		binary.BigEndian.PutUint64(b[:], uint64(time.Now().UnixNano()))
	}
	return hex.EncodeToString(b[:])
}
