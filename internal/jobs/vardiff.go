package jobs

import (
	"sync"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/config"
)

// collapseWindow bounds the retarget history: after an hour the
// accumulated counters are folded down to a half-hour equivalent so a
// long-lived session still reacts to rate changes.
const (
	collapseAfter  = time.Hour
	collapseWindow = 30 * time.Minute
)

// DifficultyController keeps one session's share rate near the target
// interval. Retarget results are queued and consumed on the next job
// issuance rather than forcing an immediate job push.
type DifficultyController struct {
	mu sync.Mutex

	current uint64
	pending uint64
	fixed   bool

	hashes      uint64
	windowStart time.Time

	targetTime   float64
	retargetTime float64
	minDiff      uint64
	maxDiff      uint64
	variance     float64
	driftFactor  float64

	lastRetarget time.Time
}

// NewDifficultyController creates a controller at an initial
// difficulty. Proxy sessions aggregate many rigs behind one connection
// and get a shorter target and a higher floor.
func NewDifficultyController(cfg *config.MiningConfig, initial uint64, fixed, proxy bool) *DifficultyController {
	targetTime := cfg.TargetTime
	minDiff := cfg.MinDifficulty
	if proxy {
		targetTime = cfg.ProxyTargetTime
		minDiff = cfg.ProxyMinDifficulty
	}

	if initial < minDiff {
		initial = minDiff
	}
	if cfg.MaxDifficulty > 0 && initial > cfg.MaxDifficulty {
		initial = cfg.MaxDifficulty
	}

	now := time.Now()
	return &DifficultyController{
		current:      initial,
		fixed:        fixed,
		windowStart:  now,
		lastRetarget: now,
		targetTime:   targetTime,
		retargetTime: cfg.RetargetTime,
		minDiff:      minDiff,
		maxDiff:      cfg.MaxDifficulty,
		variance:     cfg.VariancePercent,
		driftFactor:  cfg.FixedDiffDriftFactor,
	}
}

// Current returns the difficulty jobs should currently be issued at
func (d *DifficultyController) Current() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Fixed reports whether the session pinned its difficulty at login
func (d *DifficultyController) Fixed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fixed
}

// AddShare credits accepted work toward the rate estimate
func (d *DifficultyController) AddShare(difficulty uint64) {
	d.mu.Lock()
	d.hashes += difficulty
	d.mu.Unlock()
}

// ConsumePending applies any queued retarget and returns the
// difficulty for the next job, plus whether it changed
func (d *DifficultyController) ConsumePending() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == 0 || d.pending == d.current {
		d.pending = 0
		return d.current, false
	}

	d.current = d.pending
	d.pending = 0
	return d.current, true
}

// Retarget recomputes the session difficulty from the observed rate.
// The change is queued for the next job unless it is within the
// hysteresis band. Returns the queued difficulty and whether a change
// was queued.
func (d *DifficultyController) Retarget(now time.Time) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastRetarget).Seconds() < d.retargetTime {
		return d.current, false
	}
	d.lastRetarget = now

	d.collapseLocked(now)

	elapsed := now.Sub(d.windowStart).Seconds()
	if elapsed <= 0 {
		return d.current, false
	}

	hashes := d.hashes
	if hashes == 0 {
		// Cold start: assume the current difficulty was earned once
		// over at least two retarget periods
		hashes = d.current
		if elapsed < 2*d.retargetTime {
			elapsed = 2 * d.retargetTime
		}
	}

	newDiff := uint64(float64(hashes) * d.targetTime / elapsed)
	if newDiff < d.minDiff {
		newDiff = d.minDiff
	}
	if d.maxDiff > 0 && newDiff > d.maxDiff {
		newDiff = d.maxDiff
	}

	if d.fixed {
		// Fixed mode holds unless the session drifted far above its
		// pinned difficulty, which cancels fixed mode
		if d.driftFactor > 0 && float64(newDiff) > float64(d.current)*d.driftFactor {
			d.fixed = false
		} else {
			return d.current, false
		}
	}

	// Hysteresis against oscillation
	delta := float64(newDiff) - float64(d.current)
	if delta < 0 {
		delta = -delta
	}
	if delta/float64(d.current)*100 < d.variance {
		return d.current, false
	}

	d.pending = newDiff
	return newDiff, true
}

// collapseLocked folds old history so the estimate window stays
// bounded. Caller holds the mutex.
func (d *DifficultyController) collapseLocked(now time.Time) {
	elapsed := now.Sub(d.windowStart)
	if elapsed < collapseAfter {
		return
	}

	rate := float64(d.hashes) / elapsed.Seconds()
	d.windowStart = now.Add(-collapseWindow)
	d.hashes = uint64(rate * collapseWindow.Seconds())
}
