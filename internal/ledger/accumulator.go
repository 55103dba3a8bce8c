package ledger

import (
	"sync"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/util"
)

// FlushFunc receives batches of coalesced shares ready to persist
type FlushFunc func(coin string, shares []*Share)

// accKey identifies one coalescing bucket. Shares merge only when every
// field that affects reward accounting matches.
type accKey struct {
	Address  string
	PaymentID string
	Worker   string
	Algo     string
	PoolType PoolType
	Trusted  bool
}

type accEntry struct {
	share   *Share
	started time.Time
}

// Accumulator coalesces individual share submissions into aggregate
// records before they hit the ledger, keeping write volume independent
// of raw share rate. Buckets flush when the chain height or block
// difficulty moves, when they age past the flush interval, when they
// grow past the size threshold, or at teardown.
type Accumulator struct {
	mu      sync.Mutex
	coin    string
	entries map[accKey]*accEntry
	flush   FlushFunc

	height    uint64
	blockDiff uint64

	flushInterval time.Duration
	maxCount      uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAccumulator creates a share accumulator for one coin
func NewAccumulator(coin string, flushInterval time.Duration, maxCount uint64, flush FlushFunc) *Accumulator {
	if flushInterval <= 0 {
		flushInterval = 60 * time.Second
	}
	if maxCount == 0 {
		maxCount = 1000
	}

	a := &Accumulator{
		coin:          coin,
		entries:       make(map[accKey]*accEntry),
		flush:         flush,
		flushInterval: flushInterval,
		maxCount:      maxCount,
		done:          make(chan struct{}),
	}

	a.wg.Add(1)
	go a.sweepLoop()
	return a
}

// Add merges one share into its bucket. Shares that found a block are
// flushed immediately along with everything pending, so the reward walk
// never races the block record.
func (a *Accumulator) Add(share *Share) {
	a.mu.Lock()

	if share.Height != a.height || share.BlockDifficulty != a.blockDiff {
		a.flushLocked()
		a.height = share.Height
		a.blockDiff = share.BlockDifficulty
	}

	key := accKey{
		Address:   share.Address,
		PaymentID: share.PaymentID,
		Worker:    share.Worker,
		Algo:      share.Algo,
		PoolType:  share.PoolType,
		Trusted:   share.Trusted,
	}

	entry, ok := a.entries[key]
	if !ok {
		copied := *share
		if copied.ShareCount == 0 {
			copied.ShareCount = 1
		}
		a.entries[key] = &accEntry{share: &copied, started: time.Now()}
	} else {
		entry.share.Difficulty += share.Difficulty
		entry.share.RewardedDifficulty += share.RewardedDifficulty
		entry.share.RewardedDifficulty2 += share.RewardedDifficulty2
		entry.share.ShareCount++
		entry.share.Timestamp = share.Timestamp
		entry.share.FoundBlock = entry.share.FoundBlock || share.FoundBlock
		if entry.share.ShareCount >= a.maxCount {
			a.flushEntryLocked(key, entry)
		}
	}

	if share.FoundBlock {
		a.flushLocked()
	}

	a.mu.Unlock()
}

// Flush forces all pending buckets out to the sink
func (a *Accumulator) Flush() {
	a.mu.Lock()
	a.flushLocked()
	a.mu.Unlock()
}

// Close stops the sweep loop and flushes everything pending
func (a *Accumulator) Close() {
	close(a.done)
	a.wg.Wait()
	a.Flush()
}

func (a *Accumulator) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.sweepAged()
		}
	}
}

// sweepAged flushes buckets older than the flush interval
func (a *Accumulator) sweepAged() {
	cutoff := time.Now().Add(-a.flushInterval)

	a.mu.Lock()
	for key, entry := range a.entries {
		if entry.started.Before(cutoff) {
			a.flushEntryLocked(key, entry)
		}
	}
	a.mu.Unlock()
}

// flushLocked drains every bucket. Caller holds the mutex.
func (a *Accumulator) flushLocked() {
	if len(a.entries) == 0 {
		return
	}

	shares := make([]*Share, 0, len(a.entries))
	for _, entry := range a.entries {
		shares = append(shares, entry.share)
	}
	a.entries = make(map[accKey]*accEntry)

	util.Debugf("Flushing %d coalesced share records for %s", len(shares), a.coin)
	a.flush(a.coin, shares)
}

// flushEntryLocked drains a single bucket. Caller holds the mutex.
func (a *Accumulator) flushEntryLocked(key accKey, entry *accEntry) {
	delete(a.entries, key)
	a.flush(a.coin, []*Share{entry.share})
}
