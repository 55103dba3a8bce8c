// Package master wires the pool together: one runtime per coin pulls
// templates from the daemon, feeds the job engine and stratum server,
// folds accepted shares into the ledger and drives maturation and
// payouts.
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/bus"
	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/jobs"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/newrelic"
	"github.com/krypton-pool/krypton-pool/internal/notify"
	"github.com/krypton-pool/krypton-pool/internal/payout"
	"github.com/krypton-pool/krypton-pool/internal/policy"
	"github.com/krypton-pool/krypton-pool/internal/pow"
	"github.com/krypton-pool/krypton-pool/internal/reward"
	"github.com/krypton-pool/krypton-pool/internal/rpc"
	"github.com/krypton-pool/krypton-pool/internal/slave"
	"github.com/krypton-pool/krypton-pool/internal/sqlstore"
	"github.com/krypton-pool/krypton-pool/internal/util"
	"github.com/krypton-pool/krypton-pool/internal/verify"
)

const (
	statsInterval       = 5 * time.Second
	shareFlushInterval  = 10 * time.Second
	hashratePurgePeriod = time.Hour
	sharesKeepHeights   = 100_000 // trim share lists this far behind the chain tip

	// consecutive daemon failures before the operator is alerted
	daemonDownThreshold = 5
)

// Master coordinates every coin runtime plus the shared services
type Master struct {
	cfg      *config.Config
	store    *ledger.Ledger
	sql      *sqlstore.Store // nil when postgres is disabled
	events   *bus.Bus
	verifier *verify.Verifier
	policy   *policy.Server
	notifier *notify.Notifier
	apm      *newrelic.Agent

	runtimes []*coinRuntime

	tallyMu    sync.Mutex
	shareTally map[string]map[string]uint64 // coin -> outcome -> count

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// coinRuntime is the per-coin slice of the pool
type coinRuntime struct {
	coin     *config.CoinConfig
	algo     pow.Algo
	upstream *rpc.UpstreamManager
	engine   *jobs.Engine
	stratum  *slave.Server
	acc      *ledger.Accumulator
	reward   *reward.Engine
	unlocker *reward.Unlocker
	pusher   *payout.Pusher
	zmq      *rpc.BlockNotifier

	mu             sync.RWMutex
	networkDiff    uint64
	expectedReward uint64
	hashFactor     float64 // runtime override, 0 means use the coin config
	daemonFailures int
}

// NewMaster builds the full pool from configuration. The sql store may
// be nil; balance accounting then only logs what it would credit.
func NewMaster(cfg *config.Config, store *ledger.Ledger, sql *sqlstore.Store, apm *newrelic.Agent) (*Master, error) {
	ctx, cancel := context.WithCancel(context.Background())

	events := bus.New()
	verifier := verify.NewVerifier(&cfg.Validation, store)
	pol := policy.NewServer(policyConfig(&cfg.Security), store, events)
	notifier := notify.NewNotifier(&cfg.Notify, cfg.Pool.Name)

	m := &Master{
		cfg:        cfg,
		store:      store,
		sql:        sql,
		events:     events,
		verifier:   verifier,
		policy:     pol,
		notifier:   notifier,
		apm:        apm,
		shareTally: make(map[string]map[string]uint64),
		ctx:        ctx,
		cancel:     cancel,
	}

	if err := events.Subscribe(bus.TopicShareCounted, m.onShareCounted); err != nil {
		cancel()
		return nil, fmt.Errorf("share counter subscribe: %w", err)
	}

	for i := range cfg.Coins {
		rt, err := m.newCoinRuntime(&cfg.Coins[i])
		if err != nil {
			cancel()
			return nil, err
		}
		m.runtimes = append(m.runtimes, rt)
	}
	return m, nil
}

// policyConfig maps the security section onto the policy engine
func policyConfig(sec *config.SecurityConfig) *policy.Config {
	cfg := policy.DefaultConfig()
	cfg.BanningEnabled = sec.BanningEnabled
	if sec.BanDuration > 0 {
		cfg.BanTimeout = sec.BanDuration
	}
	if sec.InvalidPercent > 0 {
		cfg.InvalidPercent = float32(sec.InvalidPercent)
	}
	if sec.CheckThreshold > 0 {
		cfg.CheckThreshold = int32(sec.CheckThreshold)
	}
	if sec.MalformedLimit > 0 {
		cfg.MalformedLimit = int32(sec.MalformedLimit)
	}
	if sec.MaxConnectionsPerIP > 0 {
		cfg.ConnectionLimit = int32(sec.MaxConnectionsPerIP)
	}
	if sec.ConnectionGrace > 0 {
		cfg.ConnectionGrace = sec.ConnectionGrace
	}
	if sec.IPSetName != "" {
		cfg.IPSetName = sec.IPSetName
	}
	return cfg
}

func (m *Master) newCoinRuntime(coin *config.CoinConfig) (*coinRuntime, error) {
	algo, err := pow.ParseAlgo(coin.Algo)
	if err != nil {
		return nil, fmt.Errorf("coin %s: %w", coin.Name, err)
	}

	rt := &coinRuntime{
		coin:     coin,
		algo:     algo,
		upstream: rpc.NewUpstreamManager(m.ctx, coin.Name, &coin.Node),
		engine:   jobs.NewEngine(coin.Name, &m.cfg.Mining),
	}

	rt.acc = ledger.NewAccumulator(coin.Name, shareFlushInterval, 0, func(coinName string, shares []*ledger.Share) {
		if err := m.store.WriteShares(coinName, shares, m.cfg.Validation.HashrateWindow); err != nil {
			util.Errorf("Writing %d shares for %s: %v", len(shares), coinName, err)
		}
	})

	var balances reward.BalanceStore = discardBalances{}
	if m.sql != nil {
		balances = m.sql
	}
	rt.reward = reward.NewEngine(coin, &m.cfg.Payments, m.store, balances, m.notifier)
	rt.unlocker = reward.NewUnlocker(&m.cfg.Unlocker, coin, m.store, upstreamHeaders{rt.upstream}, rt.reward, m.notifier)

	if m.sql != nil && m.cfg.Payments.WalletURL != "" {
		wallet := rpc.NewWalletClient(m.cfg.Payments.WalletURL, m.cfg.Payments.WalletUser, m.cfg.Payments.WalletPass)
		instanceID := fmt.Sprintf("%s-%d", coin.Name, m.cfg.Pool.InstanceID)
		rt.pusher = payout.NewPusher(&m.cfg.Payments, coin.Name, instanceID, wallet, m.sql, m.store)
	}

	rt.stratum = slave.NewServer(m.cfg, coin, rt.engine, m.verifier, m.policy, m.events)
	rt.stratum.SetShareCallback(func(share *ledger.Share) { m.onShare(rt, share) })
	rt.stratum.SetBlockCallback(func(c *slave.BlockCandidate) error { return m.onBlock(rt, c) })

	if coin.Node.ZMQEndpoint != "" {
		notifier, err := rpc.NewBlockNotifier(coin.Name, coin.Node.ZMQEndpoint)
		if err != nil {
			return nil, fmt.Errorf("coin %s zmq: %w", coin.Name, err)
		}
		rt.zmq = notifier
	}

	return rt, nil
}

// Start brings every service up; the first template fetch must succeed
// so miners never see an empty job.
func (m *Master) Start() error {
	util.Infof("Starting %s", m.cfg.Pool.Name)

	m.policy.Start()
	m.verifier.Start()

	for _, rt := range m.runtimes {
		rt.upstream.Start()

		if err := m.refreshTemplate(rt); err != nil {
			return fmt.Errorf("initial template for %s: %w", rt.coin.Name, err)
		}

		if err := rt.stratum.Start(); err != nil {
			return fmt.Errorf("stratum for %s: %w", rt.coin.Name, err)
		}

		rt.unlocker.Start()
		if rt.pusher != nil {
			rt.pusher.Start()
		}

		m.wg.Add(3)
		go m.refreshLoop(rt)
		go m.statsLoop(rt)
		go m.housekeepingLoop(rt)

		if rt.zmq != nil {
			m.wg.Add(1)
			go m.zmqLoop(rt)
		}
	}

	util.Infof("%s started with %d coin(s)", m.cfg.Pool.Name, len(m.runtimes))
	return nil
}

// Stop tears the pool down in dependency order: miner-facing servers
// first, then accounting, then the shared services.
func (m *Master) Stop() {
	util.Info("Stopping pool...")
	m.cancel()

	for _, rt := range m.runtimes {
		rt.stratum.Stop()
	}
	m.wg.Wait()

	for _, rt := range m.runtimes {
		if rt.zmq != nil {
			rt.zmq.Close()
		}
		if rt.pusher != nil {
			rt.pusher.Stop()
		}
		rt.unlocker.Stop()
		rt.acc.Close()
		rt.upstream.Stop()
	}

	m.verifier.Stop()
	m.policy.Stop()
	util.Info("Pool stopped")
}

// Bus exposes the event bus for sibling services
func (m *Master) Bus() *bus.Bus {
	return m.events
}

// onShareCounted folds a stratum share outcome into the live tally
func (m *Master) onShareCounted(sc bus.ShareCount) {
	m.tallyMu.Lock()
	defer m.tallyMu.Unlock()

	tally, ok := m.shareTally[sc.Coin]
	if !ok {
		tally = make(map[string]uint64)
		m.shareTally[sc.Coin] = tally
	}
	tally[sc.Outcome]++
}

// ShareCounters returns a copy of the outcome tally for one coin
func (m *Master) ShareCounters(coin string) map[string]uint64 {
	m.tallyMu.Lock()
	defer m.tallyMu.Unlock()

	out := make(map[string]uint64, len(m.shareTally[coin]))
	for outcome, n := range m.shareTally[coin] {
		out[outcome] = n
	}
	return out
}

// SetHashFactor rescores a coin's algorithm at runtime. The new factor
// applies to the active template immediately and to every template
// fetched afterwards; stratum servers rebroadcast jobs on the event.
func (m *Master) SetHashFactor(coin string, factor float64) error {
	if factor <= 0 {
		return fmt.Errorf("hash factor must be positive, got %f", factor)
	}

	for _, rt := range m.runtimes {
		if rt.coin.Name != coin {
			continue
		}

		rt.mu.Lock()
		rt.hashFactor = factor
		rt.mu.Unlock()
		rt.engine.SetHashFactor(rt.algo, factor)

		m.events.Publish(bus.TopicHashFactorUpdated, bus.HashFactorUpdate{
			Coin:   coin,
			Algo:   rt.coin.Algo,
			Factor: factor,
		})
		util.Infof("Hash factor for %s/%s set to %.3f", coin, rt.coin.Algo, factor)
		return nil
	}
	return fmt.Errorf("unknown coin %q", coin)
}

// refreshLoop polls the daemon for fresh templates
func (m *Master) refreshLoop(rt *coinRuntime) {
	defer m.wg.Done()

	interval := rt.coin.Node.RefreshInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshTemplate(rt); err != nil {
				util.Warnf("Template refresh for %s failed: %v", rt.coin.Name, err)
			}
		}
	}
}

// zmqLoop reacts to daemon block notifications so new templates land
// faster than the polling interval
func (m *Master) zmqLoop(rt *coinRuntime) {
	defer m.wg.Done()

	err := rt.zmq.Listen(m.ctx, func(blockHash string) {
		util.Debugf("Chain tip for %s moved to %s", rt.coin.Name, blockHash)
		if err := m.refreshTemplate(rt); err != nil {
			util.Warnf("Template refresh for %s after block notify failed: %v", rt.coin.Name, err)
		}
	})
	if err != nil && m.ctx.Err() == nil {
		util.Errorf("Block notifier for %s stopped: %v", rt.coin.Name, err)
	}
}

// refreshTemplate fetches a block template and activates it. Publishes
// a template update when the chain actually advanced.
func (m *Master) refreshTemplate(rt *coinRuntime) error {
	client := rt.upstream.GetClient()
	if client == nil {
		return fmt.Errorf("no healthy upstream")
	}

	tmpl, err := client.GetBlockTemplate(m.ctx, rt.coin.PoolAddress, rt.coin.ReserveSize)
	if err != nil {
		rt.upstream.RecordFailure()
		m.recordDaemonFailure(rt, err)
		return err
	}
	rt.upstream.RecordSuccess()
	m.recordDaemonRecovery(rt)

	blob, err := util.HexToBytes(tmpl.BlobHex)
	if err != nil {
		return fmt.Errorf("template blob: %w", err)
	}

	rt.mu.RLock()
	factor := rt.hashFactor
	rt.mu.RUnlock()
	if factor <= 0 {
		factor = rt.coin.HashFactor
	}

	changed := rt.engine.SetTemplate(&jobs.Template{
		Algo:           rt.algo,
		Height:         tmpl.Height,
		Difficulty:     tmpl.Difficulty,
		Blob:           blob,
		PrevHash:       tmpl.PrevHash,
		ReservedOffset: tmpl.ReservedOffset,
		SeedHash:       tmpl.SeedHash,
		HashFactor:     factor,
	})
	if !changed {
		return nil
	}

	rt.mu.Lock()
	rt.networkDiff = tmpl.Difficulty
	rt.expectedReward = tmpl.ExpectedReward
	rt.mu.Unlock()

	m.events.Publish(bus.TopicTemplateUpdated, bus.TemplateUpdate{
		Coin:       rt.coin.Name,
		Algo:       rt.coin.Algo,
		Height:     tmpl.Height,
		PrevHash:   tmpl.PrevHash,
		Difficulty: tmpl.Difficulty,
	})

	util.Debugf("New %s template at height %d, diff %d", rt.coin.Name, tmpl.Height, tmpl.Difficulty)
	return nil
}

func (m *Master) recordDaemonFailure(rt *coinRuntime, err error) {
	rt.mu.Lock()
	rt.daemonFailures++
	failures := rt.daemonFailures
	rt.mu.Unlock()

	if failures == daemonDownThreshold {
		m.notifier.DaemonDown(rt.coin.Name, err)
	}
}

func (m *Master) recordDaemonRecovery(rt *coinRuntime) {
	rt.mu.Lock()
	rt.daemonFailures = 0
	rt.mu.Unlock()
}

// onShare folds an accepted share into the ledger and, for PPS wallets,
// credits it immediately.
func (m *Master) onShare(rt *coinRuntime, share *ledger.Share) {
	rt.acc.Add(share)

	if err := m.store.RecordShareOutcome(share.Address, true); err != nil {
		util.Debugf("Recording share outcome: %v", err)
	}

	if share.PoolType == ledger.PoolTypePPS {
		rt.mu.RLock()
		diff, expected := rt.networkDiff, rt.expectedReward
		rt.mu.RUnlock()
		if err := rt.reward.AccountShare(share, diff, expected); err != nil {
			util.Errorf("PPS credit for %s failed: %v", share.Address, err)
		}
	}

	if m.apm != nil {
		m.apm.RecordShareSubmission(rt.coin.Name, share.Address, share.Worker, share.Difficulty, true, share.Trusted)
	}
}

// onBlock submits a block candidate to the daemon and records it. A
// returned error makes the stratum server reject the share and reset
// the finder's trust.
func (m *Master) onBlock(rt *coinRuntime, c *slave.BlockCandidate) error {
	client := rt.upstream.GetClient()
	if client == nil {
		return fmt.Errorf("no healthy upstream")
	}

	if err := client.SubmitBlock(m.ctx, c.BlobHex); err != nil {
		rt.upstream.RecordFailure()
		return fmt.Errorf("daemon rejected block at height %d: %w", c.Height, err)
	}
	rt.upstream.RecordSuccess()

	rt.mu.RLock()
	expectedReward := rt.expectedReward
	rt.mu.RUnlock()

	block := &ledger.Block{
		Coin:            c.Coin,
		Height:          c.Height,
		Hash:            c.Hash,
		Difficulty:      c.Difficulty,
		ShareDifficulty: c.ShareDifficulty,
		Finder:          c.Finder,
		Worker:          c.Worker,
		PoolType:        c.PoolType,
		Reward:          expectedReward,
		Valid:           true,
		Timestamp:       time.Now().Unix(),
	}
	if err := m.store.WriteBlock(block); err != nil {
		util.Errorf("Recording block %s at height %d: %v", c.Hash, c.Height, err)
	}

	util.Infof("BLOCK FOUND: %s height %d by %s (share diff %d, network %d)",
		rt.coin.Name, c.Height, c.Finder, c.ShareDifficulty, c.Difficulty)

	var roundShares uint64
	if round, err := m.store.GetRoundShares(c.Coin); err == nil {
		for _, v := range round {
			roundShares += v
		}
	}
	m.notifier.BlockFound(block, roundShares, c.Difficulty)
	if m.apm != nil {
		m.apm.RecordBlockFound(c.Coin, c.Height, c.Finder)
	}

	m.events.Publish(bus.TopicBlockFound, bus.BlockFound{
		Coin:   c.Coin,
		Height: c.Height,
		Hash:   c.Hash,
		Wallet: c.Finder,
	})

	// flush pending shares so the PPLNS walk sees everything up to the
	// winning share, then chase the next height immediately
	rt.acc.Flush()
	if err := m.refreshTemplate(rt); err != nil {
		util.Warnf("Template refresh after block: %v", err)
	}
	return nil
}

// statsLoop mirrors chain state into the ledger for the API
func (m *Master) statsLoop(rt *coinRuntime) {
	defer m.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.updateStats(rt)
		}
	}
}

func (m *Master) updateStats(rt *coinRuntime) {
	client := rt.upstream.GetClient()
	if client == nil {
		return
	}

	info, err := client.GetInfo(m.ctx)
	if err != nil {
		rt.upstream.RecordFailure()
		return
	}
	rt.upstream.RecordSuccess()

	blockTime := float64(info.BlockTimeTarget)
	if blockTime <= 0 {
		blockTime = 120
	}
	stats := &ledger.NetworkStats{
		Height:     info.Height,
		Difficulty: info.Difficulty,
		Hashrate:   util.NetworkHashrate(info.Difficulty, blockTime),
		LastBeat:   time.Now().Unix(),
	}
	if err := m.store.SetNetworkStats(rt.coin.Name, stats); err != nil {
		util.Debugf("Updating network stats for %s: %v", rt.coin.Name, err)
	}

	if m.apm != nil {
		m.apm.UpdateNetworkMetrics(rt.coin.Name, info.Height, info.Difficulty, stats.Hashrate)
		if pool, err := m.store.GetPoolStats(rt.coin.Name,
			m.cfg.Validation.HashrateWindow, m.cfg.Validation.HashrateLargeWindow); err == nil {
			m.apm.UpdatePoolMetrics(rt.coin.Name, pool.Hashrate, pool.Miners, pool.Workers)
		}
	}
}

// housekeepingLoop drops stale hashrate samples and ancient share lists
func (m *Master) housekeepingLoop(rt *coinRuntime) {
	defer m.wg.Done()

	ticker := time.NewTicker(hashratePurgePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.PurgeStaleHashrate(rt.coin.Name, m.cfg.Validation.HashrateLargeWindow); err != nil {
				util.Warnf("Hashrate purge for %s: %v", rt.coin.Name, err)
			}

			if netStats, err := m.store.GetNetworkStats(rt.coin.Name); err == nil && netStats.Height > sharesKeepHeights {
				if err := m.store.TrimSharesBelow(rt.coin.Name, netStats.Height-sharesKeepHeights); err != nil {
					util.Warnf("Share trim for %s: %v", rt.coin.Name, err)
				}
			}
		}
	}
}

// upstreamHeaders adapts the failover manager to the unlocker's header
// lookup
type upstreamHeaders struct {
	manager *rpc.UpstreamManager
}

func (u upstreamHeaders) GetBlockHeaderByHash(ctx context.Context, hash string) (*rpc.BlockHeader, error) {
	var header *rpc.BlockHeader
	err := u.manager.CallWithFailover(func(c *rpc.DaemonClient) error {
		var err error
		header, err = c.GetBlockHeaderByHash(ctx, hash)
		return err
	})
	if err == nil && header == nil {
		return nil, fmt.Errorf("no healthy upstream")
	}
	return header, err
}

// discardBalances stands in when postgres is disabled: credits are
// logged, never stored
type discardBalances struct{}

func (discardBalances) QueueBalanceIncrement(coin, address, paymentID string, amount uint64, blockKey string) error {
	util.Warnf("Postgres disabled, dropping balance credit of %d to %s on %s", amount, address, coin)
	return nil
}
