package master

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/krypton-pool/krypton-pool/internal/bus"
	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/pow"
	"github.com/krypton-pool/krypton-pool/internal/rpc"
	"github.com/krypton-pool/krypton-pool/internal/slave"
)

var testFinder = "KN" + strings.Repeat("1", 93)

// fakeDaemon emulates the daemon's JSON-RPC surface over HTTP
type fakeDaemon struct {
	mu         sync.Mutex
	height     uint64
	difficulty uint64
	reward     uint64
	submitted  []string
	rejectNext bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{height: 1000, difficulty: 1_000_000, reward: 1_500_000_000_000}
}

func (d *fakeDaemon) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     uint64          `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var result interface{}
	var rpcErr map[string]interface{}

	switch req.Method {
	case "getblocktemplate":
		blob := make([]byte, 128)
		for i := range blob {
			blob[i] = byte(i)
		}
		result = map[string]interface{}{
			"blocktemplate_blob": hex.EncodeToString(blob),
			"difficulty":         d.difficulty,
			"height":             d.height,
			"prev_hash":          strings.Repeat("ab", 32),
			"reserved_offset":    55,
			"expected_reward":    d.reward,
		}
	case "submitblock":
		if d.rejectNext {
			d.rejectNext = false
			rpcErr = map[string]interface{}{"code": -7, "message": "Block not accepted"}
			break
		}
		var blobs []string
		_ = json.Unmarshal(req.Params, &blobs)
		d.submitted = append(d.submitted, blobs...)
		result = map[string]string{"status": "OK"}
	case "get_info":
		result = map[string]interface{}{
			"height":     d.height,
			"difficulty": d.difficulty,
			"target":     120,
		}
	default:
		rpcErr = map[string]interface{}{"code": -5, "message": "not found"}
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (d *fakeDaemon) submittedBlobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.submitted...)
}

func newTestMaster(t *testing.T, daemon *fakeDaemon) (*Master, *coinRuntime, *ledger.Ledger) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(daemon.handler))
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	store, err := ledger.New(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		mr.Close()
	})

	cfg := &config.Config{
		Coins: []config.CoinConfig{{
			Name:        "krypton",
			Algo:        "kn",
			HashFactor:  1.0,
			ShareMulti:  2.0,
			PoolAddress: testFinder,
			ReserveSize: 8,
			Node: config.NodeConfig{
				URL:     srv.URL,
				Timeout: 2 * time.Second,
			},
		}},
	}
	cfg.Pool.Name = "Krypton Pool"
	cfg.Mining.DefaultDifficulty = 1000
	cfg.Mining.MinDifficulty = 100
	cfg.Validation.HashrateWindow = 10 * time.Minute
	cfg.Validation.HashrateLargeWindow = 3 * time.Hour

	m, err := NewMaster(cfg, store, nil, nil)
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	t.Cleanup(func() {
		m.cancel()
		for _, rt := range m.runtimes {
			rt.acc.Close()
		}
	})

	return m, m.runtimes[0], store
}

func TestNewMasterBuildsRuntimePerCoin(t *testing.T) {
	m, rt, _ := newTestMaster(t, newFakeDaemon())

	if len(m.runtimes) != 1 {
		t.Fatalf("expected 1 runtime, got %d", len(m.runtimes))
	}
	if rt.algo != pow.AlgoKN {
		t.Errorf("algo = %v", rt.algo)
	}
	if rt.pusher != nil {
		t.Error("pusher must stay nil without a postgres store")
	}
	if rt.zmq != nil {
		t.Error("zmq notifier must stay nil without an endpoint")
	}
}

func TestNewMasterRejectsUnknownAlgo(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	store, err := ledger.New(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer store.Close()

	cfg := &config.Config{
		Coins: []config.CoinConfig{{Name: "bogus", Algo: "sha3-turbo"}},
	}
	if _, err := NewMaster(cfg, store, nil, nil); err == nil {
		t.Fatal("expected error for unknown algo")
	}
}

func TestRefreshTemplateActivatesAndPublishes(t *testing.T) {
	m, rt, _ := newTestMaster(t, newFakeDaemon())

	var published []bus.TemplateUpdate
	if err := m.events.Subscribe(bus.TopicTemplateUpdated, func(u bus.TemplateUpdate) {
		published = append(published, u)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := m.refreshTemplate(rt); err != nil {
		t.Fatalf("refreshTemplate: %v", err)
	}

	tmpl, err := rt.engine.ActiveTemplate(rt.algo)
	if err != nil {
		t.Fatalf("no active template: %v", err)
	}
	if tmpl.Height != 1000 || tmpl.Difficulty != 1_000_000 {
		t.Errorf("template height %d diff %d, want 1000/1000000", tmpl.Height, tmpl.Difficulty)
	}
	if tmpl.ReservedOffset != 55 {
		t.Errorf("reserved offset = %d", tmpl.ReservedOffset)
	}

	rt.mu.RLock()
	diff, reward := rt.networkDiff, rt.expectedReward
	rt.mu.RUnlock()
	if diff != 1_000_000 || reward != 1_500_000_000_000 {
		t.Errorf("cached chain state: diff %d reward %d", diff, reward)
	}

	if len(published) != 1 || published[0].Coin != "krypton" || published[0].Height != 1000 {
		t.Errorf("published = %+v", published)
	}
}

func TestRefreshTemplateIgnoresDuplicate(t *testing.T) {
	m, rt, _ := newTestMaster(t, newFakeDaemon())

	if err := m.refreshTemplate(rt); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	var count int
	if err := m.events.Subscribe(bus.TopicTemplateUpdated, func(u bus.TemplateUpdate) {
		count++
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// chain tip has not moved, the same template comes back
	if err := m.refreshTemplate(rt); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if count != 0 {
		t.Errorf("duplicate template published %d updates", count)
	}
}

func TestOnShareReachesLedger(t *testing.T) {
	m, rt, store := newTestMaster(t, newFakeDaemon())

	share := &ledger.Share{
		Address:             testFinder,
		Worker:              "rig1",
		Algo:                "kn",
		PoolType:            ledger.PoolTypePPLNS,
		Difficulty:          5000,
		RewardedDifficulty:  5000,
		RewardedDifficulty2: 5000,
		ShareCount:          1,
		BlockDifficulty:     1_000_000,
		Height:              1000,
		Timestamp:           time.Now().Unix(),
	}
	m.onShare(rt, share)
	rt.acc.Flush()

	var got []*ledger.Share
	if err := store.ScanShares("krypton", 1000, func(s *ledger.Share) bool {
		got = append(got, s)
		return true
	}); err != nil {
		t.Fatalf("ScanShares: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 share in the ledger, got %d", len(got))
	}
	if got[0].Address != testFinder || got[0].RewardedDifficulty2 != 5000 {
		t.Errorf("persisted share = %+v", got[0])
	}
}

func TestOnBlockSubmitsAndRecords(t *testing.T) {
	daemon := newFakeDaemon()
	m, rt, store := newTestMaster(t, daemon)

	if err := m.refreshTemplate(rt); err != nil {
		t.Fatalf("refreshTemplate: %v", err)
	}

	candidate := &slave.BlockCandidate{
		Coin:            "krypton",
		Algo:            rt.algo,
		BlobHex:         strings.Repeat("cd", 128),
		Hash:            strings.Repeat("ef", 32),
		Height:          1000,
		Difficulty:      1_000_000,
		ShareDifficulty: 2_500_000,
		Finder:          testFinder,
		Worker:          "rig1",
		PoolType:        ledger.PoolTypePPLNS,
	}
	if err := m.onBlock(rt, candidate); err != nil {
		t.Fatalf("onBlock: %v", err)
	}

	submitted := daemon.submittedBlobs()
	if len(submitted) != 1 || submitted[0] != candidate.BlobHex {
		t.Fatalf("daemon received %v", submitted)
	}

	blocks, err := store.GetBlocks("krypton")
	if err != nil {
		t.Fatalf("GetBlocks: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block record, got %d", len(blocks))
	}
	b := blocks[0]
	if b.Reward != 1_500_000_000_000 {
		t.Errorf("reward = %d, want the template's expected reward", b.Reward)
	}
	if !b.Valid || b.Unlocked || b.Invalidated {
		t.Errorf("lifecycle flags = valid %v unlocked %v invalidated %v", b.Valid, b.Unlocked, b.Invalidated)
	}
	if b.Finder != testFinder || b.Worker != "rig1" || b.PoolType != ledger.PoolTypePPLNS {
		t.Errorf("attribution = %+v", b)
	}
}

func TestOnBlockDaemonRejection(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.rejectNext = true
	m, rt, store := newTestMaster(t, daemon)

	candidate := &slave.BlockCandidate{
		Coin:    "krypton",
		BlobHex: strings.Repeat("cd", 128),
		Hash:    strings.Repeat("ef", 32),
		Height:  1000,
		Finder:  testFinder,
	}
	if err := m.onBlock(rt, candidate); err == nil {
		t.Fatal("expected error for a rejected block")
	}

	blocks, _ := store.GetBlocks("krypton")
	if len(blocks) != 0 {
		t.Errorf("rejected block must not be recorded, got %d", len(blocks))
	}
}

func TestUpdateStatsMirrorsChainState(t *testing.T) {
	m, rt, store := newTestMaster(t, newFakeDaemon())

	m.updateStats(rt)

	stats, err := store.GetNetworkStats("krypton")
	if err != nil {
		t.Fatalf("GetNetworkStats: %v", err)
	}
	if stats.Height != 1000 || stats.Difficulty != 1_000_000 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Hashrate <= 0 {
		t.Errorf("hashrate = %f", stats.Hashrate)
	}
}

func TestPolicyConfigMapping(t *testing.T) {
	sec := &config.SecurityConfig{
		BanningEnabled:      true,
		BanDuration:         time.Hour,
		InvalidPercent:      25,
		CheckThreshold:      50,
		MalformedLimit:      5,
		MaxConnectionsPerIP: 30,
		ConnectionGrace:     2 * time.Minute,
		IPSetName:           "krypton-bans",
	}
	cfg := policyConfig(sec)

	if !cfg.BanningEnabled {
		t.Error("BanningEnabled not carried over")
	}
	if cfg.BanTimeout != time.Hour {
		t.Errorf("BanTimeout = %v", cfg.BanTimeout)
	}
	if cfg.InvalidPercent != 25 {
		t.Errorf("InvalidPercent = %f", cfg.InvalidPercent)
	}
	if cfg.ConnectionLimit != 30 {
		t.Errorf("ConnectionLimit = %d", cfg.ConnectionLimit)
	}
	if cfg.IPSetName != "krypton-bans" {
		t.Errorf("IPSetName = %q", cfg.IPSetName)
	}

	// zero values fall back to the defaults
	defaults := policyConfig(&config.SecurityConfig{})
	if defaults.BanTimeout == 0 || defaults.CheckThreshold == 0 {
		t.Errorf("defaults not applied: %+v", defaults)
	}
}

func TestUpstreamHeadersWithoutUpstream(t *testing.T) {
	manager := rpc.NewUpstreamManager(context.Background(), "krypton", &config.NodeConfig{})
	defer manager.Stop()

	headers := upstreamHeaders{manager: manager}
	if _, err := headers.GetBlockHeaderByHash(context.Background(), strings.Repeat("ab", 32)); err == nil {
		t.Fatal("expected error when no upstream is configured")
	}
}

func TestDiscardBalancesSwallowsCredits(t *testing.T) {
	var b discardBalances
	if err := b.QueueBalanceIncrement("krypton", testFinder, "", 12345, "1000:abcd"); err != nil {
		t.Fatalf("discard store must never fail: %v", err)
	}
}

func TestShareCountersTally(t *testing.T) {
	m, _, _ := newTestMaster(t, newFakeDaemon())

	m.events.Publish(bus.TopicShareCounted, bus.ShareCount{Coin: "krypton", Algo: "kn", Outcome: bus.ShareNormal})
	m.events.Publish(bus.TopicShareCounted, bus.ShareCount{Coin: "krypton", Algo: "kn", Outcome: bus.ShareNormal})
	m.events.Publish(bus.TopicShareCounted, bus.ShareCount{Coin: "krypton", Algo: "kn", Outcome: bus.ShareTrusted})
	m.events.Publish(bus.TopicShareCounted, bus.ShareCount{Coin: "krypton", Algo: "kn", Outcome: bus.ShareInvalid})
	m.events.Publish(bus.TopicShareCounted, bus.ShareCount{Coin: "other", Algo: "kn", Outcome: bus.ShareOutdated})

	tally := m.ShareCounters("krypton")
	if tally[bus.ShareNormal] != 2 || tally[bus.ShareTrusted] != 1 || tally[bus.ShareInvalid] != 1 {
		t.Errorf("tally = %v", tally)
	}
	if tally[bus.ShareOutdated] != 0 {
		t.Error("tally leaked counts across coins")
	}
	if m.ShareCounters("other")[bus.ShareOutdated] != 1 {
		t.Error("second coin not tallied")
	}
}

func TestSetHashFactor(t *testing.T) {
	m, rt, _ := newTestMaster(t, newFakeDaemon())

	if err := m.refreshTemplate(rt); err != nil {
		t.Fatalf("refreshTemplate: %v", err)
	}

	var published []bus.HashFactorUpdate
	var mu sync.Mutex
	if err := m.events.Subscribe(bus.TopicHashFactorUpdated, func(u bus.HashFactorUpdate) {
		mu.Lock()
		published = append(published, u)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := m.SetHashFactor("krypton", 0); err == nil {
		t.Error("zero factor should be rejected")
	}
	if err := m.SetHashFactor("nosuchcoin", 2.0); err == nil {
		t.Error("unknown coin should be rejected")
	}
	if err := m.SetHashFactor("krypton", 2.5); err != nil {
		t.Fatalf("SetHashFactor: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("published %d hash factor updates, want 1", len(published))
	}
	if published[0].Coin != "krypton" || published[0].Factor != 2.5 {
		t.Errorf("update = %+v", published[0])
	}

	// the active template is rescored immediately
	job, err := rt.engine.NextJob(rt.algo, 1000)
	if err != nil {
		t.Fatalf("NextJob: %v", err)
	}
	if job.HashFactor != 2.5 {
		t.Errorf("job hash factor = %f, want 2.5", job.HashFactor)
	}
}
