package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
)

const testMinerAddr = "KN" + "111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111111"

func newTestServer(t *testing.T) (*Server, *ledger.Ledger) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	l, err := ledger.New(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
		mr.Close()
	})

	cfg := &config.Config{
		Coins: []config.CoinConfig{
			{Name: "krypton", Port: 4444, Algo: "kn", ShareMulti: 2.0},
		},
	}
	cfg.API.Bind = "127.0.0.1:0"
	cfg.API.StatsCache = 10 * time.Second
	cfg.API.AdminPassword = "hunter2"
	cfg.Validation.HashrateWindow = 10 * time.Minute
	cfg.Validation.HashrateLargeWindow = 3 * time.Hour
	cfg.Payments.PPLNSFee = 1.0
	cfg.Payments.SoloFee = 0.5
	cfg.Payments.PPSFee = 2.0

	return NewServer(cfg, l, nil), l
}

func doRequest(s *Server, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
}

func TestPoolsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/pools", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Pools []PoolInfo `json:"pools"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Pools) != 1 || resp.Pools[0].Coin != "krypton" || resp.Pools[0].Port != 4444 {
		t.Errorf("pools = %+v", resp.Pools)
	}
}

func TestStatsUnknownCoin(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodGet, "/api/doge/stats", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown coin status = %d", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, l := newTestServer(t)

	if err := l.SetNetworkStats("krypton", &ledger.NetworkStats{
		Height: 5000, Difficulty: 2_000_000, Hashrate: 66666,
	}); err != nil {
		t.Fatalf("SetNetworkStats: %v", err)
	}

	w := doRequest(s, http.MethodGet, "/api/krypton/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Network.Height != 5000 || resp.Network.Difficulty != 2_000_000 {
		t.Errorf("network = %+v", resp.Network)
	}
	if resp.Fees.PPLNS != 1.0 || resp.Fees.PPS != 2.0 {
		t.Errorf("fees = %+v", resp.Fees)
	}
	if resp.Now == 0 {
		t.Error("now not set")
	}
}

func TestStatsCacheServesSecondRequest(t *testing.T) {
	s, l := newTestServer(t)
	if err := l.SetNetworkStats("krypton", &ledger.NetworkStats{Height: 100}); err != nil {
		t.Fatalf("SetNetworkStats: %v", err)
	}

	first := doRequest(s, http.MethodGet, "/api/krypton/stats", nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	// the cache should mask the update until it expires
	if err := l.SetNetworkStats("krypton", &ledger.NetworkStats{Height: 200}); err != nil {
		t.Fatalf("SetNetworkStats: %v", err)
	}
	second := doRequest(s, http.MethodGet, "/api/krypton/stats", nil, nil)

	var resp StatsResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Network.Height != 100 {
		t.Errorf("cached height = %d, want 100", resp.Network.Height)
	}
}

func TestBlocksEndpoint(t *testing.T) {
	s, l := newTestServer(t)

	for _, b := range []*ledger.Block{
		{Coin: "krypton", Height: 100, Hash: "aa", Finder: testMinerAddr, Reward: 0, Valid: true, Timestamp: 1000},
		{Coin: "krypton", Height: 200, Hash: "bb", Finder: testMinerAddr, Reward: 0, Valid: true, Timestamp: 2000},
	} {
		if err := l.WriteBlock(b); err != nil {
			t.Fatalf("WriteBlock: %v", err)
		}
	}
	if err := l.SetNetworkStats("krypton", &ledger.NetworkStats{Height: 250}); err != nil {
		t.Fatalf("SetNetworkStats: %v", err)
	}

	w := doRequest(s, http.MethodGet, "/api/krypton/blocks", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Blocks []BlockResponse `json:"blocks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resp.Blocks))
	}
	if resp.Blocks[0].Height != 200 {
		t.Errorf("blocks not height-descending: %+v", resp.Blocks)
	}
	if resp.Blocks[0].Confirmations != 50 {
		t.Errorf("confirmations = %d, want 50", resp.Blocks[0].Confirmations)
	}
	if resp.Blocks[0].Status != "pending" {
		t.Errorf("status = %q", resp.Blocks[0].Status)
	}
}

func TestBlockStatusLifecycle(t *testing.T) {
	cases := []struct {
		block ledger.Block
		want  string
	}{
		{ledger.Block{Valid: true}, "pending"},
		{ledger.Block{Valid: true, Unlocked: true}, "unlocked"},
		{ledger.Block{Valid: true, Unlocked: true, PayReady: true}, "paid"},
		{ledger.Block{Invalidated: true, Unlocked: true}, "orphaned"},
	}
	for _, c := range cases {
		if got := blockStatus(&c.block); got != c.want {
			t.Errorf("blockStatus(%+v) = %q, want %q", c.block, got, c.want)
		}
	}
}

func TestMinerEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/api/krypton/miners/bogus", nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid address status = %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/api/krypton/miners/"+testMinerAddr, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown miner status = %d", w.Code)
	}
}

func TestMinerEndpoint(t *testing.T) {
	s, l := newTestServer(t)

	share := &ledger.Share{
		Address:             testMinerAddr,
		Worker:              "rig1",
		Algo:                "kn",
		PoolType:            ledger.PoolTypePPLNS,
		Difficulty:          5000,
		RewardedDifficulty:  5000,
		RewardedDifficulty2: 5000,
		ShareCount:          1,
		Height:              100,
		Timestamp:           time.Now().Unix(),
	}
	if err := l.WriteShares("krypton", []*ledger.Share{share}, 10*time.Minute); err != nil {
		t.Fatalf("WriteShares: %v", err)
	}

	w := doRequest(s, http.MethodGet, "/api/krypton/miners/"+testMinerAddr, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp MinerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Address != testMinerAddr {
		t.Errorf("address = %q", resp.Address)
	}
	if resp.Hashrate <= 0 {
		t.Errorf("hashrate = %f, want > 0", resp.Hashrate)
	}
	if len(resp.Workers) != 1 || resp.Workers[0].Name != "rig1" {
		t.Errorf("workers = %+v", resp.Workers)
	}
}

func TestAdminRequiresPassword(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/admin/blacklist", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no auth status = %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/admin/blacklist", nil, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusForbidden {
		t.Errorf("wrong password status = %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/admin/blacklist", nil, map[string]string{"Authorization": "Bearer hunter2"})
	if w.Code != http.StatusOK {
		t.Errorf("correct password status = %d", w.Code)
	}
}

func TestAdminBlacklistRoundTrip(t *testing.T) {
	s, l := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer hunter2", "Content-Type": "application/json"}

	body, _ := json.Marshal(blacklistRequest{Address: testMinerAddr})
	w := doRequest(s, http.MethodPost, "/admin/blacklist", body, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d, body %s", w.Code, w.Body.String())
	}

	banned, err := l.IsBlacklisted(testMinerAddr)
	if err != nil || !banned {
		t.Fatalf("address not blacklisted (err %v)", err)
	}

	w = doRequest(s, http.MethodDelete, "/admin/blacklist/"+testMinerAddr, nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d", w.Code)
	}
	banned, _ = l.IsBlacklisted(testMinerAddr)
	if banned {
		t.Error("address still blacklisted after removal")
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(s, http.MethodOptions, "/api/pools", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestAdminDisabledWithoutPassword(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.API.AdminPassword = ""
	// rebuild the router without the admin group
	rebuilt := NewServer(s.cfg, s.ledger, nil)

	w := doRequest(rebuilt, http.MethodGet, "/admin/blacklist", nil, map[string]string{"Authorization": "Bearer anything"})
	if w.Code != http.StatusNotFound {
		t.Errorf("admin routes should not exist, status = %d", w.Code)
	}
}
