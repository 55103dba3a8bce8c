// Package policy implements security policies for the mining pool.
// This includes IP banning, rate limiting, and invalid share tracking.
package policy

import (
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/bus"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

// Config holds policy configuration
type Config struct {
	// Banning configuration
	BanningEnabled bool
	BanTimeout     time.Duration // How long to ban an IP
	InvalidPercent float32       // Ratio of invalid shares to trigger ban
	CheckThreshold int32         // Minimum shares before checking ratio
	MalformedLimit int32         // Max malformed requests before ban
	IPSetName      string        // Linux ipset name for kernel-level banning

	// Rate limiting configuration
	RateLimitEnabled bool
	ConnectionLimit  int32         // Max new connections per IP per interval
	ConnectionGrace  time.Duration // Grace period after startup
	LimitJump        int32         // How much to increase limit on valid share

	// Score-based rate limiting
	ScoreEnabled     bool
	MaxScore         int32         // Maximum score before temporary ban
	ScoreResetTime   time.Duration // How often to reset scores
	ScoreTempBanTime time.Duration // How long to temp ban when max score reached

	// Action costs (added to score)
	CostInvalidShare int32 // Cost for invalid share
	CostMalformed    int32 // Cost for malformed request
	CostConnection   int32 // Cost for new connection
	CostAuth         int32 // Cost for authorization attempt

	// Reset intervals
	ResetInterval   time.Duration // How often to reset stats
	RefreshInterval time.Duration // How often to refresh blacklist/whitelist
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		BanningEnabled: true,
		BanTimeout:     30 * time.Minute,
		InvalidPercent: 50.0,
		CheckThreshold: 100,
		MalformedLimit: 5,
		IPSetName:      "",

		RateLimitEnabled: true,
		ConnectionLimit:  10,
		ConnectionGrace:  5 * time.Minute,
		LimitJump:        5,

		ScoreEnabled:     true,
		MaxScore:         100,
		ScoreResetTime:   1 * time.Minute,
		ScoreTempBanTime: 5 * time.Minute,
		CostInvalidShare: 10,
		CostMalformed:    25,
		CostConnection:   1,
		CostAuth:         2,

		ResetInterval:   1 * time.Hour,
		RefreshInterval: 5 * time.Minute,
	}
}

// IPStats tracks per-IP statistics
type IPStats struct {
	mu             sync.Mutex
	LastBeat       int64 // Timestamp of last activity
	BannedAt       int64 // Timestamp when banned (0 = not banned)
	ValidShares    int32 // Count of valid shares
	InvalidShares  int32 // Count of invalid shares
	Malformed      int32 // Count of malformed requests
	ConnLimit      int32 // Remaining connection allowance
	Banned         int32 // 1 = banned, 0 = not banned
	Score          int32 // Score-based rate limiting score
	LastScoreReset int64 // When score was last reset
}

// Server manages security policies. Bans decided locally are broadcast
// on the event bus so every stratum listener applies them; bans arriving
// from the bus are applied without re-broadcasting.
type Server struct {
	config *Config
	store  *ledger.Ledger
	events *bus.Bus

	// Per-IP stats
	statsMu sync.RWMutex
	stats   map[string]*IPStats

	// Blacklist/Whitelist
	listMu    sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	// Ban channel for async ipset execution
	banChan chan string

	// Timing
	startedAt int64

	// Control
	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a new policy server
func NewServer(cfg *Config, store *ledger.Ledger, events *bus.Bus) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Server{
		config:    cfg,
		store:     store,
		events:    events,
		stats:     make(map[string]*IPStats),
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		banChan:   make(chan string, 64),
		startedAt: time.Now().UnixMilli(),
		quit:      make(chan struct{}),
	}
}

// Start begins the policy server background tasks
func (p *Server) Start() {
	util.Info("Starting policy server...")

	p.refreshLists()

	p.wg.Add(1)
	go p.resetLoop()

	p.wg.Add(1)
	go p.refreshLoop()

	for i := 0; i < 2; i++ {
		p.wg.Add(1)
		go p.banWorker()
	}

	if p.events != nil {
		if err := p.events.SubscribeAsync(bus.TopicBanIP, p.onRemoteBan); err != nil {
			util.Warnf("Ban propagation subscribe failed: %v", err)
		}
	}

	util.Info("Policy server started")
}

// Stop shuts down the policy server
func (p *Server) Stop() {
	close(p.quit)
	p.wg.Wait()
	if p.events != nil {
		_ = p.events.Unsubscribe(bus.TopicBanIP, p.onRemoteBan)
	}
	util.Info("Policy server stopped")
}

// onRemoteBan applies a ban decided elsewhere in the process
func (p *Server) onRemoteBan(msg bus.BanIP) {
	p.applyBan(msg.IP)
}

// resetLoop periodically resets stale stats
func (p *Server) resetLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.resetStats()
		}
	}
}

// refreshLoop periodically refreshes blacklist/whitelist
func (p *Server) refreshLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.refreshLists()
		}
	}
}

// banWorker processes ipset ban requests
func (p *Server) banWorker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case ip := <-p.banChan:
			p.executeBan(ip)
		}
	}
}

// resetStats clears old statistics
func (p *Server) resetStats() {
	now := time.Now().UnixMilli()
	banTimeout := p.config.BanTimeout.Milliseconds()
	staleTimeout := p.config.ResetInterval.Milliseconds()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	removed := 0
	unbanned := 0

	for ip, stats := range p.stats {
		stats.mu.Lock()

		// Check if ban expired
		if stats.BannedAt > 0 && now-stats.BannedAt >= banTimeout {
			stats.BannedAt = 0
			if atomic.CompareAndSwapInt32(&stats.Banned, 1, 0) {
				unbanned++
				util.Infof("Ban expired for %s", ip)
			}
		}

		// Remove stale entries
		if now-stats.LastBeat >= staleTimeout && stats.Banned == 0 {
			stats.mu.Unlock()
			delete(p.stats, ip)
			removed++
			continue
		}

		stats.mu.Unlock()
	}

	if removed > 0 || unbanned > 0 {
		util.Debugf("Policy stats reset: removed %d stale, unbanned %d IPs", removed, unbanned)
	}
}

// refreshLists reloads blacklist/whitelist from the ledger
func (p *Server) refreshLists() {
	if p.store == nil {
		return
	}

	blacklist, err := p.store.GetBlacklist()
	if err != nil {
		util.Warnf("Failed to load blacklist: %v", err)
	} else {
		p.listMu.Lock()
		p.blacklist = make(map[string]struct{})
		for _, addr := range blacklist {
			p.blacklist[strings.ToLower(addr)] = struct{}{}
		}
		p.listMu.Unlock()
	}

	whitelist, err := p.store.GetWhitelist()
	if err != nil {
		util.Warnf("Failed to load whitelist: %v", err)
	} else {
		p.listMu.Lock()
		p.whitelist = make(map[string]struct{})
		for _, ip := range whitelist {
			p.whitelist[ip] = struct{}{}
		}
		p.listMu.Unlock()
	}
}

// getStats gets or creates stats for an IP
func (p *Server) getStats(ip string) *IPStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats, ok := p.stats[ip]
	if !ok {
		stats = &IPStats{
			LastBeat:  time.Now().UnixMilli(),
			ConnLimit: p.config.ConnectionLimit,
		}
		p.stats[ip] = stats
	} else {
		stats.LastBeat = time.Now().UnixMilli()
	}

	return stats
}

// IsBanned checks if an IP is currently banned
func (p *Server) IsBanned(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}

	stats := p.getStats(ip)
	return atomic.LoadInt32(&stats.Banned) > 0
}

// ApplyConnectionLimit checks and decrements connection limit
func (p *Server) ApplyConnectionLimit(ip string) bool {
	if !p.config.RateLimitEnabled {
		return true
	}

	// Grace period after startup
	if time.Now().UnixMilli()-p.startedAt < p.config.ConnectionGrace.Milliseconds() {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.ConnLimit--
	return stats.ConnLimit >= 0
}

// ApplyLoginPolicy checks if a wallet address is blacklisted
func (p *Server) ApplyLoginPolicy(address, ip string) bool {
	p.listMu.RLock()
	_, blacklisted := p.blacklist[strings.ToLower(address)]
	p.listMu.RUnlock()

	if blacklisted {
		util.Warnf("Blacklisted address %s from IP %s", address, ip)
		p.BanIP(ip, "blacklisted address")
		return false
	}

	return true
}

// ApplyMalformedPolicy tracks malformed requests
func (p *Server) ApplyMalformedPolicy(ip string) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.Malformed++
	if stats.Malformed >= p.config.MalformedLimit {
		stats.mu.Unlock()
		p.BanIP(ip, "malformed requests")
		stats.mu.Lock()
		return false
	}

	return true
}

// ApplySharePolicy tracks valid/invalid shares and may ban
func (p *Server) ApplySharePolicy(ip string, valid bool) bool {
	if !p.config.BanningEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if valid {
		stats.ValidShares++
		// Reward valid shares with connection allowance
		if p.config.RateLimitEnabled {
			stats.ConnLimit += p.config.LimitJump
		}
	} else {
		stats.InvalidShares++
	}

	// Check if we have enough samples
	totalShares := stats.ValidShares + stats.InvalidShares
	if totalShares < p.config.CheckThreshold {
		return true
	}

	// Calculate invalid ratio
	invalidRatio := float32(stats.InvalidShares) / float32(stats.ValidShares+1) * 100

	// Reset counters
	stats.ValidShares = 0
	stats.InvalidShares = 0

	// Ban if ratio too high
	if invalidRatio >= p.config.InvalidPercent {
		util.Warnf("Banning %s: invalid share ratio %.1f%% >= %.1f%%", ip, invalidRatio, p.config.InvalidPercent)
		stats.mu.Unlock()
		p.BanIP(ip, "invalid share ratio")
		stats.mu.Lock()
		return false
	}

	return true
}

// AddScore adds to an IP's score and returns false if banned
func (p *Server) AddScore(ip string, cost int32) bool {
	if !p.config.ScoreEnabled {
		return true
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	now := time.Now().Unix()

	// Reset score if enough time passed
	if now-stats.LastScoreReset >= int64(p.config.ScoreResetTime.Seconds()) {
		stats.Score = 0
		stats.LastScoreReset = now
	}

	stats.Score += cost

	if stats.Score >= p.config.MaxScore {
		util.Warnf("Score limit exceeded for %s: %d >= %d", ip, stats.Score, p.config.MaxScore)
		stats.Score = 0

		// Temporary ban
		if p.config.ScoreTempBanTime > 0 {
			stats.BannedAt = time.Now().UnixMilli()
			atomic.StoreInt32(&stats.Banned, 1)
		}
		return false
	}

	return true
}

// GetScore returns current score for an IP
func (p *Server) GetScore(ip string) int32 {
	stats := p.getStats(ip)
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.Score
}

// ApplyConnectionScore applies connection cost
func (p *Server) ApplyConnectionScore(ip string) bool {
	return p.AddScore(ip, p.config.CostConnection)
}

// ApplyAuthScore applies authorization cost
func (p *Server) ApplyAuthScore(ip string) bool {
	return p.AddScore(ip, p.config.CostAuth)
}

// ApplyInvalidShareScore applies invalid share cost
func (p *Server) ApplyInvalidShareScore(ip string) bool {
	return p.AddScore(ip, p.config.CostInvalidShare)
}

// ApplyMalformedScore applies malformed request cost
func (p *Server) ApplyMalformedScore(ip string) bool {
	return p.AddScore(ip, p.config.CostMalformed)
}

// BanIP bans an IP address and broadcasts the ban
func (p *Server) BanIP(ip, reason string) {
	if !p.applyBan(ip) {
		return
	}

	if p.events != nil {
		p.events.Publish(bus.TopicBanIP, bus.BanIP{
			IP:       ip,
			Reason:   reason,
			Duration: int64(p.config.BanTimeout.Seconds()),
		})
	}
}

// applyBan marks an IP banned locally. Returns false when banning is
// disabled, the IP is whitelisted, or the ban was already in effect.
func (p *Server) applyBan(ip string) bool {
	if !p.config.BanningEnabled {
		return false
	}

	p.listMu.RLock()
	_, whitelisted := p.whitelist[ip]
	p.listMu.RUnlock()

	if whitelisted {
		util.Debugf("IP %s is whitelisted, not banning", ip)
		return false
	}

	stats := p.getStats(ip)
	stats.mu.Lock()
	stats.BannedAt = time.Now().UnixMilli()
	stats.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&stats.Banned, 0, 1) {
		return false
	}

	util.Infof("Banned IP: %s", ip)

	// Queue for ipset if configured
	if p.config.IPSetName != "" {
		select {
		case p.banChan <- ip:
		default:
			util.Warn("Ban channel full, skipping ipset for ", ip)
		}
	}
	return true
}

// executeBan adds IP to kernel ipset
func (p *Server) executeBan(ip string) {
	if p.config.IPSetName == "" {
		return
	}

	timeout := int(p.config.BanTimeout.Seconds())
	cmd := exec.Command("sudo", "ipset", "add", p.config.IPSetName, ip, "timeout", strconv.Itoa(timeout), "-!")

	if err := cmd.Run(); err != nil {
		util.Warnf("Failed to add %s to ipset: %v", ip, err)
	} else {
		util.Debugf("Added %s to ipset %s with timeout %ds", ip, p.config.IPSetName, timeout)
	}
}

// IsWhitelisted checks if an IP is whitelisted
func (p *Server) IsWhitelisted(ip string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.whitelist[ip]
	return ok
}

// IsBlacklisted checks if an address is blacklisted
func (p *Server) IsBlacklisted(address string) bool {
	p.listMu.RLock()
	defer p.listMu.RUnlock()
	_, ok := p.blacklist[strings.ToLower(address)]
	return ok
}

// GetStats returns stats for monitoring
func (p *Server) GetStats() (total, banned int) {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()

	total = len(p.stats)
	for _, stats := range p.stats {
		if atomic.LoadInt32(&stats.Banned) > 0 {
			banned++
		}
	}
	return
}

// AddToBlacklist adds an address to the blacklist
func (p *Server) AddToBlacklist(address string) error {
	if p.store != nil {
		if err := p.store.AddToBlacklist(address); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.blacklist[strings.ToLower(address)] = struct{}{}
	p.listMu.Unlock()

	return nil
}

// AddToWhitelist adds an IP to the whitelist
func (p *Server) AddToWhitelist(ip string) error {
	if p.store != nil {
		if err := p.store.AddToWhitelist(ip); err != nil {
			return err
		}
	}

	p.listMu.Lock()
	p.whitelist[ip] = struct{}{}
	p.listMu.Unlock()

	return nil
}
