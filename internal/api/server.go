// Package api exposes pool statistics over HTTP.
package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/krypton-pool/krypton-pool/internal/config"
	"github.com/krypton-pool/krypton-pool/internal/ledger"
	"github.com/krypton-pool/krypton-pool/internal/sqlstore"
	"github.com/krypton-pool/krypton-pool/internal/util"
)

// Server is the public stats API
type Server struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	store  *sqlstore.Store // nil when postgres is disabled
	router *gin.Engine
	server *http.Server

	statsCacheMu sync.RWMutex
	statsCache   map[string]*cachedStats
}

type cachedStats struct {
	response *StatsResponse
	at       time.Time
}

// StatsResponse is the per-coin /stats payload
type StatsResponse struct {
	Pool    *ledger.PoolStats    `json:"pool"`
	Network *ledger.NetworkStats `json:"network"`
	Fees    FeeInfo              `json:"fees"`
	Now     int64                `json:"now"`
}

// FeeInfo reports the pool's cut per reward scheme, in percent
type FeeInfo struct {
	PPLNS float64 `json:"pplns"`
	Solo  float64 `json:"solo"`
	PPS   float64 `json:"pps"`
}

// PoolInfo describes one configured coin
type PoolInfo struct {
	Coin       string  `json:"coin"`
	Port       int     `json:"port"`
	Algo       string  `json:"algo"`
	ShareMulti float64 `json:"share_multi"`
}

// BlockResponse is one entry in the blocks list
type BlockResponse struct {
	Height        uint64 `json:"height"`
	Hash          string `json:"hash"`
	Finder        string `json:"finder"`
	Reward        uint64 `json:"reward"`
	Timestamp     int64  `json:"timestamp"`
	Status        string `json:"status"`
	Confirmations uint64 `json:"confirmations"`
}

// WorkerResponse is per-rig detail in the miner payload
type WorkerResponse struct {
	Name     string  `json:"name"`
	Hashrate float64 `json:"hashrate"`
	LastSeen int64   `json:"last_seen"`
	Accepted uint64  `json:"accepted"`
	Rejected uint64  `json:"rejected"`
}

// MinerResponse is the /miners/:address payload
type MinerResponse struct {
	Address       string              `json:"address"`
	Hashrate      float64             `json:"hashrate"`
	HashrateLarge float64             `json:"hashrate_large"`
	Balance       uint64              `json:"balance"`
	LockedBalance uint64              `json:"locked_balance"`
	BlocksFound   uint64              `json:"blocks_found"`
	LastShare     int64               `json:"last_share"`
	Workers       []WorkerResponse    `json:"workers"`
	Payments      []*sqlstore.Payment `json:"payments"`
}

// NewServer creates the API server; store may be nil
func NewServer(cfg *config.Config, l *ledger.Ledger, store *sqlstore.Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		ledger:     l,
		store:      store,
		router:     router,
		statsCache: make(map[string]*cachedStats),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.API.CORSOrigins) > 0 {
			origin = strings.Join(s.cfg.API.CORSOrigins, ", ")
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	{
		api.GET("/pools", s.handlePools)
		api.GET("/:coin/stats", s.handleStats)
		api.GET("/:coin/blocks", s.handleBlocks)
		api.GET("/:coin/miners/:address", s.handleMiner)
		api.GET("/:coin/miners/:address/payments", s.handleMinerPayments)
	}

	if s.cfg.API.AdminPassword != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuth())
		{
			admin.GET("/blacklist", s.handleGetBlacklist)
			admin.POST("/blacklist", s.handleAddBlacklist)
			admin.DELETE("/blacklist/:address", s.handleRemoveBlacklist)
			admin.GET("/whitelist", s.handleGetWhitelist)
			admin.POST("/whitelist", s.handleAddWhitelist)
			admin.DELETE("/whitelist/:ip", s.handleRemoveWhitelist)
			admin.GET("/payouts", s.handlePayoutState)
		}
	}
}

// Start begins serving; it returns immediately
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// coinFromPath resolves the :coin parameter against configured coins
func (s *Server) coinFromPath(c *gin.Context) *config.CoinConfig {
	coin := s.cfg.CoinByName(c.Param("coin"))
	if coin == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown coin"})
	}
	return coin
}

func (s *Server) handlePools(c *gin.Context) {
	pools := make([]PoolInfo, 0, len(s.cfg.Coins))
	for i := range s.cfg.Coins {
		coin := &s.cfg.Coins[i]
		pools = append(pools, PoolInfo{
			Coin:       coin.Name,
			Port:       coin.Port,
			Algo:       coin.Algo,
			ShareMulti: coin.ShareMulti,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

func (s *Server) handleStats(c *gin.Context) {
	coin := s.coinFromPath(c)
	if coin == nil {
		return
	}

	s.statsCacheMu.RLock()
	cached := s.statsCache[coin.Name]
	if cached != nil && time.Since(cached.at) < s.cfg.API.StatsCache {
		s.statsCacheMu.RUnlock()
		c.JSON(http.StatusOK, cached.response)
		return
	}
	s.statsCacheMu.RUnlock()

	poolStats, err := s.ledger.GetPoolStats(coin.Name,
		s.cfg.Validation.HashrateWindow, s.cfg.Validation.HashrateLargeWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get pool stats"})
		return
	}
	netStats, err := s.ledger.GetNetworkStats(coin.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get network stats"})
		return
	}

	response := &StatsResponse{
		Pool:    poolStats,
		Network: netStats,
		Fees: FeeInfo{
			PPLNS: s.cfg.Payments.PPLNSFee,
			Solo:  s.cfg.Payments.SoloFee,
			PPS:   s.cfg.Payments.PPSFee,
		},
		Now: time.Now().Unix(),
	}

	s.statsCacheMu.Lock()
	s.statsCache[coin.Name] = &cachedStats{response: response, at: time.Now()}
	s.statsCacheMu.Unlock()

	c.JSON(http.StatusOK, response)
}

// blockStatus flattens the block lifecycle flags for display
func blockStatus(b *ledger.Block) string {
	switch {
	case b.Invalidated:
		return "orphaned"
	case b.PayReady:
		return "paid"
	case b.Unlocked:
		return "unlocked"
	default:
		return "pending"
	}
}

func (s *Server) handleBlocks(c *gin.Context) {
	coin := s.coinFromPath(c)
	if coin == nil {
		return
	}

	blocks, err := s.ledger.GetBlocks(coin.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get blocks"})
		return
	}

	var currentHeight uint64
	if netStats, err := s.ledger.GetNetworkStats(coin.Name); err == nil {
		currentHeight = netStats.Height
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height > blocks[j].Height })

	limit := 50
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if len(blocks) > limit {
		blocks = blocks[:limit]
	}

	response := make([]BlockResponse, 0, len(blocks))
	for _, block := range blocks {
		var confirmations uint64
		if currentHeight > block.Height {
			confirmations = currentHeight - block.Height
		}
		response = append(response, BlockResponse{
			Height:        block.Height,
			Hash:          block.Hash,
			Finder:        block.Finder,
			Reward:        block.Reward,
			Timestamp:     block.Timestamp,
			Status:        blockStatus(block),
			Confirmations: confirmations,
		})
	}
	c.JSON(http.StatusOK, gin.H{"blocks": response})
}

func (s *Server) handleMiner(c *gin.Context) {
	coin := s.coinFromPath(c)
	if coin == nil {
		return
	}

	address := c.Param("address")
	if !util.ValidateAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}

	miner, err := s.ledger.GetMiner(address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get miner"})
		return
	}
	if miner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Miner not found"})
		return
	}

	hashrate, _ := s.ledger.GetMinerHashrate(coin.Name, address, s.cfg.Validation.HashrateWindow)
	hashrateLarge, _ := s.ledger.GetMinerHashrate(coin.Name, address, s.cfg.Validation.HashrateLargeWindow)

	minerWorkers, _ := s.ledger.GetMinerWorkers(coin.Name, address, s.cfg.Validation.HashrateWindow)
	workers := make([]WorkerResponse, 0, len(minerWorkers))
	for _, w := range minerWorkers {
		workers = append(workers, WorkerResponse{
			Name:     w.Name,
			Hashrate: w.Hashrate,
			LastSeen: w.LastSeen,
			Accepted: w.Accepted,
			Rejected: w.Rejected,
		})
	}

	response := MinerResponse{
		Address:       address,
		Hashrate:      hashrate,
		HashrateLarge: hashrateLarge,
		BlocksFound:   miner.BlocksFound,
		LastShare:     miner.LastShare,
		Workers:       workers,
		Payments:      []*sqlstore.Payment{},
	}

	if s.store != nil {
		if balance, err := s.store.GetBalance(c.Request.Context(), coin.Name, address, ""); err == nil {
			response.Balance = balance.Amount
			response.LockedBalance = balance.Locked
		}
		if payments, err := s.store.ListPayments(c.Request.Context(), coin.Name, address, 20); err == nil {
			response.Payments = payments
		}
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleMinerPayments(c *gin.Context) {
	coin := s.coinFromPath(c)
	if coin == nil {
		return
	}

	address := c.Param("address")
	if !util.ValidateAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		return
	}
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"payments": []*sqlstore.Payment{}})
		return
	}

	payments, err := s.store.ListPayments(c.Request.Context(), coin.Name, address, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get payments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// adminAuth validates the Authorization header against the configured
// admin password
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			c.Abort()
			return
		}
		password := strings.TrimPrefix(auth, "Bearer ")
		if password != s.cfg.API.AdminPassword {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid password"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleGetBlacklist(c *gin.Context) {
	blacklist, err := s.ledger.GetBlacklist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get blacklist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blacklist": blacklist})
}

type blacklistRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address required"})
		return
	}
	if err := s.ledger.AddToBlacklist(req.Address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add to blacklist"})
		return
	}
	util.Infof("Admin: added %s to blacklist", req.Address)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "address": req.Address})
}

func (s *Server) handleRemoveBlacklist(c *gin.Context) {
	address := c.Param("address")
	if err := s.ledger.RemoveFromBlacklist(address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove from blacklist"})
		return
	}
	util.Infof("Admin: removed %s from blacklist", address)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "address": address})
}

func (s *Server) handleGetWhitelist(c *gin.Context) {
	whitelist, err := s.ledger.GetWhitelist()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get whitelist"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"whitelist": whitelist})
}

type whitelistRequest struct {
	IP string `json:"ip"`
}

func (s *Server) handleAddWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.IP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "IP required"})
		return
	}
	if err := s.ledger.AddToWhitelist(req.IP); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add to whitelist"})
		return
	}
	util.Infof("Admin: added %s to whitelist", req.IP)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ip": req.IP})
}

func (s *Server) handleRemoveWhitelist(c *gin.Context) {
	ip := c.Param("ip")
	if err := s.ledger.RemoveFromWhitelist(ip); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove from whitelist"})
		return
	}
	util.Infof("Admin: removed %s from whitelist", ip)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ip": ip})
}

func (s *Server) handlePayoutState(c *gin.Context) {
	locked, err := s.ledger.IsPayoutsLocked()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read payout lock"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": locked})
}
