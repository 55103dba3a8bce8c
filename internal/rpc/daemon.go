// Package rpc provides Krypton daemon communication.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krypton-pool/krypton-pool/internal/util"
)

// ErrBlockNotFound is returned when the daemon does not know a block hash.
// The unlocker treats this as a possible orphan.
var ErrBlockNotFound = errors.New("block not found")

// DaemonClient handles communication with a Krypton daemon
type DaemonClient struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockTemplate represents a mining block template from the daemon
type BlockTemplate struct {
	BlobHex        string `json:"blocktemplate_blob"`
	Difficulty     uint64 `json:"difficulty"`
	Height         uint64 `json:"height"`
	PrevHash       string `json:"prev_hash"`
	ReservedOffset int    `json:"reserved_offset"`
	SeedHash       string `json:"seed_hash"`
	ExpectedReward uint64 `json:"expected_reward"`
}

// BlockHeader represents a block header from the daemon
type BlockHeader struct {
	Hash         string `json:"hash"`
	PrevHash     string `json:"prev_hash"`
	Height       uint64 `json:"height"`
	Timestamp    uint64 `json:"timestamp"`
	Difficulty   uint64 `json:"difficulty"`
	Nonce        uint64 `json:"nonce"`
	Reward       uint64 `json:"reward"`
	Depth        uint64 `json:"depth"`
	OrphanStatus bool   `json:"orphan_status"`
}

// NetworkInfo represents daemon chain state
type NetworkInfo struct {
	Height          uint64 `json:"height"`
	Difficulty      uint64 `json:"difficulty"`
	TxPoolSize      uint64 `json:"tx_pool_size"`
	IncomingPeers   uint64 `json:"incoming_connections_count"`
	OutgoingPeers   uint64 `json:"outgoing_connections_count"`
	Synchronized    bool   `json:"synchronized"`
	TopBlockHash    string `json:"top_block_hash"`
	CumulativeDiff  uint64 `json:"cumulative_difficulty"`
	BlockTimeTarget uint64 `json:"target"`
}

// call makes a JSON-RPC call against the daemon's /json_rpc endpoint
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		if isNotFound(rpcResp.Error) {
			// the daemon answered; only the block is unknown
			c.recordSuccess()
			return nil, ErrBlockNotFound
		}
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

// isNotFound reports whether an RPC error means "no such block"
func isNotFound(e *RPCError) bool {
	if e.Code == -5 {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "not found")
}

// recordSuccess records a successful RPC call
func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("daemon %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// GetBlockTemplate requests a fresh block template paying to walletAddress
func (c *DaemonClient) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*BlockTemplate, error) {
	params := map[string]interface{}{
		"wallet_address": walletAddress,
		"reserve_size":   reserveSize,
	}

	result, err := c.call(ctx, "getblocktemplate", params)
	if err != nil {
		return nil, err
	}

	var template BlockTemplate
	if err := json.Unmarshal(result, &template); err != nil {
		return nil, err
	}
	if template.BlobHex == "" {
		return nil, fmt.Errorf("daemon returned empty template blob")
	}

	return &template, nil
}

// GetLastBlockHeader returns the header of the chain tip
func (c *DaemonClient) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	result, err := c.call(ctx, "getlastblockheader", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, err
	}

	return &resp.BlockHeader, nil
}

// GetBlockHeaderByHeight returns the header at the given height
func (c *DaemonClient) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	params := map[string]interface{}{"height": height}

	result, err := c.call(ctx, "getblockheaderbyheight", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, err
	}

	return &resp.BlockHeader, nil
}

// GetBlockHeaderByHash returns the header for a block hash. Returns
// ErrBlockNotFound when the daemon does not know the hash, which the
// caller interprets as a candidate orphan.
func (c *DaemonClient) GetBlockHeaderByHash(ctx context.Context, hash string) (*BlockHeader, error) {
	params := map[string]interface{}{"hash": hash}

	result, err := c.call(ctx, "getblockheaderbyhash", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, err
	}

	return &resp.BlockHeader, nil
}

// SubmitBlock submits a mined block blob to the daemon
func (c *DaemonClient) SubmitBlock(ctx context.Context, blobHex string) error {
	result, err := c.call(ctx, "submitblock", []string{blobHex})
	if err != nil {
		return err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return err
	}
	if resp.Status != "OK" && resp.Status != "" {
		return fmt.Errorf("submitblock rejected: %s", resp.Status)
	}

	return nil
}

// GetInfo returns daemon chain state
func (c *DaemonClient) GetInfo(ctx context.Context) (*NetworkInfo, error) {
	result, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}

	var info NetworkInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, err
	}

	return &info, nil
}
