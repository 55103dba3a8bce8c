// Package rpc provides RPC clients for the Krypton daemon and wallet.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WalletClient provides access to the Krypton wallet RPC for sending payouts.
type WalletClient struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// NewWalletClient creates a new wallet RPC client.
func NewWalletClient(endpoint, username, password string) *WalletClient {
	return &WalletClient{
		endpoint: endpoint,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferDestination represents a single transfer destination.
type TransferDestination struct {
	Address   string `json:"address"`
	Amount    uint64 `json:"amount"`
	PaymentID string `json:"payment_id,omitempty"`
}

// TransferResult contains the response from a transfer call.
type TransferResult struct {
	TxHash string `json:"tx_hash"`
	TxKey  string `json:"tx_key,omitempty"`
	Fee    uint64 `json:"fee"`
}

// BalanceResult contains the wallet balance.
type BalanceResult struct {
	Balance         uint64 `json:"balance"`
	UnlockedBalance uint64 `json:"unlocked_balance"`
}

// call makes a JSON-RPC call to the wallet.
func (w *WalletClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.endpoint+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if w.username != "" || w.password != "" {
		httpReq.SetBasicAuth(w.username, w.password)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet RPC error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("wallet RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

// GetAddress returns the wallet's primary address.
func (w *WalletClient) GetAddress(ctx context.Context) (string, error) {
	result, err := w.call(ctx, "get_address", nil)
	if err != nil {
		return "", err
	}

	var resp struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("failed to parse address: %w", err)
	}

	return resp.Address, nil
}

// GetBalance returns the wallet's total and unlocked balance.
func (w *WalletClient) GetBalance(ctx context.Context) (*BalanceResult, error) {
	result, err := w.call(ctx, "get_balance", nil)
	if err != nil {
		return nil, err
	}

	var balance BalanceResult
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	return &balance, nil
}

// Transfer sends a single payout transaction.
func (w *WalletClient) Transfer(ctx context.Context, to string, amount uint64, paymentID string) (*TransferResult, error) {
	return w.BatchTransfer(ctx, []TransferDestination{
		{Address: to, Amount: amount, PaymentID: paymentID},
	})
}

// BatchTransfer sends one transaction paying multiple addresses.
func (w *WalletClient) BatchTransfer(ctx context.Context, destinations []TransferDestination) (*TransferResult, error) {
	if len(destinations) == 0 {
		return nil, fmt.Errorf("no destinations provided")
	}

	params := map[string]interface{}{
		"destinations":  destinations,
		"get_tx_key":    true,
		"do_not_relay":  false,
		"unlock_time":   0,
	}

	result, err := w.call(ctx, "transfer", params)
	if err != nil {
		return nil, err
	}

	var txResult TransferResult
	if err := json.Unmarshal(result, &txResult); err != nil {
		return nil, fmt.Errorf("failed to parse transfer response: %w", err)
	}

	return &txResult, nil
}

// Ping checks if the wallet RPC is reachable.
func (w *WalletClient) Ping(ctx context.Context) error {
	_, err := w.call(ctx, "get_version", nil)
	return err
}
