package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"bridge-backend/internal/config"
	"bridge-backend/internal/types"
)

// MoneroClient talks JSON-RPC 2.0 to monero-wallet-rpc and, for node
// status, to the monero daemon. Amounts are atomic units throughout.
type MoneroClient struct {
	walletURL string
	daemonURL string
	username  string
	password  string
	http      *http.Client
}

// NewMoneroClient builds a client from configuration.
func NewMoneroClient(cfg config.MoneroConfig) *MoneroClient {
	return &MoneroClient{
		walletURL: cfg.WalletRPCURL,
		daemonURL: cfg.DaemonRPCURL,
		username:  cfg.Username,
		password:  cfg.Password,
		http: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *MoneroClient) call(ctx context.Context, baseURL, method string, params, result interface{}) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return &types.ChainQueryError{Chain: "monero", Op: method, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/json_rpc", bytes.NewReader(payload))
	if err != nil {
		return &types.ChainQueryError{Chain: "monero", Op: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &types.ChainQueryError{Chain: "monero", Op: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &types.ChainQueryError{Chain: "monero", Op: method, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &types.ChainQueryError{
			Chain: "monero",
			Op:    method,
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, string(body)),
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return &types.ChainQueryError{Chain: "monero", Op: method, Err: err}
	}
	if rpcResp.Error != nil {
		return &types.ChainQueryError{
			Chain: "monero",
			Op:    method,
			Err:   fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message),
		}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return &types.ChainQueryError{Chain: "monero", Op: method, Err: err}
		}
	}
	return nil
}

// GetHeight returns the wallet's synced height.
func (c *MoneroClient) GetHeight(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, c.walletURL, "get_height", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

// IncomingTransfer is one confirmed or pending incoming transfer as
// reported by the wallet.
type IncomingTransfer struct {
	TxID          string `json:"txid"`
	Amount        uint64 `json:"amount"`
	Height        uint64 `json:"height"`
	Address       string `json:"address"`
	Confirmations uint64 `json:"confirmations"`
	SubaddrIndex  struct {
		Major uint32 `json:"major"`
		Minor uint32 `json:"minor"`
	} `json:"subaddr_index"`
	DoubleSpendSeen bool `json:"double_spend_seen"`
}

// GetIncomingTransfers lists incoming transfers to the account within
// the height range, inclusive on both ends.
func (c *MoneroClient) GetIncomingTransfers(ctx context.Context, accountIndex uint32, minHeight, maxHeight uint64) ([]IncomingTransfer, error) {
	params := map[string]interface{}{
		"in":               true,
		"filter_by_height": true,
		"min_height":       minHeight,
		"max_height":       maxHeight,
		"account_index":    accountIndex,
	}
	// get_transfers treats min_height as exclusive; shift down so the
	// caller's range is inclusive.
	if minHeight > 0 {
		params["min_height"] = minHeight - 1
	}
	var result struct {
		In []IncomingTransfer `json:"in"`
	}
	if err := c.call(ctx, c.walletURL, "get_transfers", params, &result); err != nil {
		return nil, err
	}

	transfers := make([]IncomingTransfer, 0, len(result.In))
	for _, transfer := range result.In {
		if transfer.DoubleSpendSeen {
			continue
		}
		if transfer.Height < minHeight || transfer.Height > maxHeight {
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

// CreateSubaddress asks the wallet for the next unused subaddress in
// the account.
func (c *MoneroClient) CreateSubaddress(ctx context.Context, accountIndex uint32, label string) (string, uint32, error) {
	params := map[string]interface{}{
		"account_index": accountIndex,
		"label":         label,
	}
	var result struct {
		Address      string `json:"address"`
		AddressIndex uint32 `json:"address_index"`
	}
	if err := c.call(ctx, c.walletURL, "create_address", params, &result); err != nil {
		return "", 0, err
	}
	return result.Address, result.AddressIndex, nil
}

// GetSubaddress returns the subaddress at an already-materialized
// index.
func (c *MoneroClient) GetSubaddress(ctx context.Context, accountIndex, addressIndex uint32) (string, error) {
	params := map[string]interface{}{
		"account_index": accountIndex,
		"address_index": []uint32{addressIndex},
	}
	var result struct {
		Addresses []struct {
			Address      string `json:"address"`
			AddressIndex uint32 `json:"address_index"`
		} `json:"addresses"`
	}
	if err := c.call(ctx, c.walletURL, "get_address", params, &result); err != nil {
		return "", err
	}
	for _, addr := range result.Addresses {
		if addr.AddressIndex == addressIndex {
			return addr.Address, nil
		}
	}
	return "", &types.ChainQueryError{
		Chain: "monero",
		Op:    "get_address",
		Err:   fmt.Errorf("subaddress index %d not materialized", addressIndex),
	}
}

// Transfer sends atomic units to a destination address and returns the
// transaction hash.
func (c *MoneroClient) Transfer(ctx context.Context, accountIndex uint32, destination string, amount uint64) (string, error) {
	params := map[string]interface{}{
		"destinations": []map[string]interface{}{
			{"amount": amount, "address": destination},
		},
		"account_index": accountIndex,
		"get_tx_key":    true,
	}
	var result struct {
		TxHash string `json:"tx_hash"`
		Fee    uint64 `json:"fee"`
	}
	if err := c.call(ctx, c.walletURL, "transfer", params, &result); err != nil {
		return "", err
	}
	return result.TxHash, nil
}

// DaemonInfo is the subset of daemon get_info the bridge reports.
type DaemonInfo struct {
	Height       uint64 `json:"height"`
	TargetHeight uint64 `json:"target_height"`
	Synchronized bool   `json:"synchronized"`
}

// GetDaemonInfo queries the monero daemon for sync status. Returns an
// error when no daemon URL is configured.
func (c *MoneroClient) GetDaemonInfo(ctx context.Context) (*DaemonInfo, error) {
	if c.daemonURL == "" {
		return nil, &types.ChainQueryError{
			Chain: "monero",
			Op:    "get_info",
			Err:   fmt.Errorf("daemon rpc url not configured"),
		}
	}
	var info DaemonInfo
	if err := c.call(ctx, c.daemonURL, "get_info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Synchronized reports the daemon's sync state. Without a configured
// daemon the wallet height is the only chain view and the source counts
// as synchronized; the wallet never reports heights it has not scanned.
func (c *MoneroClient) Synchronized(ctx context.Context) (bool, error) {
	if c.daemonURL == "" {
		return true, nil
	}
	info, err := c.GetDaemonInfo(ctx)
	if err != nil {
		return false, err
	}
	return info.Synchronized, nil
}
