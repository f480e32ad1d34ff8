// Package walletrpc is a typed client for the wallet node's JSON-RPC 2.0 endpoint.
package walletrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/triadpay/escrowd/internal/metrics"
	"github.com/triadpay/escrowd/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrRPCTimeout     = errors.New("walletrpc: request timed out")
	ErrRPCUnavailable = errors.New("walletrpc: wallet node unavailable")
)

// RPCError is a JSON-RPC application-level error returned by the wallet node.
// These are never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("walletrpc: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// CallError wraps transport failures with the method that failed.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("walletrpc: %s failed: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// MultisigSetup drives the key exchange rounds.
type MultisigSetup interface {
	PrepareMultisig(ctx context.Context) (string, error)
	MakeMultisig(ctx context.Context, infos []string, threshold uint32) (string, error)
	ExchangeMultisigKeys(ctx context.Context, infos []string) (ExchangeResult, error)
	FinalizeMultisig(ctx context.Context, infos []string) (string, error)
}

// LedgerReader reads chain state through the wallet node.
type LedgerReader interface {
	GetHeight(ctx context.Context) (uint64, error)
	GetTransfers(ctx context.Context, address string) ([]Transfer, error)
}

// Broadcaster submits signed multisig transaction sets.
type Broadcaster interface {
	DescribeTransfer(ctx context.Context, unsignedTxSet string) (TransferDescription, error)
	SubmitMultisig(ctx context.Context, signedTxSet string) (string, error)
}

// Client combines all wallet node operations.
type Client interface {
	MultisigSetup
	LedgerReader
	Broadcaster
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Transfer is an incoming transaction credited to a watched address.
type Transfer struct {
	TxHash       string `json:"txid"`
	Address      string `json:"address"`
	AmountAtomic int64  `json:"amount"`
	Height       uint64 `json:"height"`
}

// ExchangeResult is the output of one exchange_multisig_keys round. Address is
// set only when the exchange completed the wallet (final round).
type ExchangeResult struct {
	Info    string `json:"multisig_info"`
	Address string `json:"address"`
}

// TransferDescription is the wallet node's canonical view of an unsigned
// transaction set. Digest binds the quorum signatures to one settlement.
type TransferDescription struct {
	Digest       string `json:"digest"`
	Destination  string `json:"destination"`
	AmountAtomic int64  `json:"amount"`
}

// Config configures the wallet RPC client.
type Config struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// HTTPClient is the client over a real wallet node endpoint.
type HTTPClient struct {
	cfg  Config
	http *http.Client
}

// New creates a wallet RPC client.
func New(cfg Config) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// -----------------------------------------------------------------------------
// JSON-RPC transport
// -----------------------------------------------------------------------------

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC call with retry on transient transport failures.
// JSON-RPC application errors are permanent.
func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	timer := time.Now()
	err := retry.Do(ctx, c.cfg.MaxAttempts, c.cfg.BaseDelay, func() error {
		return c.callOnce(ctx, method, params, out)
	})
	metrics.WalletRPCDuration.WithLabelValues(method).Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.WalletRPCRequestsTotal.WithLabelValues(method, "error").Inc()
		return err
	}
	metrics.WalletRPCRequestsTotal.WithLabelValues(method, "ok").Inc()
	return nil
}

func (c *HTTPClient) callOnce(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return retry.Permanent(&CallError{Method: method, Err: err})
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(&CallError{Method: method, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportErr(method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned HTTP %d", ErrRPCUnavailable, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Permanent(&CallError{
			Method: method,
			Err:    fmt.Errorf("unexpected HTTP %d", resp.StatusCode),
		})
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrRPCUnavailable, method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return retry.Permanent(&CallError{Method: method, Err: fmt.Errorf("malformed response: %w", err)})
	}
	if rpcResp.Error != nil {
		rpcResp.Error.Method = method
		return retry.Permanent(rpcResp.Error)
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return retry.Permanent(&CallError{Method: method, Err: fmt.Errorf("malformed result: %w", err)})
		}
	}
	return nil
}

func classifyTransportErr(method string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrRPCTimeout, method, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrRPCTimeout, method, err)
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent(&CallError{Method: method, Err: err})
	}
	return fmt.Errorf("%w: %s: %v", ErrRPCUnavailable, method, err)
}

// -----------------------------------------------------------------------------
// Multisig setup
// -----------------------------------------------------------------------------

// PrepareMultisig returns this wallet's initial multisig info blob.
func (c *HTTPClient) PrepareMultisig(ctx context.Context) (string, error) {
	var result struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "prepare_multisig", nil, &result); err != nil {
		return "", err
	}
	return result.MultisigInfo, nil
}

// MakeMultisig combines the participants' prepare blobs into the next round's blob.
func (c *HTTPClient) MakeMultisig(ctx context.Context, infos []string, threshold uint32) (string, error) {
	params := map[string]any{
		"multisig_info": infos,
		"threshold":     threshold,
	}
	var result struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, "make_multisig", params, &result); err != nil {
		return "", err
	}
	return result.MultisigInfo, nil
}

// ExchangeMultisigKeys runs one key exchange round.
func (c *HTTPClient) ExchangeMultisigKeys(ctx context.Context, infos []string) (ExchangeResult, error) {
	params := map[string]any{"multisig_info": infos}
	var result ExchangeResult
	if err := c.call(ctx, "exchange_multisig_keys", params, &result); err != nil {
		return ExchangeResult{}, err
	}
	return result, nil
}

// FinalizeMultisig completes the setup and returns the shared address.
func (c *HTTPClient) FinalizeMultisig(ctx context.Context, infos []string) (string, error) {
	params := map[string]any{"multisig_info": infos}
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, "finalize_multisig", params, &result); err != nil {
		return "", err
	}
	return result.Address, nil
}

// -----------------------------------------------------------------------------
// Ledger reads
// -----------------------------------------------------------------------------

// GetHeight returns the wallet node's current chain height.
func (c *HTTPClient) GetHeight(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, "get_height", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

// GetTransfers returns incoming transfers (confirmed and pool) for an address.
func (c *HTTPClient) GetTransfers(ctx context.Context, address string) ([]Transfer, error) {
	params := map[string]any{
		"in":      true,
		"pool":    true,
		"address": address,
	}
	var result struct {
		In   []Transfer `json:"in"`
		Pool []Transfer `json:"pool"`
	}
	if err := c.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}
	transfers := make([]Transfer, 0, len(result.In)+len(result.Pool))
	transfers = append(transfers, result.In...)
	transfers = append(transfers, result.Pool...)
	return transfers, nil
}

// -----------------------------------------------------------------------------
// Settlement
// -----------------------------------------------------------------------------

// DescribeTransfer returns the canonical description of an unsigned transaction
// set. Its digest is what quorum participants sign.
func (c *HTTPClient) DescribeTransfer(ctx context.Context, unsignedTxSet string) (TransferDescription, error) {
	params := map[string]any{"unsigned_txset": unsignedTxSet}
	var result TransferDescription
	if err := c.call(ctx, "describe_transfer", params, &result); err != nil {
		return TransferDescription{}, err
	}
	return result, nil
}

// SubmitMultisig broadcasts a signed multisig transaction set and returns the
// transaction hash.
func (c *HTTPClient) SubmitMultisig(ctx context.Context, signedTxSet string) (string, error) {
	params := map[string]any{"tx_data_hex": signedTxSet}
	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, "submit_multisig", params, &result); err != nil {
		return "", err
	}
	if len(result.TxHashList) == 0 {
		return "", &CallError{Method: "submit_multisig", Err: errors.New("empty tx hash list")}
	}
	return result.TxHashList[0], nil
}
