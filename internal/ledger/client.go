// Package ledger is the external-facing boundary for ledger transactions
// and event subscription: the on-chain contract is treated as opaque,
// reachable only through the JSON-RPC calls and events named here. The
// transport is a generic JSON-RPC-over-HTTP client rather than a
// chain-specific SDK, so the core never depends on one chain's wire
// format.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rawlclub/matchengine/internal/resilience"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// Client is a generic JSON-RPC client for the ledger's external contract
// boundary, with retry/backoff folded into every call.
type Client struct {
	rpcURL      string
	httpClient  *http.Client
	retryConfig resilience.RetryConfig
}

// Config holds ledger client configuration.
type Config struct {
	RPCURL      string
	CallTimeout time.Duration
	MaxRetries  int
}

// New creates a new ledger RPC client. Retries follow the [1, 2, 4]s
// backoff sequence spec.md §6.1 requires: InitialDelay 1s, Multiplier 2,
// no jitter, with up to MaxRetries retries after the first attempt.
func New(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("ledger RPC URL required")
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		retryConfig: resilience.RetryConfig{
			MaxAttempts:  maxRetries + 1,
			InitialDelay: time.Second,
			MaxDelay:     4 * time.Second,
			Multiplier:   2,
		},
	}, nil
}

// call makes a single JSON-RPC round trip with no retry.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// callWithRetry retries transient failures on the [1, 2, 4]s schedule.
func (c *Client) callWithRetry(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := resilience.Retry(ctx, c.retryConfig, func() error {
		r, err := c.call(ctx, method, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
