package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HTTPProvider is a JSON-RPC 2.0 client for a single remote-node
// endpoint. It tracks rolling success/failure counts so the manager can
// judge endpoint health without extra probes.
type HTTPProvider struct {
	name       string
	endpoint   string
	httpClient *http.Client

	mu           sync.RWMutex
	successCount int
	failureCount int
	lastSuccess  time.Time
	lastFailure  time.Time
}

// NewHTTPProvider creates a provider for one endpoint.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.name }

// Endpoint returns the endpoint URL.
func (p *HTTPProvider) Endpoint() string { return p.endpoint }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call makes a single JSON-RPC call and returns the raw result word.
// A null result (eth_getTransactionByHash on an unknown hash) comes
// back as a nil RawMessage with a nil error.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		p.recordFailure()
		return nil, fmt.Errorf("rate limited (429), retry after: %s", resp.Header.Get("Retry-After"))
	case http.StatusForbidden:
		p.recordFailure()
		return nil, fmt.Errorf("ip blocked (403)")
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.recordFailure()
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, raw)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if rpcResp.Error != nil {
		p.recordFailure()
		return nil, rpcResp.Error
	}

	p.recordSuccess()
	if bytes.Equal(rpcResp.Result, []byte("null")) {
		return nil, nil
	}
	return rpcResp.Result, nil
}

// CallInto unmarshals the call result into out. A null result leaves
// out untouched and returns false.
func (p *HTTPProvider) CallInto(ctx context.Context, out any, method string, params ...any) (bool, error) {
	raw, err := p.Call(ctx, method, params)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s result: %w", method, err)
	}
	return true, nil
}

// Stats returns the provider's rolling counters.
func (p *HTTPProvider) Stats() (successes, failures int, lastSuccess, lastFailure time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.successCount, p.failureCount, p.lastSuccess, p.lastFailure
}

func (p *HTTPProvider) recordSuccess() {
	p.mu.Lock()
	p.successCount++
	p.lastSuccess = time.Now()
	p.mu.Unlock()
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	p.failureCount++
	p.lastFailure = time.Now()
	p.mu.Unlock()
}
