// Package rpc owns connectivity to the remote blockchain node: HTTP
// JSON-RPC providers with retry and failover rotation, an optional
// websocket head subscription, and per-manager rate limiting.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/settlement/metrics"
)

// ErrNotConnected is returned for calls made before Connect or after
// Disconnect.
var ErrNotConnected = errors.New("rpc: not connected")

// ErrUnavailable wraps transport-level call failures so callers can
// tell a node problem apart from a request that is itself broken.
// Fatal-class protocol errors are never wrapped.
var ErrUnavailable = errors.New("rpc: node unavailable")

// Manager owns the node connections. It holds one active HTTP provider
// at a time and rotates through the configured endpoints on reconnect.
type Manager struct {
	endpoints   []domain.Endpoint
	callTimeout time.Duration
	retry       RetryConfig
	limiter     *RateLimiter
	log         *slog.Logger

	mu      sync.RWMutex
	active  int
	primary *HTTPProvider
	stream  *StreamConn
}

// NewManager creates a manager for the configured endpoints. At least
// one endpoint is required.
func NewManager(endpoints []domain.Endpoint, limiter *RateLimiter, log *slog.Logger) (*Manager, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("rpc: no endpoints configured")
	}
	return &Manager{
		endpoints:   endpoints,
		callTimeout: 30 * time.Second,
		retry:       DefaultRetryConfig,
		limiter:     limiter,
		log:         log,
	}, nil
}

// Connect dials the first endpoint and verifies liveness by fetching
// the current block height. A primary that cannot connect is fatal at
// startup. The optional streaming endpoint is best-effort: failure to
// dial it logs and degrades to polling only.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := m.endpoints[m.active]
	p := NewHTTPProvider(ep.Name, ep.HTTPURL, m.callTimeout)
	height, err := m.probe(ctx, p)
	if err != nil {
		return fmt.Errorf("connect primary %s: %w", ep.Name, err)
	}
	m.primary = p
	m.log.Info("connected to node", "endpoint", ep.Name, "block", height)

	if ep.WSURL != "" {
		stream, err := DialStream(ctx, ep.WSURL, m.log)
		if err != nil {
			m.log.Warn("streaming endpoint unavailable, polling only", "endpoint", ep.Name, "error", err)
		} else {
			m.stream = stream
			m.log.Info("streaming head subscription active", "endpoint", ep.Name)
		}
	}
	return nil
}

// ReconnectPrimary re-establishes the request/response connection from
// scratch, advancing to the next configured endpoint. Each call is
// independent and idempotent; the facade's failover wrapper may invoke
// it repeatedly.
func (m *Manager) ReconnectPrimary(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for i := 1; i <= len(m.endpoints); i++ {
		next := (m.active + i) % len(m.endpoints)
		ep := m.endpoints[next]
		p := NewHTTPProvider(ep.Name, ep.HTTPURL, m.callTimeout)
		height, err := m.probe(ctx, p)
		if err != nil {
			lastErr = err
			m.log.Warn("reconnect attempt failed", "endpoint", ep.Name, "error", err)
			continue
		}
		m.active = next
		m.primary = p
		metrics.ProviderRotations.Inc()
		m.log.Info("reconnected to node", "endpoint", ep.Name, "block", height)
		return nil
	}
	return fmt.Errorf("reconnect: all %d endpoints failed: %w", len(m.endpoints), lastErr)
}

// Disconnect drops both connections. Safe to call more than once.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary = nil
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
}

func (m *Manager) probe(ctx context.Context, p *HTTPProvider) (uint64, error) {
	raw, err := p.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	var hexHeight string
	if err := json.Unmarshal(raw, &hexHeight); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return HexUint64(hexHeight)
}

// HealthCheck reports liveness and height for both connections. It
// never returns an error: an unreachable node shows up as a
// disconnected entry instead.
func (m *Manager) HealthCheck(ctx context.Context) domain.HealthReport {
	m.mu.RLock()
	primary := m.primary
	stream := m.stream
	var name string
	if primary != nil {
		name = primary.Name()
	}
	m.mu.RUnlock()

	report := domain.HealthReport{RPC: domain.ConnHealth{Endpoint: name}}

	if primary == nil {
		report.RPC.Error = ErrNotConnected.Error()
	} else if height, err := m.probe(ctx, primary); err != nil {
		report.RPC.Error = err.Error()
	} else {
		report.RPC.Connected = true
		report.RPC.BlockHeight = height
	}

	if stream != nil {
		head, live := stream.Head()
		report.Stream = &domain.ConnHealth{
			Connected:   live,
			BlockHeight: head,
			Endpoint:    stream.endpoint,
		}
	}
	return report
}

// Call runs one JSON-RPC method against the active provider, behind
// the rate limiter, with in-call retry for transient errors.
func (m *Manager) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	m.mu.RLock()
	p := m.primary
	m.mu.RUnlock()
	if p == nil {
		return nil, ErrNotConnected
	}

	if err := m.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer m.limiter.Release()

	start := time.Now()
	result, err := callWithRetry(ctx, p, method, params, m.retry)
	metrics.RPCLatency.WithLabelValues(p.Name(), method).Observe(time.Since(start).Seconds())
	metrics.RPCCallsTotal.WithLabelValues(p.Name(), method).Inc()
	if err != nil {
		metrics.RPCErrorsTotal.WithLabelValues(p.Name(), method).Inc()
		if ClassifyError(err) != ActionFatal {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return result, err
}

func (m *Manager) callInto(ctx context.Context, out any, method string, params ...any) (bool, error) {
	raw, err := m.Call(ctx, method, params)
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

// BlockNumber returns the current chain head height.
func (m *Manager) BlockNumber(ctx context.Context) (uint64, error) {
	var hexHeight string
	if _, err := m.callInto(ctx, &hexHeight, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return HexUint64(hexHeight)
}

// TransactionByHash fetches a transaction, or nil when unknown.
func (m *Manager) TransactionByHash(ctx context.Context, txHash string) (*Transaction, error) {
	var tx Transaction
	found, err := m.callInto(ctx, &tx, "eth_getTransactionByHash", txHash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &tx, nil
}

// TransactionReceipt fetches a receipt, or nil while unmined.
func (m *Manager) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var r Receipt
	found, err := m.callInto(ctx, &r, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &r, nil
}

// Balance returns the native-coin balance of an address.
func (m *Manager) Balance(ctx context.Context, address string) (*big.Int, error) {
	var hexBal string
	if _, err := m.callInto(ctx, &hexBal, "eth_getBalance", address, "latest"); err != nil {
		return nil, err
	}
	return HexBig(hexBal)
}

// GasPrice returns the node's suggested gas price.
func (m *Manager) GasPrice(ctx context.Context) (*big.Int, error) {
	var hexPrice string
	if _, err := m.callInto(ctx, &hexPrice, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return HexBig(hexPrice)
}

// EstimateGas estimates gas for a call.
func (m *Manager) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var hexGas string
	if _, err := m.callInto(ctx, &hexGas, "eth_estimateGas", msg); err != nil {
		return 0, err
	}
	return HexUint64(hexGas)
}

// CallContract executes a read-only contract call at the latest block.
func (m *Manager) CallContract(ctx context.Context, msg CallMsg) (string, error) {
	var result string
	if _, err := m.callInto(ctx, &result, "eth_call", msg, "latest"); err != nil {
		return "", err
	}
	return result, nil
}

// SendRawTransaction submits a signed transaction and returns its hash.
func (m *Manager) SendRawTransaction(ctx context.Context, rawTx string) (string, error) {
	var hash string
	if _, err := m.callInto(ctx, &hash, "eth_sendRawTransaction", rawTx); err != nil {
		return "", err
	}
	return hash, nil
}

// TransactionCount returns the account nonce at the given block tag
// ("latest" or "pending").
func (m *Manager) TransactionCount(ctx context.Context, address, blockTag string) (uint64, error) {
	var hexCount string
	if _, err := m.callInto(ctx, &hexCount, "eth_getTransactionCount", address, blockTag); err != nil {
		return 0, err
	}
	return HexUint64(hexCount)
}

// Logs runs eth_getLogs with the given filter.
func (m *Manager) Logs(ctx context.Context, q FilterQuery) ([]Log, error) {
	var logs []Log
	if _, err := m.callInto(ctx, &logs, "eth_getLogs", q); err != nil {
		return nil, err
	}
	return logs, nil
}
