package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/opencustody/settler/internal/core/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// rpcServer answers JSON-RPC requests from a method->result table.
// Unknown methods get a method-not-found error.
func rpcServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		result, ok := results[req.Method]
		if !ok {
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
	}))
}

func newTestManager(t *testing.T, endpoints []domain.Endpoint) *Manager {
	t.Helper()
	m, err := NewManager(endpoints, NewRateLimiter(1000, 10), discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerRequiresEndpoints(t *testing.T) {
	if _, err := NewManager(nil, NewRateLimiter(10, 1), discardLogger()); err == nil {
		t.Fatal("empty endpoint list accepted")
	}
}

func TestManagerConnectAndCall(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"eth_blockNumber": `"0x64"`,
		"eth_gasPrice":    `"0x12a05f200"`,
	})
	defer srv.Close()

	m := newTestManager(t, []domain.Endpoint{{Name: "primary", HTTPURL: srv.URL}})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	height, err := m.BlockNumber(context.Background())
	if err != nil || height != 100 {
		t.Errorf("BlockNumber = %d, %v, want 100", height, err)
	}
	price, err := m.GasPrice(context.Background())
	if err != nil || price.String() != "5000000000" {
		t.Errorf("GasPrice = %v, %v", price, err)
	}
}

func TestManagerCallBeforeConnect(t *testing.T) {
	m := newTestManager(t, []domain.Endpoint{{Name: "primary", HTTPURL: "http://127.0.0.1:1"}})
	if _, err := m.BlockNumber(context.Background()); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestManagerConnectFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := newTestManager(t, []domain.Endpoint{{Name: "blocked", HTTPURL: srv.URL}})
	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded against a 403 endpoint")
	}
}

func TestManagerReconnectRotates(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryCalls.Add(1)
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x64"}`)
	}))
	defer primary.Close()
	backup := rpcServer(t, map[string]string{"eth_blockNumber": `"0x65"`})
	defer backup.Close()

	m := newTestManager(t, []domain.Endpoint{
		{Name: "primary", HTTPURL: primary.URL},
		{Name: "backup", HTTPURL: backup.URL},
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	if err := m.ReconnectPrimary(context.Background()); err != nil {
		t.Fatalf("ReconnectPrimary: %v", err)
	}

	before := primaryCalls.Load()
	height, err := m.BlockNumber(context.Background())
	if err != nil || height != 101 {
		t.Fatalf("BlockNumber after rotation = %d, %v, want 101", height, err)
	}
	if primaryCalls.Load() != before {
		t.Error("call after rotation still hit the first endpoint")
	}
}

func TestManagerReconnectWrapsAround(t *testing.T) {
	srv := rpcServer(t, map[string]string{"eth_blockNumber": `"0x64"`})
	defer srv.Close()

	// Single endpoint: reconnect lands back on it.
	m := newTestManager(t, []domain.Endpoint{{Name: "only", HTTPURL: srv.URL}})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	if err := m.ReconnectPrimary(context.Background()); err != nil {
		t.Fatalf("ReconnectPrimary: %v", err)
	}
	if _, err := m.BlockNumber(context.Background()); err != nil {
		t.Errorf("call after wrap-around reconnect: %v", err)
	}
}

func TestManagerReconnectAllDown(t *testing.T) {
	srv := rpcServer(t, map[string]string{"eth_blockNumber": `"0x64"`})
	m := newTestManager(t, []domain.Endpoint{{Name: "only", HTTPURL: srv.URL}})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv.Close()

	if err := m.ReconnectPrimary(context.Background()); err == nil {
		t.Fatal("ReconnectPrimary succeeded with every endpoint down")
	}
}

func TestManagerHealthCheck(t *testing.T) {
	srv := rpcServer(t, map[string]string{"eth_blockNumber": `"0x64"`})
	defer srv.Close()

	m := newTestManager(t, []domain.Endpoint{{Name: "primary", HTTPURL: srv.URL}})

	report := m.HealthCheck(context.Background())
	if report.RPC.Connected {
		t.Error("reported connected before Connect")
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()

	report = m.HealthCheck(context.Background())
	if !report.RPC.Connected || report.RPC.BlockHeight != 100 {
		t.Errorf("report = %+v", report.RPC)
	}
	if report.RPC.Endpoint != "primary" {
		t.Errorf("endpoint = %s", report.RPC.Endpoint)
	}
}

func TestManagerTypedCalls(t *testing.T) {
	receipt := `{"transactionHash":"0xabc","status":"0x1","blockNumber":"0x5a","gasUsed":"0x5208","logs":[]}`
	srv := rpcServer(t, map[string]string{
		"eth_blockNumber":           `"0x64"`,
		"eth_getTransactionReceipt": receipt,
		"eth_getTransactionByHash":  `null`,
		"eth_getTransactionCount":   `"0x7"`,
		"eth_getBalance":            `"0xde0b6b3a7640000"`,
		"eth_call":                  `"0x0000000000000000000000000000000000000000000000056bc75e2d63100000"`,
		"eth_sendRawTransaction":    `"0xdeadbeef"`,
		"eth_estimateGas":           `"0xcf08"`,
		"eth_getLogs":               `[{"address":"0xToken","topics":[],"data":"0x","blockNumber":"0x5a"}]`,
	})
	defer srv.Close()

	m := newTestManager(t, []domain.Endpoint{{Name: "primary", HTTPURL: srv.URL}})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer m.Disconnect()
	ctx := context.Background()

	r, err := m.TransactionReceipt(ctx, "0xabc")
	if err != nil || r == nil || !r.Succeeded() || r.TxHash != "0xabc" {
		t.Errorf("receipt = %+v, %v", r, err)
	}

	tx, err := m.TransactionByHash(ctx, "0xmissing")
	if err != nil || tx != nil {
		t.Errorf("unknown tx = %+v, %v, want nil, nil", tx, err)
	}

	nonce, err := m.TransactionCount(ctx, "0xabc", "latest")
	if err != nil || nonce != 7 {
		t.Errorf("nonce = %d, %v", nonce, err)
	}

	bal, err := m.Balance(ctx, "0xabc")
	if err != nil || bal.String() != "1000000000000000000" {
		t.Errorf("balance = %v, %v", bal, err)
	}

	gas, err := m.EstimateGas(ctx, CallMsg{To: "0xabc"})
	if err != nil || gas != 53000 {
		t.Errorf("gas = %d, %v", gas, err)
	}

	hash, err := m.SendRawTransaction(ctx, "0xf86c...")
	if err != nil || hash != "0xdeadbeef" {
		t.Errorf("hash = %s, %v", hash, err)
	}

	logs, err := m.Logs(ctx, FilterQuery{FromBlock: "0x1", ToBlock: "0x64"})
	if err != nil || len(logs) != 1 || logs[0].BlockNumber != "0x5a" {
		t.Errorf("logs = %+v, %v", logs, err)
	}
}

func TestCallMarksTransportErrorsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		switch req.Method {
		case "eth_blockNumber":
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":"0x64"}`)
		case "eth_gasPrice":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`)
		}
	}))
	defer srv.Close()

	m := newTestManager(t, []domain.Endpoint{{Name: "primary", HTTPURL: srv.URL}})
	m.retry = RetryConfig{MaxAttempts: 1, InitialDelay: 1, MaxDelay: 1, BackoffMultiple: 1}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A 5xx is the node's problem and carries the failover marker.
	_, err := m.Call(context.Background(), "eth_gasPrice", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("transport error = %v, want ErrUnavailable in the chain", err)
	}

	// A protocol-level rejection means the request itself is broken;
	// rotating endpoints cannot fix it.
	_, err = m.Call(context.Background(), "eth_bogusMethod", nil)
	if err == nil {
		t.Fatal("protocol error not surfaced")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("protocol error = %v, must not carry ErrUnavailable", err)
	}
}
