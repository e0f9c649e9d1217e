package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/infra/rpc"
	"github.com/opencustody/settler/internal/lock"
)

// unavailable builds a transport-class node error the way the provider
// manager surfaces them.
func unavailable(msg string) error {
	return fmt.Errorf("%w: %s", rpc.ErrUnavailable, msg)
}

// testKey is a throwaway secp256k1 key used only in tests. Its
// address is 0x96216849c49358B10257cb55b28eA603c874b05E.
const testKey = "fad9c8855b740a0b7ed4c221dbad0f33a83a49cad6b3fe8d5817ac83d38b6a19"

const (
	testToken  = "0x55d398326f99059fF775485246999027B3197955"
	testWallet = "0x9aBcDEF012345678901234567890123456789012"
	testUser   = "0x1234567890AbcdEF1234567890aBcdef12345678"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeNode is a scriptable nodeClient.
type fakeNode struct {
	mu sync.Mutex

	head      uint64
	headErr   error
	txs       map[string]*rpc.Transaction
	receipts  map[string]*rpc.Receipt
	logs      []rpc.Log
	logsErr   error
	logCalls  int
	nonce     uint64
	nonceErr  error
	gasPrice  *big.Int
	gasErr    error
	estimate  uint64
	estErr    error
	balances  map[string]*big.Int
	callOut   string
	callErr   error
	connected bool

	// sendErrs is consumed one element per SendRawTransaction call;
	// a nil entry means success.
	sendErrs  []error
	sendCount int
	sentRaw   []string

	reconnectErr   error
	reconnectCount int

	// healOnReconnect clears the scripted head failure when the
	// primary is reconnected, modelling a successful failover.
	healOnReconnect bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		head:     100,
		txs:      make(map[string]*rpc.Transaction),
		receipts: make(map[string]*rpc.Receipt),
		gasPrice: big.NewInt(5_000_000_000),
		estimate: 60_000,
		balances: make(map[string]*big.Int),
	}
}

func (f *fakeNode) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.head, nil
}

func (f *fakeNode) Logs(context.Context, rpc.FilterQuery) ([]rpc.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	out := f.logs
	f.logs = nil
	return out, nil
}

func (f *fakeNode) TransactionByHash(_ context.Context, txHash string) (*rpc.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txs[txHash], nil
}

func (f *fakeNode) TransactionReceipt(_ context.Context, txHash string) (*rpc.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

func (f *fakeNode) TransactionCount(context.Context, string, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.nonce, nil
}

func (f *fakeNode) EstimateGas(context.Context, rpc.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estErr != nil {
		return 0, f.estErr
	}
	return f.estimate, nil
}

func (f *fakeNode) GasPrice(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasErr != nil {
		return nil, f.gasErr
	}
	return f.gasPrice, nil
}

func (f *fakeNode) SendRawTransaction(_ context.Context, rawTx string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.sendCount
	f.sendCount++
	f.sentRaw = append(f.sentRaw, rawTx)
	if idx < len(f.sendErrs) && f.sendErrs[idx] != nil {
		return "", f.sendErrs[idx]
	}
	hash := txHashForAttempt(idx)
	// A submitted transaction eventually lands; tests override the
	// receipt map to script reverts or timeouts.
	if _, exists := f.receipts[hash]; !exists {
		f.receipts[hash] = &rpc.Receipt{
			TxHash:      hash,
			Status:      "0x1",
			BlockNumber: "0x70",
			GasUsed:     "0xc350",
		}
	}
	f.nonce++
	return hash, nil
}

func txHashForAttempt(i int) string {
	return "0xaaaa000000000000000000000000000000000000000000000000000000000" + string(rune('0'+i))
}

func (f *fakeNode) Balance(_ context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[address]; ok {
		return bal, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeNode) CallContract(context.Context, rpc.CallMsg) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return "", f.callErr
	}
	return f.callOut, nil
}

func (f *fakeNode) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeNode) ReconnectPrimary(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectCount++
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	if f.healOnReconnect {
		f.headErr = nil
	}
	return nil
}

func (f *fakeNode) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeNode) HealthCheck(context.Context) domain.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.HealthReport{
		RPC: domain.ConnHealth{Connected: f.connected, BlockHeight: f.head},
	}
}

// fakeSettings is an in-memory settings store.
type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string)}
}

func (f *fakeSettings) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", false, f.getErr
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeSettings) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

// testLocks builds a DistributedLock that always uses the process-local
// fallback.
func testLocks() *lock.DistributedLock {
	return lock.New(nil, nil, testLogger())
}
