// Package settlement implements the blockchain settlement subsystem:
// deposit monitoring and validation, outbound payments with
// sequence-number coordination, the persistence circuit breaker, and
// the facade that composes them for the rest of the application.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/infra/rpc"
	"github.com/opencustody/settler/internal/lock"
)

// ErrMaintenanceMode short-circuits all node operations after repeated
// total failures until the flag is cleared.
var ErrMaintenanceMode = errors.New("settlement: maintenance mode active")

// nodeClient is everything the facade needs from the provider manager.
type nodeClient interface {
	chainLogReader
	depositReader
	senderClient
	Connect(ctx context.Context) error
	ReconnectPrimary(ctx context.Context) error
	Disconnect()
	HealthCheck(ctx context.Context) domain.HealthReport
}

// FacadeConfig wires the facade's chain parameters.
type FacadeConfig struct {
	TokenContract  string
	DepositWallet  string
	ChainID        uint64
	PollInterval   time.Duration
	PrivateKeyHex  string
	Sender         SenderConfig
	DefaultRetries int
}

// Facade is the single client the rest of the application depends on.
// Construct one per process, Connect it at startup, and pass it by
// reference to whatever needs it.
type Facade struct {
	node     nodeClient
	monitor  *EventMonitor
	deposits *DepositProcessor
	sender   *PaymentSender
	nonces   *NonceCoordinator
	settings Settings
	breaker  *CircuitBreaker
	wallet   string
	retries  int
	log      *slog.Logger

	mu          sync.RWMutex
	maintenance bool
}

// NewFacade composes the settlement subsystem.
func NewFacade(
	node nodeClient,
	locks *lock.DistributedLock,
	settings Settings,
	breaker *CircuitBreaker,
	cfg FacadeConfig,
	log *slog.Logger,
) (*Facade, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if breaker != nil {
		settings = NewGuardedSettings(settings, breaker)
	}
	monitor := NewEventMonitor(node, cfg.TokenContract, cfg.PollInterval, log)
	deposits := NewDepositProcessor(node, settings, cfg.TokenContract, log)

	retries := cfg.DefaultRetries
	if retries < 1 {
		retries = 3
	}

	f := &Facade{
		node:     node,
		monitor:  monitor,
		deposits: deposits,
		settings: settings,
		breaker:  breaker,
		wallet:   cfg.DepositWallet,
		retries:  retries,
		log:      log,
	}

	account, err := AccountFromKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	nonces := NewNonceCoordinator(locks, account, log)
	sender, err := NewPaymentSender(node, nonces, cfg.PrivateKeyHex, cfg.TokenContract, cfg.ChainID, cfg.Sender, log)
	if err != nil {
		return nil, err
	}
	f.sender = sender
	f.nonces = nonces
	return f, nil
}

// Connect establishes the node connections and restores the persisted
// maintenance flag, so a restart does not silently clear a kill switch
// another process or a previous run set. Node failure here is fatal at
// startup.
func (f *Facade) Connect(ctx context.Context) error {
	if err := f.node.Connect(ctx); err != nil {
		return err
	}
	if raw, found, err := f.settings.Get(ctx, SettingMaintenanceMode); err == nil && found && raw == "true" {
		f.mu.Lock()
		f.maintenance = true
		f.mu.Unlock()
		f.log.Warn("maintenance mode restored from persisted flag")
	}
	return nil
}

// Disconnect stops monitoring and drops the node connections.
func (f *Facade) Disconnect() {
	f.monitor.Stop()
	f.node.Disconnect()
}

// StartDepositMonitoring begins watching the custodial wallet for
// incoming token transfers. fromBlock 0 starts at the current head.
func (f *Facade) StartDepositMonitoring(ctx context.Context, cb TransferCallback, fromBlock uint64) error {
	if f.refreshMaintenance(ctx) {
		return ErrMaintenanceMode
	}
	return f.monitor.Start(ctx, f.wallet, fromBlock, cb)
}

// StopDepositMonitoring stops the monitor loop.
func (f *Facade) StopDepositMonitoring() {
	f.monitor.Stop()
}

// CheckDepositTransaction validates a deposit transaction, retrying
// once through a primary reconnect on connectivity failure.
func (f *Facade) CheckDepositTransaction(
	ctx context.Context,
	txHash, expectedRecipient, expectedAmount string,
	tolerancePercent float64,
) (*domain.DepositCheckResult, error) {
	var result *domain.DepositCheckResult
	err := f.executeWithFailover(ctx, "check_deposit", func(ctx context.Context) error {
		var err error
		result, err = f.deposits.CheckTransaction(ctx, txHash, expectedRecipient, expectedAmount, tolerancePercent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendPayment sends an outbound token payment to a user wallet. Node
// failures that exhaust the sender's retries before any transaction is
// broadcast ride the failover wrapper: reconnect once, re-run, and
// escalate to maintenance on total failure. Once a submission is in
// flight the sender resolves everything into the result instead, since
// re-running could replace a transaction that is still pending.
func (f *Facade) SendPayment(ctx context.Context, toAddress, amountDecimal string) (domain.PaymentResult, error) {
	var result domain.PaymentResult
	err := f.executeWithFailover(ctx, "send_payment", func(ctx context.Context) error {
		var cause error
		result, cause = f.sender.send(ctx, toAddress, amountDecimal, f.retries)
		return cause
	})
	if err != nil {
		if result.Error == "" {
			result.Error = err.Error()
		}
		return result, err
	}
	return result, nil
}

// GetUSDTBalance reads the token balance of an address; nil means
// unknown, distinct from zero.
func (f *Facade) GetUSDTBalance(ctx context.Context, address string) *big.Int {
	if f.refreshMaintenance(ctx) {
		return nil
	}
	return f.sender.TokenBalance(ctx, address)
}

// GetBNBBalance reads the native-coin balance of an address; nil means
// unknown.
func (f *Facade) GetBNBBalance(ctx context.Context, address string) *big.Int {
	if f.refreshMaintenance(ctx) {
		return nil
	}
	return f.sender.NativeBalance(ctx, address)
}

// HealthCheck reports node liveness without throwing.
func (f *Facade) HealthCheck(ctx context.Context) domain.HealthReport {
	return f.node.HealthCheck(ctx)
}

// Breaker exposes the persistence circuit breaker so callers can gate
// their own repository operations.
func (f *Facade) Breaker() *CircuitBreaker {
	return f.breaker
}

// InMaintenance reports whether the kill switch is set.
func (f *Facade) InMaintenance() bool {
	return f.inMaintenance()
}

// ClearMaintenance resets the kill switch after manual intervention.
func (f *Facade) ClearMaintenance(ctx context.Context) {
	f.mu.Lock()
	f.maintenance = false
	f.mu.Unlock()
	if err := f.settings.Set(ctx, SettingMaintenanceMode, "false"); err != nil {
		f.log.Error("failed to persist maintenance flag", "error", err)
	}
	f.log.Info("maintenance mode cleared")
}

func (f *Facade) inMaintenance() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maintenance
}

// refreshMaintenance reports the kill-switch state. While set, the
// persisted flag is re-read first, so an operator clearing it through
// the admin tool takes effect in a running process without a restart.
func (f *Facade) refreshMaintenance(ctx context.Context) bool {
	if !f.inMaintenance() {
		return false
	}
	raw, found, err := f.settings.Get(ctx, SettingMaintenanceMode)
	if err != nil || !found || raw != "false" {
		return true
	}
	f.mu.Lock()
	f.maintenance = false
	f.mu.Unlock()
	f.log.Info("maintenance mode cleared via persisted flag")
	return false
}

func (f *Facade) enterMaintenance(ctx context.Context, cause error) {
	f.mu.Lock()
	already := f.maintenance
	f.maintenance = true
	f.mu.Unlock()
	if already {
		return
	}
	f.log.Error("entering maintenance mode after total provider failure", "cause", cause)
	if err := f.settings.Set(ctx, SettingMaintenanceMode, "true"); err != nil {
		f.log.Error("failed to persist maintenance flag", "error", err)
	}
}

// executeWithFailover runs op; on a node-transport failure it
// reconnects the primary once and retries. A second transport failure
// flips the process-wide maintenance flag so a dead provider is not
// hammered. Validation, configuration, and persistence errors are not
// the node's fault and return to the caller unretried.
func (f *Facade) executeWithFailover(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if f.refreshMaintenance(ctx) {
		return ErrMaintenanceMode
	}

	err := op(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, rpc.ErrUnavailable) {
		return err
	}

	f.log.Warn("node unavailable, reconnecting primary", "op", name, "error", err)
	if recErr := f.node.ReconnectPrimary(ctx); recErr != nil {
		f.enterMaintenance(ctx, fmt.Errorf("%s: %w (reconnect: %v)", name, err, recErr))
		return ErrMaintenanceMode
	}

	if err = op(ctx); err != nil {
		if !errors.Is(err, rpc.ErrUnavailable) {
			return err
		}
		f.enterMaintenance(ctx, fmt.Errorf("%s failed after reconnect: %w", name, err))
		return ErrMaintenanceMode
	}
	return nil
}
