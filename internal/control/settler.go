// Package control composes the settlement application: storage, cache,
// node connectivity, the settlement facade, and the health server, with
// a start/stop lifecycle for the process entrypoint.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/opencustody/settler/internal/core/config"
	"github.com/opencustody/settler/internal/core/domain"
	"github.com/opencustody/settler/internal/health"
	"github.com/opencustody/settler/internal/lock"
	"github.com/opencustody/settler/internal/settlement"

	redisclient "github.com/opencustody/settler/internal/infra/redis"
	"github.com/opencustody/settler/internal/infra/rpc"
	"github.com/opencustody/settler/internal/infra/storage/postgres"
)

const settingsCacheTTL = 30 * time.Second

// Settler is the main application struct that manages the settlement
// lifecycle.
type Settler struct {
	cfg          *config.AppConfig
	facade       *settlement.Facade
	node         *rpc.Manager
	healthServer *health.Server
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger
}

// NewSettler creates a Settler with all dependencies initialized.
// Redis and postgres are both optional: without them the distributed
// lock degrades to its weaker fallbacks and settings live in memory.
func NewSettler(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Settler, error) {
	var (
		db          *postgres.DB
		redisClient *redisclient.Client
		cacheLocks  lock.CacheBackend
		advisory    lock.AdvisoryBackend
		store       settlement.Settings
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		store = postgres.NewSettingsRepo(db)
		advisory = postgres.NewAdvisoryLocker(db, log)
		log.Info("using postgres settings storage")
	} else {
		store = newMemorySettings()
		log.Warn("no database configured, settings are in-memory only")
	}

	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		cacheLocks = redisClient
	}

	settings := store
	if redisClient != nil {
		settings = settlement.NewCachedSettings(store, redisClient, settingsCacheTTL)
	}

	locks := lock.New(cacheLocks, advisory, log)

	limiter := rpc.NewRateLimiter(cfg.RateLimit.CallsPerSecond, cfg.RateLimit.MaxConcurrent)
	node, err := rpc.NewManager(cfg.Chain.DomainEndpoints(), limiter, log)
	if err != nil {
		return nil, err
	}

	maxGasPrice := new(big.Int).Mul(big.NewInt(cfg.Payment.MaxGasPriceGwei), big.NewInt(1_000_000_000))
	facade, err := settlement.NewFacade(node, locks, settings, settlement.NewCircuitBreaker(settlement.DefaultBreakerConfig), settlement.FacadeConfig{
		TokenContract: cfg.Chain.TokenContract,
		DepositWallet: cfg.Chain.DepositWallet,
		ChainID:       cfg.Chain.ChainID,
		PollInterval:  cfg.Chain.PollInterval,
		PrivateKeyHex: cfg.Payment.PrivateKey,
		Sender: settlement.SenderConfig{
			BackoffBase:         cfg.Payment.BackoffBase,
			DefaultGasLimit:     cfg.Payment.GasLimit,
			MaxGasPrice:         maxGasPrice,
			ReceiptTimeout:      cfg.Payment.ReceiptTimeout,
			ReceiptPollInterval: cfg.Payment.ReceiptPollInterval,
		},
		DefaultRetries: cfg.Payment.MaxRetries,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to init settlement facade: %w", err)
	}

	return &Settler{
		cfg:          cfg,
		facade:       facade,
		node:         node,
		healthServer: health.NewServer(facade, cfg.Server.Port),
		db:           db,
		redisClient:  redisClient,
		log:          log,
	}, nil
}

// Facade exposes the settlement surface to callers embedding the app.
func (s *Settler) Facade() *settlement.Facade {
	return s.facade
}

// Start connects to the node, begins deposit monitoring, and serves
// the health endpoints. It returns once everything is running.
func (s *Settler) Start(ctx context.Context) error {
	if err := s.facade.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}

	if err := s.facade.StartDepositMonitoring(ctx, s.onDeposit, 0); err != nil {
		return fmt.Errorf("failed to start deposit monitoring: %w", err)
	}

	go func() {
		s.log.Info("health server listening", "port", s.cfg.Server.Port)
		if err := s.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts everything down in reverse order of Start.
func (s *Settler) Stop(ctx context.Context) error {
	if err := s.healthServer.Stop(ctx); err != nil {
		s.log.Error("health server shutdown failed", "error", err)
	}

	s.facade.Disconnect()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Error("redis close failed", "error", err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.log.Info("settlement stopped")
	return nil
}

// onDeposit records each observed deposit transfer. Downstream credit
// flows consume these from their own monitoring callback; the default
// app just logs them.
func (s *Settler) onDeposit(_ context.Context, ev domain.TransferEvent) {
	s.log.Info("deposit observed",
		"tx", ev.TxHash,
		"from", ev.From,
		"amount", ev.AmountRaw.String(),
		"block", ev.BlockNumber)
}

// memorySettings is the storage fallback when no database is
// configured. Values do not survive a restart.
type memorySettings struct {
	mu     sync.RWMutex
	values map[string]string
}

func newMemorySettings() *memorySettings {
	return &memorySettings{values: make(map[string]string)}
}

func (m *memorySettings) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memorySettings) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
