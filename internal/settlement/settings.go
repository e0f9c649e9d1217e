package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Setting keys the subsystem reads. The settings store itself is an
// external collaborator; this package only consumes the get/set
// surface.
const (
	SettingMinDeposit      = "min_deposit_amount"
	SettingConfirmations   = "required_confirmations"
	SettingMaintenanceMode = "maintenance_mode"
)

// DefaultRequiredConfirmations applies when the setting is absent.
const DefaultRequiredConfirmations = 12

// Settings is the key-value collaborator interface.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// CachedSettings layers a short-TTL shared-cache read-through over a
// settings store. Writes go through to the store and invalidate the
// cache entry.
type CachedSettings struct {
	store Settings
	cache SettingsCache
	ttl   time.Duration
}

// SettingsCache is the cache surface CachedSettings needs.
type SettingsCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// NewCachedSettings wraps store with a read-through cache.
func NewCachedSettings(store Settings, cache SettingsCache, ttl time.Duration) *CachedSettings {
	return &CachedSettings{store: store, cache: cache, ttl: ttl}
}

func cacheKey(key string) string { return "settings:" + key }

// Get reads through the cache. Cache errors are treated as misses so a
// flaky cache never blocks a read.
func (s *CachedSettings) Get(ctx context.Context, key string) (string, bool, error) {
	if val, hit, err := s.cache.Get(ctx, cacheKey(key)); err == nil && hit {
		return val, true, nil
	}

	val, found, err := s.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		_ = s.cache.Set(ctx, cacheKey(key), val, s.ttl)
	}
	return val, found, nil
}

// Set writes through and invalidates the cached entry.
func (s *CachedSettings) Set(ctx context.Context, key, value string) error {
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, cacheKey(key))
	return nil
}

// ErrPersistenceUnavailable is returned when the circuit breaker is
// refusing the requested operation class.
var ErrPersistenceUnavailable = errors.New("settlement: persistence unavailable")

// GuardedSettings gates a settings store behind the persistence
// circuit breaker and feeds every call's outcome back into it. Reads
// are gated as read operations, writes as user writes, so the graded
// recovery phases apply.
type GuardedSettings struct {
	store   Settings
	breaker *CircuitBreaker
}

// NewGuardedSettings wraps store with breaker gating.
func NewGuardedSettings(store Settings, breaker *CircuitBreaker) *GuardedSettings {
	return &GuardedSettings{store: store, breaker: breaker}
}

func (g *GuardedSettings) Get(ctx context.Context, key string) (string, bool, error) {
	if !g.breaker.CanProceed(OpRead) {
		return "", false, ErrPersistenceUnavailable
	}
	val, found, err := g.store.Get(ctx, key)
	if err != nil {
		g.breaker.RecordFailure()
		return "", false, err
	}
	g.breaker.RecordSuccess()
	return val, found, nil
}

func (g *GuardedSettings) Set(ctx context.Context, key, value string) error {
	if !g.breaker.CanProceed(OpUserWrite) {
		return ErrPersistenceUnavailable
	}
	if err := g.store.Set(ctx, key, value); err != nil {
		g.breaker.RecordFailure()
		return err
	}
	g.breaker.RecordSuccess()
	return nil
}

// requiredConfirmations reads the confirmation-block setting with its
// default.
func requiredConfirmations(ctx context.Context, s Settings) (uint64, error) {
	raw, found, err := s.Get(ctx, SettingConfirmations)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", SettingConfirmations, err)
	}
	if !found {
		return DefaultRequiredConfirmations, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", SettingConfirmations, raw, err)
	}
	return n, nil
}
