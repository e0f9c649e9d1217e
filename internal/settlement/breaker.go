package settlement

import (
	"sync"
	"time"

	"github.com/opencustody/settler/internal/settlement/metrics"
)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed: persistence is healthy, everything flows.
	CircuitClosed CircuitState = iota
	// CircuitOpen: persistence is failing, operations are refused.
	CircuitOpen
	// CircuitHalfOpen: trial period, successes close the circuit.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "half-open"
	}
}

// OperationType classifies persistence operations for the graded
// recovery phases.
type OperationType string

const (
	OpRead      OperationType = "read"
	OpUserWrite OperationType = "user_write"
	OpAdmin     OperationType = "admin"
)

// Graded recovery windows measured from recoveryStart. The staggering
// keeps a thundering herd of writes off a database that has only just
// become reachable again.
const (
	phaseReadOnly   = 5 * time.Minute  // reads only
	phaseUserWrites = 10 * time.Minute // + user-initiated writes
	phaseFull       = 15 * time.Minute // everything
)

// BreakerConfig tunes the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultBreakerConfig provides the production thresholds.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	SuccessThreshold: 3,
	RecoveryTimeout:  60 * time.Second,
}

// CircuitBreaker tracks persistence-layer health per process. Each
// process's failures are an independently meaningful signal about its
// own connectivity, so no cross-process coordination is needed here.
type CircuitBreaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	lastFailure   time.Time
	recoveryStart time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// RecordFailure counts a persistence failure. Crossing the failure
// threshold opens the circuit and stamps the recovery start; a failure
// during the half-open trial reopens it.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case CircuitClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
		}
	case CircuitHalfOpen:
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.state = CircuitOpen
	b.successCount = 0
	b.recoveryStart = b.now()
	metrics.BreakerState.Set(float64(CircuitOpen))
}

// RecordSuccess counts a persistence success. Reaching the success
// threshold while half-open closes the circuit and clears counters.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != CircuitHalfOpen {
		return
	}
	b.successCount++
	if b.successCount >= b.cfg.SuccessThreshold {
		b.state = CircuitClosed
		b.failureCount = 0
		b.successCount = 0
		metrics.BreakerState.Set(float64(CircuitClosed))
	}
}

// CanProceed reports whether an operation class may hit persistence
// right now. An open circuit auto-promotes to half-open once the
// recovery timeout has elapsed; during an active recovery window the
// graded phases gate writes and admin operations.
func (b *CircuitBreaker) CanProceed(op OperationType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == CircuitOpen {
		if now.Sub(b.recoveryStart) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = CircuitHalfOpen
		b.successCount = 0
		metrics.BreakerState.Set(float64(CircuitHalfOpen))
	}

	if b.recoveryStart.IsZero() {
		return true
	}

	elapsed := now.Sub(b.recoveryStart)
	switch {
	case elapsed < phaseReadOnly:
		return op == OpRead
	case elapsed < phaseReadOnly+phaseUserWrites:
		return op == OpRead || op == OpUserWrite
	case elapsed < phaseReadOnly+phaseUserWrites+phaseFull:
		return true
	default:
		// Recovery window fully elapsed.
		b.recoveryStart = time.Time{}
		return true
	}
}

// State returns the current circuit position.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
