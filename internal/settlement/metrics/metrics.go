// Package metrics holds the prometheus collectors for the settlement
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks node calls per provider and method.
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_rpc_calls_total",
			Help: "Total number of node RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks failed node calls.
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_rpc_errors_total",
			Help: "Total number of failed node RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCLatency tracks node call latency.
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settler_rpc_latency_seconds",
			Help:    "Node RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// RPCInflight tracks node calls currently holding a limiter slot.
	RPCInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_rpc_inflight",
			Help: "Number of node calls currently in flight",
		},
	)

	// RPCThrottled counts calls that had to wait on the rate limiter.
	RPCThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_rpc_throttled_total",
			Help: "Total number of node calls delayed by the rate limiter",
		},
	)

	// ProviderRotations counts failover rotations between endpoints.
	ProviderRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_provider_rotations_total",
			Help: "Total number of endpoint failover rotations",
		},
	)

	// TransfersObserved counts transfer events surfaced by the monitor.
	TransfersObserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settler_transfers_observed_total",
			Help: "Total number of deposit transfer events observed",
		},
	)

	// MonitorLastBlock tracks the monitor's processed cursor.
	MonitorLastBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_monitor_last_block",
			Help: "Last block processed by the deposit monitor",
		},
	)

	// DepositChecks counts deposit validations by outcome.
	DepositChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_deposit_checks_total",
			Help: "Total number of deposit transaction checks",
		},
		[]string{"outcome"},
	)

	// PaymentsTotal counts outbound payments by outcome.
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_payments_total",
			Help: "Total number of outbound payment attempts",
		},
		[]string{"outcome"},
	)

	// PaymentDuration tracks the full send-and-confirm time.
	PaymentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settler_payment_duration_seconds",
			Help:    "Wall time of outbound payments including confirmation wait",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// BreakerState exposes the persistence circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "settler_persistence_breaker_state",
			Help: "Persistence circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// LockAcquisitions counts distributed lock acquisitions by backend.
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settler_lock_acquisitions_total",
			Help: "Total number of distributed lock acquisitions",
		},
		[]string{"backend", "outcome"},
	)
)
