package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the ledger and its resilience boundary
var (
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "claimledger_breaker_state",
			Help: "Circuit breaker state per resource (0 closed, 1 half-open, 2 open)",
		},
		[]string{"resource"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimledger_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"resource", "from", "to"},
	)

	LedgerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimledger_operations_total",
			Help: "Total number of ledger operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	LedgerOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimledger_operation_duration_seconds",
			Help:    "Duration of ledger operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	InvariantViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "claimledger_invariant_violations_total",
			Help: "Total number of aborted transactions that would have broken a ledger invariant",
		},
	)

	RailDisbursementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimledger_rail_disbursements_total",
			Help: "Total number of rail disbursement attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BreakerState)
		prometheus.MustRegister(BreakerTransitionsTotal)
		prometheus.MustRegister(LedgerOperationsTotal)
		prometheus.MustRegister(LedgerOperationDuration)
		prometheus.MustRegister(InvariantViolationsTotal)
		prometheus.MustRegister(RailDisbursementsTotal)
	})
}

// StateValue maps a breaker state name onto the gauge encoding.
func StateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	}
	return 0
}
