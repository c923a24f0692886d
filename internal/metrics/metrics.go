// Package metrics exposes Prometheus metrics for the gateway: relay
// attempts, selection outcomes, cooldown churn, and upstream latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agpool"

// LatencyBuckets covers sub-second dispatch up to long thinking-model calls.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0,
	20.0, 30.0, 60.0, 120.0, 180.0, 300.0,
}

var (
	// RelayRequests counts relayed requests by pool and final outcome.
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relayed requests by pool and outcome",
		},
		[]string{"pool", "outcome"},
	)

	// RelayAttempts observes how many attempts each relayed request took.
	RelayAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_attempts_per_request",
			Help:      "Attempts consumed per relayed request",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 15},
		},
	)

	// Selections counts account selections by result.
	Selections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Account selections by result",
		},
		[]string{"pool", "result"},
	)

	// CooldownsMarked counts cooldowns applied by pool and family.
	CooldownsMarked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_marked_total",
			Help:      "Cooldowns applied by pool and family",
		},
		[]string{"pool", "family"},
	)

	// ActiveCooldowns gauges currently active cooldown entries.
	ActiveCooldowns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cooldowns_active",
			Help:      "Currently active cooldown entries",
		},
	)

	// AccountHealth gauges the health score per account.
	AccountHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_health_score",
			Help:      "Health score per account",
		},
		[]string{"email"},
	)

	// UpstreamLatency observes upstream exchange latency per pool.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream exchange latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"pool", "status"},
	)

	// PoolAccounts gauges the pool size.
	PoolAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_accounts",
			Help:      "Accounts registered in the pool",
		},
	)
)
