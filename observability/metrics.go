package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	vaultdMetricsOnce sync.Once
	vaultdRegistry    *VaultdMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// API returns the lazily-initialised registry recording HTTP handler activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultguard",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(reason, "unspecified")).Inc()
}

// VaultdMetrics wraps collectors tracking the replenishment engine.
type VaultdMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	rejections  *prometheus.CounterVec
	committed   *prometheus.CounterVec
	timers      *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	deficitUSD  prometheus.Gauge
	health      prometheus.Gauge
}

// Vaultd exposes the metrics registry for vaultd.
func Vaultd() *VaultdMetrics {
	vaultdMetricsOnce.Do(func() {
		vaultdRegistry = &VaultdMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "operations_total",
				Help:      "Count of engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "validation_rejections_total",
				Help:      "Count of replenishment intents rejected, segmented by violated rule.",
			}, []string{"rule"}),
			committed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "escrow_committed_total",
				Help:      "Escrowed token amounts committed to vault deficits.",
			}, []string{"token"}),
			timers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "rebalance_timers",
				Help:      "Live rebalance timers segmented by state.",
			}, []string{"state"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "rebalance_transitions_total",
				Help:      "Rebalance timer transitions segmented by target state and resolution.",
			}, []string{"state", "resolution"}),
			deficitUSD: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "deficit_usd",
				Help:      "Sum of every vault deficit valued in USD.",
			}),
			health: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultguard",
				Subsystem: "vaultd",
				Name:      "health_score",
				Help:      "Externally sourced portfolio health score clamped to 0-100.",
			}),
		}
		prometheus.MustRegister(
			vaultdRegistry.operations,
			vaultdRegistry.latency,
			vaultdRegistry.rejections,
			vaultdRegistry.committed,
			vaultdRegistry.timers,
			vaultdRegistry.transitions,
			vaultdRegistry.deficitUSD,
			vaultdRegistry.health,
		)
	})
	return vaultdRegistry
}

// Observe records the execution metrics for an engine operation.
func (m *VaultdMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := labelOr(operation, "unknown")
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRejection increments the rejection counter for a violated rule.
func (m *VaultdMetrics) RecordRejection(rule string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(labelOr(rule, "unspecified")).Inc()
}

// RecordCommitted adds a committed token amount.
func (m *VaultdMetrics) RecordCommitted(token string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.committed.WithLabelValues(labelToken(token)).Add(amount)
}

// SetTimers updates the live timer gauges.
func (m *VaultdMetrics) SetTimers(active, expired int) {
	if m == nil {
		return
	}
	m.timers.WithLabelValues("active").Set(float64(active))
	m.timers.WithLabelValues("expired").Set(float64(expired))
}

// RecordTransition increments the timer transition counter.
func (m *VaultdMetrics) RecordTransition(state, resolution string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOr(state, "unknown"), labelOr(resolution, "none")).Inc()
}

// SetDeficitUSD updates the aggregate deficit gauge.
func (m *VaultdMetrics) SetDeficitUSD(total float64) {
	if m == nil {
		return
	}
	if total < 0 {
		total = 0
	}
	m.deficitUSD.Set(total)
}

// SetHealth updates the health score gauge.
func (m *VaultdMetrics) SetHealth(score float64) {
	if m == nil {
		return
	}
	m.health.Set(score)
}

// OracleMetrics bundles collectors for price refresh and freshness tracking.
type OracleMetrics struct {
	fetches   *prometheus.CounterVec
	freshness *prometheus.GaugeVec
}

// Oracle returns the metrics registry for the price oracle.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultguard",
				Subsystem: "oracle",
				Name:      "fetches_total",
				Help:      "Price source fetches segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			freshness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultguard",
				Subsystem: "oracle",
				Name:      "price_age_seconds",
				Help:      "Age in seconds of the quote currently used for a token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(oracleRegistry.fetches, oracleRegistry.freshness)
	})
	return oracleRegistry
}

// RecordFetch increments the fetch counter for a source. Outcomes should be
// stable strings such as "success", "stale" or "error".
func (m *OracleMetrics) RecordFetch(source, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(labelOr(source, "unknown"), labelOr(outcome, "unknown")).Inc()
}

// RecordFreshness records how old the quote in use is.
func (m *OracleMetrics) RecordFreshness(token string, age time.Duration) {
	if m == nil {
		return
	}
	if age < 0 {
		age = 0
	}
	m.freshness.WithLabelValues(labelToken(token)).Set(age.Seconds())
}

func labelOr(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func labelToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
