package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// GatewayRequestsTotal counts provider calls by operation and result.
	GatewayRequestsTotal *prometheus.CounterVec
	// GatewayRequestDuration records provider call latency in milliseconds.
	GatewayRequestDuration *prometheus.HistogramVec
	// CheckoutTransitionsTotal counts session phase transitions by target phase.
	CheckoutTransitionsTotal *prometheus.CounterVec
	// CheckoutPollTicksTotal counts polling ticks by outcome.
	CheckoutPollTicksTotal *prometheus.CounterVec
	// CheckoutActiveSessions tracks sessions held by the storefront registry.
	CheckoutActiveSessions prometheus.Gauge
	// RateLimitRejectedTotal counts requests refused by the rate limiter.
	RateLimitRejectedTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
// Only the first call has an effect.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		GatewayRequestsTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Count of payment provider calls by operation and result.",
		}, []string{"operation", "result"}))
		GatewayRequestDuration = registerOrReuse(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_ms",
			Help:      "Latency of payment provider calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation"}))
		CheckoutTransitionsTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_transitions_total",
			Help:      "Count of payment session phase transitions by target phase.",
		}, []string{"phase"}))
		CheckoutPollTicksTotal = registerOrReuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_poll_ticks_total",
			Help:      "Count of order status polling ticks by outcome.",
		}, []string{"outcome"}))
		CheckoutActiveSessions = registerOrReuse[prometheus.Gauge](reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkout_active_sessions",
			Help:      "Number of payment sessions currently held in memory.",
		}))
		RateLimitRejectedTotal = registerOrReuse[prometheus.Counter](reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Number of requests rejected by the rate limiter.",
		}))
	})
}

// registerOrReuse registers collector, returning the already registered collector of the same
// description when there is one.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
			return collector
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
	return collector
}
