// Package metrics exposes limiter and circuit breaker state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tidal-guard/internal/circuitbreaker"
	"tidal-guard/internal/ratelimit"
)

const namespace = "tidal_guard"

// Collector reads limiter and breaker stats at scrape time.
type Collector struct {
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Manager

	requestsTotal  *prometheus.Desc
	throttledTotal *prometheus.Desc
	throttleRatio  *prometheus.Desc

	tokensAvailable *prometheus.Desc
	tokenCapacity   *prometheus.Desc
	slotsActive     *prometheus.Desc
	slotsMax        *prometheus.Desc

	breakerOpen           *prometheus.Desc
	breakerTrips          *prometheus.Desc
	breakerSeverity       *prometheus.Desc
	breakerRecentFailures *prometheus.Desc
}

// NewCollector creates a collector over limiter and breakers.
func NewCollector(limiter *ratelimit.Limiter, breakers *circuitbreaker.Manager) *Collector {
	category := []string{"category"}
	breaker := []string{"breaker"}

	return &Collector{
		limiter:  limiter,
		breakers: breakers,

		requestsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Total number of slot requests made to the limiter",
			nil, nil,
		),
		throttledTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "throttled_requests_total"),
			"Total number of requests that had to wait for a slot or a token",
			nil, nil,
		),
		throttleRatio: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "throttle_ratio"),
			"Share of requests that were throttled (0.0-1.0)",
			nil, nil,
		),
		tokensAvailable: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "tokens_available"),
			"Tokens currently in the bucket",
			category, nil,
		),
		tokenCapacity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "token_capacity"),
			"Bucket capacity, equal to the hourly request budget",
			category, nil,
		),
		slotsActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "slots_active"),
			"Concurrency slots currently held",
			category, nil,
		),
		slotsMax: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "slots_max"),
			"Maximum concurrent operations",
			category, nil,
		),
		breakerOpen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "open"),
			"Whether the circuit breaker rejects calls (1) or not (0)",
			breaker, nil,
		),
		breakerTrips: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "trips_total"),
			"Number of times the circuit breaker tripped",
			breaker, nil,
		),
		breakerSeverity: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "severity"),
			"Advisory severity level: 0 low, 1 medium, 2 high",
			breaker, nil,
		),
		breakerRecentFailures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "recent_failures"),
			"Failures inside the sliding failure window",
			breaker, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsTotal
	ch <- c.throttledTotal
	ch <- c.throttleRatio
	ch <- c.tokensAvailable
	ch <- c.tokenCapacity
	ch <- c.slotsActive
	ch <- c.slotsMax
	ch <- c.breakerOpen
	ch <- c.breakerTrips
	ch <- c.breakerSeverity
	ch <- c.breakerRecentFailures
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.limiter.Stats()

	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.CounterValue, float64(stats.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.throttledTotal, prometheus.CounterValue, float64(stats.ThrottledRequests))
	ch <- prometheus.MustNewConstMetric(c.throttleRatio, prometheus.GaugeValue, stats.ThrottlePercentage/100)

	for cat, cs := range stats.Categories {
		label := string(cat)
		ch <- prometheus.MustNewConstMetric(c.tokensAvailable, prometheus.GaugeValue, cs.Bucket.Tokens, label)
		ch <- prometheus.MustNewConstMetric(c.tokenCapacity, prometheus.GaugeValue, cs.Bucket.Capacity, label)
		ch <- prometheus.MustNewConstMetric(c.slotsActive, prometheus.GaugeValue, float64(cs.Gate.Active), label)
		ch <- prometheus.MustNewConstMetric(c.slotsMax, prometheus.GaugeValue, float64(cs.Gate.Max), label)
	}

	for _, b := range c.breakers.All() {
		s := b.Stats()
		open := 0.0
		if s.IsOpen {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, open, s.Name)
		ch <- prometheus.MustNewConstMetric(c.breakerTrips, prometheus.CounterValue, float64(s.TripCount), s.Name)
		ch <- prometheus.MustNewConstMetric(c.breakerSeverity, prometheus.GaugeValue, float64(b.Severity()), s.Name)
		ch <- prometheus.MustNewConstMetric(c.breakerRecentFailures, prometheus.GaugeValue, float64(s.RecentFailures), s.Name)
	}
}

// NewRegistry returns a registry holding the collector plus the standard Go
// and process collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}
