package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	refreshTotalDesc = prometheus.NewDesc(
		"resilience_refresh_total",
		"Total number of credential refresh exchanges by outcome",
		[]string{"outcome"}, nil,
	)
	refreshDurationDesc = prometheus.NewDesc(
		"resilience_refresh_avg_duration_seconds",
		"Average duration of successful credential refreshes",
		nil, nil,
	)
	healthChecksDesc = prometheus.NewDesc(
		"resilience_health_checks_total",
		"Total number of network health probes by result",
		[]string{"result"}, nil,
	)
	detectionLatencyDesc = prometheus.NewDesc(
		"resilience_outage_detection_latency_seconds",
		"Time between the last good probe and outage detection",
		nil, nil,
	)
	recoveryLatencyDesc = prometheus.NewDesc(
		"resilience_outage_recovery_latency_seconds",
		"Duration of the most recent outage",
		nil, nil,
	)
	callsDesc = prometheus.NewDesc(
		"resilience_calls_total",
		"Remote calls by stage",
		[]string{"stage"}, nil,
	)
)

// Collector exposes a Metrics value to Prometheus. Values are read on scrape, so
// Reset is reflected immediately.
type Collector struct {
	m *Metrics
}

// NewCollector wraps m for registration with a prometheus.Registerer.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- refreshTotalDesc
	ch <- refreshDurationDesc
	ch <- healthChecksDesc
	ch <- detectionLatencyDesc
	ch <- recoveryLatencyDesc
	ch <- callsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}

	counter(refreshTotalDesc, s.RefreshAttempts, "attempt")
	counter(refreshTotalDesc, s.RefreshSuccesses, "success")
	counter(refreshTotalDesc, s.RefreshFailures, "failure")
	gauge(refreshDurationDesc, s.AverageRefreshDuration.Seconds())

	counter(healthChecksDesc, s.HealthChecksPassed, "pass")
	counter(healthChecksDesc, s.HealthChecksFailed, "fail")
	gauge(detectionLatencyDesc, s.LastDetectionLatency.Seconds())
	gauge(recoveryLatencyDesc, s.LastRecoveryLatency.Seconds())

	counter(callsDesc, s.CallAttempts, "attempt")
	counter(callsDesc, s.CallRetries, "retry")
	counter(callsDesc, s.AuthRetries, "auth_retry")
	counter(callsDesc, s.CallSuccesses, "success")
	counter(callsDesc, s.CallFailures, "failure")
}
