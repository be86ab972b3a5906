// Package metrics holds the monotonic counters shared by the resilience components.
// A single Metrics value is created at startup and injected into the coordinator,
// the retry executor and the network monitor.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics is a set of monotonic counters. It is safe for concurrent use.
// Only Reset lowers values.
type Metrics struct {
	refreshAttempts   atomic.Uint64
	refreshSuccesses  atomic.Uint64
	refreshFailures   atomic.Uint64
	refreshDurationNs atomic.Int64

	healthChecksPassed atomic.Uint64
	healthChecksFailed atomic.Uint64
	detectionLatencyNs atomic.Int64
	recoveryLatencyNs  atomic.Int64

	callAttempts  atomic.Uint64
	callRetries   atomic.Uint64
	authRetries   atomic.Uint64
	callFailures  atomic.Uint64
	callSuccesses atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	RefreshAttempts        uint64        `json:"refresh_attempts"`
	RefreshSuccesses       uint64        `json:"refresh_successes"`
	RefreshFailures        uint64        `json:"refresh_failures"`
	AverageRefreshDuration time.Duration `json:"average_refresh_duration"`

	HealthChecksPassed   uint64        `json:"health_checks_passed"`
	HealthChecksFailed   uint64        `json:"health_checks_failed"`
	LastDetectionLatency time.Duration `json:"last_detection_latency"`
	LastRecoveryLatency  time.Duration `json:"last_recovery_latency"`

	CallAttempts  uint64 `json:"call_attempts"`
	CallRetries   uint64 `json:"call_retries"`
	AuthRetries   uint64 `json:"auth_retries"`
	CallFailures  uint64 `json:"call_failures"`
	CallSuccesses uint64 `json:"call_successes"`
}

// New returns zeroed metrics.
func New() *Metrics {
	return &Metrics{}
}

// RecordRefreshAttempt counts a refresh exchange being issued.
func (m *Metrics) RecordRefreshAttempt() {
	m.refreshAttempts.Add(1)
}

// RecordRefreshSuccess counts a successful exchange and its duration.
func (m *Metrics) RecordRefreshSuccess(d time.Duration) {
	m.refreshSuccesses.Add(1)
	m.refreshDurationNs.Add(int64(d))
}

// RecordRefreshFailure counts a failed exchange.
func (m *Metrics) RecordRefreshFailure() {
	m.refreshFailures.Add(1)
}

// RecordHealthCheck counts a probe outcome.
func (m *Metrics) RecordHealthCheck(ok bool) {
	if ok {
		m.healthChecksPassed.Add(1)
		return
	}
	m.healthChecksFailed.Add(1)
}

// RecordDetectionLatency stores how long an outage went unnoticed.
func (m *Metrics) RecordDetectionLatency(d time.Duration) {
	m.detectionLatencyNs.Store(int64(d))
}

// RecordRecoveryLatency stores how long the last outage lasted.
func (m *Metrics) RecordRecoveryLatency(d time.Duration) {
	m.recoveryLatencyNs.Store(int64(d))
}

// RecordCallAttempt counts one invocation of a wrapped operation.
func (m *Metrics) RecordCallAttempt() {
	m.callAttempts.Add(1)
}

// RecordCallRetry counts a backoff retry.
func (m *Metrics) RecordCallRetry() {
	m.callRetries.Add(1)
}

// RecordAuthRetry counts a refresh-and-retry after an auth failure.
func (m *Metrics) RecordAuthRetry() {
	m.authRetries.Add(1)
}

// RecordCallResult counts the final outcome of a wrapped call.
func (m *Metrics) RecordCallResult(ok bool) {
	if ok {
		m.callSuccesses.Add(1)
		return
	}
	m.callFailures.Add(1)
}

// Snapshot returns the current values.
func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		RefreshAttempts:      m.refreshAttempts.Load(),
		RefreshSuccesses:     m.refreshSuccesses.Load(),
		RefreshFailures:      m.refreshFailures.Load(),
		HealthChecksPassed:   m.healthChecksPassed.Load(),
		HealthChecksFailed:   m.healthChecksFailed.Load(),
		LastDetectionLatency: time.Duration(m.detectionLatencyNs.Load()),
		LastRecoveryLatency:  time.Duration(m.recoveryLatencyNs.Load()),
		CallAttempts:         m.callAttempts.Load(),
		CallRetries:          m.callRetries.Load(),
		AuthRetries:          m.authRetries.Load(),
		CallFailures:         m.callFailures.Load(),
		CallSuccesses:        m.callSuccesses.Load(),
	}
	if s.RefreshSuccesses > 0 {
		s.AverageRefreshDuration = time.Duration(m.refreshDurationNs.Load() / int64(s.RefreshSuccesses))
	}
	return s
}

// Reset zeroes every counter. Operator action only.
func (m *Metrics) Reset() {
	m.refreshAttempts.Store(0)
	m.refreshSuccesses.Store(0)
	m.refreshFailures.Store(0)
	m.refreshDurationNs.Store(0)
	m.healthChecksPassed.Store(0)
	m.healthChecksFailed.Store(0)
	m.detectionLatencyNs.Store(0)
	m.recoveryLatencyNs.Store(0)
	m.callAttempts.Store(0)
	m.callRetries.Store(0)
	m.authRetries.Store(0)
	m.callFailures.Store(0)
	m.callSuccesses.Store(0)
}
