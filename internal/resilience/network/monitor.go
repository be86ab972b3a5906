// Package network tracks reachability and connection quality.
//
// The Monitor combines platform signals (online/offline events, reported
// connection quality) with an active probe loop. Consumers read it through
// IsOnline/IsOffline/IsSlow and Subscribe; the monitor never gates calls itself.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/resilience/metrics"
)

// ErrProbeInFlight is returned when a probe is requested while another runs.
var ErrProbeInFlight = errors.New("probe already in flight")

// slowTypes are platform-reported network types treated as degraded.
var slowTypes = map[string]bool{
	"slow-2g": true,
	"2g":      true,
}

// Listener receives every status transition. from is the previous status and
// info the state after the transition.
type Listener = func(from domain.ConnectionStatus, info domain.ConnectionInfo)

// Config holds probe and quality thresholds.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	QuickTimeout     time.Duration
	SlowDownlinkMbps float64
	SlowRTT          time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		Timeout:          3 * time.Second,
		QuickTimeout:     1 * time.Second,
		SlowDownlinkMbps: 2,
		SlowRTT:          500 * time.Millisecond,
	}
}

// Quality is a platform connection-quality report. Nil fields are unknown.
type Quality struct {
	EffectiveType string
	DownlinkMbps  *float64
	RTT           *time.Duration
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Monitor owns the ConnectionInfo.
type Monitor struct {
	cfg     Config
	prober  Prober
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	probing atomic.Bool

	// tmu serializes a transition with its listener delivery.
	tmu sync.Mutex

	mu            sync.RWMutex
	info          domain.ConnectionInfo
	quality       Quality
	probeRTT      time.Duration
	lastGoodProbe time.Time

	lmu       sync.Mutex
	listeners []listenerEntry
	nextID    uint64
}

// NewMonitor creates a monitor in the Online state. prober may be nil when only
// platform signals are used.
func NewMonitor(cfg Config, prober Prober, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.QuickTimeout <= 0 {
		cfg.QuickTimeout = def.QuickTimeout
	}
	if cfg.SlowDownlinkMbps <= 0 {
		cfg.SlowDownlinkMbps = def.SlowDownlinkMbps
	}
	if cfg.SlowRTT <= 0 {
		cfg.SlowRTT = def.SlowRTT
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		metrics: m,
		log:     logger,
		now:     time.Now,
		info: domain.ConnectionInfo{
			Status:           domain.ConnectionOnline,
			LastStatusChange: now,
		},
	}
}

// Run probes every Interval until ctx is done. The first probe runs immediately.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.runProbe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx)
		}
	}
}

func (m *Monitor) runProbe(ctx context.Context) {
	if err := m.Probe(ctx); err != nil && !errors.Is(err, ErrProbeInFlight) && ctx.Err() == nil {
		m.log.Debug("Health probe failed", "error", err)
	}
}

// Probe runs one health probe with the normal timeout.
func (m *Monitor) Probe(ctx context.Context) error {
	return m.probe(ctx, m.cfg.Timeout)
}

// QuickProbe runs one health probe with the short timeout. It is skipped with
// ErrProbeInFlight when a probe is already running.
func (m *Monitor) QuickProbe(ctx context.Context) error {
	return m.probe(ctx, m.cfg.QuickTimeout)
}

func (m *Monitor) probe(ctx context.Context, timeout time.Duration) error {
	if m.prober == nil {
		return errors.New("no prober configured")
	}
	if !m.probing.CompareAndSwap(false, true) {
		return ErrProbeInFlight
	}
	defer m.probing.Store(false)

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(pctx)
	rtt := time.Since(start)

	// A probe aborted by the caller says nothing about the network.
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	m.metrics.RecordHealthCheck(err == nil)
	if err != nil {
		m.probeFailed(err)
		return fmt.Errorf("health probe: %w", err)
	}
	m.probeSucceeded(rtt)
	return nil
}

func (m *Monitor) probeFailed(err error) {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	m.mu.Lock()
	if m.info.Status == domain.ConnectionOffline {
		m.mu.Unlock()
		return
	}
	if !m.lastGoodProbe.IsZero() {
		m.metrics.RecordDetectionLatency(m.now().Sub(m.lastGoodProbe))
	}
	from, info, changed := m.transitionLocked(domain.ConnectionOffline)
	m.mu.Unlock()

	if changed {
		m.log.Warn("Network offline", "cause", "probe", "error", err)
		m.notify(from, info)
	}
}

func (m *Monitor) probeSucceeded(rtt time.Duration) {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	m.mu.Lock()
	m.lastGoodProbe = m.now()
	m.probeRTT = rtt
	if m.quality.RTT == nil {
		m.info.RTT = &rtt
	}
	from, info, changed := m.transitionLocked(m.nextStatusLocked(true))
	m.mu.Unlock()

	if changed {
		m.log.Info("Network status changed", "from", from, "to", info.Status, "rtt", rtt)
		m.notify(from, info)
	}
}

// HandleOnline applies a platform "online" signal.
func (m *Monitor) HandleOnline() {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	m.mu.Lock()
	from, info, changed := m.transitionLocked(m.nextStatusLocked(true))
	m.mu.Unlock()

	if changed {
		m.log.Info("Network online", "cause", "platform")
		m.notify(from, info)
	}
}

// HandleOffline applies a platform "offline" signal.
func (m *Monitor) HandleOffline() {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	m.mu.Lock()
	from, info, changed := m.transitionLocked(domain.ConnectionOffline)
	m.mu.Unlock()

	if changed {
		m.log.Warn("Network offline", "cause", "platform")
		m.notify(from, info)
	}
}

// HandleQuality applies a platform connection-quality report. It toggles
// between Online and Slow; it never ends an outage.
func (m *Monitor) HandleQuality(q Quality) {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	m.mu.Lock()
	m.quality = q
	m.info.EffectiveType = q.EffectiveType
	m.info.DownlinkMbps = q.DownlinkMbps
	if q.RTT != nil {
		m.info.RTT = q.RTT
	}
	from, info, changed := m.transitionLocked(m.nextStatusLocked(false))
	m.mu.Unlock()

	if changed {
		m.log.Info("Network quality changed", "from", from, "to", info.Status, "type", q.EffectiveType)
		m.notify(from, info)
	}
}

// HandleVisible reacts to the application regaining foreground visibility with
// a quick probe.
func (m *Monitor) HandleVisible(ctx context.Context) error {
	return m.QuickProbe(ctx)
}

// nextStatusLocked evaluates quality. reachable reports whether the caller has
// evidence the network is up.
func (m *Monitor) nextStatusLocked(reachable bool) domain.ConnectionStatus {
	if m.info.Status == domain.ConnectionOffline && !reachable {
		return domain.ConnectionOffline
	}
	if m.degradedLocked() {
		return domain.ConnectionSlow
	}
	return domain.ConnectionOnline
}

func (m *Monitor) degradedLocked() bool {
	q := m.quality
	if q.DownlinkMbps != nil && *q.DownlinkMbps < m.cfg.SlowDownlinkMbps {
		return true
	}
	if q.RTT != nil && *q.RTT > m.cfg.SlowRTT {
		return true
	}
	if slowTypes[q.EffectiveType] {
		return true
	}
	return m.probeRTT > m.cfg.SlowRTT
}

// transitionLocked moves to status `to` and maintains the outage bookkeeping.
func (m *Monitor) transitionLocked(to domain.ConnectionStatus) (domain.ConnectionStatus, domain.ConnectionInfo, bool) {
	from := m.info.Status
	if from == to {
		return from, domain.ConnectionInfo{}, false
	}

	now := m.now()
	switch {
	case to == domain.ConnectionOffline:
		start := now
		m.info.OutageStart = &start
	case from == domain.ConnectionOffline:
		if m.info.OutageStart != nil {
			outage := now.Sub(*m.info.OutageStart)
			m.info.CumulativeOutage += outage
			m.metrics.RecordRecoveryLatency(outage)
		}
		m.info.OutageStart = nil
	}

	m.info.Status = to
	m.info.LastStatusChange = now
	return from, cloneInfo(m.info), true
}

// Subscribe registers l and returns a function that removes exactly that
// registration. The returned function is safe to call more than once.
// Listeners run one transition at a time, in order. They may read the monitor
// but must not call HandleOnline, HandleOffline, HandleQuality or a probe.
func (m *Monitor) Subscribe(l Listener) func() {
	m.lmu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: l})
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			defer m.lmu.Unlock()
			for i, e := range m.listeners {
				if e.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Monitor) notify(from domain.ConnectionStatus, info domain.ConnectionInfo) {
	m.lmu.Lock()
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.lmu.Unlock()

	for _, e := range listeners {
		m.call(e, from, info)
	}
}

func (m *Monitor) call(e listenerEntry, from domain.ConnectionStatus, info domain.ConnectionInfo) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Network listener panicked", "listener", e.id, "panic", r)
		}
	}()
	e.fn(from, cloneInfo(info))
}

// Info returns a copy of the current ConnectionInfo.
func (m *Monitor) Info() domain.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneInfo(m.info)
}

// Status returns the current status.
func (m *Monitor) Status() domain.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.info.Status
}

// IsOnline reports whether the status is Online.
func (m *Monitor) IsOnline() bool { return m.Status() == domain.ConnectionOnline }

// IsOffline reports whether the status is Offline.
func (m *Monitor) IsOffline() bool { return m.Status() == domain.ConnectionOffline }

// IsSlow reports whether the status is Slow.
func (m *Monitor) IsSlow() bool { return m.Status() == domain.ConnectionSlow }

func cloneInfo(in domain.ConnectionInfo) domain.ConnectionInfo {
	out := in
	if in.DownlinkMbps != nil {
		v := *in.DownlinkMbps
		out.DownlinkMbps = &v
	}
	if in.RTT != nil {
		v := *in.RTT
		out.RTT = &v
	}
	if in.OutageStart != nil {
		v := *in.OutageStart
		out.OutageStart = &v
	}
	return out
}
