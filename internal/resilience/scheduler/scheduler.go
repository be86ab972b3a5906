// Package scheduler refreshes the access credential ahead of expiry so calls
// rarely have to wait for a refresh.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/resilience/classify"
	"github.com/vietddude/resilience/internal/resilience/token"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Coordinator is the slice of token.Coordinator the scheduler drives.
type Coordinator interface {
	Cached() domain.AccessCredential
	RemainingLifetime() (time.Duration, bool)
	Credential(ctx context.Context, opts token.Options) (domain.AccessCredential, error)
	Terminate(ctx context.Context, reason error) bool
	State() token.State
}

// Notifier receives proactive refresh outcomes.
type Notifier interface {
	RefreshSucceeded(ctx context.Context, cred domain.AccessCredential)
	RefreshFailed(ctx context.Context, err error)
}

// Config holds the scheduler timings.
type Config struct {
	CheckInterval    time.Duration
	RefreshThreshold time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    2 * time.Minute,
		RefreshThreshold: 5 * time.Minute,
	}
}

// Snapshot is a read-only view of the scheduler.
type Snapshot struct {
	State     State     `json:"state"`
	Checks    uint64    `json:"checks"`
	Refreshes uint64    `json:"refreshes"`
	Failures  uint64    `json:"failures"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler wakes every CheckInterval and asks the coordinator for a credential
// whenever the cached one has less than RefreshThreshold left.
type Scheduler struct {
	cfg      Config
	coord    Coordinator
	notifier Notifier
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	checks    uint64
	refreshes uint64
	failures  uint64
	lastCheck time.Time
	lastErr   string
}

// New creates a stopped scheduler. notifier may be nil.
func New(cfg Config, coord Coordinator, notifier Notifier, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = def.RefreshThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		coord:    coord,
		notifier: notifier,
		log:      logger,
		state:    StateStopped,
	}
}

// Start arms the timer and runs one check immediately. It is a no-op while running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateRunning

	go s.loop(ctx, s.done)
	s.log.Info("Proactive refresh scheduler started",
		"check_interval", s.cfg.CheckInterval,
		"refresh_threshold", s.cfg.RefreshThreshold,
	)
}

// Stop cancels future checks and waits for the loop to exit. A refresh already
// in flight inside the coordinator still completes. It is a no-op when stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done
	s.log.Info("Proactive refresh scheduler stopped")
}

// halt stops the scheduler from inside its own loop.
func (s *Scheduler) halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	s.cancel()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Scheduler) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.checks++
	s.lastCheck = time.Now()
	s.mu.Unlock()

	// The session may have ended on the reactive path; a new login re-arms us.
	if s.coord.State().Terminated {
		s.log.Info("Session ended, stopping scheduler")
		s.halt()
		return
	}

	remaining, ok := s.coord.RemainingLifetime()
	if !ok || remaining >= s.cfg.RefreshThreshold {
		return
	}

	before := s.coord.Cached()
	s.log.Debug("Credential near expiry, refreshing", "remaining", remaining)

	// Not forced: an in-flight or just-completed refresh satisfies this request.
	cred, err := s.coord.Credential(ctx, token.Options{MinLifetime: s.cfg.RefreshThreshold})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.recordFailure(err)

		if classify.Classify(err) == classify.RefreshCredentialInvalid {
			s.log.Warn("Refresh credential rejected, stopping scheduler", "error", err)
			s.coord.Terminate(ctx, err)
			s.halt()
			return
		}

		s.log.Warn("Proactive refresh failed", "error", err)
		if s.notifier != nil {
			s.notifier.RefreshFailed(ctx, err)
		}
		return
	}

	if cred.Token == before.Token {
		return
	}

	s.mu.Lock()
	s.refreshes++
	s.lastErr = ""
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.RefreshSucceeded(ctx, cred)
	}
}

func (s *Scheduler) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	s.lastErr = err.Error()
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the scheduler counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:     s.state,
		Checks:    s.checks,
		Refreshes: s.refreshes,
		Failures:  s.failures,
		LastCheck: s.lastCheck,
		LastError: s.lastErr,
	}
}
