package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/infra/session"
	"github.com/vietddude/resilience/internal/resilience/classify"
	"github.com/vietddude/resilience/internal/resilience/token"
)

type exchangeFunc func(ctx context.Context, rc domain.RefreshCredential) (domain.TokenGrant, error)

func (f exchangeFunc) Refresh(ctx context.Context, rc domain.RefreshCredential) (domain.TokenGrant, error) {
	return f(ctx, rc)
}

type recordingNotifier struct {
	succeeded atomic.Int32
	failed    atomic.Int32
	expired   atomic.Int32
}

func (n *recordingNotifier) RefreshSucceeded(context.Context, domain.AccessCredential) { n.succeeded.Add(1) }
func (n *recordingNotifier) RefreshFailed(context.Context, error)                      { n.failed.Add(1) }
func (n *recordingNotifier) SessionExpired(context.Context, error)                     { n.expired.Add(1) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newCoordinator(t *testing.T, x token.Exchanger, n token.SessionNotifier, expiresIn time.Duration) *token.Coordinator {
	t.Helper()
	c := token.NewCoordinator(token.DefaultConfig(), x, session.NewMemoryStore("test"), n, nil, nil)
	err := c.SetCredential(context.Background(),
		domain.AccessCredential{Token: "a-1", ExpiresAt: time.Now().Add(expiresIn).Unix()},
		domain.RefreshCredential{Token: "r-1"},
	)
	if err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}
	return c
}

// A credential expiring in 60s with a 300s threshold is refreshed exactly once.
func TestScheduler_RefreshesNearExpiryOnce(t *testing.T) {
	var calls atomic.Int32
	x := exchangeFunc(func(context.Context, domain.RefreshCredential) (domain.TokenGrant, error) {
		calls.Add(1)
		return domain.TokenGrant{Access: domain.AccessCredential{
			Token:     "a-2",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		}}, nil
	})
	notifier := &recordingNotifier{}
	coord := newCoordinator(t, x, notifier, 60*time.Second)

	s := New(Config{CheckInterval: 20 * time.Millisecond, RefreshThreshold: 300 * time.Second}, coord, notifier, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, "refresh", func() bool { return calls.Load() == 1 })
	waitFor(t, "more ticks", func() bool { return s.Snapshot().Checks >= 4 })

	if got := calls.Load(); got != 1 {
		t.Errorf("exchange called %d times, want 1", got)
	}
	if got := coord.Cached().Token; got != "a-2" {
		t.Errorf("cached token = %q, want a-2", got)
	}
	snap := s.Snapshot()
	if snap.Refreshes != 1 || snap.Failures != 0 {
		t.Errorf("snapshot = %+v, want 1 refresh and no failures", snap)
	}
	if notifier.succeeded.Load() != 1 {
		t.Errorf("RefreshSucceeded fired %d times, want 1", notifier.succeeded.Load())
	}
}

func TestScheduler_LeavesFreshCredentialAlone(t *testing.T) {
	x := exchangeFunc(func(context.Context, domain.RefreshCredential) (domain.TokenGrant, error) {
		t.Error("exchange should not be called")
		return domain.TokenGrant{}, nil
	})
	coord := newCoordinator(t, x, nil, time.Hour)

	s := New(Config{CheckInterval: 10 * time.Millisecond, RefreshThreshold: 5 * time.Minute}, coord, nil, nil)
	s.Start(context.Background())
	waitFor(t, "checks", func() bool { return s.Snapshot().Checks >= 3 })
	s.Stop()
}

// fakeCoordinator counts lifetime checks.
type fakeCoordinator struct {
	mu         sync.Mutex
	checks     int
	credErr    error
	terminates int
}

func (f *fakeCoordinator) Cached() domain.AccessCredential { return domain.AccessCredential{Token: "a"} }

func (f *fakeCoordinator) RemainingLifetime() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return time.Second, true
}

func (f *fakeCoordinator) Credential(context.Context, token.Options) (domain.AccessCredential, error) {
	if f.credErr != nil {
		return domain.AccessCredential{}, f.credErr
	}
	return domain.AccessCredential{Token: "a"}, nil
}

func (f *fakeCoordinator) Terminate(context.Context, error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	return f.terminates == 1
}

func (f *fakeCoordinator) State() token.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return token.State{Terminated: f.terminates > 0}
}

func (f *fakeCoordinator) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func TestScheduler_IdempotentLifecycle(t *testing.T) {
	const interval = 20 * time.Millisecond
	coord := &fakeCoordinator{}
	s := New(Config{CheckInterval: interval, RefreshThreshold: time.Minute}, coord, nil, nil)

	s.Start(context.Background())
	s.Start(context.Background())
	if s.State() != StateRunning {
		t.Fatalf("state = %s, want running", s.State())
	}

	time.Sleep(10*interval + interval/2)
	checks := coord.Checks()
	// One immediate check plus about ten ticks; a second timer would double it.
	if checks < 5 || checks > 14 {
		t.Errorf("checks = %d after ~10 intervals, want about 11", checks)
	}

	s.Stop()
	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}

	stopped := coord.Checks()
	time.Sleep(5 * interval)
	if got := coord.Checks(); got != stopped {
		t.Errorf("checks kept running after Stop: %d -> %d", stopped, got)
	}

	// Restart after stop arms a fresh timer.
	s.Start(context.Background())
	waitFor(t, "check after restart", func() bool { return coord.Checks() > stopped })
	s.Stop()
}

func TestScheduler_StopsOnRefreshCredentialInvalid(t *testing.T) {
	coord := &fakeCoordinator{credErr: token.ErrRefreshCredentialInvalid}
	s := New(Config{CheckInterval: 10 * time.Millisecond, RefreshThreshold: time.Minute}, coord, nil, nil)

	s.Start(context.Background())
	waitFor(t, "scheduler to stop itself", func() bool { return s.State() == StateStopped })

	checks := coord.Checks()
	time.Sleep(50 * time.Millisecond)
	if got := coord.Checks(); got != checks {
		t.Errorf("checks continued after terminal failure: %d -> %d", checks, got)
	}

	coord.mu.Lock()
	terminates := coord.terminates
	coord.mu.Unlock()
	if terminates != 1 {
		t.Errorf("Terminate called %d times, want 1", terminates)
	}

	s.Stop() // no-op
	if snap := s.Snapshot(); snap.Failures != 1 || snap.LastError == "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestScheduler_TransientFailureKeepsRunning(t *testing.T) {
	coord := &fakeCoordinator{credErr: classify.WithCategory(errors.New("upstream down"), classify.RetryableServer)}
	notifier := &recordingNotifier{}
	s := New(Config{CheckInterval: 10 * time.Millisecond, RefreshThreshold: time.Minute}, coord, notifier, nil)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, "two failures", func() bool { return notifier.failed.Load() >= 2 })
	if s.State() != StateRunning {
		t.Errorf("state = %s, want running", s.State())
	}
}

// Repeated rejections end the session once, through the real coordinator.
func TestScheduler_SessionTeardownOnce(t *testing.T) {
	var calls atomic.Int32
	x := exchangeFunc(func(context.Context, domain.RefreshCredential) (domain.TokenGrant, error) {
		calls.Add(1)
		return domain.TokenGrant{}, classify.WithCategory(errors.New("invalid_grant"), classify.RefreshCredentialInvalid)
	})
	notifier := &recordingNotifier{}
	coord := newCoordinator(t, x, notifier, 30*time.Second)

	s := New(Config{CheckInterval: 10 * time.Millisecond, RefreshThreshold: time.Minute}, coord, notifier, nil)
	s.Start(context.Background())
	waitFor(t, "scheduler to stop", func() bool { return s.State() == StateStopped })

	// Reactive callers hitting the latched coordinator afterwards.
	for range 3 {
		if _, err := coord.GetValidCredential(context.Background(), true); !errors.Is(err, token.ErrRefreshCredentialInvalid) {
			t.Errorf("err = %v, want ErrRefreshCredentialInvalid", err)
		}
	}

	if got := notifier.expired.Load(); got != 1 {
		t.Errorf("SessionExpired fired %d times, want 1", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("exchange called %d times, want 1", got)
	}
	if notifier.failed.Load() != 0 {
		t.Error("terminal failure should not be reported as a transient refresh failure")
	}
}

// A session torn down outside the scheduler (a reactive refresh rejection)
// stops the loop on the next tick, and a new login lets it run again.
func TestScheduler_StopsAfterExternalTeardown(t *testing.T) {
	x := exchangeFunc(func(context.Context, domain.RefreshCredential) (domain.TokenGrant, error) {
		t.Error("exchange should not be called")
		return domain.TokenGrant{}, nil
	})
	notifier := &recordingNotifier{}
	coord := newCoordinator(t, x, notifier, time.Hour)

	s := New(Config{CheckInterval: 10 * time.Millisecond, RefreshThreshold: time.Minute}, coord, notifier, nil)
	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, "first check", func() bool { return s.Snapshot().Checks >= 1 })

	coord.Terminate(context.Background(), token.ErrRefreshCredentialInvalid)
	waitFor(t, "scheduler to stop", func() bool { return s.State() == StateStopped })

	checks := s.Snapshot().Checks
	time.Sleep(50 * time.Millisecond)
	if got := s.Snapshot().Checks; got != checks {
		t.Errorf("checks continued after teardown: %d -> %d", checks, got)
	}
	if got := notifier.expired.Load(); got != 1 {
		t.Errorf("SessionExpired fired %d times, want 1", got)
	}

	err := coord.SetCredential(context.Background(),
		domain.AccessCredential{Token: "a-3", ExpiresAt: time.Now().Add(time.Hour).Unix()},
		domain.RefreshCredential{Token: "r-3"},
	)
	if err != nil {
		t.Fatalf("SetCredential failed: %v", err)
	}
	s.Start(context.Background())
	waitFor(t, "checks after re-login", func() bool { return s.Snapshot().Checks >= checks+3 })
	if s.State() != StateRunning {
		t.Errorf("state = %s, want running", s.State())
	}
}
