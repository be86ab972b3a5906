// Package token keeps the access credential valid for concurrent callers.
//
// The Coordinator owns the credential cache and the refresh state. Any number of
// goroutines may ask for a credential at once; at most one refresh exchange is in
// flight and every caller that needs it joins that exchange and observes the same
// credential or the same error.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/infra/session"
	"github.com/vietddude/resilience/internal/resilience/classify"
	"github.com/vietddude/resilience/internal/resilience/metrics"
)

var (
	// ErrRefreshCredentialInvalid is returned once the backend rejects the refresh
	// credential. The session is over until SetCredential installs a new one.
	ErrRefreshCredentialInvalid = classify.WithCategory(
		errors.New("refresh credential invalid"),
		classify.RefreshCredentialInvalid,
	)

	// ErrNoRefreshCredential means there is nothing to exchange: nobody logged in.
	ErrNoRefreshCredential = classify.WithCategory(
		errors.New("no refresh credential"),
		classify.RefreshCredentialInvalid,
	)
)

// Exchanger trades a refresh credential for a new grant.
type Exchanger interface {
	Refresh(ctx context.Context, rc domain.RefreshCredential) (domain.TokenGrant, error)
}

// SessionNotifier receives the terminal session-expiry signal.
type SessionNotifier interface {
	SessionExpired(ctx context.Context, reason error)
}

// Config holds the coordinator thresholds.
type Config struct {
	// NearExpiryThreshold is the minimum remaining lifetime for a cached credential
	// to be handed out without a refresh.
	NearExpiryThreshold time.Duration
	// MinRefreshInterval suppresses unforced refreshes this soon after the last one.
	MinRefreshInterval time.Duration
	// RefreshTimeout bounds a single exchange. Caller cancellation does not.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		NearExpiryThreshold: 120 * time.Second,
		MinRefreshInterval:  30 * time.Second,
		RefreshTimeout:      30 * time.Second,
	}
}

// Options adjusts a single credential request.
type Options struct {
	// Force skips the cache and the min-interval guard.
	Force bool
	// Stale is the token that just failed with an auth error. A forced request
	// whose Stale token is no longer cached returns the cached one instead of
	// refreshing again.
	Stale string
	// MinLifetime overrides NearExpiryThreshold when larger.
	MinLifetime time.Duration
}

// State is a snapshot of the refresh state.
type State struct {
	Refreshing    bool      `json:"refreshing"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	AttemptCount  int       `json:"attempt_count"`
	Terminated    bool      `json:"terminated"`
}

// Coordinator is the single owner of the credential cache.
type Coordinator struct {
	cfg      Config
	exchange Exchanger
	store    session.Store
	notifier SessionNotifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	group singleflight.Group

	mu            sync.Mutex
	access        domain.AccessCredential
	refresh       domain.RefreshCredential
	refreshing    bool
	flightKey     string // non-empty iff refreshing
	generation    uint64
	lastRefreshAt time.Time
	attemptCount  int
	terminated    error
}

// NewCoordinator creates a coordinator. store, notifier, m and logger may be nil.
func NewCoordinator(
	cfg Config,
	exchange Exchanger,
	store session.Store,
	notifier SessionNotifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	def := DefaultConfig()
	if cfg.NearExpiryThreshold <= 0 {
		cfg.NearExpiryThreshold = def.NearExpiryThreshold
	}
	if cfg.MinRefreshInterval < 0 {
		cfg.MinRefreshInterval = 0
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		exchange: exchange,
		store:    store,
		notifier: notifier,
		metrics:  m,
		log:      logger,
		now:      time.Now,
	}
}

// Load restores the cached credentials from the session store.
func (c *Coordinator) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	sess, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	c.mu.Lock()
	c.access = sess.Access
	c.refresh = sess.Refresh
	c.terminated = nil
	c.mu.Unlock()

	c.log.Info("Session restored", "expires_at", sess.Access.Expiry())
	return nil
}

// SetCredential installs credentials obtained by login and clears a previous
// terminal state.
func (c *Coordinator) SetCredential(ctx context.Context, access domain.AccessCredential, refresh domain.RefreshCredential) error {
	c.mu.Lock()
	c.access = access
	c.refresh = refresh
	c.terminated = nil
	c.mu.Unlock()

	return c.persist(ctx, access, refresh)
}

// Logout discards the cached credentials and the stored session.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.access = domain.AccessCredential{}
	c.refresh = domain.RefreshCredential{}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// GetValidCredential returns a credential that is safe to attach to a call,
// refreshing it first when it is near expiry or forceRefresh is set.
func (c *Coordinator) GetValidCredential(ctx context.Context, forceRefresh bool) (domain.AccessCredential, error) {
	return c.Credential(ctx, Options{Force: forceRefresh})
}

// Credential is GetValidCredential with per-request options.
func (c *Coordinator) Credential(ctx context.Context, opts Options) (domain.AccessCredential, error) {
	c.mu.Lock()

	if c.terminated != nil {
		err := c.terminated
		c.mu.Unlock()
		return domain.AccessCredential{}, err
	}

	now := c.now()
	threshold := max(opts.MinLifetime, c.cfg.NearExpiryThreshold)
	cached := c.access
	remaining := cached.RemainingLifetime(now)

	if !cached.IsZero() && !opts.Force && remaining > threshold {
		c.mu.Unlock()
		return cached, nil
	}

	// Someone refreshed after the caller's call failed.
	if opts.Force && opts.Stale != "" && !cached.IsZero() && cached.Token != opts.Stale && remaining > 0 {
		c.mu.Unlock()
		return cached, nil
	}

	if !c.refreshing {
		if !opts.Force && !cached.IsZero() && !c.lastRefreshAt.IsZero() &&
			now.Sub(c.lastRefreshAt) < c.cfg.MinRefreshInterval {
			c.mu.Unlock()
			return cached, nil
		}
		if c.refresh.IsZero() {
			c.mu.Unlock()
			return domain.AccessCredential{}, ErrNoRefreshCredential
		}

		c.generation++
		c.flightKey = strconv.FormatUint(c.generation, 10)
		c.refreshing = true
		c.attemptCount++
	}

	rc := c.refresh
	key := c.flightKey
	ch := c.group.DoChan(key, func() (any, error) {
		return c.runRefresh(ctx, rc)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.AccessCredential{}, res.Err
		}
		return res.Val.(domain.AccessCredential), nil
	case <-ctx.Done():
		return domain.AccessCredential{}, ctx.Err()
	}
}

// runRefresh performs one exchange. It is only ever run by the flight leader.
func (c *Coordinator) runRefresh(parent context.Context, rc domain.RefreshCredential) (cred domain.AccessCredential, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh exchange panicked: %v", r)
		}
		c.mu.Lock()
		c.refreshing = false
		c.flightKey = ""
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.RefreshTimeout)
	defer cancel()

	c.metrics.RecordRefreshAttempt()
	start := time.Now()

	grant, err := c.exchange.Refresh(ctx, rc)
	if err != nil {
		c.metrics.RecordRefreshFailure()
		if classify.Classify(err) == classify.RefreshCredentialInvalid {
			terr := fmt.Errorf("%w: %w", ErrRefreshCredentialInvalid, err)
			c.Terminate(ctx, terr)
			return domain.AccessCredential{}, terr
		}
		c.log.Warn("Credential refresh failed", "error", err)
		return domain.AccessCredential{}, fmt.Errorf("refresh credential: %w", err)
	}

	c.metrics.RecordRefreshSuccess(time.Since(start))

	c.mu.Lock()
	c.access = grant.Access
	if !grant.Refresh.IsZero() {
		c.refresh = grant.Refresh
	}
	c.lastRefreshAt = c.now()
	refresh := c.refresh
	c.mu.Unlock()

	c.log.Info("Access credential refreshed",
		"expires_at", grant.Access.Expiry(),
		"rotated", !grant.Refresh.IsZero(),
	)

	if perr := c.persist(ctx, grant.Access, refresh); perr != nil {
		c.log.Warn("Failed to persist refreshed session", "error", perr)
	}
	return grant.Access, nil
}

// Terminate ends the session: credentials are discarded, the store is cleared
// and the notifier is told once. Later calls are no-ops until SetCredential or
// Load. It reports whether this call performed the teardown.
func (c *Coordinator) Terminate(ctx context.Context, reason error) bool {
	if reason == nil {
		reason = ErrRefreshCredentialInvalid
	}

	c.mu.Lock()
	if c.terminated != nil {
		c.mu.Unlock()
		return false
	}
	c.terminated = reason
	c.access = domain.AccessCredential{}
	c.refresh = domain.RefreshCredential{}
	c.mu.Unlock()

	c.log.Warn("Session terminated", "reason", reason)

	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			c.log.Error("Failed to clear session", "error", err)
		}
	}
	if c.notifier != nil {
		c.notifier.SessionExpired(ctx, reason)
	}
	return true
}

// Cached returns the cached access credential without refreshing.
func (c *Coordinator) Cached() domain.AccessCredential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

// RemainingLifetime returns the cached credential's remaining lifetime. ok is
// false when nothing is cached.
func (c *Coordinator) RemainingLifetime() (d time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.access.IsZero() {
		return 0, false
	}
	return c.access.RemainingLifetime(c.now()), true
}

// State returns a snapshot of the refresh state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Refreshing:    c.refreshing,
		LastRefreshAt: c.lastRefreshAt,
		AttemptCount:  c.attemptCount,
		Terminated:    c.terminated != nil,
	}
}

func (c *Coordinator) persist(ctx context.Context, access domain.AccessCredential, refresh domain.RefreshCredential) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, domain.Session{
		Access:    access,
		Refresh:   refresh,
		UpdatedAt: c.now(),
	}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
