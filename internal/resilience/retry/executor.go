// Package retry wraps remote calls with credential handling, failure
// classification and bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/resilience/classify"
	"github.com/vietddude/resilience/internal/resilience/metrics"
	"github.com/vietddude/resilience/internal/resilience/token"
)

var (
	// ErrAuthBudgetExhausted means the call kept failing with an auth error after
	// every allowed refresh.
	ErrAuthBudgetExhausted = errors.New("auth retry budget exhausted")
	// ErrRetriesExhausted means every retry slot was used on transient failures.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOffline means the network stayed offline for the whole offline timeout.
	ErrOffline = errors.New("network offline")
	// ErrDeadline means the caller's deadline left no room for another attempt.
	ErrDeadline = errors.New("deadline reached before retry")
)

// Error is the terminal failure of a wrapped call.
type Error struct {
	Category classify.Category
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("call failed after %d attempt(s) [%s]: %v", e.Attempts, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CredentialSource hands out access credentials.
type CredentialSource interface {
	Credential(ctx context.Context, opts token.Options) (domain.AccessCredential, error)
}

// Connectivity is the read-only network oracle consulted between attempts.
type Connectivity interface {
	IsOffline() bool
	Subscribe(l func(from domain.ConnectionStatus, info domain.ConnectionInfo)) func()
}

// Operation is one attempt of a remote call.
type Operation[T any] func(ctx context.Context, cred domain.AccessCredential) (T, error)

// Config configures an Executor.
type Config struct {
	Policy          Policy
	AuthRetryBudget int
	OfflineTimeout  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Policy:          DefaultPolicy(),
		AuthRetryBudget: 1,
		OfflineTimeout:  30 * time.Second,
	}
}

// Executor runs operations under a retry policy.
type Executor struct {
	cfg     Config
	creds   CredentialSource
	network Connectivity
	metrics *metrics.Metrics
	log     *slog.Logger
	rand    func() float64
}

// NewExecutor creates an executor. creds nil runs operations with a zero
// credential; network nil disables offline handling.
func NewExecutor(cfg Config, creds CredentialSource, network Connectivity, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if cfg.AuthRetryBudget < 0 {
		cfg.AuthRetryBudget = 0
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = DefaultConfig().OfflineTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:     cfg,
		creds:   creds,
		network: network,
		metrics: m,
		log:     logger,
		rand:    rand.Float64,
	}
}

// Do runs op with the executor's policy and budget.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context, cred domain.AccessCredential) error) error {
	_, err := Execute(ctx, e, func(ctx context.Context, cred domain.AccessCredential) (struct{}, error) {
		return struct{}{}, op(ctx, cred)
	})
	return err
}

// Execute runs op with the executor's policy and auth retry budget.
func Execute[T any](ctx context.Context, e *Executor, op Operation[T]) (T, error) {
	return ExecuteWith(ctx, e, op, e.cfg.Policy, e.cfg.AuthRetryBudget)
}

// ExecuteWith runs op with an explicit policy and auth retry budget.
//
// Auth failures consume the auth budget and never a retry slot. Transient
// failures consume retry slots and back off. Everything else is terminal.
func ExecuteWith[T any](ctx context.Context, e *Executor, op Operation[T], policy Policy, authBudget int) (T, error) {
	var (
		zero     T
		opts     token.Options
		retries  int
		attempts int
	)

	for {
		cred, err := e.credential(ctx, opts)
		if err == nil {
			attempts++
			e.metrics.RecordCallAttempt()

			var result T
			result, err = op(ctx, cred)
			if err == nil {
				e.metrics.RecordCallResult(true)
				return result, nil
			}
		} else {
			err = fmt.Errorf("obtain credential: %w", err)
		}

		if ctx.Err() != nil {
			return zero, e.fail(classify.Classify(err), attempts, deadlineErr(ctx, err))
		}

		opts = token.Options{}
		cat := classify.Classify(err)

		switch {
		case cat == classify.AuthExpired:
			if authBudget <= 0 {
				return zero, e.fail(cat, attempts, fmt.Errorf("%w: %w", ErrAuthBudgetExhausted, err))
			}
			authBudget--
			opts = token.Options{Force: true, Stale: cred.Token}
			e.metrics.RecordAuthRetry()
			e.log.Debug("Auth failure, refreshing credential", "attempt", attempts, "auth_budget", authBudget)

		case cat.Retryable():
			if retries >= policy.MaxRetries {
				return zero, e.fail(cat, attempts, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
			}

			delay := policy.Backoff(retries, e.rand)
			if hint, ok := classify.RetryAfter(err); ok && hint > delay {
				delay = hint
				if policy.MaxDelay > 0 {
					delay = min(delay, policy.MaxDelay)
				}
			}
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= delay {
				return zero, e.fail(cat, attempts, fmt.Errorf("%w: %w", ErrDeadline, err))
			}

			retries++
			e.log.Debug("Retrying call",
				"attempt", attempts,
				"retry", retries,
				"category", cat,
				"delay", delay,
				"error", err,
			)
			if werr := e.wait(ctx, delay); werr != nil {
				if errors.Is(werr, ErrOffline) {
					return zero, e.fail(classify.RetryableNetwork, attempts, fmt.Errorf("%w: %w", werr, err))
				}
				return zero, e.fail(cat, attempts, deadlineErr(ctx, err))
			}
			e.metrics.RecordCallRetry()

		default:
			return zero, e.fail(cat, attempts, err)
		}
	}
}

func (e *Executor) credential(ctx context.Context, opts token.Options) (domain.AccessCredential, error) {
	if e.creds == nil {
		return domain.AccessCredential{}, nil
	}
	return e.creds.Credential(ctx, opts)
}

func (e *Executor) fail(cat classify.Category, attempts int, err error) error {
	e.metrics.RecordCallResult(false)
	return &Error{Category: cat, Attempts: attempts, Err: err}
}

func deadlineErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrDeadline, err)
	}
	return fmt.Errorf("%w: %w", ctx.Err(), err)
}

// wait sleeps for delay. An Offline to Online transition cuts the sleep short;
// while Offline it parks until the network returns or the offline timeout ends.
func (e *Executor) wait(ctx context.Context, delay time.Duration) error {
	var online chan struct{}
	if e.network != nil {
		online = make(chan struct{}, 1)
		unsubscribe := e.network.Subscribe(func(from domain.ConnectionStatus, info domain.ConnectionInfo) {
			if from == domain.ConnectionOffline && info.Status != domain.ConnectionOffline {
				select {
				case online <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		if e.network.IsOffline() {
			return e.park(ctx, online)
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-online:
		e.log.Debug("Network back online, retrying now")
		return nil
	case <-timer.C:
	}

	if e.network != nil && e.network.IsOffline() {
		return e.park(ctx, online)
	}
	return nil
}

func (e *Executor) park(ctx context.Context, online chan struct{}) error {
	select {
	case <-online:
	default:
	}
	if !e.network.IsOffline() {
		return nil
	}

	e.log.Debug("Network offline, suspending retries", "timeout", e.cfg.OfflineTimeout)

	timer := time.NewTimer(e.cfg.OfflineTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-online:
		return nil
	case <-timer.C:
		return ErrOffline
	}
}
