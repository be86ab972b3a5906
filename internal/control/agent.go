// Package control wires the resilience components from configuration and runs
// their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/resilience/internal/core/config"
	"github.com/vietddude/resilience/internal/core/domain"
	"github.com/vietddude/resilience/internal/infra/auth"
	"github.com/vietddude/resilience/internal/infra/notify"
	"github.com/vietddude/resilience/internal/infra/session"
	"github.com/vietddude/resilience/internal/infra/transport"
	"github.com/vietddude/resilience/internal/resilience/metrics"
	"github.com/vietddude/resilience/internal/resilience/network"
	"github.com/vietddude/resilience/internal/resilience/retry"
	"github.com/vietddude/resilience/internal/resilience/scheduler"
	"github.com/vietddude/resilience/internal/resilience/token"
	"github.com/vietddude/resilience/internal/status"
)

// Agent owns one session: its credential coordinator, the network monitor,
// the retry executor for outbound calls and the proactive scheduler.
type Agent struct {
	cfg *config.AppConfig
	log *slog.Logger

	metrics   *metrics.Metrics
	store     session.Store
	coord     *token.Coordinator
	monitor   *network.Monitor
	executor  *retry.Executor
	scheduler *scheduler.Scheduler
	api       *transport.Client
	status    *status.Server

	closers []func() error

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewAgent builds every component from cfg. Connections opened here are
// released by Close (or Stop).
func NewAgent(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:     cfg,
		log:     logger,
		metrics: metrics.New(),
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.openStore(ctx, rdb); err != nil {
		a.Close()
		return nil, err
	}

	sinks := notify.Multi{notify.NewLogSink(logger)}
	if rdb != nil && cfg.Notify.RedisChannel != "" {
		sinks = append(sinks, notify.NewRedisSink(rdb, cfg.Notify.RedisChannel, cfg.Session.ID, logger))
	}

	exchange := auth.NewHTTPExchange(auth.Config{
		URL:      cfg.Auth.RefreshURL,
		ClientID: cfg.Auth.ClientID,
		Timeout:  cfg.Auth.RefreshTimeout,
	})
	a.coord = token.NewCoordinator(token.Config{
		NearExpiryThreshold: cfg.Auth.NearExpiryThreshold,
		MinRefreshInterval:  cfg.Auth.MinInterval(),
		RefreshTimeout:      cfg.Auth.RefreshTimeout,
	}, exchange, a.store, sinks, a.metrics, logger.With("component", "token"))

	prober, err := a.newProber()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.monitor = network.NewMonitor(network.Config{
		Interval:         cfg.Network.Interval,
		Timeout:          cfg.Network.Timeout,
		QuickTimeout:     cfg.Network.QuickTimeout,
		SlowDownlinkMbps: cfg.Network.SlowDownlinkMbps,
		SlowRTT:          cfg.Network.SlowRTT,
	}, prober, a.metrics, logger.With("component", "network"))

	policy := retry.Policy{
		MaxRetries:        cfg.Retry.Retries(),
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Jitter:            cfg.Retry.JitterEnabled(),
	}
	if err := policy.Validate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	a.executor = retry.NewExecutor(retry.Config{
		Policy:          policy,
		AuthRetryBudget: cfg.Retry.Budget(),
		OfflineTimeout:  cfg.Retry.OfflineTimeout,
	}, a.coord, a.monitor, a.metrics, logger.With("component", "retry"))

	a.scheduler = scheduler.New(scheduler.Config{
		CheckInterval:    cfg.Auth.CheckInterval,
		RefreshThreshold: cfg.Auth.RefreshThreshold,
	}, a.coord, sinks, logger.With("component", "scheduler"))

	if cfg.API.BaseURL != "" {
		a.api = transport.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
	}

	a.status = status.NewServer(cfg.Server.Port, a.monitor, a.coord, a.scheduler, a.metrics)

	return a, nil
}

func (a *Agent) openRedis(ctx context.Context) (*redis.Client, error) {
	needed := a.cfg.Session.Backend == config.BackendRedis || a.cfg.Notify.RedisChannel != ""
	if !needed {
		return nil, nil
	}
	rdb, err := session.NewRedisClient(ctx, a.cfg.Session.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}
	a.closers = append(a.closers, rdb.Close)
	return rdb, nil
}

func (a *Agent) openStore(ctx context.Context, rdb *redis.Client) error {
	sc := a.cfg.Session
	switch sc.Backend {
	case config.BackendRedis:
		a.store = session.NewRedisStore(rdb, sc.ID, sc.Redis)
		a.log.Info("Using Redis session store")
	case config.BackendPostgres:
		db, err := session.OpenPostgres(ctx, sc.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.store = session.NewPostgresStore(db, sc.ID)
		a.log.Info("Using PostgreSQL session store")
	default:
		a.store = session.NewMemoryStore(sc.ID)
		a.log.Info("Using Memory session store")
	}
	return nil
}

func (a *Agent) newProber() (network.Prober, error) {
	nc := a.cfg.Network
	switch {
	case nc.ProbeGRPCTarget != "":
		p, err := network.NewGRPCProber(nc.ProbeGRPCTarget, nc.ProbeGRPCService)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		return p, nil
	case nc.ProbeURL != "":
		return network.NewHTTPProber(nc.ProbeURL), nil
	case a.cfg.API.BaseURL != "":
		return network.NewHTTPProber(a.cfg.API.BaseURL), nil
	default:
		a.log.Warn("No probe target configured, relying on platform signals only")
		return nil, nil
	}
}

// Start restores the stored session and starts the background loops.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	if err := a.coord.Load(ctx); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return err
		}
		a.log.Warn("No stored session, waiting for login")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.runCtx = ctx
	a.cancel = cancel
	a.running = true

	// Start Status Server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.status.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Status server failed", "error", err)
		}
	}()

	// Start Network Monitor
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor.Run(ctx)
	}()

	a.scheduler.Start(ctx)

	a.log.Info("Agent started", "port", a.cfg.Server.Port, "session", a.cfg.Session.ID)
	return nil
}

// Stop halts the loops, shuts down the status server and closes connections.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return a.Close()
	}
	a.running = false
	a.mu.Unlock()

	a.log.Info("Stopping Agent...")
	a.scheduler.Stop()
	a.cancel()

	var errs []error
	if err := a.status.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("status server: %w", err))
	}
	a.wg.Wait()

	errs = append(errs, a.Close())
	return errors.Join(errs...)
}

// Close releases connections opened by NewAgent.
func (a *Agent) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Login installs credentials obtained out of band. While the agent runs it
// also re-arms the scheduler, which stops when a session ends.
func (a *Agent) Login(ctx context.Context, access domain.AccessCredential, refresh domain.RefreshCredential) error {
	if err := a.coord.SetCredential(ctx, access, refresh); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.scheduler.Start(a.runCtx)
	}
	return nil
}

// Call sends a request to the configured API through the retry executor.
func (a *Agent) Call(ctx context.Context, method, path string, body, out any) error {
	if a.api == nil {
		return errors.New("api.base_url is not configured")
	}
	return a.executor.Do(ctx, func(ctx context.Context, cred domain.AccessCredential) error {
		return a.api.Do(ctx, cred, method, path, body, out)
	})
}

// Coordinator returns the credential coordinator.
func (a *Agent) Coordinator() *token.Coordinator { return a.coord }

// Monitor returns the network monitor.
func (a *Agent) Monitor() *network.Monitor { return a.monitor }

// Executor returns the retry executor.
func (a *Agent) Executor() *retry.Executor { return a.executor }

// Scheduler returns the proactive refresh scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Metrics returns the shared counters.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// StatusHandler exposes the status routes.
func (a *Agent) StatusHandler() http.Handler { return a.status.Handler() }
