// Package app wires the dispatch subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the operational endpoints and background sweeps,
// and Shutdown tears everything down in order. Transcription jobs enter
// through [App.Submit].
//
// For testing, inject doubles via functional options (WithStore,
// WithEmitter, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lliWcWill/ytFetch-sub002/internal/config"
	"github.com/lliWcWill/ytFetch-sub002/internal/connpool"
	"github.com/lliWcWill/ytFetch-sub002/internal/dedup"
	"github.com/lliWcWill/ytFetch-sub002/internal/health"
	"github.com/lliWcWill/ytFetch-sub002/internal/jobstore"
	"github.com/lliWcWill/ytFetch-sub002/internal/observe"
	"github.com/lliWcWill/ytFetch-sub002/internal/ratelimit"
	"github.com/lliWcWill/ytFetch-sub002/internal/resilience"
	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	caller upstream.Caller

	// Subsystems: initialised in New, torn down in Shutdown.
	level    *slog.LevelVar
	metrics  *observe.Metrics
	events   observe.Emitter
	limiter  *ratelimit.Limiter
	breakers *resilience.Breakers
	dedup    *dedup.Deduplicator
	pool     *connpool.Pool
	sched    *scheduler.Scheduler
	store    jobstore.Store
	jobs     *JobManager
	health   *health.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a job store instead of creating one from config.
func WithStore(s jobstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEmitter injects the dispatch event sink. The default logs and counts
// every event through [observe.Recorder].
func WithEmitter(em observe.Emitter) Option {
	return func(a *App) { a.events = em }
}

// WithMetrics injects the metric instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload adjust the level of the logger built by main.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together around caller, which
// main.go builds from the upstream registry.
func New(ctx context.Context, cfg *config.Config, caller upstream.Caller, opts ...Option) (*App, error) {
	if caller == nil {
		return nil, errors.New("app: upstream caller is required")
	}
	a := &App{cfg: cfg, caller: caller}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.events == nil {
		a.events = observe.NewRecorder(a.metrics)
	}

	// ── 1. Job store ─────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Dispatch components ───────────────────────────────────────────
	if err := a.initDispatch(); err != nil {
		return nil, fmt.Errorf("app: init dispatch: %w", err)
	}

	// ── 3. Jobs + health ─────────────────────────────────────────────────
	a.jobs = NewJobManager(a.sched, a.store, cfg.Upstream.Model)
	a.health = health.New(
		health.Store(a.store),
		health.Breakers(a.breakers),
		health.Pool(a.pool, caller.Host()),
		health.RateLimit(a.limiter),
	)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL job store, falls back to memory, or uses
// the injected store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		a.store = jobstore.NewMemStore()
		return nil
	}
	store, err := jobstore.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("job store connected", "backend", "postgres")
	return nil
}

// initDispatch builds the limiter, breakers, deduplicator, pool and
// scheduler from config.
func (a *App) initDispatch() error {
	d := a.cfg.Dispatch
	a.limiter = ratelimit.New(ratelimit.Config{
		Capacity:        d.CapacityByModel,
		Concurrency:     d.ConcurrencyByModel,
		DefaultCapacity: d.DefaultCapacity,
		Window:          d.RateWindow,
	})

	cc := a.cfg.Circuit
	a.breakers = resilience.NewBreakers(resilience.CircuitBreakerConfig{
		MaxFailures:    cc.FailureThreshold,
		FailureWindow:  cc.FailureWindow,
		BaseCooldown:   cc.BaseCooldown,
		MaxCooldown:    cc.MaxCooldown,
		JitterFraction: cc.JitterFraction,
		OnStateChange:  scheduler.CircuitEvents(a.events),
	})

	a.dedup = dedup.New(dedup.Config{
		TTL:           a.cfg.Dedup.TTL,
		CacheFailures: a.cfg.Dedup.CacheFailures,
	})
	fpr, err := dedup.ForPolicy(dedup.Policy(a.cfg.Dedup.Policy))
	if err != nil {
		return err
	}

	p := a.cfg.Pool
	a.pool = connpool.New(a.caller.Dialer(), connpool.Config{
		MaxPerHost:     p.MaxConnectionsPerHost,
		MinIdle:        p.MinIdle,
		AcquireTimeout: p.AcquireTimeout,
		ErrorThreshold: p.ErrorThreshold,
		IdleThreshold:  p.IdleThreshold,
		SweepInterval:  p.SweepInterval,
		DialRate:       p.DialRate,
		OnExhausted: func(host string) {
			slog.Debug("connection pool exhausted", "host", host)
		},
	})
	a.closers = append(a.closers, a.pool.Close)

	ch := a.cfg.Chunking
	a.sched, err = scheduler.New(scheduler.Config{
		MaxWorkers:     d.MaxWorkers,
		MaxAttempts:    d.MaxAttempts,
		RetryBaseDelay: d.RetryBaseDelay,
		RetryMaxDelay:  d.RetryMaxDelay,
		CallTimeout:    d.CallTimeout,
		ResizeInterval: d.ResizeInterval,
		InitialLatency: d.InitialLatency,
		Chunking: scheduler.ChunkPolicy{
			Target:     ch.TargetDuration,
			Min:        ch.MinDuration,
			Max:        ch.MaxDuration,
			BlockAlign: ch.BlockAlign,
		},
	}, scheduler.Deps{
		Limiter:       a.limiter,
		Breakers:      a.breakers,
		Dedup:         a.dedup,
		Fingerprinter: fpr,
		Pool:          a.pool,
		Caller:        a.caller,
		Events:        a.events,
		Metrics:       a.metrics,
	})
	return err
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

// Submit starts a transcription job. See [JobManager.Submit].
func (a *App) Submit(ctx context.Context, sub Submission) (*JobHandle, error) {
	return a.jobs.Submit(ctx, sub)
}

// Jobs returns the job manager.
func (a *App) Jobs() *JobManager { return a.jobs }

// Store returns the job store.
func (a *App) Store() jobstore.Store { return a.store }

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the operational HTTP surface: /metrics, /healthz, /readyz
// and read-only job views.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	mux.HandleFunc("GET /jobs", a.listJobs)
	mux.HandleFunc("GET /jobs/{id}", a.getJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", a.cancelJob)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := a.store.List(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list jobs", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": a.jobs.Active(), "jobs": records})
}

func (a *App) getJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		observe.Logger(r.Context()).Error("get job", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) cancelJob(w http.ResponseWriter, r *http.Request) {
	h := a.jobs.Get(r.PathValue("id"))
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.Cancel()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the pool sweep, the dedup janitor and, when a listen address
// is configured, the HTTP server. It blocks until ctx is cancelled or the
// server fails.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)
	go a.dedup.Run(ctx, a.cfg.Dedup.SweepInterval)

	errCh := make(chan error, 1)
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		a.server = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("app: serve %s: %w", addr, err)
			}
		}()
		slog.Info("serving operational endpoints", "addr", addr, "tls", a.cfg.Server.TLS != nil)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new. It is
// shaped to be passed to [config.NewWatcher].
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DefaultCapacityChanged {
		a.limiter.SetDefaultCapacity(d.NewDefaultCapacity)
	}
	for model, c := range d.Capacity {
		if c == 0 {
			// Removed entries fall back to the default capacity.
			c = new.Dispatch.DefaultCapacity
		}
		a.limiter.SetCapacity(model, c)
		slog.Info("rate capacity changed", "model", model, "capacity", c)
	}
	for model, n := range d.Concurrency {
		a.limiter.SetConcurrency(model, n)
		slog.Info("concurrency ceiling changed", "model", model, "max_concurrent", n)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels running jobs, stops the HTTP server and tears down all
// subsystems. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_jobs", len(a.jobs.Active()), "closers", len(a.closers))

		if err := a.jobs.Close(ctx); err != nil {
			slog.Warn("jobs did not finish before the shutdown deadline", "err", err)
			shutdownErr = err
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
