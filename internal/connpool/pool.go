// Package connpool keeps a bounded set of reusable upstream connections per
// host.
//
// Connections are opened through a [Dialer], handed out as [*Record] values
// owned by exactly one caller between [Pool.Acquire] and [Pool.Release], and
// classified healthy or unhealthy by their recent transport-error history. A
// background sweep probes connections that sat idle for too long so stale
// connections are never handed to callers.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrPoolExhausted is returned when no connection became available within
	// the acquire timeout.
	ErrPoolExhausted = errors.New("connpool: pool exhausted")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("connpool: pool closed")
)

// Conn is a pooled transport handle. Callers type-assert the concrete
// connection their dialer produces.
type Conn = io.Closer

// Dialer opens and probes connections to a host.
type Dialer interface {
	// Dial opens a new connection to host.
	Dial(ctx context.Context, host string) (Conn, error)
	// Probe checks that an idle connection still works.
	Probe(ctx context.Context, c Conn) error
}

// Record is a pooled connection plus its health bookkeeping. The Conn is
// owned by the caller between Acquire and Release.
type Record struct {
	Conn Conn
	Host string

	created    time.Time
	lastUsed   time.Time
	errors     int
	healthy    bool
	checkedOut bool
}

// Age returns how long ago the connection was opened.
func (r *Record) Age(now time.Time) time.Duration { return now.Sub(r.created) }

// Healthy reports whether the record may still be handed out.
func (r *Record) Healthy() bool { return r.healthy }

// LastUsed returns when the record was last released.
func (r *Record) LastUsed() time.Time { return r.lastUsed }

// Config configures a [Pool].
type Config struct {
	// MaxPerHost bounds open connections per host. Default: 8.
	MaxPerHost int

	// MinIdle is how many idle connections the sweep keeps open per known
	// host. Default: 0.
	MinIdle int

	// AcquireTimeout bounds how long Acquire waits for a free connection
	// when the host is at MaxPerHost. Default: 10s.
	AcquireTimeout time.Duration

	// ErrorThreshold is the number of consecutive transport errors after
	// which a connection is evicted. Default: 3.
	ErrorThreshold int

	// IdleThreshold is how long a connection may sit idle before the sweep
	// probes it. Default: 90s.
	IdleThreshold time.Duration

	// SweepInterval is the period of the background sweep. Default: 30s.
	SweepInterval time.Duration

	// DialRate limits new connections per second per host. Zero disables
	// the limit.
	DialRate float64

	// ProbeTimeout bounds a single health probe. Default: 5s.
	ProbeTimeout time.Duration

	// OnExhausted, when set, is called when Acquire gives up.
	OnExhausted func(host string)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Stats is a point-in-time view of one host's pool.
type Stats struct {
	Open    int
	Idle    int
	InUse   int
	Waiting int
}

type hostPool struct {
	idle    []*Record // LIFO: most recently used last
	open    int
	waiting int
	freed   chan struct{} // closed and replaced whenever capacity frees up
	dialLim *rate.Limiter
}

// Pool manages per-host connection sets. It is safe for concurrent use.
type Pool struct {
	dialer Dialer
	cfg    Config

	mu     sync.Mutex
	hosts  map[string]*hostPool
	closed bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a [Pool]. Call [Pool.Start] to enable the background sweep.
func New(dialer Dialer, cfg Config) *Pool {
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = 8
	}
	if cfg.MinIdle > cfg.MaxPerHost {
		cfg.MinIdle = cfg.MaxPerHost
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 90 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		dialer: dialer,
		cfg:    cfg,
		hosts:  make(map[string]*hostPool),
		done:   make(chan struct{}),
	}
}

// host returns the per-host state. Must be called with p.mu held.
func (p *Pool) host(name string) *hostPool {
	hp, ok := p.hosts[name]
	if !ok {
		hp = &hostPool{freed: make(chan struct{})}
		if p.cfg.DialRate > 0 {
			hp.dialLim = rate.NewLimiter(rate.Limit(p.cfg.DialRate), max(1, int(p.cfg.DialRate)))
		}
		p.hosts[name] = hp
	}
	return hp
}

// signal wakes waiters of hp. Must be called with p.mu held.
func (hp *hostPool) signal() {
	close(hp.freed)
	hp.freed = make(chan struct{})
}

// Acquire returns a healthy connection to host. It prefers an idle
// connection, dials a new one while the host is below MaxPerHost, and
// otherwise waits up to AcquireTimeout before failing with
// [ErrPoolExhausted].
func (p *Pool) Acquire(ctx context.Context, host string) (*Record, error) {
	deadline := time.NewTimer(p.cfg.AcquireTimeout)
	defer deadline.Stop()

	p.mu.Lock()
	hp := p.host(host)
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		for len(hp.idle) > 0 {
			rec := hp.idle[len(hp.idle)-1]
			hp.idle = hp.idle[:len(hp.idle)-1]
			if !rec.healthy {
				p.evictLocked(hp, rec)
				continue
			}
			rec.checkedOut = true
			p.mu.Unlock()
			return rec, nil
		}
		if hp.open < p.cfg.MaxPerHost {
			hp.open++ // reserve the slot before dialling outside the lock
			p.mu.Unlock()
			rec, err := p.dial(ctx, host, hp)
			if err != nil {
				p.mu.Lock()
				hp.open--
				hp.signal()
				p.mu.Unlock()
				return nil, err
			}
			rec.checkedOut = true
			return rec, nil
		}

		hp.waiting++
		freed := hp.freed
		p.mu.Unlock()

		select {
		case <-freed:
			p.mu.Lock()
			hp.waiting--
		case <-deadline.C:
			p.mu.Lock()
			hp.waiting--
			p.mu.Unlock()
			slog.Warn("connection pool exhausted", "host", host, "max_per_host", p.cfg.MaxPerHost)
			if p.cfg.OnExhausted != nil {
				p.cfg.OnExhausted(host)
			}
			return nil, fmt.Errorf("%w: host %q at %d connections", ErrPoolExhausted, host, p.cfg.MaxPerHost)
		case <-ctx.Done():
			p.mu.Lock()
			hp.waiting--
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) dial(ctx context.Context, host string, hp *hostPool) (*Record, error) {
	if hp.dialLim != nil {
		if err := hp.dialLim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("connpool: dial %q: %w", host, err)
		}
	}
	c, err := p.dialer.Dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("connpool: dial %q: %w", host, err)
	}
	now := p.cfg.Now()
	slog.Debug("connection opened", "host", host)
	return &Record{Conn: c, Host: host, created: now, lastUsed: now, healthy: true}, nil
}

// Release returns rec to its pool. healthy=false counts a transport-level
// error against the connection; once ErrorThreshold consecutive errors are
// reached the connection is marked unhealthy, closed and evicted. Releasing
// a record twice is a no-op.
func (p *Pool) Release(rec *Record, healthy bool) {
	if rec == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !rec.checkedOut {
		return
	}
	rec.checkedOut = false
	hp := p.host(rec.Host)
	rec.lastUsed = p.cfg.Now()

	if healthy {
		rec.errors = 0
	} else {
		rec.errors++
		if rec.errors >= p.cfg.ErrorThreshold {
			rec.healthy = false
		}
	}
	if !rec.healthy || p.closed {
		p.evictLocked(hp, rec)
		return
	}
	hp.idle = append(hp.idle, rec)
	hp.signal()
}

// evictLocked closes rec and frees its slot. Must be called with p.mu held.
func (p *Pool) evictLocked(hp *hostPool, rec *Record) {
	rec.healthy = false
	hp.open--
	hp.signal()
	go func() {
		if err := rec.Conn.Close(); err != nil {
			slog.Debug("connection close error", "host", rec.Host, "err", err)
		}
	}()
	slog.Info("connection evicted", "host", rec.Host, "consecutive_errors", rec.errors)
}

// Stats returns the current counts for host.
func (p *Pool) Stats(host string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	hp, ok := p.hosts[host]
	if !ok {
		return Stats{}
	}
	return Stats{
		Open:    hp.open,
		Idle:    len(hp.idle),
		InUse:   hp.open - len(hp.idle),
		Waiting: hp.waiting,
	}
}

// Hosts returns every host the pool has seen.
func (p *Pool) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.hosts))
	for h := range p.hosts {
		out = append(out, h)
	}
	return out
}

// Start launches the background sweep. It stops when ctx is done or
// [Pool.Close] is called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				p.Sweep(ctx)
			}
		}
	}()
}

// Sweep probes idle connections unused for longer than IdleThreshold, evicts
// the ones that fail, and tops every known host back up to MinIdle.
func (p *Pool) Sweep(ctx context.Context) {
	now := p.cfg.Now()

	type candidate struct {
		hp  *hostPool
		rec *Record
	}
	var stale []candidate

	p.mu.Lock()
	for _, hp := range p.hosts {
		keep := hp.idle[:0]
		for _, rec := range hp.idle {
			if now.Sub(rec.lastUsed) >= p.cfg.IdleThreshold {
				rec.checkedOut = true // held by the sweep while probing
				stale = append(stale, candidate{hp, rec})
				continue
			}
			keep = append(keep, rec)
		}
		hp.idle = keep
	}
	p.mu.Unlock()

	for _, c := range stale {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := p.dialer.Probe(pctx, c.rec.Conn)
		cancel()

		p.mu.Lock()
		c.rec.checkedOut = false
		if err != nil || p.closed {
			slog.Info("idle connection failed probe", "host", c.rec.Host, "err", err)
			p.evictLocked(c.hp, c.rec)
		} else {
			c.rec.lastUsed = p.cfg.Now()
			c.hp.idle = append(c.hp.idle, c.rec)
			c.hp.signal()
		}
		p.mu.Unlock()
	}

	p.refill(ctx)
}

// refill dials replacements so each known host keeps MinIdle idle records.
func (p *Pool) refill(ctx context.Context) {
	if p.cfg.MinIdle <= 0 {
		return
	}
	for _, host := range p.Hosts() {
		for {
			p.mu.Lock()
			hp := p.host(host)
			if p.closed || len(hp.idle) >= p.cfg.MinIdle || hp.open >= p.cfg.MaxPerHost {
				p.mu.Unlock()
				break
			}
			hp.open++
			p.mu.Unlock()

			rec, err := p.dial(ctx, host, hp)
			p.mu.Lock()
			if err != nil {
				hp.open--
				hp.signal()
				p.mu.Unlock()
				slog.Warn("connection refill failed", "host", host, "err", err)
				break
			}
			hp.idle = append(hp.idle, rec)
			hp.signal()
			p.mu.Unlock()
		}
	}
}

// Close stops the sweep and closes every idle connection. Connections still
// checked out are closed when released.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var errs []error
	for _, hp := range p.hosts {
		for _, rec := range hp.idle {
			rec.healthy = false
			hp.open--
			if err := rec.Conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		hp.idle = nil
		hp.signal()
	}
	return errors.Join(errs...)
}
