// Package scheduler turns a transcription job into a bounded stream of
// upstream calls.
//
// A [Scheduler] splits the job's audio into chunks and runs a pool of
// workers over them. Every dispatch passes, in order, through the rate
// limiter, the endpoint's circuit breaker, the request deduplicator and the
// connection pool before the upstream call is made; every resource is settled
// according to the call's outcome before the chunk is marked. The number of
// active workers follows the model's rate budget and is recomputed while the
// job runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/lliWcWill/ytFetch-sub002/internal/connpool"
	"github.com/lliWcWill/ytFetch-sub002/internal/dedup"
	"github.com/lliWcWill/ytFetch-sub002/internal/observe"
	"github.com/lliWcWill/ytFetch-sub002/internal/ratelimit"
	"github.com/lliWcWill/ytFetch-sub002/internal/resilience"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// Config tunes a [Scheduler]. Zero fields take the defaults noted.
type Config struct {
	// MaxWorkers caps concurrent dispatches per job. Default: 16.
	MaxWorkers int

	// MaxAttempts is the per-chunk budget for attempts that fail with a
	// transport error or pool exhaustion. Default: 4.
	MaxAttempts int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff between
	// attempts. Defaults: 500ms and 30s.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// CallTimeout bounds a single upstream call. Calls are detached from job
	// cancellation so this is their only limit. Default: 2m.
	CallTimeout time.Duration

	// ResizeInterval is how often the worker target is recomputed.
	// Default: 2s.
	ResizeInterval time.Duration

	// Chunking controls how jobs are split.
	Chunking ChunkPolicy

	// InitialLatency seeds the per-model latency estimate before any call
	// has completed. Default: 5s.
	InitialLatency time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	c.RetryMaxDelay = max(c.RetryMaxDelay, c.RetryBaseDelay)
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.ResizeInterval <= 0 {
		c.ResizeInterval = 2 * time.Second
	}
	if c.InitialLatency <= 0 {
		c.InitialLatency = 5 * time.Second
	}
	c.Chunking = c.Chunking.withDefaults()
	return c
}

// Deps are the shared components every job dispatches through. Limiter,
// Breakers, Dedup, Pool and Caller are required.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Breakers *resilience.Breakers
	Dedup    *dedup.Deduplicator
	// Fingerprinter defaults to [dedup.ExactFingerprinter].
	Fingerprinter dedup.Fingerprinter
	Pool          *connpool.Pool
	Caller        upstream.Caller
	Events        observe.Emitter
	Metrics       *observe.Metrics
}

// Scheduler runs jobs. It is safe for concurrent use; concurrent jobs share
// the rate budget, breakers, deduplicator and pool.
type Scheduler struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	latency map[string]*latencyEWMA
}

// New creates a [Scheduler].
func New(cfg Config, deps Deps) (*Scheduler, error) {
	var errs []error
	if deps.Limiter == nil {
		errs = append(errs, errors.New("scheduler: limiter is required"))
	}
	if deps.Breakers == nil {
		errs = append(errs, errors.New("scheduler: breakers are required"))
	}
	if deps.Dedup == nil {
		errs = append(errs, errors.New("scheduler: deduplicator is required"))
	}
	if deps.Pool == nil {
		errs = append(errs, errors.New("scheduler: connection pool is required"))
	}
	if deps.Caller == nil {
		errs = append(errs, errors.New("scheduler: upstream caller is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Fingerprinter == nil {
		deps.Fingerprinter = dedup.ExactFingerprinter{}
	}
	if deps.Events == nil {
		deps.Events = observe.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		latency: make(map[string]*latencyEWMA),
	}, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) latencyFor(model string) *latencyEWMA {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.latency[model]
	if !ok {
		e = &latencyEWMA{v: float64(s.cfg.InitialLatency)}
		s.latency[model] = e
	}
	return e
}

// AvgLatency returns the current latency estimate for model.
func (s *Scheduler) AvgLatency(model string) time.Duration {
	return s.latencyFor(model).value()
}

// Budget returns the dispatch budget for job at the current moment.
func (s *Scheduler) Budget(job *Job) Budget {
	b := Budget{
		Capacity:   s.deps.Limiter.Snapshot(job.Model).Capacity,
		Window:     s.deps.Limiter.Window(),
		AvgLatency: s.AvgLatency(job.Model),
	}
	if !job.Deadline.IsZero() {
		b.Remaining = max(time.Until(job.Deadline), time.Nanosecond)
	}
	return b
}

// Plan splits job into chunks using the scheduler's policy and the model's
// current budget.
func (s *Scheduler) Plan(job *Job) []*Chunk {
	return Plan(job, s.cfg.Chunking, s.Budget(job))
}

// Admit reports whether model has rate capacity to start a job. Run makes
// the same check.
func (s *Scheduler) Admit(model string) error {
	if s.deps.Limiter.Snapshot(model).Capacity <= 0 {
		return fmt.Errorf("%w: %q", ratelimit.ErrUnknownModel, model)
	}
	return nil
}

// TargetWorkers returns the worker count for model right now.
func (s *Scheduler) TargetWorkers(model string) int {
	cb := s.deps.Breakers.Get(model)
	return TargetWorkers(
		s.deps.Limiter.Snapshot(model),
		s.deps.Limiter.Window(),
		s.AvgLatency(model),
		s.cfg.MaxWorkers,
		cb.State() != resilience.StateClosed,
	)
}

var (
	errRunDone  = errors.New("scheduler: all chunks settled")
	errRunFatal = errors.New("scheduler: upstream rejected a chunk")
)

// Run dispatches every chunk of job and assembles the result. Chunks are
// planned first when job.Chunks is empty.
//
// Run returns an error without a result only when the job cannot start. When
// ctx is cancelled the result is still returned, with Cancelled set, together
// with the context's error. Calls already on the wire complete and are
// recorded; chunks not yet dispatched are abandoned.
func (s *Scheduler) Run(ctx context.Context, job *Job) (*JobResult, error) {
	if job == nil || job.Source == nil {
		return nil, errors.New("scheduler: job has no source")
	}
	if err := s.Admit(job.Model); err != nil {
		return nil, fmt.Errorf("scheduler: job %s: %w", job.ID, err)
	}
	if len(job.Chunks) == 0 {
		s.Plan(job)
	}
	if len(job.Chunks) == 0 {
		return nil, fmt.Errorf("scheduler: job %s has no audio to dispatch", job.ID)
	}

	ctx = observe.WithJob(ctx, job.ID, job.Model)
	ctx, span := observe.StartSpan(ctx, "scheduler.Run", trace.WithAttributes(
		attribute.Int("chunks", len(job.Chunks)),
	))
	defer span.End()

	m := s.deps.Metrics
	modelAttr := metric.WithAttributes(attribute.String("model", job.Model))
	m.ActiveJobs.Add(ctx, 1, modelAttr)
	defer m.ActiveJobs.Add(context.WithoutCancel(ctx), -1, modelAttr)

	dctx := ctx
	if !job.Deadline.IsZero() {
		var cancel context.CancelFunc
		dctx, cancel = context.WithDeadline(ctx, job.Deadline)
		defer cancel()
	}
	rctx, stop := context.WithCancelCause(dctx)
	defer stop(nil)

	r := newRun(s, job, stop)
	started := time.Now()
	observe.Logger(ctx).Info("job started",
		"chunks", len(job.Chunks),
		"duration", job.Duration,
	)

	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error { r.resize(gctx); return nil })
	for id := range s.cfg.MaxWorkers {
		g.Go(func() error { r.worker(gctx, id); return nil })
	}
	_ = g.Wait()

	cancelled := ctx.Err() != nil
	deadline := !cancelled && errors.Is(dctx.Err(), context.DeadlineExceeded)
	fatal := r.finish(cancelled, deadline)

	res := assemble(job, started, r.degraded.Load(), cancelled, fatal)
	m.JobDuration.Record(context.WithoutCancel(ctx), res.Finished.Sub(started).Seconds(),
		metric.WithAttributes(attribute.String("model", job.Model), attribute.String("status", string(res.Status))))
	s.deps.Events.Emit(ctx, observe.Event{
		Kind:  observe.EventJobCompleted,
		Time:  res.Finished,
		JobID: job.ID,
		Model: job.Model,
		// Reason carries the final status for job_completed.
		Reason: string(res.Status),
		Err:    res.Err(),
	})
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Bool("degraded", res.Degraded))

	if cancelled {
		return res, fmt.Errorf("scheduler: job %s: %w", job.ID, context.Cause(ctx))
	}
	return res, nil
}

// run is the state of one [Scheduler.Run].
type run struct {
	s       *Scheduler
	job     *Job
	breaker *resilience.CircuitBreaker
	latency *latencyEWMA
	stop    context.CancelCauseFunc

	mu        sync.Mutex
	queue     []*Chunk // pending chunks, lowest index first
	remaining int      // chunks not yet terminal
	wake      chan struct{}
	fatal     *ChunkError

	target   atomic.Int64
	resizeMu sync.Mutex
	resized  chan struct{}

	degraded atomic.Bool
}

func newRun(s *Scheduler, job *Job, stop context.CancelCauseFunc) *run {
	r := &run{
		s:       s,
		job:     job,
		breaker: s.deps.Breakers.Get(job.Model),
		latency: s.latencyFor(job.Model),
		stop:    stop,
		wake:    make(chan struct{}),
		resized: make(chan struct{}),
	}
	for _, c := range job.Chunks {
		if c.Status.Terminal() {
			continue
		}
		c.Status = ChunkPending
		r.queue = append(r.queue, c)
		r.remaining++
	}
	r.target.Store(int64(s.TargetWorkers(job.Model)))
	if r.remaining == 0 {
		stop(errRunDone)
	}
	return r
}

// resize recomputes the worker target every ResizeInterval.
func (r *run) resize(ctx context.Context) {
	m := r.s.deps.Metrics
	attrs := metric.WithAttributes(attribute.String("model", r.job.Model))
	current := r.target.Load()
	m.ActiveWorkers.Add(ctx, current, attrs)
	defer func() { m.ActiveWorkers.Add(context.WithoutCancel(ctx), -r.target.Load(), attrs) }()

	ticker := time.NewTicker(r.s.cfg.ResizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n := int64(r.s.TargetWorkers(r.job.Model))
		if old := r.target.Swap(n); old != n {
			m.ActiveWorkers.Add(ctx, n-old, attrs)
			observe.Logger(ctx).Debug("worker target changed", "from", old, "to", n)
			r.resizeMu.Lock()
			close(r.resized)
			r.resized = make(chan struct{})
			r.resizeMu.Unlock()
		}
	}
}

// park blocks worker id while it is above the target. It reports false when
// the run is over.
func (r *run) park(ctx context.Context, id int) bool {
	for int64(id) >= r.target.Load() {
		r.resizeMu.Lock()
		ch := r.resized
		r.resizeMu.Unlock()
		if int64(id) < r.target.Load() {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
	return ctx.Err() == nil
}

func (r *run) worker(ctx context.Context, id int) {
	for {
		if !r.park(ctx, id) {
			return
		}
		c, ok := r.next(ctx)
		if !ok {
			return
		}
		r.dispatch(ctx, c)
	}
}

// next takes the lowest-index chunk whose backoff has elapsed, waiting when
// none is ready.
func (r *run) next(ctx context.Context) (*Chunk, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		now := time.Now()
		r.mu.Lock()
		var earliest time.Time
		for i, c := range r.queue {
			if !c.notBefore.After(now) {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				c.Status = ChunkInFlight
				r.mu.Unlock()
				return c, true
			}
			if earliest.IsZero() || c.notBefore.Before(earliest) {
				earliest = c.notBefore
			}
		}
		wake := r.wake
		r.mu.Unlock()

		var t *time.Timer
		var timer <-chan time.Time
		if !earliest.IsZero() {
			t = time.NewTimer(earliest.Sub(now))
			timer = t.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// notifyLocked wakes workers waiting in next. r.mu must be held.
func (r *run) notifyLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// requeue returns c to the queue, eligible again after delay.
func (r *run) requeue(c *Chunk, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Status = ChunkPending
	c.notBefore = time.Now().Add(delay)
	i := len(r.queue)
	for j, q := range r.queue {
		if q.Index > c.Index {
			i = j
			break
		}
	}
	r.queue = append(r.queue, nil)
	copy(r.queue[i+1:], r.queue[i:])
	r.queue[i] = c
	r.notifyLocked()
}

// settleLocked marks c terminal. r.mu must be held.
func (r *run) settleLocked(c *Chunk, status ChunkStatus, reason Reason, err error) {
	c.Status = status
	c.Reason = reason
	c.Err = err
	r.remaining--
	if r.remaining == 0 {
		r.stop(errRunDone)
	}
	r.notifyLocked()
}

// finish settles every chunk left after the workers stopped and reports
// whether the job failed fatally.
func (r *run) finish(cancelled, deadline bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.job.Chunks {
		if c.Status.Terminal() {
			continue
		}
		switch {
		case r.fatal != nil:
			c.Status, c.Reason, c.Err = ChunkAbandoned, Cancelled, fmt.Errorf("%w: %w", errAbandoned, r.fatal)
		case deadline && !cancelled:
			c.Status, c.Reason, c.Err = ChunkFailed, RateLimitExceeded, fmt.Errorf("job deadline passed: %w", context.DeadlineExceeded)
		default:
			c.Status, c.Reason, c.Err = ChunkAbandoned, Cancelled, errAbandoned
		}
	}
	r.queue = nil
	return r.fatal != nil
}

// dispatch runs one attempt for c through limiter, breaker, deduplicator and
// pool, then settles every resource by outcome.
func (r *run) dispatch(ctx context.Context, c *Chunk) {
	d := r.s.deps
	model := r.job.Model

	payload, err := r.read(c)
	if err != nil {
		r.mu.Lock()
		c.Attempts++
		r.settleLocked(c, ChunkFailed, TransportError, err)
		r.mu.Unlock()
		r.emitFailed(ctx, c, TransportError, err)
		return
	}

	waitStart := time.Now()
	tok, err := d.Limiter.Wait(ctx, model)
	if err != nil {
		if interrupted(ctx, err) {
			r.requeue(c, 0)
			return
		}
		// The model lost its capacity after the job started, e.g. a reload
		// removed its entry with no default to fall back on.
		r.mu.Lock()
		r.settleLocked(c, ChunkFailed, RateLimitExceeded, err)
		r.mu.Unlock()
		r.emitFailed(ctx, c, RateLimitExceeded, err)
		return
	}
	d.Metrics.RateWait.Record(ctx, time.Since(waitStart).Seconds(), metric.WithAttributes(attribute.String("model", model)))
	d.Events.Emit(ctx, observe.Event{Kind: observe.EventTokenReserved, Time: time.Now(), JobID: r.job.ID, Model: model, Chunk: c.Index})

	permit, err := r.breaker.Allow()
	if err != nil {
		_ = d.Limiter.Release(tok, ratelimit.OutcomeCancelled)
		r.degraded.Store(true)
		r.emitFailed(ctx, c, CircuitOpen, err)
		r.mu.Lock()
		c.Reason, c.Err = CircuitOpen, err
		r.mu.Unlock()
		r.requeue(c, r.circuitDelay())
		return
	}

	fp := d.Fingerprinter.Fingerprint(dedup.Key{
		Endpoint: model,
		Language: r.job.Language,
		Payload:  payload,
		SourceID: r.job.Source.ID(),
		Start:    c.Start,
		End:      c.End,
	})
	h, role := d.Dedup.Dedupe(fp)
	if role == dedup.Follow {
		_ = d.Limiter.Release(tok, ratelimit.OutcomeCancelled)
		r.breaker.Report(permit, resilience.OutcomeCancelled)
		d.Events.Emit(ctx, observe.Event{Kind: observe.EventDedupHit, Time: time.Now(), JobID: r.job.ID, Model: model, Chunk: c.Index})
		res, err := h.Wait(ctx)
		if interrupted(ctx, err) || errors.Is(err, dedup.ErrAbandoned) {
			r.requeue(c, 0)
			return
		}
		resp, _ := res.(upstream.Response)
		r.settle(ctx, c, resp, err)
		return
	}

	host := d.Caller.Host()
	rec, err := d.Pool.Acquire(ctx, host)
	if err != nil {
		_ = d.Limiter.Release(tok, ratelimit.OutcomeCancelled)
		if interrupted(ctx, err) {
			// Waiting on our own deadline or cancellation says nothing about
			// the endpoint, and followers from other jobs must retry.
			r.breaker.Report(permit, resilience.OutcomeCancelled)
			h.Abandon()
			r.requeue(c, 0)
			return
		}
		switch {
		case errors.Is(err, connpool.ErrPoolExhausted):
			r.breaker.Report(permit, resilience.OutcomeCancelled)
			d.Events.Emit(ctx, observe.Event{Kind: observe.EventPoolExhausted, Time: time.Now(), JobID: r.job.ID, Model: model, Endpoint: host, Chunk: c.Index, Err: err})
		case errors.Is(err, connpool.ErrClosed):
			r.breaker.Report(permit, resilience.OutcomeCancelled)
		case upstream.Classify(err) == upstream.KindTransport:
			// The dial itself reached the endpoint and failed.
			r.breaker.Report(permit, resilience.OutcomeFailure)
		default:
			r.breaker.Report(permit, resilience.OutcomeCancelled)
		}
		h.Resolve(nil, err)
		r.settle(ctx, c, upstream.Response{}, err)
		return
	}

	resp, err := r.call(ctx, rec.Conn, c, payload)

	kind := upstream.Classify(err)
	switch {
	case err == nil:
		d.Pool.Release(rec, true)
		_ = d.Limiter.Release(tok, ratelimit.OutcomeSuccess)
		r.breaker.Report(permit, resilience.OutcomeSuccess)
	case kind == upstream.KindThrottled:
		d.Pool.Release(rec, true)
		_ = d.Limiter.Release(tok, ratelimit.OutcomeFailure)
		r.breaker.Report(permit, resilience.OutcomeCancelled)
		d.Limiter.Throttle(model, time.Now().Add(r.throttleDelay(err)))
	case kind == upstream.KindRejected:
		d.Pool.Release(rec, true)
		_ = d.Limiter.Release(tok, ratelimit.OutcomeFailure)
		r.breaker.Report(permit, resilience.OutcomeSuccess)
	case kind == upstream.KindCancelled:
		d.Pool.Release(rec, false)
		_ = d.Limiter.Release(tok, ratelimit.OutcomeCancelled)
		r.breaker.Report(permit, resilience.OutcomeCancelled)
	default:
		d.Pool.Release(rec, false)
		_ = d.Limiter.Release(tok, ratelimit.OutcomeFailure)
		r.breaker.Report(permit, resilience.OutcomeFailure)
	}
	if err == nil {
		h.Resolve(resp, nil)
	} else {
		h.Resolve(nil, err)
	}
	r.settle(ctx, c, resp, err)
}

// call performs the upstream request on a context detached from job
// cancellation and bounded by CallTimeout.
func (r *run) call(ctx context.Context, conn io.Closer, c *Chunk, payload []byte) (upstream.Response, error) {
	d := r.s.deps
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.s.cfg.CallTimeout)
	defer cancel()
	callCtx, span := observe.StartSpan(callCtx, "upstream.Call", trace.WithAttributes(
		observe.AttrProvider.String(d.Caller.Name()),
		observe.AttrChunk.Int(c.Index),
	))
	defer span.End()

	inflight := metric.WithAttributes(attribute.String("model", r.job.Model))
	d.Metrics.InFlightCalls.Add(callCtx, 1, inflight)
	defer d.Metrics.InFlightCalls.Add(callCtx, -1, inflight)

	start := time.Now()
	resp, err := d.Caller.Call(callCtx, conn, upstream.Request{
		Model:    r.job.Model,
		Audio:    payload,
		Format:   r.job.Format,
		Language: r.job.Language,
		Index:    c.Index,
	})
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = upstream.Classify(err).String()
		span.RecordError(err)
	} else {
		r.latency.observe(elapsed)
	}
	d.Metrics.RecordCall(callCtx, d.Caller.Name(), r.job.Model, outcome, elapsed.Seconds())
	return resp, err
}

// settle applies the outcome of an attempt to c.
func (r *run) settle(ctx context.Context, c *Chunk, resp upstream.Response, err error) {
	reason := reasonFor(err)
	switch reason {
	case ReasonNone:
		r.mu.Lock()
		c.Attempts++
		c.Text = resp.Text
		r.settleLocked(c, ChunkSucceeded, ReasonNone, nil)
		r.mu.Unlock()
		r.s.deps.Events.Emit(ctx, observe.Event{Kind: observe.EventChunkSucceeded, Time: time.Now(), JobID: r.job.ID, Model: r.job.Model, Chunk: c.Index, Attempt: c.Attempts})

	case Cancelled:
		r.requeue(c, 0)

	case RateLimitExceeded:
		r.mu.Lock()
		c.Reason, c.Err = reason, err
		r.mu.Unlock()
		r.emitFailed(ctx, c, reason, err)
		r.requeue(c, r.throttleDelay(err))

	case UpstreamRejected:
		r.mu.Lock()
		c.Attempts++
		r.settleLocked(c, ChunkFailed, reason, err)
		if r.fatal == nil {
			r.fatal = &ChunkError{Index: c.Index, Reason: reason, Attempts: c.Attempts, Err: err}
		}
		r.mu.Unlock()
		r.emitFailed(ctx, c, reason, err)
		observe.Logger(ctx).Error("upstream rejected chunk, failing job", "chunk", c.Index, "err", err)
		r.stop(errRunFatal)

	default: // TransportError, PoolExhausted
		r.mu.Lock()
		c.Attempts++
		attempts := c.Attempts
		exhausted := attempts >= r.s.cfg.MaxAttempts
		if exhausted {
			r.settleLocked(c, ChunkFailed, reason, err)
		} else {
			c.Reason, c.Err = reason, err
		}
		r.mu.Unlock()
		r.emitFailed(ctx, c, reason, err)
		if !exhausted {
			r.requeue(c, r.backoff(attempts))
		}
	}
}

// interrupted reports whether err is the run's own cancellation rather than
// an upstream outcome.
func interrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func reasonFor(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	if errors.Is(err, connpool.ErrPoolExhausted) {
		return PoolExhausted
	}
	switch upstream.Classify(err) {
	case upstream.KindThrottled:
		return RateLimitExceeded
	case upstream.KindRejected:
		return UpstreamRejected
	case upstream.KindCancelled:
		return Cancelled
	default:
		return TransportError
	}
}

func (r *run) emitFailed(ctx context.Context, c *Chunk, reason Reason, err error) {
	r.s.deps.Events.Emit(ctx, observe.Event{
		Kind:    observe.EventChunkFailed,
		Time:    time.Now(),
		JobID:   r.job.ID,
		Model:   r.job.Model,
		Chunk:   c.Index,
		Attempt: c.Attempts,
		Reason:  reason.String(),
		Err:     err,
	})
}

func (r *run) read(c *Chunk) ([]byte, error) {
	buf := make([]byte, c.Length)
	n, err := r.job.Source.ReadAt(buf, c.Offset)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read chunk %d at offset %d: %w", c.Index, c.Offset, err)
}

// backoff returns the delay before attempt n+1: exponential in n, capped at
// RetryMaxDelay, with the upper half jittered.
func (r *run) backoff(n int) time.Duration {
	d := r.s.cfg.RetryBaseDelay
	for i := 1; i < n && d < r.s.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, r.s.cfg.RetryMaxDelay)
	return d/2 + r.jitter(d/2)
}

// circuitDelay is how long a chunk rejected by the breaker waits before it
// competes for a rate token again. RetryAfter is zero while a half-open trial call
// is in flight, so the floor is the first backoff step.
func (r *run) circuitDelay() time.Duration {
	return r.breaker.RetryAfter() + r.backoff(1)
}

func (r *run) jitter(upTo time.Duration) time.Duration {
	if upTo <= 0 {
		return 0
	}
	return rand.N(upTo)
}

// throttleDelay is the upstream's Retry-After, or the base retry delay when
// none was sent.
func (r *run) throttleDelay(err error) time.Duration {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.RetryAfter > 0 {
		return ue.RetryAfter
	}
	return r.s.cfg.RetryBaseDelay
}

// CircuitEvents returns a breaker state-change listener that reports
// circuit_opened and circuit_closed through em.
func CircuitEvents(em observe.Emitter) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		var kind observe.EventKind
		switch to {
		case resilience.StateOpen:
			kind = observe.EventCircuitOpened
		case resilience.StateClosed:
			kind = observe.EventCircuitClosed
		default:
			return
		}
		em.Emit(context.Background(), observe.Event{
			Kind:     kind,
			Time:     time.Now(),
			Model:    name,
			Endpoint: name,
			Reason:   from.String(),
		})
	}
}
