package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/jobstore"
	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
)

// storeTimeout bounds the final store write of a job.
const storeTimeout = 10 * time.Second

var (
	// ErrShuttingDown is returned by Submit once shutdown has begun.
	ErrShuttingDown = errors.New("app: shutting down")

	// ErrJobCancelled is the cancellation cause set by [JobHandle.Cancel].
	ErrJobCancelled = errors.New("app: job cancelled")
)

// Submission describes a transcription request.
type Submission struct {
	// Source is the raw PCM to transcribe.
	Source scheduler.Source

	// Format describes Source. Zero means [audio.DefaultFormat].
	Format audio.Format

	// DurationHint overrides the duration derived from the source size.
	DurationHint time.Duration

	// Model selects the rate budget and breaker. Empty uses the configured
	// upstream model.
	Model string

	// Language is passed to the upstream. Empty lets it auto-detect.
	Language string

	// Deadline, when set, bounds the whole job.
	Deadline time.Time
}

// JobInfo holds metadata about a running job.
type JobInfo struct {
	ID        string
	Model     string
	SourceID  string
	Chunks    int
	Deadline  time.Time
	StartedAt time.Time
}

// JobHandle tracks one submitted job. All methods are safe for concurrent use.
type JobHandle struct {
	info   JobInfo
	cancel context.CancelCauseFunc
	done   chan struct{}

	// Set before done is closed.
	res *scheduler.JobResult
	err error
}

// ID returns the job ID.
func (h *JobHandle) ID() string { return h.info.ID }

// Info returns the job metadata.
func (h *JobHandle) Info() JobInfo { return h.info }

// Done is closed when the job has finished and its result is stored.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// Cancel stops dispatching new chunks. Calls already in flight complete and
// are recorded. Cancel does not wait; use [JobHandle.Wait].
func (h *JobHandle) Cancel() { h.cancel(ErrJobCancelled) }

// Wait blocks until the job finishes or ctx is done. The result is returned
// even when err is non-nil, as long as the job finished.
func (h *JobHandle) Wait(ctx context.Context) (*scheduler.JobResult, error) {
	select {
	case <-h.done:
		return h.res, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JobManager runs submitted jobs on a [scheduler.Scheduler] and records them
// in a [jobstore.Store]. Any number of jobs may run at once; they share the
// scheduler's rate budget.
type JobManager struct {
	sched        *scheduler.Scheduler
	store        jobstore.Store
	defaultModel string

	mu      sync.Mutex
	active  map[string]*JobHandle
	closing bool
	wg      sync.WaitGroup
}

// NewJobManager creates a JobManager. defaultModel is used for submissions
// that name no model.
func NewJobManager(sched *scheduler.Scheduler, store jobstore.Store, defaultModel string) *JobManager {
	return &JobManager{
		sched:        sched,
		store:        store,
		defaultModel: defaultModel,
		active:       make(map[string]*JobHandle),
	}
}

// Submit plans the job, records it and starts it in the background. The job
// keeps running after ctx is done; ctx only bounds the submission itself and
// lends its values (trace, logger attributes) to the job.
func (m *JobManager) Submit(ctx context.Context, sub Submission) (*JobHandle, error) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		return nil, ErrShuttingDown
	}

	format := sub.Format
	if format == (audio.Format{}) {
		format = audio.DefaultFormat
	}
	model := cmp.Or(sub.Model, m.defaultModel)
	if err := m.sched.Admit(model); err != nil {
		return nil, fmt.Errorf("app: submit: %w", err)
	}

	job, err := scheduler.NewJob(sub.Source, format, sub.DurationHint, model)
	if err != nil {
		return nil, fmt.Errorf("app: submit: %w", err)
	}
	job.Language = sub.Language
	job.Deadline = sub.Deadline
	job.Chunks = m.sched.Plan(job)

	if err := m.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("app: submit: %w", err)
	}

	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	h := &JobHandle{
		info: JobInfo{
			ID:        job.ID,
			Model:     job.Model,
			SourceID:  job.Source.ID(),
			Chunks:    len(job.Chunks),
			Deadline:  job.Deadline,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closing {
		// Shutdown began after the job was recorded.
		m.mu.Unlock()
		cancel(ErrShuttingDown)
		res := stoppedResult(job, h.info.StartedAt)
		res.Cancelled = true
		m.complete(ctx, res)
		return nil, ErrShuttingDown
	}
	m.active[job.ID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("job submitted",
		"job_id", job.ID,
		"model", job.Model,
		"source", h.info.SourceID,
		"duration", job.Duration,
		"chunks", len(job.Chunks),
	)

	go m.run(jobCtx, h, job)
	return h, nil
}

func (m *JobManager) run(ctx context.Context, h *JobHandle, job *scheduler.Job) {
	defer m.wg.Done()
	defer h.cancel(nil)

	res, err := m.sched.Run(ctx, job)
	if res != nil {
		m.complete(ctx, res)
	} else {
		slog.Error("job could not start", "job_id", job.ID, "err", err)
		m.complete(ctx, stoppedResult(job, h.info.StartedAt))
	}

	m.mu.Lock()
	delete(m.active, job.ID)
	m.mu.Unlock()

	h.res, h.err = res, err
	close(h.done)
}

// complete records the final state of a job. The write outlives ctx.
func (m *JobManager) complete(ctx context.Context, res *scheduler.JobResult) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := m.store.Complete(sctx, res); err != nil {
		slog.Error("failed to store job result", "job_id", res.JobID, "err", err)
	}
}

// stoppedResult is the failed result of a job that never dispatched a chunk.
func stoppedResult(job *scheduler.Job, started time.Time) *scheduler.JobResult {
	return &scheduler.JobResult{
		JobID:    job.ID,
		Status:   scheduler.StatusFailed,
		Started:  started,
		Finished: time.Now().UTC(),
	}
}

// Get returns the handle of a running job, or nil.
func (m *JobManager) Get(id string) *JobHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// Active returns the running jobs ordered by start time.
func (m *JobManager) Active() []JobInfo {
	m.mu.Lock()
	out := make([]JobInfo, 0, len(m.active))
	for _, h := range m.active {
		out = append(out, h.info)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b JobInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Close rejects new submissions, cancels every running job and waits for
// them to finish or ctx to expire.
func (m *JobManager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for _, h := range m.active {
		h.cancel(ErrShuttingDown)
	}
	n := len(m.active)
	m.mu.Unlock()

	if n > 0 {
		slog.Info("cancelling running jobs", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: waiting for jobs: %w", ctx.Err())
	}
}
