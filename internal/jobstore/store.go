// Package jobstore persists transcription jobs and their final chunk states.
//
// Two implementations are provided: [MemStore] keeps records in process
// memory and [PostgresStore] writes them to PostgreSQL through pgx. Both are
// safe for concurrent use.
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
)

// StatusRunning marks a job that has been created but not completed.
const StatusRunning = "running"

// ErrUnknownJob is returned by [Store.Complete] for a job that was never
// created.
var ErrUnknownJob = errors.New("jobstore: unknown job")

// Record is the persisted view of a job.
type Record struct {
	ID       string
	Model    string
	SourceID string
	Duration time.Duration
	// Deadline is zero when the job had none.
	Deadline time.Time

	// Status is [StatusRunning] until completion, then one of the
	// [scheduler.JobStatus] values.
	Status    string
	Text      string
	Degraded  bool
	Cancelled bool
	Chunks    []ChunkRecord

	Created  time.Time
	Finished time.Time
}

// ChunkRecord is the final state of one chunk.
type ChunkRecord struct {
	Index    int           `json:"index"`
	Start    time.Duration `json:"start_ns"`
	End      time.Duration `json:"end_ns"`
	Status   string        `json:"status"`
	Attempts int           `json:"attempts"`
	Reason   string        `json:"reason,omitempty"`
	Error    string        `json:"error,omitempty"`
	Text     string        `json:"text,omitempty"`
}

// Store records job lifecycles.
type Store interface {
	// Create records a newly submitted job with status [StatusRunning].
	Create(ctx context.Context, job *scheduler.Job) error

	// Complete stores the final result of a job created earlier. It returns
	// an error wrapping [ErrUnknownJob] when no such job exists.
	Complete(ctx context.Context, res *scheduler.JobResult) error

	// Get retrieves a job by ID. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns up to limit jobs, newest first. A non-positive limit
	// returns all of them.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	Close()
}

func newRecord(job *scheduler.Job, now time.Time) Record {
	return Record{
		ID:       job.ID,
		Model:    job.Model,
		SourceID: job.Source.ID(),
		Duration: job.Duration,
		Deadline: job.Deadline,
		Status:   StatusRunning,
		Created:  now,
	}
}

// chunkRecords flattens a result's chunks, attaching each failed chunk's
// error text.
func chunkRecords(res *scheduler.JobResult) []ChunkRecord {
	errs := make(map[int]string, len(res.Errors))
	for _, e := range res.Errors {
		if e.Err != nil {
			errs[e.Index] = e.Err.Error()
		}
	}
	out := make([]ChunkRecord, len(res.Chunks))
	for i, c := range res.Chunks {
		out[i] = ChunkRecord{
			Index:    c.Index,
			Start:    c.Start,
			End:      c.End,
			Status:   string(c.Status),
			Attempts: c.Attempts,
			Reason:   c.Reason.String(),
			Error:    errs[c.Index],
			Text:     c.Text,
		}
	}
	return out
}
