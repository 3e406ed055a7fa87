package scheduler

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
)

// Source is the audio a job transcribes: raw 16-bit PCM readable at
// arbitrary offsets.
type Source interface {
	io.ReaderAt
	Size() int64
	ID() string
}

type sectionSource struct {
	*io.SectionReader
	id string
}

func (s sectionSource) ID() string { return s.id }

// NewSource exposes n bytes of r starting at off as a [Source]. Use it to
// skip a WAV header.
func NewSource(id string, r io.ReaderAt, off, n int64) Source {
	return sectionSource{SectionReader: io.NewSectionReader(r, off, n), id: id}
}

// BytesSource wraps an in-memory PCM buffer.
func BytesSource(id string, pcm []byte) Source {
	return NewSource(id, bytesReaderAt(pcm), 0, int64(len(pcm)))
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ChunkStatus is the lifecycle state of a [Chunk].
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkInFlight  ChunkStatus = "in_flight"
	ChunkSucceeded ChunkStatus = "succeeded"
	ChunkFailed    ChunkStatus = "failed"
	ChunkAbandoned ChunkStatus = "abandoned"
)

// Terminal reports whether no further attempt will be made.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkSucceeded || s == ChunkFailed || s == ChunkAbandoned
}

// Chunk is one slice of a job dispatched as a single upstream call. A chunk is
// either queued or held by exactly one worker.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
	Start  time.Duration
	End    time.Duration

	Status   ChunkStatus
	Attempts int
	Reason   Reason
	Err      error
	Text     string

	notBefore time.Time
}

// Job is a transcription request split into chunks. It is owned by the
// scheduler for the duration of [Scheduler.Run].
type Job struct {
	ID       string
	Source   Source
	Format   audio.Format
	Duration time.Duration
	Model    string
	Language string
	// Deadline, when set, bounds the whole job. Chunks still waiting for rate
	// budget when it passes fail with [RateLimitExceeded].
	Deadline time.Time
	Chunks   []*Chunk
}

// NewJob builds a job for src. The duration is derived from the source size
// and format unless durationHint is positive.
func NewJob(src Source, format audio.Format, durationHint time.Duration, model string) (*Job, error) {
	if src == nil || src.Size() <= 0 {
		return nil, errors.New("scheduler: empty source")
	}
	if !format.Valid() {
		return nil, fmt.Errorf("scheduler: invalid audio format %+v", format)
	}
	if model == "" {
		return nil, errors.New("scheduler: model must not be empty")
	}
	d := durationHint
	if d <= 0 {
		d = format.Duration(src.Size())
	}
	return &Job{
		ID:       uuid.NewString(),
		Source:   src,
		Format:   format,
		Duration: d,
		Model:    model,
	}, nil
}

// JobStatus is the overall outcome of a job.
type JobStatus string

const (
	StatusSucceeded JobStatus = "succeeded"
	StatusPartial   JobStatus = "partial"
	StatusFailed    JobStatus = "failed"
)

// ChunkResult is the final state of one chunk.
type ChunkResult struct {
	Index    int
	Start    time.Duration
	End      time.Duration
	Status   ChunkStatus
	Attempts int
	Reason   Reason
	Text     string
}

// JobResult is what [Scheduler.Run] reports.
type JobResult struct {
	JobID  string
	Status JobStatus
	// Text is the succeeded chunks' transcripts joined in sequence order.
	Text   string
	Chunks []ChunkResult
	Errors []*ChunkError
	// Degraded is set when the circuit breaker rejected chunks of this job.
	Degraded  bool
	Cancelled bool
	Started   time.Time
	Finished  time.Time
}

// Err joins the errors of every chunk that did not succeed.
func (r *JobResult) Err() error {
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// assemble builds the result from the final chunk states.
func assemble(job *Job, started time.Time, degraded, cancelled, fatal bool) *JobResult {
	res := &JobResult{
		JobID:     job.ID,
		Chunks:    make([]ChunkResult, len(job.Chunks)),
		Degraded:  degraded,
		Cancelled: cancelled,
		Started:   started,
		Finished:  time.Now(),
	}
	var texts []string
	succeeded := 0
	// job.Chunks is ordered by Index.
	for i, c := range job.Chunks {
		res.Chunks[i] = ChunkResult{
			Index:    c.Index,
			Start:    c.Start,
			End:      c.End,
			Status:   c.Status,
			Attempts: c.Attempts,
			Reason:   c.Reason,
			Text:     c.Text,
		}
		if c.Status == ChunkSucceeded {
			succeeded++
			if t := strings.TrimSpace(c.Text); t != "" {
				texts = append(texts, t)
			}
			continue
		}
		res.Errors = append(res.Errors, &ChunkError{Index: c.Index, Reason: c.Reason, Attempts: c.Attempts, Err: c.Err})
	}
	res.Text = strings.Join(texts, " ")

	switch {
	case fatal || succeeded == 0:
		res.Status = StatusFailed
	case succeeded == len(job.Chunks):
		res.Status = StatusSucceeded
	default:
		res.Status = StatusPartial
	}
	return res
}
