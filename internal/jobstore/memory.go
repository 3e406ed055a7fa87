package jobstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Records are lost on restart.
type MemStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Record
	order []string
	now   func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*Record), now: time.Now}
}

func (s *MemStore) Create(_ context.Context, job *scheduler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("jobstore: job %q already exists", job.ID)
	}
	r := newRecord(job, s.now())
	s.jobs[job.ID] = &r
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemStore) Complete(_ context.Context, res *scheduler.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[res.JobID]
	if !ok {
		return fmt.Errorf("jobstore: complete %q: %w", res.JobID, ErrUnknownJob)
	}
	r.Status = string(res.Status)
	r.Text = res.Text
	r.Degraded = res.Degraded
	r.Cancelled = res.Cancelled
	r.Chunks = chunkRecords(res)
	r.Finished = res.Finished
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	cp.Chunks = slices.Clone(r.Chunks)
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit > 0 {
		n = min(n, limit)
	}
	out := make([]Record, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		r := *s.jobs[s.order[i]]
		r.Chunks = slices.Clone(r.Chunks)
		out = append(out, r)
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Close() {}
