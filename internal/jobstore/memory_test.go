package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
)

func testJob(t *testing.T) *scheduler.Job {
	t.Helper()
	pcm := make([]byte, 2*audio.DefaultFormat.BytesPerSecond())
	job, err := scheduler.NewJob(scheduler.BytesSource("episode-1", pcm), audio.DefaultFormat, 0, "whisper-1")
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func testResult(job *scheduler.Job) *scheduler.JobResult {
	return &scheduler.JobResult{
		JobID:  job.ID,
		Status: scheduler.StatusPartial,
		Text:   "hello",
		Chunks: []scheduler.ChunkResult{
			{Index: 0, End: time.Second, Status: scheduler.ChunkSucceeded, Attempts: 1, Text: "hello"},
			{Index: 1, Start: time.Second, End: 2 * time.Second, Status: scheduler.ChunkFailed, Attempts: 4, Reason: scheduler.TransportError},
		},
		Errors: []*scheduler.ChunkError{
			{Index: 1, Reason: scheduler.TransportError, Attempts: 4, Err: errors.New("502 bad gateway")},
		},
		Degraded: true,
		Finished: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	job := testJob(t)

	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r, err := s.Get(ctx, job.ID)
	if err != nil || r == nil {
		t.Fatalf("Get = %v, %v", r, err)
	}
	if r.Status != StatusRunning || r.SourceID != "episode-1" || r.Duration != 2*time.Second {
		t.Errorf("created record = %+v", r)
	}

	if err := s.Complete(ctx, testResult(job)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	r, _ = s.Get(ctx, job.ID)
	if r.Status != string(scheduler.StatusPartial) || r.Text != "hello" || !r.Degraded {
		t.Errorf("completed record = %+v", r)
	}
	if len(r.Chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(r.Chunks))
	}
	if c := r.Chunks[1]; c.Reason != "TransportError" || c.Error != "502 bad gateway" || c.Attempts != 4 {
		t.Errorf("failed chunk = %+v", c)
	}
	if c := r.Chunks[0]; c.Reason != "" || c.Error != "" {
		t.Errorf("succeeded chunk carries failure fields: %+v", c)
	}
}

func TestMemStore_DuplicateCreate(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	job := testJob(t)
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(context.Background(), job); err == nil {
		t.Error("expected error creating the same job twice")
	}
}

func TestMemStore_CompleteUnknown(t *testing.T) {
	t.Parallel()
	err := NewMemStore().Complete(context.Background(), &scheduler.JobResult{JobID: "nope"})
	if !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestMemStore_GetMissing(t *testing.T) {
	t.Parallel()
	r, err := NewMemStore().Get(context.Background(), "nope")
	if r != nil || err != nil {
		t.Errorf("Get = %v, %v; want nil, nil", r, err)
	}
}

func TestMemStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	var ids []string
	for range 3 {
		job := testJob(t)
		ids = append(ids, job.ID)
		if err := s.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := s.List(ctx, 0)
	if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
		t.Errorf("List(0) order = %v", recordIDs(all))
	}
	two, _ := s.List(ctx, 2)
	if len(two) != 2 || two[0].ID != ids[2] || two[1].ID != ids[1] {
		t.Errorf("List(2) = %v", recordIDs(two))
	}
}

func TestMemStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	job := testJob(t)
	_ = s.Create(ctx, job)
	_ = s.Complete(ctx, testResult(job))

	r, _ := s.Get(ctx, job.ID)
	r.Status = "tampered"
	r.Chunks[0].Text = "tampered"

	again, _ := s.Get(ctx, job.ID)
	if again.Status == "tampered" || again.Chunks[0].Text == "tampered" {
		t.Error("mutating a returned record changed the stored one")
	}
}

func recordIDs(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
