package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// assign copies row values into scan destinations. A nil value leaves the
// destination at its zero value, as pgx does for NULL into a pointer.
func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		d := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			d.SetZero()
			continue
		}
		vv := reflect.ValueOf(v)
		if !vv.Type().AssignableTo(d.Type()) {
			return fmt.Errorf("scan: cannot assign %T to %s at index %d", v, d.Type(), i)
		}
		d.Set(vv)
	}
	return nil
}

// mockRow implements pgx.Row for testing.
type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return r.data[r.idx-1], nil }

func (r *mockRows) Next() bool {
	if r.closed || r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(r.data[r.idx-1], dest) }

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingErr      error
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{err: pgx.ErrNoRows}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

var created = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

// recordRow returns a row in selectColumns order.
func recordRow(id string, finished any) []any {
	chunks, _ := json.Marshal([]ChunkRecord{{Index: 0, End: time.Second, Status: "succeeded", Attempts: 1, Text: "hi"}})
	return []any{
		id, "whisper-1", "episode-1", int64(2 * time.Second), nil, "succeeded", "hi",
		false, false, chunks, created, finished,
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var got string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		got = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if got != Schema {
		t.Error("Migrate did not execute Schema")
	}
}

func TestPostgresStore_Create(t *testing.T) {
	t.Parallel()
	job := testJob(t)
	var args []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, a ...any) (pgconn.CommandTag, error) {
		if !strings.Contains(sql, "INSERT INTO transcription_jobs") {
			t.Errorf("unexpected sql: %s", sql)
		}
		args = a
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	if err := NewPostgresStore(db).Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := []any{job.ID, "whisper-1", "episode-1", int64(2 * time.Second), nil, StatusRunning}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	}}
	err := NewPostgresStore(db).Create(context.Background(), testJob(t))
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("err = %v, want already exists", err)
	}
}

func TestPostgresStore_Complete(t *testing.T) {
	t.Parallel()
	job := testJob(t)
	var args []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, a ...any) (pgconn.CommandTag, error) {
		args = a
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	if err := NewPostgresStore(db).Complete(context.Background(), testResult(job)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if args[0] != job.ID || args[1] != "partial" || args[3] != true {
		t.Errorf("args = %v", args)
	}
	var chunks []ChunkRecord
	if err := json.Unmarshal(args[5].([]byte), &chunks); err != nil {
		t.Fatalf("chunks json: %v", err)
	}
	if len(chunks) != 2 || chunks[1].Error != "502 bad gateway" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestPostgresStore_CompleteUnknown(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	err := NewPostgresStore(db).Complete(context.Background(), &scheduler.JobResult{JobID: "nope"})
	if !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()
	finished := created.Add(time.Minute)
	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		return &mockRow{values: recordRow(args[0].(string), &finished)}
	}}
	r, err := NewPostgresStore(db).Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.ID != "job-1" || r.Duration != 2*time.Second || !r.Deadline.IsZero() {
		t.Errorf("record = %+v", r)
	}
	if !r.Finished.Equal(finished) || !r.Created.Equal(created) {
		t.Errorf("times = %v / %v", r.Created, r.Finished)
	}
	if len(r.Chunks) != 1 || r.Chunks[0].Text != "hi" {
		t.Errorf("chunks = %+v", r.Chunks)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	t.Parallel()
	r, err := NewPostgresStore(&mockDB{}).Get(context.Background(), "nope")
	if r != nil || err != nil {
		t.Errorf("Get = %v, %v; want nil, nil", r, err)
	}
}

func TestPostgresStore_GetError(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{err: errors.New("connection reset")}
	}}
	if _, err := NewPostgresStore(db).Get(context.Background(), "job-1"); err == nil {
		t.Error("expected error")
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	var gotSQL string
	var gotArgs []any
	rows := &mockRows{data: [][]any{recordRow("b", nil), recordRow("a", nil)}}
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return rows, nil
	}}

	got, err := NewPostgresStore(db).List(context.Background(), 5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Errorf("List = %v", recordIDs(got))
	}
	if !strings.Contains(gotSQL, "LIMIT $1") || !reflect.DeepEqual(gotArgs, []any{5}) {
		t.Errorf("sql = %q args = %v", gotSQL, gotArgs)
	}
	if !got[0].Finished.IsZero() {
		t.Errorf("NULL finished_at scanned as %v", got[0].Finished)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresStore_ListRowsError(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("broken pipe")}, nil
	}}
	if _, err := NewPostgresStore(db).List(context.Background(), 0); err == nil {
		t.Error("expected error")
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()
	if err := NewPostgresStore(&mockDB{}).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := NewPostgresStore(&mockDB{pingErr: errors.New("down")}).Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}
