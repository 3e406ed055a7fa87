package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
)

// Schema is the SQL DDL for the transcription_jobs table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcription_jobs (
    id           TEXT         PRIMARY KEY,
    model        TEXT         NOT NULL,
    source_id    TEXT         NOT NULL DEFAULT '',
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    deadline     TIMESTAMPTZ,
    status       TEXT         NOT NULL DEFAULT 'running',
    text         TEXT         NOT NULL DEFAULT '',
    degraded     BOOLEAN      NOT NULL DEFAULT false,
    cancelled    BOOLEAN      NOT NULL DEFAULT false,
    chunks       JSONB        NOT NULL DEFAULT '[]',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transcription_jobs_created ON transcription_jobs (created_at);
CREATE INDEX IF NOT EXISTS idx_transcription_jobs_status ON transcription_jobs (status);
`

const selectColumns = `
		SELECT id, model, source_id, duration_ns, deadline, status, text,
		       degraded, cancelled, chunks, created_at, finished_at
		FROM transcription_jobs`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore is a [Store] backed by PostgreSQL. Chunk states are stored
// as a JSONB array on the job row.
type PostgresStore struct {
	db    DB
	close func()
}

// NewPostgresStore wraps an existing connection or pool. The caller owns db
// and must run [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

// Open connects to the database at dsn, verifies the connection and runs
// [PostgresStore.Migrate]. Close releases the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("jobstore: ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("jobstore: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *scheduler.Job) error {
	const query = `
		INSERT INTO transcription_jobs (id, model, source_id, duration_ns, deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, query,
		job.ID, job.Model, job.Source.ID(), job.Duration.Nanoseconds(),
		nullTime(job.Deadline), StatusRunning,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("jobstore: job %q already exists", job.ID)
		}
		return fmt.Errorf("jobstore: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, res *scheduler.JobResult) error {
	chunksJSON, err := json.Marshal(chunkRecords(res))
	if err != nil {
		return fmt.Errorf("jobstore: marshal chunks: %w", err)
	}

	const query = `
		UPDATE transcription_jobs SET
			status = $2, text = $3, degraded = $4, cancelled = $5,
			chunks = $6, finished_at = $7
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		res.JobID, string(res.Status), res.Text, res.Degraded, res.Cancelled,
		chunksJSON, nullTime(res.Finished),
	)
	if err != nil {
		return fmt.Errorf("jobstore: complete %q: %w", res.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("jobstore: complete %q: %w", res.JobID, ErrUnknownJob)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, selectColumns+"\n\t\tWHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore: get %q: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, selectColumns+"\n\t\tORDER BY created_at DESC\n\t\tLIMIT $1", limit)
	} else {
		rows, err = s.db.Query(ctx, selectColumns+"\n\t\tORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("jobstore: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [NewPostgresStore].
func (s *PostgresStore) Close() { s.close() }

// scanRecord reads one row in [selectColumns] order.
func scanRecord(row pgx.Row) (Record, error) {
	var (
		r                  Record
		durationNS         int64
		deadline, finished *time.Time
		chunksJSON         []byte
	)
	if err := row.Scan(
		&r.ID, &r.Model, &r.SourceID, &durationNS, &deadline, &r.Status, &r.Text,
		&r.Degraded, &r.Cancelled, &chunksJSON, &r.Created, &finished,
	); err != nil {
		return Record{}, err
	}
	r.Duration = time.Duration(durationNS)
	if deadline != nil {
		r.Deadline = *deadline
	}
	if finished != nil {
		r.Finished = *finished
	}
	if len(chunksJSON) > 0 {
		if err := json.Unmarshal(chunksJSON, &r.Chunks); err != nil {
			return Record{}, fmt.Errorf("unmarshal chunks of %q: %w", r.ID, err)
		}
	}
	return r, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
