package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertJobSQL = `INSERT INTO jobs (
        idempotency_key,
        source,
        type,
        priority,
        ts,
        payload,
        status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (idempotency_key) DO NOTHING
    RETURNING ` + jobColumns + `;`

	jobColumns = `id, idempotency_key, source, type, priority, ts, payload,
        ack, job_url, dedup, status, retries, created_at, updated_at`

	selectJobByKeySQL = `SELECT ` + jobColumns + `
    FROM jobs
    WHERE idempotency_key = $1;`

	selectJobByIDSQL = `SELECT ` + jobColumns + `
    FROM jobs
    WHERE id = $1;`

	listRecentJobsSQL = `SELECT ` + jobColumns + `
    FROM jobs
    WHERE created_at >= $1
    ORDER BY created_at DESC
    LIMIT $2;`

	listJobsBetweenSQL = `SELECT ` + jobColumns + `
    FROM jobs
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	listFailedJobsSQL = `SELECT ` + jobColumns + `
    FROM jobs
    WHERE status = 'failed'
    ORDER BY created_at
    LIMIT $1;`

	markJobPushedSQL = `UPDATE jobs
    SET status = 'pushed', ack = $2, job_url = $3, retries = $4, updated_at = now()
    WHERE id = $1;`

	markJobFailedSQL = `UPDATE jobs
    SET status = 'failed', retries = $2, updated_at = now()
    WHERE id = $1;`

	markJobDedupSQL = `UPDATE jobs
    SET dedup = TRUE, updated_at = now()
    WHERE id = $1;`

	insertEventSQL = `INSERT INTO events (
        job_id,
        stage,
        detail,
        meta
    ) VALUES (
        $1,$2,$3,$4
    ) RETURNING id, ts;`

	listJobEventsSQL = `SELECT id, job_id, stage, detail, meta, ts
    FROM events
    WHERE job_id = $1
    ORDER BY ts;`

	countErrorEventsSQL = `SELECT COUNT(*)
    FROM events
    WHERE stage = 'error'
      AND ts >= $1;`

	countJobsSQL = `SELECT COUNT(*) FROM jobs;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// JobStore defines operations for the job ledger.
type JobStore interface {
	InsertJob(ctx context.Context, job Job) (Job, bool, error)
	GetJobByKey(ctx context.Context, key string) (Job, error)
	GetJob(ctx context.Context, id int64) (Job, error)
	ListRecentJobs(ctx context.Context, since time.Time, limit int) ([]Job, error)
	ListJobsBetween(ctx context.Context, from, to time.Time) ([]Job, error)
	ListFailedJobs(ctx context.Context, limit int) ([]Job, error)
	MarkJobPushed(ctx context.Context, id int64, ack, jobURL string, retries int) error
	MarkJobFailed(ctx context.Context, id int64, retries int) error
	MarkJobDedup(ctx context.Context, id int64) error
	CountJobs(ctx context.Context) (int64, error)
}

// EventStore defines operations for the append-only event ledger.
type EventStore interface {
	AddEvent(ctx context.Context, jobID int64, stage, detail string, meta json.RawMessage) error
	ListJobEvents(ctx context.Context, jobID int64) ([]Event, error)
	CountErrorEvents(ctx context.Context, since time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to jobs and events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertJob persists a new job, or returns the original row when the
// idempotency key was already claimed. The second return reports the
// duplicate case.
func (s *Store) InsertJob(ctx context.Context, job Job) (Job, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Job{}, false, err
	}

	status := job.Status
	if status == "" {
		status = JobStatusQueued
	}

	row := pool.QueryRow(ctx, insertJobSQL,
		job.IdempotencyKey,
		job.Source,
		job.Type,
		job.Priority,
		job.Timestamp,
		[]byte(job.Payload),
		status,
	)

	inserted, scanErr := scanJobRow(row)
	if scanErr == nil {
		return inserted, false, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return Job{}, false, fmt.Errorf("insert job: %w", scanErr)
	}

	// Conflict path: the key exists, hand back the original.
	existing, getErr := s.GetJobByKey(ctx, job.IdempotencyKey)
	if getErr != nil {
		return Job{}, false, getErr
	}
	return existing, true, nil
}

// GetJobByKey fetches a job by idempotency key.
func (s *Store) GetJobByKey(ctx context.Context, key string) (Job, error) {
	pool, err := s.getPool()
	if err != nil {
		return Job{}, err
	}
	job, scanErr := scanJobRow(pool.QueryRow(ctx, selectJobByKeySQL, key))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Job{}, scanErr
		}
		return Job{}, fmt.Errorf("get job by key: %w", scanErr)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (Job, error) {
	pool, err := s.getPool()
	if err != nil {
		return Job{}, err
	}
	job, scanErr := scanJobRow(pool.QueryRow(ctx, selectJobByIDSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Job{}, scanErr
		}
		return Job{}, fmt.Errorf("get job: %w", scanErr)
	}
	return job, nil
}

// ListRecentJobs lists jobs created since the given instant, newest first.
func (s *Store) ListRecentJobs(ctx context.Context, since time.Time, limit int) ([]Job, error) {
	return s.listJobs(ctx, listRecentJobsSQL, since, limit)
}

// ListJobsBetween lists jobs whose alert timestamp falls in [from, to).
func (s *Store) ListJobsBetween(ctx context.Context, from, to time.Time) ([]Job, error) {
	return s.listJobs(ctx, listJobsBetweenSQL, from, to)
}

// ListFailedJobs lists failed jobs oldest first, capped at limit.
func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]Job, error) {
	return s.listJobs(ctx, listFailedJobsSQL, limit)
}

func (s *Store) listJobs(ctx context.Context, query string, args ...interface{}) ([]Job, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list jobs: %w", queryErr)
	}
	defer rows.Close()

	jobs := make([]Job, 0)
	for rows.Next() {
		job, scanErr := scanJobRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

// MarkJobPushed records a successful push with its ack and link.
func (s *Store) MarkJobPushed(ctx context.Context, id int64, ack, jobURL string, retries int) error {
	return s.execJobUpdate(ctx, "mark job pushed", markJobPushedSQL, id, ack, jobURL, retries)
}

// MarkJobFailed records an exhausted push budget.
func (s *Store) MarkJobFailed(ctx context.Context, id int64, retries int) error {
	return s.execJobUpdate(ctx, "mark job failed", markJobFailedSQL, id, retries)
}

// MarkJobDedup flags the original job when its key is replayed.
func (s *Store) MarkJobDedup(ctx context.Context, id int64) error {
	return s.execJobUpdate(ctx, "mark job dedup", markJobDedupSQL, id)
}

func (s *Store) execJobUpdate(ctx context.Context, op, query string, args ...interface{}) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CountJobs counts stored jobs.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countJobsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count jobs: %w", scanErr)
	}
	return count, nil
}

// AddEvent appends one ledger entry for the job. Meta may be nil.
func (s *Store) AddEvent(ctx context.Context, jobID int64, stage, detail string, meta json.RawMessage) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var metaArg interface{}
	if len(meta) > 0 {
		metaArg = []byte(meta)
	}

	var id int64
	var ts time.Time
	if scanErr := pool.QueryRow(ctx, insertEventSQL, jobID, stage, detail, metaArg).Scan(&id, &ts); scanErr != nil {
		return fmt.Errorf("add event: %w", scanErr)
	}
	return nil
}

// ListJobEvents lists a job's ledger entries in chronological order.
func (s *Store) ListJobEvents(ctx context.Context, jobID int64) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listJobEventsSQL, jobID)
	if queryErr != nil {
		return nil, fmt.Errorf("list job events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var meta []byte
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Stage, &ev.Detail, &meta, &ev.TS); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			ev.Meta = json.RawMessage(meta)
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// CountErrorEvents counts error-stage events recorded since the given
// instant; surfaced by the health endpoint.
func (s *Store) CountErrorEvents(ctx context.Context, since time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countErrorEventsSQL, since).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count error events: %w", scanErr)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRow(row rowScanner) (Job, error) {
	var (
		job     Job
		payload []byte
		ack     sql.NullString
		jobURL  sql.NullString
	)

	if err := row.Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.Source,
		&job.Type,
		&job.Priority,
		&job.Timestamp,
		&payload,
		&ack,
		&jobURL,
		&job.Dedup,
		&job.Status,
		&job.Retries,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return Job{}, err
	}

	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if ack.Valid {
		v := ack.String
		job.Ack = &v
	}
	if jobURL.Valid {
		v := jobURL.String
		job.JobURL = &v
	}

	return job, nil
}
