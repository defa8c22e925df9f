package jobs

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillframe/quill/pkg/logger"
)

// JobStatus progresses pending -> running -> {completed|failed|cancelled}.
// Terminal statuses never transition backward.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one durable job record.
type Job struct {
	ID             string
	Name           string
	Queue          string
	Params         map[string]any
	Priority       int
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	BackoffSeconds int
	ScheduledAt    time.Time
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	LastError      string
}

// JobHandler executes one job attempt.
type JobHandler func(ctx context.Context, params map[string]any) error

// DispatchOptions configures Dispatch.
type DispatchOptions struct {
	Params      map[string]any
	Queue       string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// ListFilter narrows List results.
type ListFilter struct {
	Status JobStatus
	Queue  string
}

const (
	DefaultQueue        = "default"
	DefaultMaxAttempts  = 3
	DefaultBackoff      = 10 * time.Second
	DefaultPollInterval = time.Second
)

// JobQueue persists jobs in a relational store and runs them on polling
// workers, one worker set per queue name.
type JobQueue struct {
	db      *sql.DB
	dialect string

	mu       sync.Mutex
	handlers map[string]JobHandler
	stops    []chan struct{}
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewJobQueue prepares the store on the shared connection. dialect is one of
// sqlite, postgres, mysql.
func NewJobQueue(db *sql.DB, dialect string) (*JobQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}
	q := &JobQueue{
		db:       db,
		dialect:  dialect,
		handlers: map[string]JobHandler{},
		log:      logger.GetLogger("jobs"),
	}
	if err := q.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate job store: %w", err)
	}
	return q, nil
}

// RegisterHandler binds a handler to a job name.
func (q *JobQueue) RegisterHandler(jobName string, handler JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobName] = handler
}

// Dispatch persists one job and returns its id.
func (q *JobQueue) Dispatch(ctx context.Context, name string, opts DispatchOptions) (string, error) {
	if name == "" {
		return "", fmt.Errorf("job name is required")
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}

	paramsJSON, err := json.Marshal(opts.Params)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job params: %w", err)
	}

	now := time.Now().UTC()
	job := Job{
		ID:             uuid.NewString(),
		Name:           name,
		Queue:          opts.Queue,
		Priority:       opts.Priority,
		Status:         JobPending,
		MaxAttempts:    opts.MaxAttempts,
		BackoffSeconds: int(opts.Backoff / time.Second),
		ScheduledAt:    now.Add(opts.Delay),
		CreatedAt:      now,
	}

	_, err = q.db.ExecContext(ctx, q.sql(`
INSERT INTO _jobs (id, name, queue, params, priority, status, attempts, max_attempts, backoff_seconds, scheduled_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.Name, job.Queue, string(paramsJSON), job.Priority, string(job.Status),
		0, job.MaxAttempts, job.BackoffSeconds, fmtTime(job.ScheduledAt), fmtTime(job.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	return job.ID, nil
}

// DispatchBatch persists several jobs, returning ids in order.
func (q *JobQueue) DispatchBatch(ctx context.Context, name string, batch []DispatchOptions) ([]string, error) {
	ids := make([]string, 0, len(batch))
	for _, opts := range batch {
		id, err := q.Dispatch(ctx, name, opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel marks a pending job cancelled. Running jobs are not interrupted.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, q.sql(`
UPDATE _jobs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`),
		string(JobCancelled), fmtTime(time.Now().UTC()), jobID, string(JobPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get loads one job by id.
func (q *JobQueue) Get(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, q.sql(selectJobSQL+` WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown job %q", jobID)
	}
	return job, err
}

// List returns jobs matching the filter, newest first.
func (q *JobQueue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	query := selectJobSQL
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Queue != "" {
		conds = append(conds, "queue = ?")
		args = append(args, filter.Queue)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := q.db.QueryContext(ctx, q.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Stats returns per-status counts, optionally restricted to one queue.
func (q *JobQueue) Stats(ctx context.Context, queue string) (map[JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM _jobs`
	var args []any
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` GROUP BY status`

	rows, err := q.db.QueryContext(ctx, q.sql(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[JobStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[JobStatus(status)] = count
	}
	return stats, rows.Err()
}

// StartWorker begins polling the named queue. Call multiple times for
// parallel workers.
func (q *JobQueue) StartWorker(queue string, pollInterval time.Duration) {
	if queue == "" {
		queue = DefaultQueue
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	stop := make(chan struct{})
	q.mu.Lock()
	q.stops = append(q.stops, stop)
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			for q.runOne(queue) {
				select {
				case <-stop:
					return
				default:
				}
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// StopWorkers stops every worker and waits for in-flight jobs.
func (q *JobQueue) StopWorkers() {
	q.mu.Lock()
	stops := q.stops
	q.stops = nil
	q.mu.Unlock()
	for _, stop := range stops {
		close(stop)
	}
	q.wg.Wait()
}

// runOne claims and executes the next eligible job. Returns false when the
// queue had nothing to run.
func (q *JobQueue) runOne(queue string) bool {
	ctx := context.Background()
	job, ok := q.claim(ctx, queue)
	if !ok {
		return false
	}

	q.mu.Lock()
	handler := q.handlers[job.Name]
	q.mu.Unlock()

	var err error
	if handler == nil {
		err = fmt.Errorf("no handler registered for job %q", job.Name)
	} else {
		err = q.invoke(ctx, handler, job)
	}

	now := fmtTime(time.Now().UTC())
	if err == nil {
		_, uerr := q.db.ExecContext(ctx, q.sql(`
UPDATE _jobs SET status = ?, finished_at = ? WHERE id = ?`),
			string(JobCompleted), now, job.ID)
		if uerr != nil {
			q.log.Error("failed to mark job completed", "job", job.ID, "error", uerr)
		}
		return true
	}

	q.log.Warn("job attempt failed", "job", job.ID, "name", job.Name, "attempt", job.Attempts, "error", err)
	if job.Attempts < job.MaxAttempts {
		retryAt := time.Now().UTC().Add(time.Duration(job.BackoffSeconds) * time.Second)
		_, uerr := q.db.ExecContext(ctx, q.sql(`
UPDATE _jobs SET status = ?, scheduled_at = ?, last_error = ? WHERE id = ?`),
			string(JobPending), fmtTime(retryAt), err.Error(), job.ID)
		if uerr != nil {
			q.log.Error("failed to reschedule job", "job", job.ID, "error", uerr)
		}
	} else {
		_, uerr := q.db.ExecContext(ctx, q.sql(`
UPDATE _jobs SET status = ?, finished_at = ?, last_error = ? WHERE id = ?`),
			string(JobFailed), now, err.Error(), job.ID)
		if uerr != nil {
			q.log.Error("failed to mark job failed", "job", job.ID, "error", uerr)
		}
	}
	return true
}

// claim atomically selects the highest-priority eligible job and flips it to
// running. The conditional UPDATE is the claim: losing a race leaves the row
// untouched and the worker retries.
func (q *JobQueue) claim(ctx context.Context, queue string) (*Job, bool) {
	for {
		row := q.db.QueryRowContext(ctx, q.sql(selectJobSQL+`
 WHERE queue = ? AND status = ? AND scheduled_at <= ? AND attempts < max_attempts
 ORDER BY priority DESC, created_at ASC LIMIT 1`),
			queue, string(JobPending), fmtTime(time.Now().UTC()))
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, false
		}
		if err != nil {
			q.log.Error("failed to poll queue", "queue", queue, "error", err)
			return nil, false
		}

		res, err := q.db.ExecContext(ctx, q.sql(`
UPDATE _jobs SET status = ?, attempts = attempts + 1, started_at = ? WHERE id = ? AND status = ?`),
			string(JobRunning), fmtTime(time.Now().UTC()), job.ID, string(JobPending))
		if err != nil {
			q.log.Error("failed to claim job", "job", job.ID, "error", err)
			return nil, false
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // another worker won the claim
		}
		job.Status = JobRunning
		job.Attempts++
		return job, true
	}
}

func (q *JobQueue) invoke(ctx context.Context, handler JobHandler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, job.Params)
}

const selectJobSQL = `
SELECT id, name, queue, params, priority, status, attempts, max_attempts, backoff_seconds,
       scheduled_at, created_at, started_at, finished_at, last_error
FROM _jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var params, status, scheduledAt, createdAt string
	var startedAt, finishedAt, lastError sql.NullString
	err := row.Scan(&job.ID, &job.Name, &job.Queue, &params, &job.Priority, &status,
		&job.Attempts, &job.MaxAttempts, &job.BackoffSeconds,
		&scheduledAt, &createdAt, &startedAt, &finishedAt, &lastError)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.LastError = lastError.String
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to decode job params: %w", err)
		}
	}
	job.ScheduledAt = parseTime(scheduledAt)
	job.CreatedAt = parseTime(createdAt)
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// Times are stored as fixed-width UTC strings so lexicographic comparison in
// SQL matches chronological order across dialects. RFC3339Nano would trim
// trailing zeros and break that property.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sql rewrites ? placeholders to $n for postgres.
func (q *JobQueue) sql(query string) string {
	if q.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrations run once each, tracked in _migrations by version and checksum.
type migration struct {
	version int
	name    string
	sql     string
}

var jobMigrations = []migration{
	{1, "create_jobs", `
CREATE TABLE IF NOT EXISTS _jobs (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    queue VARCHAR(255) NOT NULL,
    params TEXT,
    priority INT NOT NULL DEFAULT 0,
    status VARCHAR(16) NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 3,
    backoff_seconds INT NOT NULL DEFAULT 10,
    scheduled_at VARCHAR(64) NOT NULL,
    created_at VARCHAR(64) NOT NULL,
    started_at VARCHAR(64),
    finished_at VARCHAR(64),
    last_error TEXT
)`},
	{2, "index_jobs_poll", `
CREATE INDEX IF NOT EXISTS idx_jobs_poll ON _jobs(queue, status, scheduled_at)`},
}

func (q *JobQueue) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := q.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _migrations (
    version INT PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    checksum VARCHAR(64) NOT NULL,
    applied_at VARCHAR(64) NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("failed to create _migrations table: %w", err)
	}

	for _, m := range jobMigrations {
		var applied int
		err := q.db.QueryRowContext(ctx, q.sql(`SELECT COUNT(*) FROM _migrations WHERE version = ?`), m.version).Scan(&applied)
		if err != nil {
			return err
		}
		if applied > 0 {
			continue
		}
		if _, err := q.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration V%d_%s failed: %w", m.version, m.name, err)
		}
		sum := sha256.Sum256([]byte(m.sql))
		_, err = q.db.ExecContext(ctx, q.sql(`
INSERT INTO _migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`),
			m.version, m.name, hex.EncodeToString(sum[:]), fmtTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to record migration V%d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}
