package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	defaultKeepCompleted = 200
	defaultKeepFailed    = 500
	maxLastErrorBytes    = 4 * 1024
)

// Store persists jobs, schedules, and dead letters in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a queue database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		queue            TEXT NOT NULL,
		payload          BLOB NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL DEFAULT 'pending',
		attempts         INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 1,
		backoff_kind     TEXT NOT NULL DEFAULT 'exponential',
		backoff_base     TEXT NOT NULL DEFAULT '5s',
		available_at     TEXT NOT NULL,
		lease_expires_at TEXT,
		worker_id        TEXT NOT NULL DEFAULT '',
		progress         INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		completed_at     TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS queue_meta (
		queue  TEXT PRIMARY KEY,
		paused INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue_meta table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schedules (
		id               TEXT PRIMARY KEY,
		queue            TEXT NOT NULL,
		pattern          TEXT NOT NULL,
		payload          BLOB NOT NULL,
		created_at       TEXT NOT NULL,
		last_enqueued_at TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schedules table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS dead_letters (
		id         TEXT PRIMARY KEY,
		queue      TEXT NOT NULL,
		job_id     TEXT NOT NULL,
		payload    BLOB NOT NULL,
		reason     TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create dead_letters table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, priority DESC, available_at, seq)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(queue, status, lease_expires_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue, created_at DESC)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue inserts a job. When opts.ID matches an existing job the insert is
// ignored and the existing ID is returned, making retries of the same
// logical work idempotent.
func (s *Store) Enqueue(queue string, payload []byte, opts Options) (string, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return "", fmt.Errorf("queue name required")
	}
	if payload == nil {
		// Control-signal jobs carry no body.
		payload = []byte{}
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	kind := opts.Backoff
	if kind != BackoffFixed {
		kind = BackoffExponential
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}

	now := time.Now().UTC()
	availableAt := now
	if opts.Delay > 0 {
		availableAt = now.Add(opts.Delay)
	}

	status := StatusPending
	if paused, err := s.IsPaused(queue); err == nil && paused {
		status = StatusPaused
	}

	res, err := s.db.Exec(`INSERT OR IGNORE INTO jobs
		(id, queue, payload, priority, status, attempts, max_attempts, backoff_kind, backoff_base, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		id,
		queue,
		payload,
		opts.Priority,
		string(status),
		maxAttempts,
		string(kind),
		base.String(),
		availableAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Duplicate idempotency key: the earlier job stands.
		return id, nil
	}
	return id, nil
}

// LeaseNext atomically claims the highest-priority due job in a queue.
// Equal priorities are served in enqueue order. Returns (nil, nil) when
// nothing is due or the queue is paused.
func (s *Store) LeaseNext(queue, workerID string, lease time.Duration) (*Job, error) {
	if paused, err := s.IsPaused(queue); err != nil {
		return nil, err
	} else if paused {
		return nil, nil
	}
	if lease <= 0 {
		lease = time.Minute
	}

	for {
		now := time.Now().UTC()
		row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
			WHERE queue = ? AND status = ? AND available_at <= ?
			ORDER BY priority DESC, available_at ASC, seq ASC
			LIMIT 1`,
			queue, string(StatusPending), now.Format(time.RFC3339Nano))
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select next job: %w", err)
		}

		expires := now.Add(lease)
		res, err := s.db.Exec(`UPDATE jobs
			SET status = ?, worker_id = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusActive),
			workerID,
			expires.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			job.ID,
			string(StatusPending),
		)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			// Another worker won the claim; pick the next candidate.
			continue
		}

		job.Status = StatusActive
		job.WorkerID = workerID
		job.Attempts++
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = now
		return job, nil
	}
}

// ExtendLease pushes an active job's lease expiry out. Workers heartbeat
// this while processing long jobs.
func (s *Store) ExtendLease(jobID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now.Add(lease).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		jobID,
		string(StatusActive),
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Ack marks an active job completed.
func (s *Store) Ack(jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, progress = 100, lease_expires_at = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), now, now, jobID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Fail records a failed attempt. With attempts remaining and a retryable
// error the job returns to pending after its backoff delay; otherwise it
// goes terminal failed. The updated job is returned.
func (s *Store) Fail(jobID string, jobErr error) (*Job, error) {
	job, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusActive {
		return nil, fmt.Errorf("fail job %s: status %s is not active", jobID, job.Status)
	}

	msg := ""
	if jobErr != nil {
		msg = truncateError(jobErr.Error())
	}
	now := time.Now().UTC()

	terminal := IsFatal(jobErr) || job.Attempts >= job.MaxAttempts
	if terminal {
		res, err := s.db.Exec(`UPDATE jobs
			SET status = ?, last_error = ?, lease_expires_at = NULL, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(StatusFailed),
			msg,
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			jobID,
			string(StatusActive),
		)
		if err != nil {
			return nil, fmt.Errorf("fail job: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return nil, sql.ErrNoRows
		}
		job.Status = StatusFailed
		job.LastError = msg
		job.LeaseExpiresAt = nil
		job.CompletedAt = &now
		job.UpdatedAt = now
		return job, nil
	}

	delay := nextRetryDelay(job.Backoff, job.BackoffBase, job.Attempts)
	availableAt := now.Add(delay)
	res, err := s.db.Exec(`UPDATE jobs
		SET status = ?, last_error = ?, worker_id = '', lease_expires_at = NULL, available_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending),
		msg,
		availableAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		jobID,
		string(StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, sql.ErrNoRows
	}
	job.Status = StatusPending
	job.LastError = msg
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.AvailableAt = availableAt
	job.UpdatedAt = now
	return job, nil
}

// Progress updates an active job's progress percentage (clamped to 0..100).
func (s *Store) Progress(jobID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	res, err := s.db.Exec(`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		pct, time.Now().UTC().Format(time.RFC3339Nano), jobID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get returns one job by id.
func (s *Store) Get(jobID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

// Pause parks pending jobs and stops leasing for a queue.
func (s *Store) Pause(queue string) error {
	if _, err := s.db.Exec(`INSERT INTO queue_meta (queue, paused) VALUES (?, 1)
		ON CONFLICT(queue) DO UPDATE SET paused = 1`, queue); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE queue = ? AND status = ?`,
		string(StatusPaused), time.Now().UTC().Format(time.RFC3339Nano), queue, string(StatusPending))
	if err != nil {
		return fmt.Errorf("park pending jobs: %w", err)
	}
	return nil
}

// Resume unparks paused jobs and restarts leasing for a queue.
func (s *Store) Resume(queue string) error {
	if _, err := s.db.Exec(`INSERT INTO queue_meta (queue, paused) VALUES (?, 0)
		ON CONFLICT(queue) DO UPDATE SET paused = 0`, queue); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE queue = ? AND status = ?`,
		string(StatusPending), time.Now().UTC().Format(time.RFC3339Nano), queue, string(StatusPaused))
	if err != nil {
		return fmt.Errorf("unpark paused jobs: %w", err)
	}
	return nil
}

// IsPaused reports whether leasing is stopped for a queue.
func (s *Store) IsPaused(queue string) (bool, error) {
	var paused int
	err := s.db.QueryRow(`SELECT paused FROM queue_meta WHERE queue = ?`, queue).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read queue meta: %w", err)
	}
	return paused == 1, nil
}

// Counts returns job totals per status for one queue.
func (s *Store) Counts(queue string) (Counts, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var c Counts
	err := s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' AND available_at <= ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' AND available_at > ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'paused' THEN 1 ELSE 0 END), 0)
		FROM jobs WHERE queue = ?`, now, now, queue).
		Scan(&c.Pending, &c.Active, &c.Completed, &c.Failed, &c.Delayed, &c.Paused)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// Queues returns the names of all queues that have ever held a job.
func (s *Store) Queues() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT queue FROM jobs ORDER BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RequeueStalled returns active jobs whose lease expired to pending so
// another worker can pick them up. The requeued jobs are returned for
// stall reporting. A stalled requeue does not consume an attempt beyond
// the one already counted at lease time.
func (s *Store) RequeueStalled(queue string) ([]Job, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE queue = ? AND status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		queue, string(StatusActive), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("select stalled jobs: %w", err)
	}
	stalled := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		stalled = append(stalled, *job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	out := make([]Job, 0, len(stalled))
	for _, job := range stalled {
		res, err := s.db.Exec(`UPDATE jobs
			SET status = ?, worker_id = '', lease_expires_at = NULL, attempts = attempts - 1, available_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND lease_expires_at = ?`,
			string(StatusPending),
			now.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			job.ID,
			string(StatusActive),
			job.LeaseExpiresAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return out, fmt.Errorf("requeue stalled job %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			out = append(out, job)
		}
	}
	return out, nil
}

// Sweep removes old terminal jobs, keeping the most recent keepCompleted
// completed and keepFailed failed jobs per queue.
func (s *Store) Sweep(queue string, keepCompleted, keepFailed int) (int64, error) {
	if keepCompleted <= 0 {
		keepCompleted = defaultKeepCompleted
	}
	if keepFailed <= 0 {
		keepFailed = defaultKeepFailed
	}

	var removed int64
	for _, spec := range []struct {
		status Status
		keep   int
	}{
		{StatusCompleted, keepCompleted},
		{StatusFailed, keepFailed},
	} {
		res, err := s.db.Exec(`DELETE FROM jobs
			WHERE queue = ? AND status = ? AND seq NOT IN (
				SELECT seq FROM jobs WHERE queue = ? AND status = ? ORDER BY seq DESC LIMIT ?
			)`,
			queue, string(spec.status), queue, string(spec.status), spec.keep)
		if err != nil {
			return removed, fmt.Errorf("sweep %s jobs: %w", spec.status, err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

// AddSchedule registers a recurring enqueue with a cron pattern.
func (s *Store) AddSchedule(queue, pattern string, payload []byte) (*Schedule, error) {
	queue = strings.TrimSpace(queue)
	pattern = strings.TrimSpace(pattern)
	if queue == "" || pattern == "" {
		return nil, fmt.Errorf("queue and pattern required")
	}
	if payload == nil {
		payload = []byte{}
	}

	sched := Schedule{
		ID:        uuid.NewString(),
		Queue:     queue,
		Pattern:   pattern,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`INSERT INTO schedules (id, queue, pattern, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sched.ID, sched.Queue, sched.Pattern, sched.Payload, sched.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return &sched, nil
}

// RemoveSchedule deletes a recurring enqueue.
func (s *Store) RemoveSchedule(id string) error {
	res, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListSchedules returns all recurring enqueues.
func (s *Store) ListSchedules() ([]Schedule, error) {
	rows, err := s.db.Query(`SELECT id, queue, pattern, payload, created_at, last_enqueued_at FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Schedule, 0)
	for rows.Next() {
		var (
			sched        Schedule
			createdAt    string
			lastEnqueued sql.NullString
		)
		if err := rows.Scan(&sched.ID, &sched.Queue, &sched.Pattern, &sched.Payload, &createdAt, &lastEnqueued); err != nil {
			continue
		}
		sched.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastEnqueued.Valid && lastEnqueued.String != "" {
			if ts, err := time.Parse(time.RFC3339Nano, lastEnqueued.String); err == nil {
				sched.LastEnqueuedAt = &ts
			}
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduleEnqueued records when a schedule last fired.
func (s *Store) MarkScheduleEnqueued(id string) error {
	_, err := s.db.Exec(`UPDATE schedules SET last_enqueued_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// DeadLetter sets a job's payload aside for operator inspection.
func (s *Store) DeadLetter(queue, jobID string, payload []byte, reason string) error {
	_, err := s.db.Exec(`INSERT INTO dead_letters (id, queue, job_id, payload, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), queue, jobID, payload, truncateError(reason), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters for one queue.
func (s *Store) ListDeadLetters(queue string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, queue, job_id, payload, reason, created_at FROM dead_letters
		WHERE queue = ? ORDER BY created_at DESC LIMIT ?`, queue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DeadLetter, 0, limit)
	for rows.Next() {
		var (
			dl        DeadLetter
			createdAt string
		)
		if err := rows.Scan(&dl.ID, &dl.Queue, &dl.JobID, &dl.Payload, &dl.Reason, &createdAt); err != nil {
			continue
		}
		dl.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

const jobColumns = `seq, id, queue, payload, priority, status, attempts, max_attempts, backoff_kind, backoff_base,
	available_at, lease_expires_at, worker_id, progress, last_error, created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job                               Job
		backoffKind, backoffBase          string
		availableAt, createdAt, updatedAt string
		leaseExpiresAt, completedAt       sql.NullString
	)

	if err := s.Scan(
		&job.Seq,
		&job.ID,
		&job.Queue,
		&job.Payload,
		&job.Priority,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&backoffKind,
		&backoffBase,
		&availableAt,
		&leaseExpiresAt,
		&job.WorkerID,
		&job.Progress,
		&job.LastError,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	job.Backoff = BackoffKind(backoffKind)
	if d, err := time.ParseDuration(backoffBase); err == nil {
		job.BackoffBase = d
	} else {
		job.BackoffBase = defaultBackoffBase
	}
	job.AvailableAt, _ = time.Parse(time.RFC3339Nano, availableAt)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if leaseExpiresAt.Valid && leaseExpiresAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, leaseExpiresAt.String); err == nil {
			job.LeaseExpiresAt = &ts
		}
	}
	if completedAt.Valid && completedAt.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			job.CompletedAt = &ts
		}
	}
	return &job, nil
}

func truncateError(msg string) string {
	if len(msg) <= maxLastErrorBytes {
		return msg
	}
	return msg[:maxLastErrorBytes-16] + "\n...[truncated]"
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
