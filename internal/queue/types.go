// Package queue implements a durable priority job queue on SQLite.
// Jobs are leased atomically, retried with per-job backoff, and swept
// by retention policy. One Store serves any number of named queues.
package queue

import "time"

// Status is a job's lifecycle state. "delayed" is never stored: a pending
// job with available_at in the future counts as delayed in Counts.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// BackoffKind selects how retry delays grow between attempts.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Job is one unit of work in a named queue.
type Job struct {
	Seq            int64       `json:"seq"`
	ID             string      `json:"id"`
	Queue          string      `json:"queue"`
	Payload        []byte      `json:"payload"`
	Priority       int         `json:"priority"`
	Status         Status      `json:"status"`
	Attempts       int         `json:"attempts"`
	MaxAttempts    int         `json:"max_attempts"`
	Backoff        BackoffKind `json:"backoff"`
	BackoffBase    time.Duration `json:"backoff_base"`
	AvailableAt    time.Time   `json:"available_at"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	WorkerID       string      `json:"worker_id,omitempty"`
	Progress       int         `json:"progress"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Options controls a single enqueue. A non-empty ID makes the enqueue
// idempotent: a second call with the same ID is a no-op returning that ID.
type Options struct {
	ID          string
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     BackoffKind
	BackoffBase time.Duration
}

// Counts summarizes one queue. Delayed is the subset of pending jobs whose
// available_at has not arrived.
type Counts struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// Schedule is a recurring enqueue registered with a cron pattern.
type Schedule struct {
	ID             string     `json:"id"`
	Queue          string     `json:"queue"`
	Pattern        string     `json:"pattern"`
	Payload        []byte     `json:"payload"`
	CreatedAt      time.Time  `json:"created_at"`
	LastEnqueuedAt *time.Time `json:"last_enqueued_at,omitempty"`
}

// DeadLetter records a job whose payload could not be processed at all,
// kept aside for operator inspection.
type DeadLetter struct {
	ID        string    `json:"id"`
	Queue     string    `json:"queue"`
	JobID     string    `json:"job_id"`
	Payload   []byte    `json:"payload"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
