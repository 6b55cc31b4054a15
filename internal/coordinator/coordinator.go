// Package coordinator runs the durable work queues: it registers named
// queues with handlers and parallelism bounds, leases jobs to worker
// goroutines, applies retry/backoff on failure, requeues stalled leases,
// fires cron schedules, and publishes job lifecycle events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/metrics"
	"github.com/quaestorhq/quaestor/internal/queue"
)

const (
	defaultPollInterval  = 250 * time.Millisecond
	defaultLeaseTTL      = time.Minute
	defaultJanitorPeriod = 30 * time.Second
	defaultCronPeriod    = 15 * time.Second
)

// ErrMalformedPayload marks a payload a handler could not decode at all.
// The coordinator dead-letters such jobs instead of retrying them.
var ErrMalformedPayload = errors.New("malformed job payload")

// Handler processes one leased job. A nil return acks the job; an error
// fails it (terminal when wrapped with queue.Fatal or attempts are
// exhausted). progress may be called with 0..100 as work advances.
type Handler func(ctx context.Context, job *queue.Job, progress func(pct int)) error

// QueueDefaults sets enqueue and retention defaults for one queue.
type QueueDefaults struct {
	MaxAttempts   int
	Backoff       queue.BackoffKind
	BackoffBase   time.Duration
	KeepCompleted int
	KeepFailed    int
}

type pool struct {
	name        string
	handler     Handler
	parallelism int
	defaults    QueueDefaults
}

// Coordinator owns the queue registry and all worker pools.
type Coordinator struct {
	store    *queue.Store
	bus      *events.Bus
	auditLog *audit.Log
	logger   *zap.Logger

	pollInterval time.Duration
	leaseTTL     time.Duration

	mu      sync.Mutex
	pools   map[string]*pool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	host string
}

// New creates a coordinator over a queue store.
func New(store *queue.Store, bus *events.Bus, auditLog *audit.Log, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "quaestor"
	}
	return &Coordinator{
		store:        store,
		bus:          bus,
		auditLog:     auditLog,
		logger:       logger.Named("coordinator"),
		pollInterval: defaultPollInterval,
		leaseTTL:     defaultLeaseTTL,
		pools:        make(map[string]*pool),
		host:         host,
	}
}

// RegisterWorker binds a handler and worker pool to a named queue.
// Must be called before Start.
func (c *Coordinator) RegisterWorker(queueName string, handler Handler, parallelism int, defaults QueueDefaults) error {
	if queueName == "" {
		return fmt.Errorf("queue name required")
	}
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	if parallelism < 1 {
		parallelism = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("register worker %s: coordinator already started", queueName)
	}
	if _, ok := c.pools[queueName]; ok {
		return fmt.Errorf("queue %s already registered", queueName)
	}
	c.pools[queueName] = &pool{
		name:        queueName,
		handler:     handler,
		parallelism: parallelism,
		defaults:    defaults,
	}
	return nil
}

// Start launches the worker pools, the cron scheduler, and the janitor.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	pools := make([]*pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	for _, p := range pools {
		for slot := 0; slot < p.parallelism; slot++ {
			workerID := fmt.Sprintf("%s/%s-%d", c.host, p.name, slot)
			c.wg.Add(1)
			go c.workerLoop(runCtx, p, workerID)
		}
		c.logger.Info("worker pool started",
			zap.String("queue", p.name),
			zap.Int("parallelism", p.parallelism))
	}

	c.wg.Add(2)
	go c.cronLoop(runCtx)
	go c.janitorLoop(runCtx)
}

// Enqueue adds a job, filling retry options from the queue's defaults,
// and publishes job:queued.
func (c *Coordinator) Enqueue(queueName string, payload []byte, opts queue.Options) (string, error) {
	opts = c.applyDefaults(queueName, opts)
	id, err := c.store.Enqueue(queueName, payload, opts)
	if err != nil {
		return "", err
	}
	c.publishJob(events.JobQueued, queueName, id, 0, "")
	return id, nil
}

// Schedule registers a recurring enqueue. pattern is a cron expression
// ("*/5 * * * *") or a plain interval duration ("90s").
func (c *Coordinator) Schedule(queueName, pattern string, payload []byte) (*queue.Schedule, error) {
	if _, err := parseSchedule(pattern); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", pattern, err)
	}
	return c.store.AddSchedule(queueName, pattern, payload)
}

// Pause parks a queue: pending jobs stop leasing until Resume.
func (c *Coordinator) Pause(queueName string) error {
	if err := c.store.Pause(queueName); err != nil {
		return err
	}
	c.recordAdmin(audit.CodeQueuePaused, "pause", queueName)
	c.logger.Info("queue paused", zap.String("queue", queueName))
	return nil
}

// Resume restarts leasing for a paused queue.
func (c *Coordinator) Resume(queueName string) error {
	if err := c.store.Resume(queueName); err != nil {
		return err
	}
	c.recordAdmin(audit.CodeQueueResumed, "resume", queueName)
	c.logger.Info("queue resumed", zap.String("queue", queueName))
	return nil
}

// Stats returns per-queue job counts for every registered queue.
func (c *Coordinator) Stats() (map[string]queue.Counts, error) {
	c.mu.Lock()
	names := make([]string, 0, len(c.pools))
	for name := range c.pools {
		names = append(names, name)
	}
	c.mu.Unlock()

	out := make(map[string]queue.Counts, len(names))
	for _, name := range names {
		counts, err := c.store.Counts(name)
		if err != nil {
			return nil, err
		}
		out[name] = counts
	}
	return out, nil
}

// Shutdown stops leasing and waits up to grace for in-flight handlers.
func (c *Coordinator) Shutdown(grace time.Duration) {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn("shutdown grace window elapsed with workers still active",
			zap.Duration("grace", grace))
	}

	if c.bus != nil {
		c.bus.Publish(events.NewAlert("info", "Coordinator shutdown",
			"job coordinator stopped", nil))
	}
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) workerLoop(ctx context.Context, p *pool, workerID string) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.store.LeaseNext(p.name, workerID, c.leaseTTL)
		if err != nil {
			c.logger.Warn("lease failed", zap.String("queue", p.name), zap.Error(err))
			c.sleep(ctx, c.pollInterval)
			continue
		}
		if job == nil {
			c.sleep(ctx, c.pollInterval)
			continue
		}
		c.process(ctx, p, job)
	}
}

func (c *Coordinator) process(ctx context.Context, p *pool, job *queue.Job) {
	start := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go c.heartbeat(hbCtx, job.ID)

	progress := func(pct int) {
		if err := c.store.Progress(job.ID, pct); err != nil && !queue.IsNotFound(err) {
			c.logger.Debug("progress update failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		c.publishJob(events.JobProgress, p.name, job.ID, pct, "")
	}

	err := c.runHandler(ctx, p, job, progress)
	stopHeartbeat()

	if err == nil {
		if ackErr := c.store.Ack(job.ID); ackErr != nil {
			c.logger.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
			return
		}
		metrics.RecordJob(p.name, "completed", time.Since(start))
		c.publishJob(events.JobCompleted, p.name, job.ID, 100, "")
		return
	}

	if errors.Is(err, ErrMalformedPayload) {
		if dlErr := c.store.DeadLetter(p.name, job.ID, job.Payload, err.Error()); dlErr != nil {
			c.logger.Error("dead-letter failed", zap.String("job_id", job.ID), zap.Error(dlErr))
		}
		if c.auditLog != nil {
			c.auditLog.Record(audit.Entry{
				EventCode:    audit.CodeJobDeadLettered,
				Action:       "dead_letter",
				ResourceType: "job",
				ResourceID:   job.ID,
				Success:      false,
				Metadata:     map[string]any{"queue": p.name, "reason": err.Error()},
			})
		}
		err = queue.Fatal(err)
	}

	failed, failErr := c.store.Fail(job.ID, err)
	if failErr != nil {
		c.logger.Error("fail transition failed", zap.String("job_id", job.ID), zap.Error(failErr))
		return
	}
	if failed.Status == queue.StatusFailed {
		metrics.RecordJob(p.name, "failed", time.Since(start))
		c.publishJob(events.JobFailed, p.name, job.ID, 0, err.Error())
		c.logger.Warn("job failed terminally",
			zap.String("queue", p.name),
			zap.String("job_id", job.ID),
			zap.Int("attempts", failed.Attempts),
			zap.Error(err))
		return
	}

	metrics.RecordJob(p.name, "retried", time.Since(start))
	c.publishJob(events.JobQueued, p.name, job.ID, 0, err.Error())
	c.logger.Info("job retry scheduled",
		zap.String("queue", p.name),
		zap.String("job_id", job.ID),
		zap.Int("attempt", failed.Attempts),
		zap.Time("available_at", failed.AvailableAt),
		zap.Error(err))
}

func (c *Coordinator) runHandler(ctx context.Context, p *pool, job *queue.Job, progress func(int)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			c.logger.Error("handler panicked",
				zap.String("queue", p.name),
				zap.String("job_id", job.ID),
				zap.Any("panic", r))
		}
	}()
	return p.handler(ctx, job, progress)
}

func (c *Coordinator) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(c.leaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.ExtendLease(jobID, c.leaseTTL); err != nil {
				return
			}
		}
	}
}

func (c *Coordinator) cronLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(defaultCronPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.fireDueSchedules(now.UTC())
		}
	}
}

func (c *Coordinator) fireDueSchedules(now time.Time) {
	schedules, err := c.store.ListSchedules()
	if err != nil {
		c.logger.Warn("list schedules failed", zap.Error(err))
		return
	}
	for _, sched := range schedules {
		due, err := scheduleDue(sched.Pattern, sched.LastEnqueuedAt, sched.CreatedAt, now)
		if err != nil {
			c.logger.Warn("invalid schedule pattern",
				zap.String("schedule_id", sched.ID),
				zap.String("pattern", sched.Pattern),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if _, err := c.Enqueue(sched.Queue, sched.Payload, queue.Options{}); err != nil {
			c.logger.Warn("scheduled enqueue failed",
				zap.String("schedule_id", sched.ID),
				zap.String("queue", sched.Queue),
				zap.Error(err))
			continue
		}
		if err := c.store.MarkScheduleEnqueued(sched.ID); err != nil {
			c.logger.Warn("mark schedule enqueued failed", zap.String("schedule_id", sched.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) janitorLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(defaultJanitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.janitorPass()
		}
	}
}

func (c *Coordinator) janitorPass() {
	c.mu.Lock()
	pools := make([]*pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	for _, p := range pools {
		stalled, err := c.store.RequeueStalled(p.name)
		if err != nil {
			c.logger.Warn("stall requeue failed", zap.String("queue", p.name), zap.Error(err))
		}
		for _, job := range stalled {
			c.publishJob(events.JobStalled, p.name, job.ID, 0, "lease expired")
			c.logger.Warn("stalled job requeued",
				zap.String("queue", p.name),
				zap.String("job_id", job.ID),
				zap.String("worker", job.WorkerID))
		}

		if _, err := c.store.Sweep(p.name, p.defaults.KeepCompleted, p.defaults.KeepFailed); err != nil {
			c.logger.Warn("retention sweep failed", zap.String("queue", p.name), zap.Error(err))
		}

		if counts, err := c.store.Counts(p.name); err == nil {
			metrics.SetQueueDepth(p.name, counts)
		}
	}
}

func (c *Coordinator) applyDefaults(queueName string, opts queue.Options) queue.Options {
	c.mu.Lock()
	p := c.pools[queueName]
	c.mu.Unlock()
	if p == nil {
		return opts
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = p.defaults.MaxAttempts
	}
	if opts.Backoff == "" {
		opts.Backoff = p.defaults.Backoff
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = p.defaults.BackoffBase
	}
	return opts
}

func (c *Coordinator) publishJob(t events.Type, queueName, jobID string, pct int, errMsg string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NewJob(t, events.JobPayload{
		Queue:    queueName,
		JobID:    jobID,
		Progress: pct,
		Error:    errMsg,
	}))
}

func (c *Coordinator) recordAdmin(code, action, queueName string) {
	if c.auditLog == nil {
		return
	}
	c.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       action,
		ResourceType: "queue",
		ResourceID:   queueName,
		Success:      true,
	})
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// parseSchedule accepts a plain interval duration or a standard cron
// expression.
func parseSchedule(pattern string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(pattern); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return cron.Every(d), nil
	}
	return cron.ParseStandard(pattern)
}

func scheduleDue(pattern string, lastEnqueued *time.Time, createdAt, now time.Time) (bool, error) {
	spec, err := parseSchedule(pattern)
	if err != nil {
		return false, err
	}
	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now
	}
	if lastEnqueued != nil {
		anchor = lastEnqueued.UTC()
	}
	return !spec.Next(anchor).After(now), nil
}
