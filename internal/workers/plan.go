package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/store"
	"github.com/quaestorhq/quaestor/internal/telemetry"
)

const defaultPlanPoll = time.Second

// PlanWorker executes one plan: it submits steps as their dependencies
// confirm, fans independent steps out to the transaction pool, and stops
// scheduling on the first terminal step failure while letting in-flight
// steps finish.
type PlanWorker struct {
	txs       *store.Store
	submitter *Submitter
	bus       *events.Bus
	auditLog  *audit.Log
	poll      time.Duration
	logger    *zap.Logger
}

// NewPlanWorker creates the plan execution handler. poll <= 0 uses the
// default step-state poll interval.
func NewPlanWorker(txs *store.Store, submitter *Submitter, bus *events.Bus, auditLog *audit.Log, poll time.Duration, logger *zap.Logger) *PlanWorker {
	if poll <= 0 {
		poll = defaultPlanPoll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanWorker{
		txs:       txs,
		submitter: submitter,
		bus:       bus,
		auditLog:  auditLog,
		poll:      poll,
		logger:    logger.Named("planworker"),
	}
}

// Handle runs one plan job to completion. The job id equals the plan id,
// so at most one execution per plan is live.
func (w *PlanWorker) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	var payload PlanJob
	if err := decodePayload(job.Payload, &payload); err != nil {
		return err
	}
	if payload.PlanID == "" {
		payload.PlanID = job.ID
	}

	plan, err := w.txs.GetPlan(payload.PlanID)
	if err != nil {
		if store.IsNotFound(err) {
			return queue.Fatal(fmt.Errorf("plan %s not found", payload.PlanID))
		}
		return err
	}
	switch plan.Status {
	case store.PlanCompleted, store.PlanFailed:
		return nil
	}

	if err := store.ValidatePlanSteps(plan.Steps); err != nil {
		w.finish(plan, store.PlanFailed, err.Error())
		return queue.Fatal(fmt.Errorf("invalid plan: %w", err))
	}

	ctx, span := telemetry.StartPlanSpan(ctx, plan.ID, len(plan.Steps))
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	if err := w.txs.TransitionPlan(plan.ID, store.PlanPending, store.PlanRunning, ""); err != nil {
		// A stall-requeued job finds the plan already running; resume.
		if err != store.ErrConflict {
			runErr = fmt.Errorf("start plan: %w", err)
			return runErr
		}
	} else {
		w.record(audit.CodePlanStarted, "start", plan, true, nil)
		w.publish(events.PlanStarted, plan, "")
		w.logger.Info("plan started",
			zap.String("plan_id", plan.ID),
			zap.Int("steps", len(plan.Steps)))
	}
	// Either branch leaves the record RUNNING; finish() transitions from
	// the status we hold here.
	plan.Status = store.PlanRunning

	runErr = w.run(ctx, plan, progress)
	return runErr
}

// run drives the step loop. Wakes on plan-scoped events with a poll
// fallback for missed wakeups.
func (w *PlanWorker) run(ctx context.Context, plan *store.Plan, progress func(int)) error {
	sub, err := w.subscribe(plan.ID)
	if err == nil && sub != nil {
		defer w.bus.Unsubscribe(sub.ID)
	}

	total := len(plan.Steps)
	haltedReason := ""

	for {
		txs, err := w.txs.ListPlanTransactions(plan.ID)
		if err != nil {
			return fmt.Errorf("list plan transactions: %w", err)
		}

		done := make(map[string]bool, total)
		started := make(map[string]bool, total)
		inFlight := 0
		for _, tx := range txs {
			if tx.StepID == "" {
				continue
			}
			started[tx.StepID] = true
			switch {
			case tx.Status == store.TxConfirmed:
				done[tx.StepID] = true
			case tx.Status.Terminal():
				if haltedReason == "" {
					haltedReason = failureReason(&tx)
				}
			default:
				inFlight++
			}
		}

		progress(100 * len(done) / total)

		if haltedReason != "" {
			// Stop scheduling; wait for in-flight steps, then fail.
			if inFlight == 0 {
				w.finish(plan, store.PlanFailed, haltedReason)
				return queue.Fatal(fmt.Errorf("plan failed: %s", haltedReason))
			}
		} else {
			if len(done) == total {
				w.finish(plan, store.PlanCompleted, "")
				return nil
			}
			for _, step := range store.ReadySteps(plan.Steps, done, started) {
				if _, err := w.submitter.SubmitStep(plan, step); err != nil {
					haltedReason = fmt.Sprintf("step %s: %v", step.ID, err)
					w.logger.Warn("step submission failed",
						zap.String("plan_id", plan.ID),
						zap.String("step_id", step.ID),
						zap.Error(err))
					break
				}
				w.logger.Debug("step submitted",
					zap.String("plan_id", plan.ID),
					zap.String("step_id", step.ID))
			}
			if haltedReason != "" && inFlight == 0 {
				w.finish(plan, store.PlanFailed, haltedReason)
				return queue.Fatal(fmt.Errorf("plan failed: %s", haltedReason))
			}
		}

		if err := w.wait(ctx, sub); err != nil {
			return err
		}
	}
}

func (w *PlanWorker) subscribe(planID string) (*events.Subscription, error) {
	if w.bus == nil {
		return nil, fmt.Errorf("no bus")
	}
	return w.bus.Subscribe(events.Filter{
		Types: []events.Type{
			events.TransactionConfirmed,
			events.TransactionFailed,
		},
		PlanID: planID,
	})
}

func (w *PlanWorker) wait(ctx context.Context, sub *events.Subscription) error {
	var wake <-chan events.Event
	if sub != nil {
		wake = sub.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-time.After(w.poll):
		return nil
	}
}

func (w *PlanWorker) finish(plan *store.Plan, to store.PlanStatus, reason string) {
	from := store.PlanRunning
	if plan.Status == store.PlanPending {
		from = store.PlanPending
	}
	if err := w.txs.TransitionPlan(plan.ID, from, to, reason); err != nil && err != store.ErrConflict {
		w.logger.Error("finish plan",
			zap.String("plan_id", plan.ID),
			zap.String("to", string(to)),
			zap.Error(err))
	}

	if to == store.PlanCompleted {
		w.record(audit.CodePlanCompleted, "complete", plan, true, nil)
		w.publish(events.PlanCompleted, plan, "")
		w.logger.Info("plan completed", zap.String("plan_id", plan.ID))
		return
	}
	w.record(audit.CodePlanFailed, "fail", plan, false, map[string]any{"reason": reason})
	w.publish(events.PlanFailed, plan, reason)
	w.logger.Warn("plan failed",
		zap.String("plan_id", plan.ID),
		zap.String("reason", reason))
}

func (w *PlanWorker) publish(t events.Type, plan *store.Plan, errMsg string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.NewPlan(t, events.PlanPayload{
		PlanID:    plan.ID,
		StepCount: len(plan.Steps),
		Error:     errMsg,
		UserID:    plan.UserID,
		AgentID:   plan.AgentID,
	}))
}

func (w *PlanWorker) record(code, action string, plan *store.Plan, success bool, meta map[string]any) {
	if w.auditLog == nil {
		return
	}
	w.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       action,
		ResourceType: "plan",
		ResourceID:   plan.ID,
		Actor:        actorOf(plan.UserID, plan.AgentID),
		Success:      success,
		Metadata:     meta,
	})
}

func failureReason(tx *store.Transaction) string {
	if tx.Memo != "" {
		return fmt.Sprintf("step %s: %s", tx.StepID, tx.Memo)
	}
	return fmt.Sprintf("step %s: %s", tx.StepID, tx.Status)
}
