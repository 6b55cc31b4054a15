package workers

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/store"
)

func newPlanWorker(f *submitFixture) *PlanWorker {
	return NewPlanWorker(f.txs, f.submitter, f.bus, f.auditLog, 10*time.Millisecond, nil)
}

func planJob(t *testing.T, planID string) *queue.Job {
	t.Helper()
	return &queue.Job{ID: planID, Queue: QueuePlan, Payload: []byte(`{}`)}
}

// driveSteps confirms (or fails) step transactions as the plan worker
// submits them, emulating the broadcast pool.
func driveSteps(ctx context.Context, f *submitFixture, planID string, failStep string) {
	handled := map[string]bool{}
	seq := 0
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		txs, err := f.txs.ListPlanTransactions(planID)
		if err != nil {
			continue
		}
		for _, tx := range txs {
			if handled[tx.ID] || tx.Status != store.TxQueued {
				continue
			}
			handled[tx.ID] = true
			if tx.StepID == failStep {
				_ = f.txs.MarkFailed(tx.ID, "Error: execution reverted")
				f.bus.Publish(events.NewTransaction(events.TransactionFailed, events.TransactionPayload{
					TransactionID: tx.ID, PlanID: planID, Error: "Error: execution reverted",
				}))
				continue
			}
			if err := f.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxQueued}, store.TxBroadcasting); err != nil {
				continue
			}
			seq++
			_ = f.txs.MarkBroadcasted(tx.ID, fmt.Sprintf("0x%064x", seq))
			_ = f.txs.MarkConfirmed(tx.ID, 55, "0xblock", 21000)
			f.bus.Publish(events.NewTransaction(events.TransactionConfirmed, events.TransactionPayload{
				TransactionID: tx.ID, PlanID: planID,
			}))
		}
	}
}

func TestPlanRunsStepsInDependencyOrder(t *testing.T) {
	f := newSubmitFixture(t, nil)
	worker := newPlanWorker(f)

	plan, err := f.submitter.SubmitPlan(PlanRequest{
		UserID: "user-1",
		Steps: []store.Step{
			{ID: "swap", ChainID: testChainID, To: toAddr},
			{ID: "stake", ChainID: testChainID, To: toAddr, DependsOn: []string{"swap"}},
		},
	})
	if err != nil {
		t.Fatalf("submit plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go driveSteps(ctx, f, plan.ID, "")

	if err := worker.Handle(ctx, planJob(t, plan.ID), noProgress); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, err := f.txs.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Status != store.PlanCompleted {
		t.Fatalf("plan status = %s, want completed", got.Status)
	}

	txs, _ := f.txs.ListPlanTransactions(plan.ID)
	if len(txs) != 2 {
		t.Fatalf("step transactions = %d, want 2", len(txs))
	}
	var swapAt, stakeAt time.Time
	for _, tx := range txs {
		switch tx.StepID {
		case "swap":
			swapAt = tx.CreatedAt
		case "stake":
			stakeAt = tx.CreatedAt
		}
	}
	if stakeAt.Before(swapAt) {
		t.Fatal("dependent step submitted before its dependency")
	}
	if f.recorder.count(events.PlanCompleted) != 1 {
		t.Fatal("expected one plan:completed event")
	}
}

func TestPlanParallelStepsFanOut(t *testing.T) {
	f := newSubmitFixture(t, nil)
	worker := newPlanWorker(f)

	plan, err := f.submitter.SubmitPlan(PlanRequest{
		Steps: []store.Step{
			{ID: "a", ChainID: testChainID, To: toAddr},
			{ID: "b", ChainID: testChainID, To: toAddr},
			{ID: "join", ChainID: testChainID, To: toAddr, DependsOn: []string{"a", "b"}},
		},
	})
	if err != nil {
		t.Fatalf("submit plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go driveSteps(ctx, f, plan.ID, "")

	if err := worker.Handle(ctx, planJob(t, plan.ID), noProgress); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := f.txs.GetPlan(plan.ID)
	if got.Status != store.PlanCompleted {
		t.Fatalf("plan status = %s, want completed", got.Status)
	}
	txs, _ := f.txs.ListPlanTransactions(plan.ID)
	if len(txs) != 3 {
		t.Fatalf("step transactions = %d, want 3", len(txs))
	}
}

func TestPlanStepFailureHaltsScheduling(t *testing.T) {
	f := newSubmitFixture(t, nil)
	worker := newPlanWorker(f)

	plan, err := f.submitter.SubmitPlan(PlanRequest{
		Steps: []store.Step{
			{ID: "swap", ChainID: testChainID, To: toAddr},
			{ID: "stake", ChainID: testChainID, To: toAddr, DependsOn: []string{"swap"}},
		},
	})
	if err != nil {
		t.Fatalf("submit plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go driveSteps(ctx, f, plan.ID, "swap")

	err = worker.Handle(ctx, planJob(t, plan.ID), noProgress)
	if !queue.IsFatal(err) {
		t.Fatalf("want fatal error, got %v", err)
	}

	got, _ := f.txs.GetPlan(plan.ID)
	if got.Status != store.PlanFailed {
		t.Fatalf("plan status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "swap") || !strings.Contains(got.Error, "execution reverted") {
		t.Fatalf("plan error = %q", got.Error)
	}

	txs, _ := f.txs.ListPlanTransactions(plan.ID)
	if len(txs) != 1 {
		t.Fatalf("dependent step was submitted after failure: %d transactions", len(txs))
	}
	if f.recorder.count(events.PlanFailed) != 1 {
		t.Fatal("expected one plan:failed event")
	}
}

func TestPlanMissingIsFatal(t *testing.T) {
	f := newSubmitFixture(t, nil)
	worker := newPlanWorker(f)

	err := worker.Handle(context.Background(), planJob(t, "no-such-plan"), noProgress)
	if !queue.IsFatal(err) {
		t.Fatalf("want fatal error, got %v", err)
	}
}

func TestPlanTerminalRedeliveryIsNoop(t *testing.T) {
	f := newSubmitFixture(t, nil)
	worker := newPlanWorker(f)

	plan, err := f.submitter.SubmitPlan(PlanRequest{
		Steps: []store.Step{{ID: "only", ChainID: testChainID, To: toAddr}},
	})
	if err != nil {
		t.Fatalf("submit plan: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go driveSteps(ctx, f, plan.ID, "")
	if err := worker.Handle(ctx, planJob(t, plan.ID), noProgress); err != nil {
		t.Fatalf("first handle: %v", err)
	}

	if err := worker.Handle(ctx, planJob(t, plan.ID), noProgress); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	txs, _ := f.txs.ListPlanTransactions(plan.ID)
	if len(txs) != 1 {
		t.Fatalf("redelivery re-submitted steps: %d transactions", len(txs))
	}
}
