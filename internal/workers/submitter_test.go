package workers

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quaestorhq/quaestor/internal/approval"
	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/ratelimit"
	"github.com/quaestorhq/quaestor/internal/risk"
	"github.com/quaestorhq/quaestor/internal/store"
)

// captureEnqueuer records enqueued jobs instead of running them.
type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []capturedJob
}

type capturedJob struct {
	queue   string
	payload []byte
	opts    queue.Options
}

func (c *captureEnqueuer) Enqueue(queueName string, payload []byte, opts queue.Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, capturedJob{queue: queueName, payload: payload, opts: opts})
	if opts.ID != "" {
		return opts.ID, nil
	}
	return "job", nil
}

func (c *captureEnqueuer) onQueue(queueName string) []capturedJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedJob
	for _, j := range c.jobs {
		if j.queue == queueName {
			out = append(out, j)
		}
	}
	return out
}

type submitFixture struct {
	submitter *Submitter
	txs       *store.Store
	approvals *approval.Manager
	jobs      *captureEnqueuer
	bus       *events.Bus
	auditLog  *audit.Log
	recorder  *eventRecorder
}

func newSubmitFixture(t *testing.T, limiter *ratelimit.Limiter) *submitFixture {
	t.Helper()
	dir := t.TempDir()
	txs, err := store.NewStore(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("tx store: %v", err)
	}
	t.Cleanup(func() { _ = txs.Close() })

	apStore, err := approval.NewStore(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatalf("approval store: %v", err)
	}
	t.Cleanup(func() { _ = apStore.Close() })

	bus := events.NewBus(32)
	rec := &eventRecorder{}
	bus.On(events.Wildcard, rec.handle)

	auditLog := audit.NewLog(100)
	mgr := approval.NewManager(apStore, txs, bus, auditLog, time.Hour, nil, nil)
	jobs := &captureEnqueuer{}

	thresholds := risk.Thresholds{Approval: 0.5, Block: 0.95}
	return &submitFixture{
		submitter: NewSubmitter(txs, mgr, jobs, bus, auditLog, thresholds, limiter, nil),
		txs:       txs,
		approvals: mgr,
		jobs:      jobs,
		bus:       bus,
		auditLog:  auditLog,
		recorder:  rec,
	}
}

func submitReq(score float64) SubmitRequest {
	return SubmitRequest{
		ChainID:   testChainID,
		From:      fromAddr,
		To:        toAddr,
		Value:     "500000000000000",
		UserID:    "user-1",
		RiskScore: score,
	}
}

func TestSubmitLowRiskQueuesBroadcast(t *testing.T) {
	f := newSubmitFixture(t, nil)

	tx, err := f.submitter.SubmitTransaction(submitReq(0.2))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tx.Status != store.TxQueued {
		t.Fatalf("status = %s, want QUEUED", tx.Status)
	}
	if tx.RiskLevel != "LOW" || tx.RequiresApproval {
		t.Fatalf("risk fields: level=%s requiresApproval=%v", tx.RiskLevel, tx.RequiresApproval)
	}

	queued := f.jobs.onQueue(QueueTransaction)
	if len(queued) != 1 {
		t.Fatalf("broadcast jobs = %d, want 1", len(queued))
	}
	if queued[0].opts.ID != tx.ID {
		t.Fatalf("job id = %s, want transaction id %s", queued[0].opts.ID, tx.ID)
	}
	if f.recorder.count(events.TransactionPending) != 1 {
		t.Fatal("expected one transaction:pending event")
	}
}

func TestSubmitWithoutSenderAccepted(t *testing.T) {
	f := newSubmitFixture(t, nil)

	req := submitReq(0.2)
	req.From = "" // pipeline fills in the signer account
	tx, err := f.submitter.SubmitTransaction(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tx.Status != store.TxQueued {
		t.Fatalf("status = %s, want QUEUED", tx.Status)
	}
	if tx.From != "" {
		t.Fatalf("sender = %q, want empty until broadcast", tx.From)
	}
}

func TestSubmitHighRiskParksForApproval(t *testing.T) {
	f := newSubmitFixture(t, nil)

	tx, err := f.submitter.SubmitTransaction(submitReq(0.8))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tx.Status != store.TxAwaitingApproval {
		t.Fatalf("status = %s, want AWAITING_APPROVAL", tx.Status)
	}
	if len(f.jobs.onQueue(QueueTransaction)) != 0 {
		t.Fatal("approval-gated transaction must not be enqueued")
	}

	pending, err := f.approvals.ListPending()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].TransactionID != tx.ID {
		t.Fatalf("pending approvals = %+v", pending)
	}
}

func TestApproveHandsOffToBroadcastQueue(t *testing.T) {
	f := newSubmitFixture(t, nil)

	tx, err := f.submitter.SubmitTransaction(submitReq(0.8))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending, _ := f.approvals.ListPending()
	if len(pending) != 1 {
		t.Fatalf("pending = %d", len(pending))
	}

	if _, err := f.approvals.Approve(pending[0].ID, "reviewer-1", "looks fine"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	queued := f.jobs.onQueue(QueueTransaction)
	if len(queued) != 1 || queued[0].opts.ID != tx.ID {
		t.Fatalf("broadcast jobs after approve = %+v", queued)
	}
	got, _ := f.txs.GetTransaction(tx.ID)
	if got.Status != store.TxQueued {
		t.Fatalf("status = %s, want QUEUED after approval", got.Status)
	}
}

func TestSubmitBlockedPersistsNothing(t *testing.T) {
	f := newSubmitFixture(t, nil)

	_, err := f.submitter.SubmitTransaction(submitReq(0.97))
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("want ErrBlocked, got %v", err)
	}

	txs, err := f.txs.ListTransactions(store.TxQuery{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("blocked submission persisted %d transactions", len(txs))
	}
	if len(f.jobs.jobs) != 0 {
		t.Fatal("blocked submission enqueued a job")
	}
}

func TestSubmitScoreIsClamped(t *testing.T) {
	f := newSubmitFixture(t, nil)

	_, err := f.submitter.SubmitTransaction(submitReq(7.5))
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("clamped score above ceiling should block, got %v", err)
	}
}

func TestSubmitRejectsMalformedAddress(t *testing.T) {
	f := newSubmitFixture(t, nil)

	req := submitReq(0.1)
	req.To = "0x123"
	if _, err := f.submitter.SubmitTransaction(req); err == nil {
		t.Fatal("expected validation error")
	}
	txs, _ := f.txs.ListTransactions(store.TxQuery{Limit: 10})
	if len(txs) != 0 {
		t.Fatal("invalid submission persisted a transaction")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{PerMinute: 1, Burst: 1, EntryTTL: time.Minute})
	f := newSubmitFixture(t, limiter)

	if _, err := f.submitter.SubmitTransaction(submitReq(0.1)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.submitter.SubmitTransaction(submitReq(0.1))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
}

func TestSubmitPlanEnqueuesExecution(t *testing.T) {
	f := newSubmitFixture(t, nil)

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
	if plan.Status != store.PlanPending {
		t.Fatalf("status = %s, want pending", plan.Status)
	}

	queued := f.jobs.onQueue(QueuePlan)
	if len(queued) != 1 || queued[0].opts.ID != plan.ID {
		t.Fatalf("plan jobs = %+v", queued)
	}
}

func TestSubmitPlanRejectsCycle(t *testing.T) {
	f := newSubmitFixture(t, nil)

	_, err := f.submitter.SubmitPlan(PlanRequest{
		Steps: []store.Step{
			{ID: "a", ChainID: testChainID, To: toAddr, DependsOn: []string{"b"}},
			{ID: "b", ChainID: testChainID, To: toAddr, DependsOn: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatal("expected cycle rejection")
	}
	plans, _ := f.txs.ListPlans("", 10)
	if len(plans) != 0 {
		t.Fatal("invalid plan persisted")
	}
}
