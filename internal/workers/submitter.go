package workers

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/approval"
	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/ratelimit"
	"github.com/quaestorhq/quaestor/internal/risk"
	"github.com/quaestorhq/quaestor/internal/store"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrBlocked means the risk score exceeded the hard ceiling; the submission
// was refused and nothing was persisted.
var ErrBlocked = errors.New("risk score exceeds hard ceiling")

// ErrRateLimited means the subject's submission bucket is empty.
var ErrRateLimited = errors.New("rate limited")

// Enqueuer is the slice of the coordinator the submitter needs.
type Enqueuer interface {
	Enqueue(queue string, payload []byte, opts queue.Options) (string, error)
}

// SubmitRequest describes one intended transaction.
type SubmitRequest struct {
	ChainID     int64   `json:"chain_id"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Value       string  `json:"value,omitempty"`
	Data        []byte  `json:"data,omitempty"`
	GasLimit    uint64  `json:"gas_limit,omitempty"`
	MaxFee      string  `json:"max_fee,omitempty"`
	PriorityFee string  `json:"priority_fee,omitempty"`
	Nonce       *uint64 `json:"nonce,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	AgentID     string  `json:"agent_id,omitempty"`
	PlanID      string  `json:"plan_id,omitempty"`
	StepID      string  `json:"step_id,omitempty"`
	RiskScore   float64 `json:"risk_score"`
	Simulate    bool    `json:"simulate,omitempty"`
	Memo        string  `json:"memo,omitempty"`
}

// PlanRequest describes one plan submission.
type PlanRequest struct {
	UserID      string       `json:"user_id,omitempty"`
	AgentID     string       `json:"agent_id,omitempty"`
	Description string       `json:"description,omitempty"`
	CrossChain  bool         `json:"cross_chain,omitempty"`
	Steps       []store.Step `json:"steps"`
}

// Submitter routes submissions: it scores risk, refuses blocked requests,
// parks approval-gated transactions, and enqueues the rest for broadcast.
type Submitter struct {
	txs        *store.Store
	approvals  *approval.Manager
	jobs       Enqueuer
	bus        *events.Bus
	auditLog   *audit.Log
	thresholds risk.Thresholds
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
}

// NewSubmitter creates the submission service. limiter may be nil to
// disable throttling.
func NewSubmitter(txs *store.Store, approvals *approval.Manager, jobs Enqueuer, bus *events.Bus, auditLog *audit.Log, thresholds risk.Thresholds, limiter *ratelimit.Limiter, logger *zap.Logger) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Submitter{
		txs:        txs,
		approvals:  approvals,
		jobs:       jobs,
		bus:        bus,
		auditLog:   auditLog,
		thresholds: thresholds,
		limiter:    limiter,
		logger:     logger.Named("submitter"),
	}
	if approvals != nil {
		approvals.EnqueueBroadcast = s.EnqueueBroadcast
	}
	return s
}

// SubmitTransaction validates, scores, and routes one transaction. The
// returned record is AWAITING_APPROVAL when the score crosses the approval
// threshold, QUEUED otherwise.
func (s *Submitter) SubmitTransaction(req SubmitRequest) (*store.Transaction, error) {
	if err := s.allow(req.UserID, req.AgentID); err != nil {
		return nil, err
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	score := risk.Clamp(req.RiskScore)
	level := risk.LevelFor(score)

	if s.thresholds.Blocked(score) {
		s.record(audit.CodeTransactionBlocked, "block", "transaction", req.To, actorOf(req.UserID, req.AgentID), false, map[string]any{
			"chain_id":   req.ChainID,
			"risk_score": score,
			"risk_level": string(level),
		})
		s.logger.Warn("submission blocked",
			zap.Float64("risk_score", score),
			zap.String("from", req.From),
			zap.String("to", req.To))
		return nil, fmt.Errorf("%w: score %.2f", ErrBlocked, score)
	}

	tx, err := s.txs.CreateTransaction(store.Transaction{
		ChainID:          req.ChainID,
		From:             req.From,
		To:               req.To,
		Value:            req.Value,
		Data:             req.Data,
		GasLimit:         req.GasLimit,
		MaxFee:           req.MaxFee,
		PriorityFee:      req.PriorityFee,
		Nonce:            req.Nonce,
		UserID:           req.UserID,
		AgentID:          req.AgentID,
		PlanID:           req.PlanID,
		StepID:           req.StepID,
		RiskScore:        score,
		RiskLevel:        string(level),
		RequiresApproval: s.thresholds.RequiresApproval(score),
		Status:           store.TxDraft,
		Memo:             req.Memo,
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	s.record(audit.CodeTransactionCreated, "create", "transaction", tx.ID, actorOf(req.UserID, req.AgentID), true, map[string]any{
		"chain_id":   tx.ChainID,
		"risk_score": tx.RiskScore,
		"risk_level": tx.RiskLevel,
	})

	if tx.RequiresApproval {
		if s.approvals == nil {
			return nil, fmt.Errorf("transaction %s requires approval but no approval machine is wired", tx.ID)
		}
		if _, err := s.approvals.Request(tx, actorOf(req.UserID, req.AgentID)); err != nil {
			return nil, fmt.Errorf("request approval: %w", err)
		}
		return s.txs.GetTransaction(tx.ID)
	}

	if err := s.queueForBroadcast(tx, req.Simulate); err != nil {
		return nil, err
	}
	return s.txs.GetTransaction(tx.ID)
}

// SubmitPlan validates the step DAG and enqueues plan execution.
func (s *Submitter) SubmitPlan(req PlanRequest) (*store.Plan, error) {
	if err := s.allow(req.UserID, req.AgentID); err != nil {
		return nil, err
	}
	if err := store.ValidatePlanSteps(req.Steps); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	plan, err := s.txs.CreatePlan(store.Plan{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		Description: req.Description,
		CrossChain:  req.CrossChain,
		Steps:       req.Steps,
		Status:      store.PlanPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}

	payload, _ := json.Marshal(PlanJob{PlanID: plan.ID})
	if _, err := s.jobs.Enqueue(QueuePlan, payload, queue.Options{ID: plan.ID}); err != nil {
		return nil, fmt.Errorf("enqueue plan: %w", err)
	}
	s.record(audit.CodePlanSubmitted, "submit", "plan", plan.ID, actorOf(req.UserID, req.AgentID), true, map[string]any{
		"step_count":  len(plan.Steps),
		"cross_chain": plan.CrossChain,
	})
	s.logger.Info("plan submitted",
		zap.String("plan_id", plan.ID),
		zap.Int("steps", len(plan.Steps)))
	return plan, nil
}

// SubmitStep turns one plan step into a queued transaction. Called by the
// plan worker once the step's dependencies are confirmed.
func (s *Submitter) SubmitStep(plan *store.Plan, step store.Step) (*store.Transaction, error) {
	to := step.To
	if to == "" {
		to = step.Contract
	}
	return s.SubmitTransaction(SubmitRequest{
		ChainID:   step.ChainID,
		From:      "", // resolved by the signer's account at build time
		To:        to,
		Value:     step.Value,
		Data:      step.Data,
		UserID:    plan.UserID,
		AgentID:   plan.AgentID,
		PlanID:    plan.ID,
		StepID:    step.ID,
		RiskScore: step.RiskScore,
	})
}

// EnqueueBroadcast puts an already-QUEUED transaction on the broadcast
// queue. The approval machine calls this on approve.
func (s *Submitter) EnqueueBroadcast(txID string) error {
	payload, _ := json.Marshal(TransactionJob{TransactionID: txID})
	if _, err := s.jobs.Enqueue(QueueTransaction, payload, queue.Options{ID: txID}); err != nil {
		return fmt.Errorf("enqueue broadcast: %w", err)
	}
	return nil
}

func (s *Submitter) queueForBroadcast(tx *store.Transaction, simulate bool) error {
	if err := s.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxDraft}, store.TxQueued); err != nil {
		return fmt.Errorf("queue transaction: %w", err)
	}

	payload, _ := json.Marshal(TransactionJob{TransactionID: tx.ID, Simulate: simulate})
	if _, err := s.jobs.Enqueue(QueueTransaction, payload, queue.Options{ID: tx.ID}); err != nil {
		return fmt.Errorf("enqueue broadcast: %w", err)
	}

	s.record(audit.CodeTransactionQueued, "queue", "transaction", tx.ID, "", true, nil)
	if s.bus != nil {
		s.bus.Publish(events.NewTransaction(events.TransactionPending, events.TransactionPayload{
			TransactionID: tx.ID,
			ChainID:       tx.ChainID,
			UserID:        tx.UserID,
			AgentID:       tx.AgentID,
			PlanID:        tx.PlanID,
		}))
	}
	return nil
}

func (s *Submitter) allow(userID, agentID string) error {
	if s.limiter == nil {
		return nil
	}
	if !s.limiter.Allow(actorOf(userID, agentID)) {
		return ErrRateLimited
	}
	return nil
}

func (s *Submitter) record(code, action, resourceType, resourceID, actor string, success bool, meta map[string]any) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Success:      success,
		Metadata:     meta,
	})
}

func validateRequest(req SubmitRequest) error {
	if req.ChainID <= 0 {
		return fmt.Errorf("chain id required")
	}
	if req.From != "" && !addressPattern.MatchString(req.From) {
		return fmt.Errorf("malformed from address %q", req.From)
	}
	if !addressPattern.MatchString(req.To) {
		return fmt.Errorf("malformed to address %q", req.To)
	}
	return nil
}

func actorOf(userID, agentID string) string {
	if userID != "" {
		return userID
	}
	return agentID
}
