package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/risk"
	"github.com/quaestorhq/quaestor/internal/store"
)

const defaultTTL = 60 * time.Minute

// CanApproveFunc decides whether a resolver may act on an approval. Role
// policy lives with the caller; the default rejects empty resolvers and
// self-approval by the requesting agent.
type CanApproveFunc func(resolver string, a *Approval) bool

func defaultCanApprove(resolver string, a *Approval) bool {
	resolver = strings.TrimSpace(resolver)
	if resolver == "" {
		return false
	}
	return a.AgentID == "" || resolver != a.AgentID
}

// Manager owns every approval state transition and keeps the linked
// transaction in step: APPROVED re-queues it for broadcast, REJECTED and
// CANCELLED terminate it, EXPIRED leaves it AWAITING_APPROVAL for
// reconciliation.
type Manager struct {
	approvals *Store
	txs       *store.Store
	bus       *events.Bus
	auditLog  *audit.Log
	can       CanApproveFunc
	ttl       time.Duration
	logger    *zap.Logger

	// EnqueueBroadcast submits the transaction's broadcast job after an
	// approval. Wired by the daemon; nil drops the hand-off (tests).
	EnqueueBroadcast func(txID string) error
}

// NewManager wires the approval machine.
func NewManager(approvals *Store, txs *store.Store, bus *events.Bus, auditLog *audit.Log, ttl time.Duration, can CanApproveFunc, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if can == nil {
		can = defaultCanApprove
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		approvals: approvals,
		txs:       txs,
		bus:       bus,
		auditLog:  auditLog,
		can:       can,
		ttl:       ttl,
		logger:    logger.Named("approval"),
	}
}

// Request creates a pending approval for a transaction and parks the
// transaction in AWAITING_APPROVAL.
func (m *Manager) Request(tx *store.Transaction, requestedBy string) (*Approval, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}

	now := time.Now().UTC()
	a, err := m.approvals.Create(Approval{
		TransactionID: tx.ID,
		RiskScore:     tx.RiskScore,
		RiskLevel:     string(risk.LevelFor(tx.RiskScore)),
		Priority:      string(risk.PriorityFor(tx.RiskScore)),
		RequestedBy:   requestedBy,
		UserID:        tx.UserID,
		AgentID:       tx.AgentID,
		PlanID:        tx.PlanID,
		RequestedAt:   now,
		ExpiresAt:     now.Add(m.ttl),
	})
	if err != nil {
		return nil, err
	}

	if err := m.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxDraft, store.TxQueued}, store.TxAwaitingApproval); err != nil {
		return nil, fmt.Errorf("park transaction %s: %w", tx.ID, err)
	}

	m.record(audit.CodeApprovalRequested, "request", a, requestedBy, true, nil)
	m.publish(events.ApprovalCreated, a, "", "")
	if m.bus != nil {
		m.bus.Publish(events.NewAlert(alertSeverity(a.RiskLevel), "Approval required",
			fmt.Sprintf("Transaction %s needs sign-off (risk %s)", tx.ID, a.RiskLevel),
			map[string]any{"approval_id": a.ID, "transaction_id": tx.ID}))
	}

	m.logger.Info("approval requested",
		zap.String("approval_id", a.ID),
		zap.String("transaction_id", tx.ID),
		zap.Float64("risk_score", a.RiskScore),
		zap.String("priority", a.Priority))
	return a, nil
}

// Approve resolves a pending approval and re-queues the transaction for
// broadcast. Approving an already-approved request is a no-op returning
// the existing resolution.
func (m *Manager) Approve(id, resolver, text string) (*Approval, error) {
	a, err := m.approvals.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusApproved {
		return a, nil
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("approval %s: %w (%s)", id, ErrAlreadyResolved, a.Status)
	}
	if a.Expired(time.Now().UTC()) {
		if _, err := m.Sweep(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("approval %s expired at %s", id, a.ExpiresAt.Format(time.RFC3339))
	}
	if !m.can(resolver, a) {
		return nil, fmt.Errorf("resolver %q may not approve %s", resolver, id)
	}

	if err := m.approvals.Resolve(id, StatusApproved, resolver, text); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return m.approvals.Get(id)
		}
		return nil, err
	}

	if err := m.txs.TransitionStatus(a.TransactionID, []store.TxStatus{store.TxAwaitingApproval}, store.TxQueued); err != nil {
		return nil, fmt.Errorf("queue transaction %s: %w", a.TransactionID, err)
	}
	if m.EnqueueBroadcast != nil {
		if err := m.EnqueueBroadcast(a.TransactionID); err != nil {
			m.logger.Error("enqueue broadcast after approval failed",
				zap.String("transaction_id", a.TransactionID), zap.Error(err))
		}
	}

	a, err = m.approvals.Get(id)
	if err != nil {
		return nil, err
	}
	m.record(audit.CodeApprovalApproved, "approve", a, resolver, true, nil)
	m.publish(events.ApprovalApproved, a, resolver, text)
	m.logger.Info("approval granted",
		zap.String("approval_id", id),
		zap.String("transaction_id", a.TransactionID),
		zap.String("resolver", resolver))
	return a, nil
}

// Reject resolves a pending approval negatively. A reason is required;
// the transaction terminates as REJECTED.
func (m *Manager) Reject(id, resolver, reason string) (*Approval, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("rejection reason required")
	}
	a, err := m.approvals.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("approval %s: %w (%s)", id, ErrAlreadyResolved, a.Status)
	}
	if !m.can(resolver, a) {
		return nil, fmt.Errorf("resolver %q may not reject %s", resolver, id)
	}

	if err := m.approvals.Resolve(id, StatusRejected, resolver, reason); err != nil {
		return nil, err
	}

	memo := "Rejected: " + reason
	if err := m.txs.TransitionStatus(a.TransactionID, []store.TxStatus{store.TxAwaitingApproval}, store.TxRejected); err != nil {
		return nil, fmt.Errorf("reject transaction %s: %w", a.TransactionID, err)
	}
	if err := m.txs.SetMemo(a.TransactionID, memo); err != nil {
		m.logger.Warn("set rejection memo failed", zap.String("transaction_id", a.TransactionID), zap.Error(err))
	}

	a, err = m.approvals.Get(id)
	if err != nil {
		return nil, err
	}
	m.record(audit.CodeApprovalRejected, "reject", a, resolver, true, map[string]any{"reason": reason})
	m.publish(events.ApprovalRejected, a, resolver, reason)
	if m.bus != nil {
		m.bus.Publish(events.NewTransaction(events.TransactionFailed, events.TransactionPayload{
			TransactionID: a.TransactionID,
			UserID:        a.UserID,
			AgentID:       a.AgentID,
			PlanID:        a.PlanID,
			Error:         memo,
		}))
	}
	return a, nil
}

// Cancel withdraws a pending approval, terminating the transaction as
// CANCELLED. Meant for the original requester or an admin.
func (m *Manager) Cancel(id, actor string) (*Approval, error) {
	a, err := m.approvals.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("approval %s: %w (%s)", id, ErrAlreadyResolved, a.Status)
	}

	if err := m.approvals.Resolve(id, StatusCancelled, actor, "Cancelled by "+actor); err != nil {
		return nil, err
	}
	if err := m.txs.TransitionStatus(a.TransactionID, []store.TxStatus{store.TxAwaitingApproval}, store.TxCancelled); err != nil {
		return nil, fmt.Errorf("cancel transaction %s: %w", a.TransactionID, err)
	}

	a, err = m.approvals.Get(id)
	if err != nil {
		return nil, err
	}
	m.record(audit.CodeApprovalCancelled, "cancel", a, actor, true, nil)
	return a, nil
}

// Sweep expires pending approvals past their TTL. The linked transactions
// stay AWAITING_APPROVAL; a later reconciliation decides their fate.
// Idempotent: a second sweep with no intervening change expires nothing.
func (m *Manager) Sweep() (int, error) {
	expired, err := m.approvals.ExpireDue(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		a := &expired[i]
		m.record(audit.CodeApprovalExpired, "sweep", a, "", true, nil)
		m.publish(events.ApprovalExpired, a, "", autoExpiredResolution)
		m.logger.Info("approval expired",
			zap.String("approval_id", a.ID),
			zap.String("transaction_id", a.TransactionID))
	}
	return len(expired), nil
}

// StartSweeper runs the expiry sweep on an interval until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Sweep(); err != nil {
					m.logger.Warn("approval sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Get returns one approval.
func (m *Manager) Get(id string) (*Approval, error) {
	return m.approvals.Get(id)
}

// GetByTransaction returns the approval gating a transaction.
func (m *Manager) GetByTransaction(txID string) (*Approval, error) {
	return m.approvals.GetByTransaction(txID)
}

// ListPending sweeps, then returns the pending approvals. Entries in the
// result are guaranteed not to be past their TTL.
func (m *Manager) ListPending() ([]Approval, error) {
	if _, err := m.Sweep(); err != nil {
		return nil, err
	}
	return m.approvals.ListPending()
}

// Stats returns approval totals per status.
func (m *Manager) Stats() (Counts, error) {
	return m.approvals.Counts()
}

// WaitForDecision polls until the approval resolves or ctx ends.
func (m *Manager) WaitForDecision(ctx context.Context, id string, poll time.Duration) (*Approval, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		a, err := m.approvals.Get(id)
		if err != nil {
			return nil, err
		}
		if a.Status.Resolved() {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) publish(t events.Type, a *Approval, resolver, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewApproval(t, events.ApprovalPayload{
		ApprovalID:    a.ID,
		TransactionID: a.TransactionID,
		RiskScore:     a.RiskScore,
		RiskLevel:     a.RiskLevel,
		Priority:      a.Priority,
		ExpiresAt:     a.ExpiresAt,
		Resolver:      resolver,
		Reason:        reason,
		UserID:        a.UserID,
		AgentID:       a.AgentID,
		PlanID:        a.PlanID,
	}))
}

func (m *Manager) record(code, action string, a *Approval, actor string, success bool, meta map[string]any) {
	if m.auditLog == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["transaction_id"] = a.TransactionID
	meta["risk_level"] = a.RiskLevel
	m.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       action,
		ResourceType: "approval",
		ResourceID:   a.ID,
		Actor:        actor,
		Success:      success,
		Metadata:     meta,
	})
}

func alertSeverity(riskLevel string) string {
	switch riskLevel {
	case string(risk.LevelCritical):
		return "critical"
	case string(risk.LevelHigh):
		return "warning"
	default:
		return "info"
	}
}
