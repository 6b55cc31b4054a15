package workers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/chain"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/store"
)

const (
	// stragglerAge is how long a transaction may sit in BROADCASTING before
	// reconciliation treats it as interrupted.
	stragglerAge = 5 * time.Minute

	reconcileBatch = 200
)

// Reconciler repairs transactions stranded by crashes and timeouts:
// BROADCASTING rows with no hash are failed, and FAILED rows that carry a
// hash (confirmation timeouts) get one more receipt check. Timeouts stay
// FAILED unless a receipt is actually found.
type Reconciler struct {
	txs      *store.Store
	chains   *chain.Registry
	bus      *events.Bus
	auditLog *audit.Log
	age      time.Duration
	logger   *zap.Logger
}

// NewReconciler creates the reconciliation pass.
func NewReconciler(txs *store.Store, chains *chain.Registry, bus *events.Bus, auditLog *audit.Log, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		txs:      txs,
		chains:   chains,
		bus:      bus,
		auditLog: auditLog,
		age:      stragglerAge,
		logger:   logger.Named("reconciler"),
	}
}

// Run executes one reconciliation pass and returns the repair count.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	repaired := 0

	n, err := r.failStragglers()
	if err != nil {
		return repaired, err
	}
	repaired += n

	n, err = r.recheckTimeouts(ctx)
	if err != nil {
		return repaired, err
	}
	repaired += n
	return repaired, nil
}

// Start runs reconciliation passes on an interval until ctx ends.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := r.Run(ctx); err != nil {
					r.logger.Warn("reconciliation pass failed", zap.Error(err))
				} else if n > 0 {
					r.logger.Info("reconciliation repaired transactions", zap.Int("count", n))
				}
			}
		}
	}()
}

// failStragglers fails BROADCASTING rows with no hash that have not moved
// for stragglerAge: the process died between the status write and the
// broadcast.
func (r *Reconciler) failStragglers() (int, error) {
	txs, err := r.txs.ListTransactions(store.TxQuery{Status: store.TxBroadcasting, Limit: reconcileBatch})
	if err != nil {
		return 0, fmt.Errorf("list broadcasting: %w", err)
	}

	cutoff := time.Now().UTC().Add(-r.age)
	n := 0
	for i := range txs {
		tx := &txs[i]
		if tx.Hash != "" || tx.UpdatedAt.After(cutoff) {
			continue
		}
		memo := "Error: broadcast interrupted"
		if err := r.txs.MarkFailed(tx.ID, memo); err != nil {
			if err == store.ErrConflict {
				continue
			}
			return n, fmt.Errorf("fail straggler %s: %w", tx.ID, err)
		}
		n++
		r.record(audit.CodeTransactionFailed, "reconcile", tx, false, map[string]any{"error": "broadcast interrupted"})
		r.publish(events.TransactionFailed, tx, memo)
		r.logger.Warn("stranded broadcasting transaction failed",
			zap.String("transaction_id", tx.ID))
	}
	return n, nil
}

// recheckTimeouts re-polls receipts for FAILED transactions that carry a
// hash. A found successful receipt flips the row to CONFIRMED.
func (r *Reconciler) recheckTimeouts(ctx context.Context) (int, error) {
	txs, err := r.txs.ListTransactions(store.TxQuery{Status: store.TxFailed, Limit: reconcileBatch})
	if err != nil {
		return 0, fmt.Errorf("list failed: %w", err)
	}

	n := 0
	for i := range txs {
		tx := &txs[i]
		if tx.Hash == "" {
			continue
		}
		adapter, err := r.chains.Get(tx.ChainID)
		if err != nil {
			continue
		}
		receipt, err := adapter.GetReceipt(ctx, tx.Hash)
		if err != nil || !receipt.Success {
			continue
		}

		// MarkConfirmed CASes from BROADCASTED; lift the row back first.
		if err := r.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxFailed}, store.TxBroadcasted); err != nil {
			continue
		}
		if err := r.txs.MarkConfirmed(tx.ID, receipt.BlockNumber, receipt.BlockHash, receipt.GasUsed); err != nil {
			r.logger.Error("reconcile confirm failed",
				zap.String("transaction_id", tx.ID),
				zap.Error(err))
			continue
		}
		n++
		r.record(audit.CodeTransactionConfirmed, "reconcile", tx, true, map[string]any{
			"block_number": receipt.BlockNumber,
		})
		if r.bus != nil {
			r.bus.Publish(events.NewTransaction(events.TransactionConfirmed, events.TransactionPayload{
				TransactionID: tx.ID,
				ChainID:       tx.ChainID,
				Hash:          tx.Hash,
				BlockNumber:   receipt.BlockNumber,
				GasUsed:       receipt.GasUsed,
				UserID:        tx.UserID,
				AgentID:       tx.AgentID,
				PlanID:        tx.PlanID,
			}))
		}
		r.logger.Info("timed-out transaction reconciled to confirmed",
			zap.String("transaction_id", tx.ID),
			zap.String("hash", tx.Hash))
	}
	return n, nil
}

func (r *Reconciler) publish(t events.Type, tx *store.Transaction, errMsg string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewTransaction(t, events.TransactionPayload{
		TransactionID: tx.ID,
		ChainID:       tx.ChainID,
		Hash:          tx.Hash,
		UserID:        tx.UserID,
		AgentID:       tx.AgentID,
		PlanID:        tx.PlanID,
		Error:         errMsg,
	}))
}

func (r *Reconciler) record(code, action string, tx *store.Transaction, success bool, meta map[string]any) {
	if r.auditLog == nil {
		return
	}
	r.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       action,
		ResourceType: "transaction",
		ResourceID:   tx.ID,
		Success:      success,
		Metadata:     meta,
	})
}
