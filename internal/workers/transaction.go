package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/chain"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/metrics"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/store"
	"github.com/quaestorhq/quaestor/internal/telemetry"
)

// BroadcastPolicy tunes the network retry loop inside one broadcast job.
type BroadcastPolicy struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	ReceiptInterval time.Duration
	ReceiptTimeout  time.Duration
}

// DefaultBroadcastPolicy returns the stock pipeline tuning.
func DefaultBroadcastPolicy() BroadcastPolicy {
	return BroadcastPolicy{
		MaxAttempts:     3,
		BackoffBase:     2 * time.Second,
		ReceiptInterval: 3 * time.Second,
		ReceiptTimeout:  2 * time.Minute,
	}
}

func (p BroadcastPolicy) withDefaults() BroadcastPolicy {
	def := DefaultBroadcastPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.ReceiptInterval <= 0 {
		p.ReceiptInterval = def.ReceiptInterval
	}
	if p.ReceiptTimeout <= 0 {
		p.ReceiptTimeout = def.ReceiptTimeout
	}
	return p
}

// TransactionWorker drives one transaction through validate → simulate →
// estimate → build/sign → broadcast → confirm. The transaction row is only
// touched by the lease-holding worker, so every stage persists through CAS
// transitions.
type TransactionWorker struct {
	txs      *store.Store
	chains   *chain.Registry
	bus      *events.Bus
	auditLog *audit.Log
	policy   BroadcastPolicy
	logger   *zap.Logger
}

// NewTransactionWorker creates the broadcast pipeline handler.
func NewTransactionWorker(txs *store.Store, chains *chain.Registry, bus *events.Bus, auditLog *audit.Log, policy BroadcastPolicy, logger *zap.Logger) *TransactionWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionWorker{
		txs:      txs,
		chains:   chains,
		bus:      bus,
		auditLog: auditLog,
		policy:   policy.withDefaults(),
		logger:   logger.Named("txworker"),
	}
}

// Handle processes one broadcast job. Progress percentages track the
// pipeline stages; terminal failures persist memo "Error: <text>" and
// publish transaction:failed.
func (w *TransactionWorker) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	var payload TransactionJob
	if err := decodePayload(job.Payload, &payload); err != nil {
		return err
	}
	if payload.TransactionID == "" {
		payload.TransactionID = job.ID
	}

	tx, err := w.txs.GetTransaction(payload.TransactionID)
	if err != nil {
		if store.IsNotFound(err) {
			return queue.Fatal(fmt.Errorf("transaction %s not found", payload.TransactionID))
		}
		return err
	}
	if tx.Status.Terminal() {
		// Redelivery after a stall; the outcome is already recorded.
		return nil
	}

	ctx, span := telemetry.StartPipelineSpan(ctx, tx.ID, tx.ChainID)
	var pipelineErr error
	defer func() { telemetry.EndSpan(span, pipelineErr) }()

	if tx.Status == store.TxBroadcasted {
		// Crash after broadcast: resume at receipt polling.
		progress(80)
		pipelineErr = w.awaitReceipt(ctx, tx, nil, time.Now(), progress)
		return pipelineErr
	}

	// Validate: 0-10.
	progress(0)
	if err := w.validate(tx); err != nil {
		pipelineErr = w.failFatal(tx, "validate", err)
		return pipelineErr
	}
	progress(10)

	// Resolve adapter: 10-20.
	adapter, err := w.chains.Get(tx.ChainID)
	if err != nil {
		pipelineErr = w.failFatal(tx, "resolve", err)
		return pipelineErr
	}
	if tx.From == "" {
		from := adapter.SignerAddress()
		if from == "" {
			pipelineErr = w.failFatal(tx, "resolve", fmt.Errorf("no sender and no signer for chain %d", tx.ChainID))
			return pipelineErr
		}
		if err := w.txs.SetSender(tx.ID, from); err != nil {
			pipelineErr = fmt.Errorf("set sender: %w", err)
			return pipelineErr
		}
		tx.From = from
	}
	progress(20)

	spec := w.spec(tx)

	// Simulate when requested: 20-40.
	if payload.Simulate {
		if err := w.simulate(ctx, tx, adapter, spec); err != nil {
			pipelineErr = err
			return pipelineErr
		}
	}
	progress(40)

	// Estimate gas: 40-50.
	est, err := w.estimate(ctx, tx, adapter, spec)
	if err != nil {
		pipelineErr = err
		return pipelineErr
	}
	spec.GasLimit = est.GasLimit
	spec.MaxFee = est.MaxFee
	spec.PriorityFee = est.PriorityFee
	progress(50)

	// Build and sign: 50-70.
	signed, err := w.buildAndSign(ctx, tx, adapter, spec)
	if err != nil {
		pipelineErr = err
		return pipelineErr
	}
	progress(70)

	// Persist BROADCASTING before any network write.
	if err := w.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxQueued, store.TxBroadcasting}, store.TxBroadcasting); err != nil {
		pipelineErr = fmt.Errorf("enter broadcasting: %w", err)
		return pipelineErr
	}
	w.record(audit.CodeTransactionBroadcasting, "broadcast", tx, true, nil)

	// Broadcast with bounded retries: 70-80.
	hash, err := w.broadcast(ctx, tx, adapter, signed)
	if err != nil {
		pipelineErr = err
		return pipelineErr
	}
	progress(80)

	broadcastAt := time.Now()
	if err := w.txs.MarkBroadcasted(tx.ID, hash); err != nil {
		pipelineErr = fmt.Errorf("mark broadcasted: %w", err)
		return pipelineErr
	}
	tx.Hash = hash
	w.record(audit.CodeTransactionBroadcasted, "broadcast", tx, true, map[string]any{"hash": hash})
	w.publish(events.TransactionSubmitted, tx, "")
	w.logger.Info("transaction broadcast",
		zap.String("transaction_id", tx.ID),
		zap.Int64("chain_id", tx.ChainID),
		zap.String("hash", hash))

	// Await confirmation: 80-100.
	pipelineErr = w.awaitReceipt(ctx, tx, adapter, broadcastAt, progress)
	return pipelineErr
}

func (w *TransactionWorker) validate(tx *store.Transaction) error {
	if tx.ChainID <= 0 {
		return fmt.Errorf("missing chain id")
	}
	if tx.From != "" && !addressPattern.MatchString(tx.From) {
		return fmt.Errorf("malformed from address %q", tx.From)
	}
	if !addressPattern.MatchString(tx.To) {
		return fmt.Errorf("malformed to address %q", tx.To)
	}
	if tx.Value != "" {
		if _, ok := new(big.Int).SetString(tx.Value, 10); !ok {
			return fmt.Errorf("malformed value %q", tx.Value)
		}
	}
	return nil
}

func (w *TransactionWorker) spec(tx *store.Transaction) chain.TxSpec {
	spec := chain.TxSpec{
		ChainID:  tx.ChainID,
		From:     tx.From,
		To:       tx.To,
		Data:     tx.Data,
		GasLimit: tx.GasLimit,
		Nonce:    tx.Nonce,
	}
	if tx.Value != "" {
		spec.Value, _ = new(big.Int).SetString(tx.Value, 10)
	}
	if tx.MaxFee != "" {
		spec.MaxFee, _ = new(big.Int).SetString(tx.MaxFee, 10)
	}
	if tx.PriorityFee != "" {
		spec.PriorityFee, _ = new(big.Int).SetString(tx.PriorityFee, 10)
	}
	return spec
}

func (w *TransactionWorker) simulate(ctx context.Context, tx *store.Transaction, adapter chain.Adapter, spec chain.TxSpec) error {
	sctx, span := telemetry.StartStageSpan(ctx, "simulate")
	result, err := adapter.Simulate(sctx, spec)
	telemetry.EndSpan(span, err)
	if err != nil {
		if chain.IsRetryable(err) {
			return fmt.Errorf("simulate: %w", err)
		}
		return w.failFatal(tx, "simulate", err)
	}

	raw, _ := json.Marshal(result)
	if err := w.txs.SetSimulation(tx.ID, raw); err != nil {
		w.logger.Warn("persist simulation failed", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	if !result.Success {
		reason := result.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		return w.failFatal(tx, "simulate", fmt.Errorf("simulation failed: %s", reason))
	}
	return nil
}

func (w *TransactionWorker) estimate(ctx context.Context, tx *store.Transaction, adapter chain.Adapter, spec chain.TxSpec) (chain.GasEstimate, error) {
	ectx, span := telemetry.StartStageSpan(ctx, "estimate")
	est, err := adapter.EstimateGas(ectx, spec)
	telemetry.EndSpan(span, err)
	if err != nil {
		if chain.IsRetryable(err) {
			return chain.GasEstimate{}, fmt.Errorf("estimate gas: %w", err)
		}
		return chain.GasEstimate{}, w.failFatal(tx, "estimate", err)
	}

	// Caller-pinned values win over estimates.
	if spec.GasLimit != 0 {
		est.GasLimit = spec.GasLimit
	}
	if spec.MaxFee != nil {
		est.MaxFee = spec.MaxFee
	}
	if spec.PriorityFee != nil {
		est.PriorityFee = spec.PriorityFee
	}

	if tx.GasLimit == 0 {
		if err := w.txs.SetGasFields(tx.ID, est.GasLimit, bigString(est.MaxFee), bigString(est.PriorityFee), tx.Nonce); err != nil {
			w.logger.Warn("persist gas fields failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}
	return est, nil
}

func (w *TransactionWorker) buildAndSign(ctx context.Context, tx *store.Transaction, adapter chain.Adapter, spec chain.TxSpec) (*chain.SignedTx, error) {
	bctx, span := telemetry.StartStageSpan(ctx, "sign")
	defer func() { span.End() }()

	est := chain.GasEstimate{GasLimit: spec.GasLimit, MaxFee: spec.MaxFee, PriorityFee: spec.PriorityFee}
	unsigned, err := adapter.Build(bctx, spec, est)
	if err != nil {
		if chain.IsRetryable(err) {
			return nil, fmt.Errorf("build transaction: %w", err)
		}
		return nil, w.failFatal(tx, "build", err)
	}
	signed, err := adapter.Sign(bctx, unsigned)
	if err != nil {
		return nil, w.failFatal(tx, "sign", err)
	}
	return signed, nil
}

// broadcast submits the raw transaction, retrying transient node errors
// with exponential backoff inside this one job.
func (w *TransactionWorker) broadcast(ctx context.Context, tx *store.Transaction, adapter chain.Adapter, signed *chain.SignedTx) (string, error) {
	chainLabel := strconv.FormatInt(tx.ChainID, 10)
	var lastErr error

	for attempt := 1; attempt <= w.policy.MaxAttempts; attempt++ {
		bctx, span := telemetry.StartStageSpan(ctx, "broadcast")
		hash, err := adapter.Broadcast(bctx, signed)
		telemetry.EndSpan(span, err)
		if err == nil {
			metrics.RecordBroadcastAttempt(chainLabel, "accepted")
			return hash, nil
		}
		lastErr = err

		if !chain.IsRetryable(err) {
			metrics.RecordBroadcastAttempt(chainLabel, "fatal")
			return "", w.failFatal(tx, "broadcast", err)
		}
		metrics.RecordBroadcastAttempt(chainLabel, "retryable")
		w.logger.Warn("broadcast attempt failed",
			zap.String("transaction_id", tx.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < w.policy.MaxAttempts {
			delay := w.policy.BackoffBase * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", w.failFatal(tx, "broadcast", fmt.Errorf("broadcast failed after %d attempts: %w", w.policy.MaxAttempts, lastErr))
}

// awaitReceipt polls for the receipt until the ceiling. Timeouts are
// terminal; reconciliation re-checks the hash later. adapter may be nil on
// the resume path and is resolved from the registry.
func (w *TransactionWorker) awaitReceipt(ctx context.Context, tx *store.Transaction, adapter chain.Adapter, since time.Time, progress func(int)) error {
	if adapter == nil {
		var err error
		adapter, err = w.chains.Get(tx.ChainID)
		if err != nil {
			return w.failFatal(tx, "confirm", err)
		}
	}

	cctx, span := telemetry.StartStageSpan(ctx, "confirm")
	defer span.End()

	deadline := time.Now().Add(w.policy.ReceiptTimeout)
	for {
		receipt, err := adapter.GetReceipt(cctx, tx.Hash)
		switch {
		case err == nil:
			return w.finalize(tx, receipt, since)
		case chain.IsRetryable(err) || isNotMined(err):
			// keep polling
		default:
			return w.failFatal(tx, "confirm", err)
		}

		now := time.Now()
		if !now.Before(deadline) {
			return w.failFatal(tx, "confirm", fmt.Errorf("confirmation timeout"))
		}

		elapsed := w.policy.ReceiptTimeout - deadline.Sub(now)
		pct := 80 + int(19*elapsed/w.policy.ReceiptTimeout)
		progress(pct)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.policy.ReceiptInterval):
		}
	}
}

func (w *TransactionWorker) finalize(tx *store.Transaction, receipt *chain.Receipt, since time.Time) error {
	if !receipt.Success {
		return w.failFatal(tx, "confirm", fmt.Errorf("transaction reverted on chain"))
	}
	if err := w.txs.MarkConfirmed(tx.ID, receipt.BlockNumber, receipt.BlockHash, receipt.GasUsed); err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}

	chainLabel := strconv.FormatInt(tx.ChainID, 10)
	metrics.RecordTransaction(chainLabel, "confirmed")
	if !since.IsZero() {
		metrics.RecordConfirmation(chainLabel, time.Since(since))
	}
	w.record(audit.CodeTransactionConfirmed, "confirm", tx, true, map[string]any{
		"block_number": receipt.BlockNumber,
		"gas_used":     receipt.GasUsed,
	})
	if w.bus != nil {
		w.bus.Publish(events.NewTransaction(events.TransactionConfirmed, events.TransactionPayload{
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
	w.logger.Info("transaction confirmed",
		zap.String("transaction_id", tx.ID),
		zap.String("hash", tx.Hash),
		zap.Uint64("block", receipt.BlockNumber))
	return nil
}

// failFatal persists the failure memo, publishes transaction:failed, and
// returns a fatal error so the job skips its remaining attempts.
func (w *TransactionWorker) failFatal(tx *store.Transaction, stage string, cause error) error {
	memo := "Error: " + cause.Error()
	if err := w.txs.MarkFailed(tx.ID, memo); err != nil {
		w.logger.Error("mark failed",
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
	metrics.RecordTransaction(strconv.FormatInt(tx.ChainID, 10), "failed")
	w.record(audit.CodeTransactionFailed, stage, tx, false, map[string]any{"error": cause.Error()})
	w.publish(events.TransactionFailed, tx, memo)
	w.logger.Warn("transaction failed",
		zap.String("transaction_id", tx.ID),
		zap.String("stage", stage),
		zap.Error(cause))
	return queue.Fatal(fmt.Errorf("%s: %w", stage, cause))
}

func (w *TransactionWorker) publish(t events.Type, tx *store.Transaction, errMsg string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(events.NewTransaction(t, events.TransactionPayload{
		TransactionID: tx.ID,
		ChainID:       tx.ChainID,
		Hash:          tx.Hash,
		UserID:        tx.UserID,
		AgentID:       tx.AgentID,
		PlanID:        tx.PlanID,
		Error:         errMsg,
	}))
}

func (w *TransactionWorker) record(code, action string, tx *store.Transaction, success bool, meta map[string]any) {
	if w.auditLog == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["chain_id"] = tx.ChainID
	w.auditLog.Record(audit.Entry{
		EventCode:    code,
		Action:       action,
		ResourceType: "transaction",
		ResourceID:   tx.ID,
		Actor:        actorOf(tx.UserID, tx.AgentID),
		Success:      success,
		Metadata:     meta,
	})
}

func isNotMined(err error) bool {
	return errors.Is(err, chain.ErrReceiptNotFound)
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
