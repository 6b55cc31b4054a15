package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/chain"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/queue"
	"github.com/quaestorhq/quaestor/internal/store"
)

// SimulationWorker runs read-only call simulation for a transaction and
// persists the result. A reverting simulation is a successful job: the
// outcome is the result, not an error.
type SimulationWorker struct {
	txs    *store.Store
	chains *chain.Registry
	bus    *events.Bus
	logger *zap.Logger
}

// NewSimulationWorker creates the simulation handler.
func NewSimulationWorker(txs *store.Store, chains *chain.Registry, bus *events.Bus, logger *zap.Logger) *SimulationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SimulationWorker{
		txs:    txs,
		chains: chains,
		bus:    bus,
		logger: logger.Named("simworker"),
	}
}

// Handle simulates one transaction's call.
func (w *SimulationWorker) Handle(ctx context.Context, job *queue.Job, progress func(int)) error {
	var payload SimulationJob
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
	progress(10)

	adapter, err := w.chains.Get(tx.ChainID)
	if err != nil {
		return queue.Fatal(err)
	}

	spec := chain.TxSpec{
		ChainID:  tx.ChainID,
		From:     tx.From,
		To:       tx.To,
		Data:     tx.Data,
		GasLimit: tx.GasLimit,
	}
	if tx.Value != "" {
		spec.Value, _ = new(big.Int).SetString(tx.Value, 10)
	}

	result, err := adapter.Simulate(ctx, spec)
	if err != nil {
		// Adapter-level failure (node unreachable): retry per queue policy.
		return fmt.Errorf("simulate %s: %w", tx.ID, err)
	}
	progress(70)

	raw, _ := json.Marshal(result)
	if err := w.txs.SetSimulation(tx.ID, raw); err != nil {
		return fmt.Errorf("persist simulation: %w", err)
	}
	progress(90)

	w.warn(tx, result)
	return nil
}

// warn surfaces near-limit gas usage and balance deltas as system alerts.
func (w *SimulationWorker) warn(tx *store.Transaction, result *chain.SimulationResult) {
	if w.bus == nil {
		return
	}
	if tx.GasLimit > 0 && result.GasUsed*10 > tx.GasLimit*9 {
		w.bus.Publish(events.NewAlert("warning", "Simulation gas near limit",
			fmt.Sprintf("transaction %s would use %d of %d gas", tx.ID, result.GasUsed, tx.GasLimit),
			map[string]any{"transaction_id": tx.ID}))
		w.logger.Warn("simulated gas above 90% of limit",
			zap.String("transaction_id", tx.ID),
			zap.Uint64("gas_used", result.GasUsed),
			zap.Uint64("gas_limit", tx.GasLimit))
	}
	for _, delta := range result.BalanceChanges {
		if len(delta.Delta) > 0 && delta.Delta[0] == '-' {
			w.bus.Publish(events.NewAlert("info", "Simulated balance decrease",
				fmt.Sprintf("transaction %s: %s changes by %s %s", tx.ID, delta.Address, delta.Delta, delta.Asset),
				map[string]any{"transaction_id": tx.ID, "address": delta.Address}))
		}
	}
	if !result.Success {
		w.logger.Info("simulation reverted",
			zap.String("transaction_id", tx.ID),
			zap.String("revert_reason", result.RevertReason))
	}
}
