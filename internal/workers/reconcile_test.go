package workers

import (
	"context"
	"testing"

	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/chain"
	"github.com/quaestorhq/quaestor/internal/events"
	"github.com/quaestorhq/quaestor/internal/store"
)

func newReconciler(f *txFixture) *Reconciler {
	registry := chain.NewRegistry()
	registry.Register(f.adapter)
	bus := events.NewBus(32)
	bus.On(events.Wildcard, f.recorder.handle)
	r := NewReconciler(f.txs, registry, bus, audit.NewLog(100), nil)
	r.age = 0 // reconcile immediately
	return r
}

func TestReconcileFailsStrandedBroadcasting(t *testing.T) {
	f := newTxFixture(t)
	r := newReconciler(f)

	tx := f.queuedTx(t, nil)
	if err := f.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxQueued}, store.TxBroadcasting); err != nil {
		t.Fatalf("to broadcasting: %v", err)
	}

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("repaired = %d, want 1", n)
	}

	got, _ := f.txs.GetTransaction(tx.ID)
	if got.Status != store.TxFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Memo != "Error: broadcast interrupted" {
		t.Fatalf("memo = %q", got.Memo)
	}
	if f.recorder.count(events.TransactionFailed) != 1 {
		t.Fatal("expected one transaction:failed event")
	}
}

func TestReconcileSkipsRecentBroadcasting(t *testing.T) {
	f := newTxFixture(t)
	r := newReconciler(f)
	r.age = stragglerAge // default window: fresh rows are left alone

	tx := f.queuedTx(t, nil)
	if err := f.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxQueued}, store.TxBroadcasting); err != nil {
		t.Fatalf("to broadcasting: %v", err)
	}

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 {
		t.Fatalf("repaired = %d, want 0", n)
	}
	got, _ := f.txs.GetTransaction(tx.ID)
	if got.Status != store.TxBroadcasting {
		t.Fatalf("status = %s, want BROADCASTING untouched", got.Status)
	}
}

func TestReconcileRecoversTimedOutConfirmation(t *testing.T) {
	f := newTxFixture(t)
	r := newReconciler(f)

	// A confirmation timeout: FAILED but the hash is on chain.
	tx := f.queuedTx(t, nil)
	_ = f.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxQueued}, store.TxBroadcasting)
	if err := f.txs.MarkBroadcasted(tx.ID, f.adapter.hash); err != nil {
		t.Fatalf("mark broadcasted: %v", err)
	}
	if err := f.txs.MarkFailed(tx.ID, "Error: confirmation timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 1 {
		t.Fatalf("repaired = %d, want 1", n)
	}

	got, _ := f.txs.GetTransaction(tx.ID)
	if got.Status != store.TxConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", got.Status)
	}
	if got.BlockNumber != 100 {
		t.Fatalf("block number = %d", got.BlockNumber)
	}
	if f.recorder.count(events.TransactionConfirmed) != 1 {
		t.Fatal("expected one transaction:confirmed event")
	}
}

func TestReconcileLeavesUnminedTimeoutFailed(t *testing.T) {
	f := newTxFixture(t)
	r := newReconciler(f)
	f.adapter.receiptAfter = 1 << 30 // still not mined

	tx := f.queuedTx(t, nil)
	_ = f.txs.TransitionStatus(tx.ID, []store.TxStatus{store.TxQueued}, store.TxBroadcasting)
	_ = f.txs.MarkBroadcasted(tx.ID, f.adapter.hash)
	_ = f.txs.MarkFailed(tx.ID, "Error: confirmation timeout")

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 {
		t.Fatalf("repaired = %d, want 0", n)
	}
	got, _ := f.txs.GetTransaction(tx.ID)
	if got.Status != store.TxFailed {
		t.Fatalf("status = %s, want FAILED to stay", got.Status)
	}
}

func TestReconcileSkipsFailedWithoutHash(t *testing.T) {
	f := newTxFixture(t)
	r := newReconciler(f)

	tx := f.queuedTx(t, nil)
	if err := f.txs.MarkFailed(tx.ID, "Error: malformed to address"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	n, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 0 {
		t.Fatalf("repaired = %d, want 0", n)
	}
	if f.adapter.polls != 0 {
		t.Fatal("hashless failure must not hit the chain")
	}
}
