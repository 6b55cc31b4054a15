package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createTestTransaction(t *testing.T, store *Store, status TxStatus) *Transaction {
	t.Helper()
	tx, err := store.CreateTransaction(Transaction{
		ChainID:   42220,
		From:      "0x1111111111111111111111111111111111111111",
		To:        "0x2222222222222222222222222222222222222222",
		Value:     "1000000000000000000",
		UserID:    "user-1",
		RiskScore: 0.2,
		RiskLevel: "LOW",
		Status:    status,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func TestCreateGetTransaction(t *testing.T) {
	store := newTestStore(t)

	created := createTestTransaction(t, store, TxDraft)
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	fetched, err := store.GetTransaction(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetched.From != created.From || fetched.Value != "1000000000000000000" {
		t.Fatalf("fetched = %+v", fetched)
	}
	if fetched.Status != TxDraft {
		t.Fatalf("status = %s, want DRAFT", fetched.Status)
	}
	if fetched.Hash != "" {
		t.Fatalf("hash = %q, want empty before broadcast", fetched.Hash)
	}

	if _, err := store.GetTransaction("missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusTransitionCAS(t *testing.T) {
	store := newTestStore(t)
	tx := createTestTransaction(t, store, TxQueued)

	if err := store.TransitionStatus(tx.ID, []TxStatus{TxQueued}, TxBroadcasting); err != nil {
		t.Fatalf("queued -> broadcasting: %v", err)
	}

	// Second identical transition loses the CAS.
	err := store.TransitionStatus(tx.ID, []TxStatus{TxQueued}, TxBroadcasting)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestBroadcastConfirmFlow(t *testing.T) {
	store := newTestStore(t)
	tx := createTestTransaction(t, store, TxBroadcasting)

	hash := "0xabc123"
	if err := store.MarkBroadcasted(tx.ID, hash); err != nil {
		t.Fatalf("mark broadcasted: %v", err)
	}

	byHash, err := store.GetTransactionByHash(hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if byHash.ID != tx.ID || byHash.Status != TxBroadcasted {
		t.Fatalf("by hash = %+v", byHash)
	}

	if err := store.MarkConfirmed(tx.ID, 19000001, "0xblock", 21000); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	confirmed, _ := store.GetTransaction(tx.ID)
	if confirmed.Status != TxConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", confirmed.Status)
	}
	if confirmed.BlockNumber != 19000001 || confirmed.GasUsed != 21000 {
		t.Fatalf("receipt fields = %+v", confirmed)
	}
	if confirmed.ConfirmedAt == nil {
		t.Fatal("expected confirmed_at set")
	}
	if confirmed.Hash != hash {
		t.Fatalf("hash = %q, want preserved", confirmed.Hash)
	}

	// Confirmed is terminal: another confirm must conflict.
	if err := store.MarkConfirmed(tx.ID, 19000002, "0xother", 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on double confirm, got %v", err)
	}
}

func TestMarkFailedKeepsHash(t *testing.T) {
	store := newTestStore(t)
	tx := createTestTransaction(t, store, TxBroadcasting)

	if err := store.MarkBroadcasted(tx.ID, "0xdeadbeef"); err != nil {
		t.Fatalf("mark broadcasted: %v", err)
	}
	if err := store.MarkFailed(tx.ID, "Error: confirmation timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	failed, _ := store.GetTransaction(tx.ID)
	if failed.Status != TxFailed {
		t.Fatalf("status = %s, want FAILED", failed.Status)
	}
	if failed.Hash != "0xdeadbeef" {
		t.Fatalf("hash = %q, want preserved after broadcast failure", failed.Hash)
	}
	if failed.Memo != "Error: confirmation timeout" {
		t.Fatalf("memo = %q", failed.Memo)
	}

	// Terminal states refuse MarkFailed.
	if err := store.MarkFailed(tx.ID, "again"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on terminal, got %v", err)
	}
}

func TestListTransactionsFilters(t *testing.T) {
	store := newTestStore(t)

	a := createTestTransaction(t, store, TxQueued)
	_, err := store.CreateTransaction(Transaction{
		ChainID: 1,
		From:    "0x3333333333333333333333333333333333333333",
		UserID:  "user-2",
		PlanID:  "plan-1",
		Status:  TxConfirmed,
	})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	byUser, err := store.ListTransactions(TxQuery{UserID: "user-1"})
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(byUser) != 1 || byUser[0].ID != a.ID {
		t.Fatalf("by user = %+v", byUser)
	}

	byStatus, err := store.ListTransactions(TxQuery{Status: TxConfirmed})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].PlanID != "plan-1" {
		t.Fatalf("by status = %+v", byStatus)
	}
}

func TestGasAndSimulationPersistence(t *testing.T) {
	store := newTestStore(t)
	tx := createTestTransaction(t, store, TxQueued)

	nonce := uint64(12)
	if err := store.SetGasFields(tx.ID, 21000, "30000000000", "1000000000", &nonce); err != nil {
		t.Fatalf("set gas: %v", err)
	}
	if err := store.SetSimulation(tx.ID, []byte(`{"success":true,"gas_used":21000}`)); err != nil {
		t.Fatalf("set simulation: %v", err)
	}

	got, _ := store.GetTransaction(tx.ID)
	if got.GasLimit != 21000 || got.MaxFee != "30000000000" {
		t.Fatalf("gas fields = %+v", got)
	}
	if got.Nonce == nil || *got.Nonce != 12 {
		t.Fatalf("nonce = %v, want 12", got.Nonce)
	}
	if len(got.Simulation) == 0 {
		t.Fatal("expected simulation stored")
	}
}

func TestPlanRoundTripAndTransition(t *testing.T) {
	store := newTestStore(t)

	plan, err := store.CreatePlan(Plan{
		UserID:      "user-1",
		Description: "swap then stake",
		Steps: []Step{
			{ID: "s1", Index: 0, ChainID: 42220, To: "0xaaa", Value: "100"},
			{ID: "s2", Index: 1, ChainID: 42220, To: "0xbbb", DependsOn: []string{"s1"}},
		},
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.Status != PlanPending {
		t.Fatalf("status = %s, want pending", plan.Status)
	}

	fetched, err := store.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if len(fetched.Steps) != 2 || fetched.Steps[1].DependsOn[0] != "s1" {
		t.Fatalf("steps = %+v", fetched.Steps)
	}

	if err := store.TransitionPlan(plan.ID, PlanPending, PlanRunning, ""); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := store.TransitionPlan(plan.ID, PlanPending, PlanRunning, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := store.TransitionPlan(plan.ID, PlanRunning, PlanFailed, "step s1 reverted"); err != nil {
		t.Fatalf("running -> failed: %v", err)
	}

	failed, _ := store.GetPlan(plan.ID)
	if failed.Error != "step s1 reverted" || failed.CompletedAt == nil {
		t.Fatalf("failed plan = %+v", failed)
	}

	if _, err := store.CreatePlan(Plan{}); err == nil {
		t.Fatal("expected error for plan without steps")
	}
}
