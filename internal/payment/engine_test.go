package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/config"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/router"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

func testConfig() *config.HubConfig {
	return &config.HubConfig{
		PrepareTimeout: 2 * time.Second,
		CommitTimeout:  2 * time.Second,
	}
}

func seedLine(t *testing.T, st store.Store, idx *graph.Index, from, to, equivalent, limit string, autoClearing, canBeIntermediate bool) {
	t.Helper()
	l, _ := decimal.NewFromString(limit)
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// The line governing the debt edge from->to is the one the creditor
	// (to) extends to the debtor (from), matching prepare's
	// GetTrustLine(creditor, debtor) lookup.
	line := &models.TrustLine{
		From: to, To: from, Equivalent: equivalent, Limit: l,
		Policy: models.TrustLinePolicy{AutoClearing: autoClearing, CanBeIntermediate: canBeIntermediate},
		Status: models.TrustLineActive,
	}
	if err := tx.UpsertTrustLine(context.Background(), line); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	idx.SetEdge(equivalent, from, to, l, decimal.Zero, canBeIntermediate, nil)
}

func TestSubmit_CommitsDirectPayment(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLine(t, st, idx, "A", "B", "USD", "100", true, true)

	e := New(st, idx, nil, testConfig())
	res, err := e.Submit(context.Background(), Request{
		Initiator: "A", Source: "A", Target: "B", Equivalent: "USD",
		Amount: decimal.NewFromInt(30), Constraints: router.DefaultConstraints(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != models.TxStateCommitted {
		t.Fatalf("expected COMMITTED, got %s", res.State)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	debt, err := tx.LockDebtRow(context.Background(), "A", "B", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !debt.Amount.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected debt 30, got %s", debt.Amount)
	}
}

func TestSubmit_AbortsWhenTrustLimitExceeded(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLine(t, st, idx, "A", "B", "USD", "10", true, true)

	e := New(st, idx, nil, testConfig())
	res, err := e.Submit(context.Background(), Request{
		Initiator: "A", Source: "A", Target: "B", Equivalent: "USD",
		Amount: decimal.NewFromInt(30), Constraints: router.DefaultConstraints(),
	})
	if err == nil {
		t.Fatal("expected an error when amount exceeds routable capacity")
	}
	if res != nil && res.State == models.TxStateCommitted {
		t.Fatalf("expected the payment not to commit, got %v", res)
	}
}

func TestSubmit_ReplaysIdempotentRequest(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLine(t, st, idx, "A", "B", "USD", "100", true, true)

	e := New(st, idx, nil, testConfig())
	req := Request{
		Initiator: "A", Source: "A", Target: "B", Equivalent: "USD",
		Amount: decimal.NewFromInt(20), IdempotencyKey: "key-1", Constraints: router.DefaultConstraints(),
	}
	first, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on first submit: %v", err)
	}
	second, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if first.TxID != second.TxID {
		t.Errorf("expected idempotency-key replay to return the same tx id, got %s vs %s", first.TxID, second.TxID)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	debt, _ := tx.LockDebtRow(context.Background(), "A", "B", "USD")
	if !debt.Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected the debt to only be applied once, got %s", debt.Amount)
	}
}

func TestSubmit_ConflictsOnIdempotencyKeyReuseWithDifferentPayload(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLine(t, st, idx, "A", "B", "USD", "100", true, true)

	e := New(st, idx, nil, testConfig())
	_, err := e.Submit(context.Background(), Request{
		Initiator: "A", Source: "A", Target: "B", Equivalent: "USD",
		Amount: decimal.NewFromInt(20), IdempotencyKey: "key-2", Constraints: router.DefaultConstraints(),
	})
	if err != nil {
		t.Fatalf("unexpected error on first submit: %v", err)
	}
	_, err = e.Submit(context.Background(), Request{
		Initiator: "A", Source: "A", Target: "B", Equivalent: "USD",
		Amount: decimal.NewFromInt(99), IdempotencyKey: "key-2", Constraints: router.DefaultConstraints(),
	})
	if err == nil {
		t.Fatal("expected a conflict error when the idempotency key is reused with a different amount")
	}
}

func TestRecover_AbortsStuckTransactionsWithExpiredLocks(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLine(t, st, idx, "A", "B", "USD", "100", true, true)

	tx, _ := st.Begin(context.Background())
	txID := "stuck-tx"
	if err := tx.InsertTransaction(context.Background(), &models.Transaction{TxID: txID, State: models.TxStatePrepared}); err != nil {
		t.Fatal(err)
	}
	if err := tx.CreatePrepareLock(context.Background(), &models.PrepareLock{
		TxID: txID, ParticipantID: "B", Debtor: "A", Creditor: "B", Equivalent: "USD",
		Delta: decimal.NewFromInt(5), ExpiresAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	e := New(st, idx, nil, testConfig())
	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verify, _ := st.Begin(context.Background())
	defer verify.Rollback(context.Background())
	got, err := verify.GetTransaction(context.Background(), txID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.TxStateAborted {
		t.Errorf("expected recovered transaction to be ABORTED, got %s", got.State)
	}
}
