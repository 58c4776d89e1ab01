package clearing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/config"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

func seedLineWithDebt(t *testing.T, st store.Store, idx *graph.Index, from, to, equivalent, limit, outstanding string, autoClearing bool) {
	t.Helper()
	l, _ := decimal.NewFromString(limit)
	o, _ := decimal.NewFromString(outstanding)

	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// The trust line governing an edge where from owes to is the one the
	// creditor (to) extends to the debtor (from) — matching the payment and
	// clearing engines' GetTrustLine(creditor, debtor) lookup convention.
	if err := tx.UpsertTrustLine(context.Background(), &models.TrustLine{
		From: to, To: from, Equivalent: equivalent, Limit: l,
		Policy: models.TrustLinePolicy{AutoClearing: autoClearing, CanBeIntermediate: true},
		Status: models.TrustLineActive,
	}); err != nil {
		t.Fatal(err)
	}
	if o.IsPositive() {
		if _, err := tx.ApplyDebtDelta(context.Background(), from, to, equivalent, o); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	idx.SetEdge(equivalent, from, to, l, o, true, nil)
}

func TestExecute_NetsATriangleToZero(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLineWithDebt(t, st, idx, "A", "B", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "B", "C", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "C", "A", "USD", "100", "10", true)

	e := New(st, idx, nil, &config.HubConfig{MinClearingAmount: "0.01", ClearingMaxCycleLen: 4})
	cycle, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if !ok {
		t.Fatal("expected to find the triangle cycle")
	}
	if err := e.Execute(context.Background(), cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}} {
		debt, err := tx.LockDebtRow(context.Background(), pair[0], pair[1], "USD")
		if err != nil {
			t.Fatal(err)
		}
		if !debt.Amount.IsZero() {
			t.Errorf("expected edge %s->%s fully netted, got %s", pair[0], pair[1], debt.Amount)
		}
	}
}

func TestExecute_OpensProposalWhenExplicitConsentRequired(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLineWithDebt(t, st, idx, "A", "B", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "B", "C", "USD", "100", "10", false) // requires consent
	seedLineWithDebt(t, st, idx, "C", "A", "USD", "100", "10", true)

	e := New(st, idx, nil, &config.HubConfig{MinClearingAmount: "0.01", ClearingMaxCycleLen: 4, ClearingConsentTimeout: time.Hour})
	cycle, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if !ok {
		t.Fatal("expected to find the triangle cycle")
	}
	if err := e.Execute(context.Background(), cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx, _ := st.Begin(context.Background())
	debt, err := tx.LockDebtRow(context.Background(), "A", "B", "USD")
	tx.Rollback(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !debt.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected the cycle to be left untouched pending consent, got %s", debt.Amount)
	}

	key := cycleKey("USD", cycle.Members)
	e.mu.Lock()
	p, ok := e.proposals[key]
	e.mu.Unlock()
	if !ok {
		t.Fatal("expected a pending proposal to have been opened")
	}
	if !p.required["C"] {
		t.Errorf("expected C (the non-auto-clearing intermediary) to be a required party, got %v", p.required)
	}
}

func TestAccept_ClearsCycleOnceEveryRequiredPartyConsents(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLineWithDebt(t, st, idx, "A", "B", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "B", "C", "USD", "100", "10", false) // requires consent
	seedLineWithDebt(t, st, idx, "C", "A", "USD", "100", "10", true)

	e := New(st, idx, nil, &config.HubConfig{MinClearingAmount: "0.01", ClearingMaxCycleLen: 4, ClearingConsentTimeout: time.Hour})
	cycle, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if !ok {
		t.Fatal("expected to find the triangle cycle")
	}
	if err := e.Execute(context.Background(), cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.Accept(context.Background(), "USD", cycle.Members, "C"); err != nil {
		t.Fatalf("unexpected error accepting: %v", err)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	for _, pair := range [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}} {
		debt, err := tx.LockDebtRow(context.Background(), pair[0], pair[1], "USD")
		if err != nil {
			t.Fatal(err)
		}
		if !debt.Amount.IsZero() {
			t.Errorf("expected edge %s->%s fully netted after accept, got %s", pair[0], pair[1], debt.Amount)
		}
	}

	e.mu.Lock()
	_, stillPending := e.proposals[cycleKey("USD", cycle.Members)]
	e.mu.Unlock()
	if stillPending {
		t.Error("expected the proposal to be removed once accepted")
	}
}

func TestReject_DropsProposalWithoutNetting(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLineWithDebt(t, st, idx, "A", "B", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "B", "C", "USD", "100", "10", false)
	seedLineWithDebt(t, st, idx, "C", "A", "USD", "100", "10", true)

	e := New(st, idx, nil, &config.HubConfig{MinClearingAmount: "0.01", ClearingMaxCycleLen: 4, ClearingConsentTimeout: time.Hour})
	cycle, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if !ok {
		t.Fatal("expected to find the triangle cycle")
	}
	if err := e.Execute(context.Background(), cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := e.Reject(context.Background(), "USD", cycle.Members, "C"); err != nil {
		t.Fatalf("unexpected error rejecting: %v", err)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	debt, err := tx.LockDebtRow(context.Background(), "A", "B", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !debt.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected the cycle to be left untouched after rejection, got %s", debt.Amount)
	}

	e.mu.Lock()
	_, stillPending := e.proposals[cycleKey("USD", cycle.Members)]
	e.mu.Unlock()
	if stillPending {
		t.Error("expected the proposal to be removed after rejection")
	}
}

func TestExecute_SkipsBelowMinClearingAmount(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	seedLineWithDebt(t, st, idx, "A", "B", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "B", "C", "USD", "100", "10", true)
	seedLineWithDebt(t, st, idx, "C", "A", "USD", "100", "10", true)

	e := New(st, idx, nil, &config.HubConfig{MinClearingAmount: "1000", ClearingMaxCycleLen: 4})
	cycle, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if !ok {
		t.Fatal("expected to find the triangle cycle")
	}
	if err := e.Execute(context.Background(), cycle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	debt, _ := tx.LockDebtRow(context.Background(), "A", "B", "USD")
	if !debt.Amount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected the cycle below min_clearing_amount to be left untouched, got %s", debt.Amount)
	}
}
