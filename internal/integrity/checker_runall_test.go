package integrity

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

func TestRunAll_NoViolationsOnHealthyGraph(t *testing.T) {
	st := store.NewMemStore()
	tx, _ := st.Begin(context.Background())
	if err := tx.UpsertTrustLine(context.Background(), &models.TrustLine{
		From: "B", To: "A", Equivalent: "USD", Limit: decimal.NewFromInt(100), Status: models.TrustLineActive,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ApplyDebtDelta(context.Background(), "A", "B", "USD", decimal.NewFromInt(30)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	c := New(st, nil)
	report, err := c.RunAll(context.Background(), "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Violations) != 0 {
		t.Errorf("expected no violations, got %v", report.Violations)
	}
	if report.Checksum == "" {
		t.Error("expected a non-empty checksum")
	}
}

func TestRunAll_LocksEquivalentOnViolation(t *testing.T) {
	st := store.NewMemStore()
	tx, _ := st.Begin(context.Background())
	if err := tx.UpsertTrustLine(context.Background(), &models.TrustLine{
		From: "B", To: "A", Equivalent: "USD", Limit: decimal.NewFromInt(10), Status: models.TrustLineActive,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ApplyDebtDelta(context.Background(), "A", "B", "USD", decimal.NewFromInt(50)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	c := New(st, nil)
	report, err := c.RunAll(context.Background(), "USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Violations) == 0 {
		t.Fatal("expected a trust-limit violation")
	}

	verify, _ := st.Begin(context.Background())
	defer verify.Rollback(context.Background())
	eq, err := verify.GetEquivalent(context.Background(), "USD")
	if err != nil {
		t.Fatal(err)
	}
	if eq == nil || !eq.Locked {
		t.Error("expected the equivalent to be locked after a violation")
	}
}
