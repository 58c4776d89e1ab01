package integrity

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/pkg/models"
)

func amt(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestCheckZeroSum_BalancedGraphPasses(t *testing.T) {
	debts := []models.Debt{
		{Debtor: "A", Creditor: "B", Amount: amt("30")},
		{Debtor: "B", Creditor: "C", Amount: amt("10")},
	}
	if v := checkZeroSum("USD", debts); len(v) != 0 {
		t.Errorf("expected no zero-sum violation on a balanced debt set, got %v", v)
	}
}

func TestCheckTrustLimits_FlagsExceeded(t *testing.T) {
	debts := []models.Debt{{Debtor: "A", Creditor: "B", Amount: amt("150")}}
	lines := []models.TrustLine{{From: "B", To: "A", Equivalent: "USD", Limit: amt("100"), Status: models.TrustLineActive}}
	v := checkTrustLimits("USD", debts, lines)
	if len(v) != 1 {
		t.Fatalf("expected 1 trust-limit violation, got %d", len(v))
	}
	if v[0].Check != "trust_limit" {
		t.Errorf("expected check=trust_limit, got %s", v[0].Check)
	}
}

func TestCheckTrustLimits_WithinLimitPasses(t *testing.T) {
	debts := []models.Debt{{Debtor: "A", Creditor: "B", Amount: amt("50")}}
	lines := []models.TrustLine{{From: "B", To: "A", Equivalent: "USD", Limit: amt("100"), Status: models.TrustLineActive}}
	if v := checkTrustLimits("USD", debts, lines); len(v) != 0 {
		t.Errorf("expected no violation within limit, got %v", v)
	}
}

func TestCheckDebtSymmetry_FlagsBothDirectionsPositive(t *testing.T) {
	debts := []models.Debt{
		{Debtor: "A", Creditor: "B", Amount: amt("10")},
		{Debtor: "B", Creditor: "A", Amount: amt("5")},
	}
	v := checkDebtSymmetry("USD", debts)
	if len(v) != 1 {
		t.Fatalf("expected exactly 1 symmetry violation, got %d", len(v))
	}
}

func TestCheckDebtSymmetry_SingleDirectionPasses(t *testing.T) {
	debts := []models.Debt{{Debtor: "A", Creditor: "B", Amount: amt("10")}}
	if v := checkDebtSymmetry("USD", debts); len(v) != 0 {
		t.Errorf("expected no violation for a single-direction debt, got %v", v)
	}
}

func TestBulkChecksum_DeterministicRegardlessOfInputOrder(t *testing.T) {
	a := []models.Debt{
		{Debtor: "A", Creditor: "B", Amount: amt("10")},
		{Debtor: "B", Creditor: "C", Amount: amt("5")},
	}
	b := []models.Debt{
		{Debtor: "B", Creditor: "C", Amount: amt("5")},
		{Debtor: "A", Creditor: "B", Amount: amt("10")},
	}
	if BulkChecksum(a) != BulkChecksum(b) {
		t.Errorf("expected checksum to be independent of input order")
	}
}

func TestBulkChecksum_DiffersOnAmountChange(t *testing.T) {
	a := []models.Debt{{Debtor: "A", Creditor: "B", Amount: amt("10")}}
	b := []models.Debt{{Debtor: "A", Creditor: "B", Amount: amt("11")}}
	if BulkChecksum(a) == BulkChecksum(b) {
		t.Errorf("expected checksum to change when an amount changes")
	}
}

func TestFold_TracksBulkChecksumOfShadowLedger(t *testing.T) {
	c := New(nil, nil)
	first := c.Fold("USD", "A", "B", amt("30"))
	second := c.Fold("USD", "B", "C", amt("10"))
	if first == second {
		t.Errorf("expected successive folds to differ")
	}
	want := BulkChecksum([]models.Debt{
		{Debtor: "A", Creditor: "B", Amount: amt("30")},
		{Debtor: "B", Creditor: "C", Amount: amt("10")},
	})
	if second != want {
		t.Errorf("folded checksum = %s, want bulk checksum %s of the same state", second, want)
	}

	c2 := New(nil, nil)
	again := c2.Fold("USD", "A", "B", amt("30"))
	if again != first {
		t.Errorf("expected folding the same operation sequence from a fresh checker to reproduce the same checksum")
	}
}

func TestFold_NetsOppositeDirectionDeltas(t *testing.T) {
	c := New(nil, nil)
	c.Fold("USD", "A", "B", amt("30"))
	got := c.Fold("USD", "B", "A", amt("30"))
	want := BulkChecksum(nil)
	if got != want {
		t.Errorf("expected opposite deltas to net to an empty ledger, got checksum %s want %s", got, want)
	}
}
