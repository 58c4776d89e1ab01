package trustline

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

func TestCreate_RejectsDuplicateActiveLine(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	m := New(st, idx, nil)

	req := CreateRequest{From: "A", To: "B", Equivalent: "USD", Limit: decimal.NewFromInt(100)}
	if _, err := m.Create(context.Background(), req); err != nil {
		t.Fatalf("unexpected error on first create: %v", err)
	}
	_, err := m.Create(context.Background(), req)
	if !protocol.IsCode(err, protocol.CodeConflict) {
		t.Fatalf("expected a Conflict error on duplicate create, got %v", err)
	}
}

func TestUpdate_RejectsLimitBelowOutstandingByDefault(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	m := New(st, idx, nil)

	if _, err := m.Create(context.Background(), CreateRequest{From: "A", To: "B", Equivalent: "USD", Limit: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	tx, _ := st.Begin(context.Background())
	if _, err := tx.ApplyDebtDelta(context.Background(), "B", "A", "USD", decimal.NewFromInt(40)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	newLimit := decimal.NewFromInt(10)
	_, err := m.Update(context.Background(), UpdateRequest{From: "A", To: "B", Equivalent: "USD", NewLimit: &newLimit})
	if !protocol.IsCode(err, protocol.CodeValidationError) {
		t.Fatalf("expected a ValidationError, got %v", err)
	}
}

func TestClose_RejectsWhileDebtOutstanding(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	m := New(st, idx, nil)

	if _, err := m.Create(context.Background(), CreateRequest{From: "A", To: "B", Equivalent: "USD", Limit: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	tx, _ := st.Begin(context.Background())
	if _, err := tx.ApplyDebtDelta(context.Background(), "B", "A", "USD", decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := m.Close(context.Background(), "A", "B", "USD", "A", "")
	if !protocol.IsCode(err, protocol.CodeStateConflict) {
		t.Fatalf("expected a StateConflict error, got %v", err)
	}
}

func TestClose_SucceedsAndRemovesGraphEdge(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	m := New(st, idx, nil)

	if _, err := m.Create(context.Background(), CreateRequest{From: "A", To: "B", Equivalent: "USD", Limit: decimal.NewFromInt(100)}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(context.Background(), "A", "B", "USD", "A", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if credit := idx.AvailableCredit("USD", "B", "A"); !credit.Equal(decimal.Zero) {
		t.Errorf("expected no edge left in the graph index, got capacity %s", credit)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	line, err := tx.GetTrustLine(context.Background(), "A", "B", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if line == nil || line.Status != models.TrustLineClosed {
		t.Errorf("expected the trust line status to be closed, got %v", line)
	}
}
