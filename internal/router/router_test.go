package router

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/protocol"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func line(idx *graph.Index, eq, from, to, limit, outstanding string) {
	idx.SetEdge(eq, from, to, d(limit), d(outstanding), true, nil)
}

func TestRoute_SinglePathWidestBottleneck(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "100", "0")
	line(idx, "USD", "B", "C", "50", "0")
	line(idx, "USD", "A", "D", "20", "0")
	line(idx, "USD", "D", "C", "20", "0")

	plan, err := Route(context.Background(), idx, "USD", "A", "C", d("30"), DefaultConstraints())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(plan.Routes) != 1 {
		t.Fatalf("expected a single route, got %d", len(plan.Routes))
	}
	got := plan.Routes[0]
	want := []string{"A", "B", "C"}
	if !equalPath(got.Path, want) {
		t.Errorf("expected widest path %v, got %v", want, got.Path)
	}
	if !got.Amount.Equal(d("30")) {
		t.Errorf("expected amount 30, got %s", got.Amount)
	}
}

func TestRoute_SplitsAcrossMultiplePaths(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "40", "0")
	line(idx, "USD", "B", "C", "40", "0")
	line(idx, "USD", "A", "D", "30", "0")
	line(idx, "USD", "D", "C", "30", "0")

	plan, err := Route(context.Background(), idx, "USD", "A", "C", d("60"), DefaultConstraints())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	var total decimal.Decimal
	for _, r := range plan.Routes {
		total = total.Add(r.Amount)
	}
	if !total.Equal(d("60")) {
		t.Errorf("expected total assigned 60 across paths, got %s", total)
	}
	if len(plan.Routes) < 2 {
		t.Errorf("expected payment to split across at least 2 paths, got %d", len(plan.Routes))
	}
}

func TestRoute_InsufficientCapacity(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "10", "0")
	line(idx, "USD", "B", "C", "10", "0")

	_, err := Route(context.Background(), idx, "USD", "A", "C", d("100"), DefaultConstraints())
	if !protocol.IsCode(err, protocol.CodeInsufficientCapacity) {
		t.Fatalf("expected InsufficientCapacity, got %v", err)
	}
}

func TestRoute_NoPathFound(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "10", "0")

	_, err := Route(context.Background(), idx, "USD", "A", "Z", d("5"), DefaultConstraints())
	if !protocol.IsCode(err, protocol.CodeRouteNotFound) {
		t.Fatalf("expected RouteNotFound, got %v", err)
	}
}

func TestRoute_AvoidExcludesVertex(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "50", "0")
	line(idx, "USD", "B", "C", "50", "0")
	line(idx, "USD", "A", "D", "50", "0")
	line(idx, "USD", "D", "C", "50", "0")

	c := DefaultConstraints()
	c.Avoid = map[string]bool{"B": true}

	plan, err := Route(context.Background(), idx, "USD", "A", "C", d("10"), c)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	for _, r := range plan.Routes {
		for _, p := range r.Path {
			if p == "B" {
				t.Fatalf("avoided vertex B appeared in route %v", r.Path)
			}
		}
	}
}

func TestRoute_RejectsNonIntermediate(t *testing.T) {
	idx := graph.New()
	idx.SetEdge("USD", "A", "B", d("50"), d("0"), false, nil)
	idx.SetEdge("USD", "B", "C", d("50"), d("0"), true, nil)
	idx.SetEdge("USD", "A", "D", d("50"), d("0"), true, nil)
	idx.SetEdge("USD", "D", "C", d("50"), d("0"), true, nil)

	plan, err := Route(context.Background(), idx, "USD", "A", "C", d("10"), DefaultConstraints())
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	for _, r := range plan.Routes {
		if equalPath(r.Path, []string{"A", "B", "C"}) {
			t.Fatalf("route used B as intermediate despite can_be_intermediate=false")
		}
	}
}

func TestRoute_IsPureOverSnapshot(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "40", "0")
	line(idx, "USD", "B", "C", "40", "0")
	line(idx, "USD", "A", "D", "30", "0")
	line(idx, "USD", "D", "C", "30", "0")

	c := DefaultConstraints()
	p1, err1 := Route(context.Background(), idx, "USD", "A", "C", d("50"), c)
	p2, err2 := Route(context.Background(), idx, "USD", "A", "C", d("50"), c)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v / %v", err1, err2)
	}
	if len(p1.Routes) != len(p2.Routes) {
		t.Fatalf("replay on identical snapshot produced different route counts: %d vs %d", len(p1.Routes), len(p2.Routes))
	}
	for i := range p1.Routes {
		if !equalPath(p1.Routes[i].Path, p2.Routes[i].Path) || !p1.Routes[i].Amount.Equal(p2.Routes[i].Amount) {
			t.Fatalf("replay on identical snapshot diverged at route %d: %+v vs %+v", i, p1.Routes[i], p2.Routes[i])
		}
	}
}

func TestRoute_LargeFlowMode(t *testing.T) {
	idx := graph.New()
	line(idx, "USD", "A", "B", "20", "0")
	line(idx, "USD", "B", "C", "20", "0")
	line(idx, "USD", "A", "D", "20", "0")
	line(idx, "USD", "D", "C", "20", "0")
	line(idx, "USD", "A", "E", "20", "0")
	line(idx, "USD", "E", "C", "20", "0")

	c := DefaultConstraints()
	c.LargeFlow = true
	c.MaxPaths = 1 // irrelevant in max-flow mode

	plan, err := Route(context.Background(), idx, "USD", "A", "C", d("50"), c)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	var total decimal.Decimal
	for _, r := range plan.Routes {
		total = total.Add(r.Amount)
	}
	if !total.Equal(d("50")) {
		t.Errorf("expected max-flow to satisfy full amount 50, got %s", total)
	}
}

func equalPath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
