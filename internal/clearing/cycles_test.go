package clearing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/graph"
)

func setEdge(idx *graph.Index, eq, from, to, limit, outstanding string) {
	l, _ := decimal.NewFromString(limit)
	o, _ := decimal.NewFromString(outstanding)
	idx.SetEdge(eq, from, to, l, o, true, nil)
}

func TestFindCycleThroughEdge_DetectsTriangle(t *testing.T) {
	idx := graph.New()
	setEdge(idx, "USD", "A", "B", "100", "10")
	setEdge(idx, "USD", "B", "C", "100", "10")
	setEdge(idx, "USD", "C", "A", "100", "10")

	cycle, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if !ok {
		t.Fatal("expected a triangle cycle to be found")
	}
	if cycle.Members[0] != cycle.Members[len(cycle.Members)-1] {
		t.Errorf("cycle must close: got %v", cycle.Members)
	}
	if len(cycle.Members) != 4 {
		t.Errorf("expected 3-edge cycle (4 members incl. repeat), got %v", cycle.Members)
	}
}

func TestFindCycleThroughEdge_NoCycleWithoutClosure(t *testing.T) {
	idx := graph.New()
	setEdge(idx, "USD", "A", "B", "100", "10")
	setEdge(idx, "USD", "B", "C", "100", "10")
	// no edge back from C to A

	_, ok := findCycleThroughEdge(idx, "USD", "A", "B", 3)
	if ok {
		t.Fatal("expected no cycle when the graph does not close")
	}
}

func TestFindAllCycles_RespectsPerRunCap(t *testing.T) {
	idx := graph.New()
	setEdge(idx, "USD", "A", "B", "100", "10")
	setEdge(idx, "USD", "B", "C", "100", "10")
	setEdge(idx, "USD", "C", "A", "100", "10")
	setEdge(idx, "USD", "D", "E", "100", "10")
	setEdge(idx, "USD", "E", "F", "100", "10")
	setEdge(idx, "USD", "F", "D", "100", "10")

	cycles := findAllCycles(idx, "USD", 3, 1)
	if len(cycles) > 1 {
		t.Errorf("expected per-run cap to bound the result to at most 1, got %d", len(cycles))
	}
}

func TestFindAllCycles_ComputesBottleneckAsMinOutstanding(t *testing.T) {
	idx := graph.New()
	setEdge(idx, "USD", "A", "B", "100", "5")
	setEdge(idx, "USD", "B", "C", "100", "50")
	setEdge(idx, "USD", "C", "A", "100", "20")

	cycles := findAllCycles(idx, "USD", 3, 10)
	if len(cycles) == 0 {
		t.Fatal("expected at least one cycle")
	}
	for _, c := range cycles {
		if !c.Amount.Equal(decimal.NewFromInt(5)) {
			t.Errorf("expected bottleneck 5 (min outstanding on the cycle), got %s for %v", c.Amount, c.Members)
		}
	}
}
