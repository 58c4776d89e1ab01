package clearing

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/pkg/models"
)

// findCycleThroughEdge searches for one closed cycle of exactly length
// edges that starts and ends by traversing debtor->creditor, via bounded
// DFS from creditor back to debtor. Used by the triggered path, which only
// needs to know whether *a* cycle exists through the edge that was just
// touched, not every cycle in the graph.
func findCycleThroughEdge(idx *graph.Index, equivalent, debtor, creditor string, length int) (models.Cycle, bool) {
	if length < 3 {
		return models.Cycle{}, false
	}
	path := []string{debtor, creditor}
	visited := map[string]bool{debtor: true, creditor: true}
	found, result := dfsToTarget(idx, equivalent, creditor, debtor, path, visited, length-1)
	if !found {
		return models.Cycle{}, false
	}
	return cycleFromPath(idx, result, equivalent), true
}

// dfsToTarget extends path by one hop at a time looking for target,
// stopping once path length reaches remaining hops. It returns the first
// completed path found under DFS exploration order — callers needing the
// maximal-bottleneck cycle re-rank candidates from findAllCycles instead.
func dfsToTarget(idx *graph.Index, equivalent, from, target string, path []string, visited map[string]bool, remaining int) (bool, []string) {
	if remaining == 0 {
		return false, nil
	}
	for _, e := range idx.Neighbors(equivalent, from) {
		if !e.Outstanding.IsPositive() {
			continue // only existing debt edges can participate in a clearing cycle
		}
		if e.To == target && remaining == 1 {
			return true, append(append([]string{}, path...), target)
		}
		if remaining == 1 || visited[e.To] {
			continue
		}
		visited[e.To] = true
		if ok, result := dfsToTarget(idx, equivalent, e.To, target, append(path, e.To), visited, remaining-1); ok {
			return true, result
		}
		delete(visited, e.To)
	}
	return false, nil
}

// findAllCycles enumerates up to cap closed cycles of exactly length edges
// across every participant of equivalent, for the periodic sweep. Bounded
// both in depth (length) and in total candidates examined (cap).
func findAllCycles(idx *graph.Index, equivalent string, length, cap int) []models.Cycle {
	var out []models.Cycle
	examined := 0
	for _, start := range idx.Participants(equivalent) {
		if examined >= cap {
			break
		}
		visited := map[string]bool{start: true}
		paths := collectCycles(idx, equivalent, start, start, []string{start}, visited, length, cap-examined)
		examined += len(paths)
		for _, p := range paths {
			out = append(out, cycleFromPath(idx, p, equivalent))
		}
	}
	return out
}

func collectCycles(idx *graph.Index, equivalent, from, target string, path []string, visited map[string]bool, remaining, budget int) [][]string {
	if budget <= 0 || remaining == 0 {
		return nil
	}
	var out [][]string
	for _, e := range idx.Neighbors(equivalent, from) {
		if len(out) >= budget {
			break
		}
		if !e.Outstanding.IsPositive() {
			continue
		}
		if e.To == target && remaining == 1 {
			out = append(out, append(append([]string{}, path...), target))
			continue
		}
		if remaining == 1 || visited[e.To] {
			continue
		}
		visited[e.To] = true
		out = append(out, collectCycles(idx, equivalent, e.To, target, append(path, e.To), visited, remaining-1, budget-len(out))...)
		delete(visited, e.To)
	}
	return out
}

// cycleFromPath computes an approximate bottleneck (minimum outstanding
// debt along path, read from the in-memory snapshot) used only to order
// candidates for the periodic sweep's highest-S-first rule; Execute
// re-derives the authoritative bottleneck under row lock before applying
// anything, so a stale snapshot value here can only affect ordering, never
// correctness.
func cycleFromPath(idx *graph.Index, path []string, equivalent string) models.Cycle {
	bottleneck := decimal.Zero
	first := true
	for i := 0; i+1 < len(path); i++ {
		for _, e := range idx.Neighbors(equivalent, path[i]) {
			if e.To != path[i+1] {
				continue
			}
			if first || e.Outstanding.LessThan(bottleneck) {
				bottleneck = e.Outstanding
				first = false
			}
		}
	}
	return models.Cycle{Members: path, Equivalent: equivalent, Amount: bottleneck}
}
