package router

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/protocol"
)

// routeMaxFlow implements the optional large-payment mode: Edmonds-Karp
// max-flow over the residual graph, bounded to c.MaxHops-length augmenting
// paths, then decomposed back into simple paths. Used when the caller opts
// in via Constraints.LargeFlow because a single best-path/Yen-alternates
// search under-uses available capacity spread across many thin edges.
func routeMaxFlow(ctx context.Context, idx *graph.Index, equivalent, source, target string, amount decimal.Decimal, c Constraints) (*Plan, error) {
	residual := map[string]map[string]decimal.Decimal{}
	addResidual := func(from, to string, cap decimal.Decimal) {
		if residual[from] == nil {
			residual[from] = map[string]decimal.Decimal{}
		}
		residual[from][to] = residual[from][to].Add(cap)
		if residual[to] == nil {
			residual[to] = map[string]decimal.Decimal{}
		}
		if _, ok := residual[to][from]; !ok {
			residual[to][from] = decimal.Zero
		}
	}

	visitedNodes := map[string]bool{source: true}
	frontier := []string{source}
	for len(frontier) > 0 {
		next := []string{}
		for _, n := range frontier {
			for _, e := range idx.Neighbors(equivalent, n) {
				if c.Avoid[e.To] || (e.To != target && !e.CanBeIntermediate) || e.Blocked[n] {
					continue
				}
				if !e.Capacity.IsPositive() {
					continue
				}
				addResidual(n, e.To, e.Capacity)
				if !visitedNodes[e.To] {
					visitedNodes[e.To] = true
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}

	var flowPaths []weightedPath
	totalFlow := decimal.Zero

	for totalFlow.LessThan(amount) {
		if err := checkDeadline(ctx); err != nil {
			return nil, err
		}
		path, bottleneck, found := bfsAugmentingPath(residual, source, target, c.MaxHops)
		if !found || !bottleneck.IsPositive() {
			break
		}
		send := bottleneck
		if totalFlow.Add(send).GreaterThan(amount) {
			send = amount.Sub(totalFlow)
		}
		for i := 0; i+1 < len(path); i++ {
			residual[path[i]][path[i+1]] = residual[path[i]][path[i+1]].Sub(send)
			residual[path[i+1]][path[i]] = residual[path[i+1]][path[i]].Add(send)
		}
		flowPaths = append(flowPaths, weightedPath{nodes: append([]string{}, path...), bottleneck: send})
		totalFlow = totalFlow.Add(send)
	}

	if totalFlow.LessThan(amount) {
		return nil, protocol.NewError(protocol.CodeInsufficientCapacity, "max-flow search could not satisfy the requested amount", map[string]any{
			"deficit": amount.Sub(totalFlow).String(),
		})
	}

	routes := make([]Route, 0, len(flowPaths))
	for _, p := range flowPaths {
		routes = append(routes, Route{Path: p.nodes, Amount: p.bottleneck})
	}
	return &Plan{Routes: routes}, nil
}

// bfsAugmentingPath finds a shortest (by hop count) augmenting path from
// source to target in the residual graph with positive capacity on every
// edge, bounded to maxHops. Returns the path, its bottleneck capacity, and
// whether one was found — the BFS-for-augmenting-path step that makes this
// Edmonds-Karp rather than plain Ford-Fulkerson.
func bfsAugmentingPath(residual map[string]map[string]decimal.Decimal, source, target string, maxHops int) ([]string, decimal.Decimal, bool) {
	type frame struct {
		node string
		hops int
	}
	prev := map[string]string{source: ""}
	queue := []frame{{source, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.node == target {
			break
		}
		if cur.hops >= maxHops {
			continue
		}
		neighbors := make([]string, 0, len(residual[cur.node]))
		for to := range residual[cur.node] {
			neighbors = append(neighbors, to)
		}
		sort.Strings(neighbors)
		for _, to := range neighbors {
			if !residual[cur.node][to].IsPositive() {
				continue
			}
			if _, seen := prev[to]; seen {
				continue
			}
			prev[to] = cur.node
			queue = append(queue, frame{to, cur.hops + 1})
		}
	}

	if _, ok := prev[target]; !ok {
		return nil, decimal.Zero, false
	}

	var path []string
	for node := target; node != ""; node = prev[node] {
		path = append([]string{node}, path...)
		if node == source {
			break
		}
	}

	bottleneck := decimal.NewFromInt(1 << 32)
	for i := 0; i+1 < len(path); i++ {
		c := residual[path[i]][path[i+1]]
		if c.LessThan(bottleneck) {
			bottleneck = c
		}
	}
	return path, bottleneck, true
}
