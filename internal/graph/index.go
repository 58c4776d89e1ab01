// Package graph holds an in-memory, read-through view of each equivalent's
// debt and trust-line graph. The store (internal/store) is the system of
// record; Index only mirrors it so the router can walk adjacency without a
// database round trip per hop. Every mutation here is applied by the
// engine operation that made the store write, right after its storage
// transaction commits and before the operation returns (see SPEC_FULL.md
// §4.3).
package graph

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/pkg/models"
)

// Edge is one directed routing hop: the debtor may push up to Capacity more
// debt onto the creditor before exhausting trust.
type Edge struct {
	To                string
	Limit             decimal.Decimal
	Outstanding       decimal.Decimal // current debtor->creditor debt
	Capacity          decimal.Decimal // Limit - Outstanding, floored at zero
	CanBeIntermediate bool
	Blocked           map[string]bool
}

// Index is a per-equivalent adjacency index: adjacency[equivalent][from] is
// the list of edges a participant can route payment across. Keyed by PID
// strings rather than pointers — there is no node object to dangle.
type Index struct {
	mu        sync.RWMutex
	adjacency map[string]map[string][]Edge // equivalent -> from -> edges
}

// New returns an empty index.
func New() *Index {
	return &Index{adjacency: make(map[string]map[string][]Edge)}
}

// SetEdge installs or replaces the single edge from->to for equivalent,
// computed from a trust line and its current outstanding debt. Called by
// the payment and clearing engines and the trust-line manager after the
// transaction that wrote the underlying trust line or debt row has
// committed, from a fresh read of that row.
func (idx *Index) SetEdge(equivalent, from, to string, limit, outstanding decimal.Decimal, canBeIntermediate bool, blocked []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	capacity := limit.Sub(outstanding)
	if capacity.IsNegative() {
		capacity = decimal.Zero
	}

	byFrom, ok := idx.adjacency[equivalent]
	if !ok {
		byFrom = make(map[string][]Edge)
		idx.adjacency[equivalent] = byFrom
	}

	blockedSet := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		blockedSet[b] = true
	}
	edge := Edge{To: to, Limit: limit, Outstanding: outstanding, Capacity: capacity, CanBeIntermediate: canBeIntermediate, Blocked: blockedSet}

	edges := byFrom[from]
	for i, e := range edges {
		if e.To == to {
			edges[i] = edge
			byFrom[from] = edges
			return
		}
	}
	byFrom[from] = append(edges, edge)
}

// RemoveEdge drops from->to for equivalent, used on trust-line close.
func (idx *Index) RemoveEdge(equivalent, from, to string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	byFrom, ok := idx.adjacency[equivalent]
	if !ok {
		return
	}
	edges := byFrom[from]
	for i, e := range edges {
		if e.To == to {
			byFrom[from] = append(edges[:i], edges[i+1:]...)
			return
		}
	}
}

// Neighbors returns a snapshot copy of from's outgoing edges for
// equivalent. Callers must not hold this slice across a further mutation —
// it is copied specifically so the router can iterate without the lock.
func (idx *Index) Neighbors(equivalent, from string) []Edge {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byFrom, ok := idx.adjacency[equivalent]
	if !ok {
		return nil
	}
	edges := byFrom[from]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// AvailableCredit returns the spare capacity from->to for equivalent, or
// zero if no such edge exists.
func (idx *Index) AvailableCredit(equivalent, from, to string) decimal.Decimal {
	for _, e := range idx.Neighbors(equivalent, from) {
		if e.To == to {
			return e.Capacity
		}
	}
	return decimal.Zero
}

// LoadEquivalent rebuilds the adjacency for one equivalent from trust lines
// and debts read from storage — used at startup, rebuilding derived state
// from storage rather than trusting an in-memory cache across a restart.
func (idx *Index) LoadEquivalent(equivalent string, lines []models.TrustLine, debts []models.Debt) {
	outstanding := make(map[string]decimal.Decimal, len(debts))
	for _, d := range debts {
		outstanding[d.Debtor+"\x00"+d.Creditor] = d.Amount
	}

	idx.mu.Lock()
	delete(idx.adjacency, equivalent)
	idx.mu.Unlock()

	for _, tl := range lines {
		if tl.Status != models.TrustLineActive {
			continue
		}
		// tl.From extends the line to tl.To, so tl.To is the one who can
		// owe tl.From — the debt edge runs To->From.
		amt := outstanding[tl.To+"\x00"+tl.From]
		idx.SetEdge(equivalent, tl.To, tl.From, tl.Limit, amt, tl.Policy.CanBeIntermediate, tl.Policy.Blocked)
	}
}

// Participants returns every distinct PID with at least one outgoing edge
// recorded for equivalent — used by the clearing engine's periodic sweep
// to seed a DFS from every node without a separate participant listing.
func (idx *Index) Participants(equivalent string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	byFrom, ok := idx.adjacency[equivalent]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(byFrom))
	for from := range byFrom {
		out = append(out, from)
	}
	return out
}
