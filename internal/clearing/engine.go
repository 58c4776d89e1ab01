// Package clearing finds closed debt cycles within one equivalent and nets
// them atomically. Triggered detection runs inline after every committed
// debt mutation (lengths 3-4); periodic detection runs on a ticker
// (lengths 5-6, hourly/daily) via bounded-depth DFS over the graph index.
package clearing

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/config"
	"github.com/rawblock/credit-hub/internal/events"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/integrity"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

// proposal tracks one cycle awaiting explicit consent: one or more
// intermediaries have auto_clearing=false on the edge they'd be netted
// through, so the cycle can only commit once every required participant
// has sent CLEARING_ACCEPT and none has sent CLEARING_REJECT.
type proposal struct {
	cycle      models.Cycle
	bottleneck decimal.Decimal
	required   map[string]bool
	accepted   map[string]bool
	expiresAt  time.Time
}

// Engine runs triggered and periodic cycle detection/clearing for one hub
// instance, across all equivalents.
type Engine struct {
	st      store.Store
	idx     *graph.Index
	bus     *events.Bus
	cfg     *config.HubConfig
	checker *integrity.Checker

	// sweeping guards one active periodic sweep per equivalent at a time;
	// read and written only under mu.
	sweeping map[string]bool

	mu        sync.Mutex
	proposals map[string]*proposal
}

// SetChecker wires the integrity checker so every cycle netted by Execute
// or a committed clearing proposal folds its deltas into the incremental
// checksum.
func (e *Engine) SetChecker(checker *integrity.Checker) {
	e.checker = checker
}

// New builds a clearing engine over shared storage, graph index, event
// bus, and config.
func New(st store.Store, idx *graph.Index, bus *events.Bus, cfg *config.HubConfig) *Engine {
	return &Engine{
		st: st, idx: idx, bus: bus, cfg: cfg,
		sweeping:  make(map[string]bool),
		proposals: make(map[string]*proposal),
	}
}

// cycleKey identifies a proposal by its equivalent and ordered member path,
// so Accept/Reject from a participant can be matched back to the cycle
// that proposed to them.
func cycleKey(equivalent string, members []string) string {
	return equivalent + "|" + strings.Join(members, ">")
}

// OnEdgeTouched runs triggered cycle detection for every cycle length in
// [3, cfg.ClearingMaxCycleLen] that includes the edge (debtor -> creditor).
// Called by the payment engine immediately after a debt-changing commit.
func (e *Engine) OnEdgeTouched(ctx context.Context, equivalent, debtor, creditor string) {
	for length := 3; length <= e.cfg.ClearingMaxCycleLen; length++ {
		cycle, ok := findCycleThroughEdge(e.idx, equivalent, debtor, creditor, length)
		if !ok {
			continue
		}
		if err := e.Execute(ctx, cycle); err != nil {
			log.Printf("clearing: triggered cycle execution failed for %v: %v", cycle.Members, err)
		}
	}
}

// RunPeriodicSweep scans every participant of equivalent for cycles of the
// given length via bounded DFS, processing highest-bottleneck-first with a
// per-run cap. Called from tickers in cmd/engine, one goroutine per cycle
// length, each looping over the equivalents.
func (e *Engine) RunPeriodicSweep(ctx context.Context, equivalent string, length, perRunCap int) {
	e.mu.Lock()
	if e.sweeping[equivalent] {
		e.mu.Unlock()
		log.Printf("clearing: periodic sweep already running for %s, skipping", equivalent)
		return
	}
	e.sweeping[equivalent] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sweeping[equivalent] = false
		e.mu.Unlock()
	}()

	candidates := findAllCycles(e.idx, equivalent, length, perRunCap*4)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Amount.GreaterThan(candidates[j].Amount)
	})
	if len(candidates) > perRunCap {
		candidates = candidates[:perRunCap]
	}

	for _, cycle := range candidates {
		if err := e.Execute(ctx, cycle); err != nil {
			log.Printf("clearing: periodic cycle execution failed for %v: %v", cycle.Members, err)
		}
	}
}

// Execute runs the full clearing protocol for one candidate cycle: bottleneck
// recompute under lock, explicit-consent gating, atomic net-and-verify, and
// the CLEARING transaction row. When one or more intermediaries require
// explicit consent, Execute opens a proposal and returns without netting;
// the actual clearing then happens from Accept once every required
// participant has consented.
func (e *Engine) Execute(ctx context.Context, cycle models.Cycle) error {
	minAmount, err := decimal.NewFromString(e.cfg.MinClearingAmount)
	if err != nil {
		minAmount = decimal.Zero
	}

	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clearing: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	eq, err := dbTx.GetEquivalent(ctx, cycle.Equivalent)
	if err != nil {
		return fmt.Errorf("lookup equivalent: %w", err)
	}
	if eq != nil && eq.Locked {
		return protocol.NewError(protocol.CodeIntegrityLocked, "equivalent "+cycle.Equivalent+" is locked pending integrity review", nil)
	}

	members := cycle.Members
	bottleneck, err := lockCycleEdges(ctx, dbTx, members, cycle.Equivalent)
	if err != nil {
		return err
	}
	if bottleneck.LessThan(minAmount) || !bottleneck.IsPositive() {
		e.recordSkipped(ctx, dbTx, cycle, "bottleneck below min_clearing_amount")
		return dbTx.Commit(ctx)
	}

	required, err := consentRequiredFrom(ctx, dbTx, members, cycle.Equivalent)
	if err != nil {
		return err
	}
	if len(required) > 0 {
		e.openProposal(ctx, dbTx, cycle, bottleneck, required)
		return dbTx.Commit(ctx)
	}

	txID := uuid.NewString()
	now := time.Now()
	if err := netAndRecord(ctx, dbTx, txID, now, members, cycle.Equivalent, bottleneck); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit clearing: %w", err)
	}
	committed = true
	e.foldCycle(cycle.Equivalent, members, bottleneck)
	e.finishCleared(ctx, members, cycle.Equivalent, txID, now)
	return nil
}

// foldCycle folds the per-edge delta netAndRecord already applied to
// storage into the integrity checker's shadow ledger, mirroring the same
// members/bottleneck pairing. No-op if no checker is wired.
func (e *Engine) foldCycle(equivalent string, members []string, bottleneck decimal.Decimal) {
	if e.checker == nil {
		return
	}
	for i := 0; i+1 < len(members); i++ {
		e.checker.Fold(equivalent, members[i], members[i+1], bottleneck.Neg())
	}
}

// Accept records participant's consent to the pending proposal for
// equivalent/members. Once every required participant has accepted, the
// cycle is netted and committed in the same call.
func (e *Engine) Accept(ctx context.Context, equivalent string, members []string, participant string) error {
	key := cycleKey(equivalent, members)
	e.mu.Lock()
	p, ok := e.proposals[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no pending clearing proposal for %s", key)
	}
	if !p.required[participant] {
		e.mu.Unlock()
		return fmt.Errorf("participant %s is not a required party to this proposal", participant)
	}
	p.accepted[participant] = true
	ready := allAccepted(p)
	if ready {
		delete(e.proposals, key)
	}
	e.mu.Unlock()

	if !ready {
		return nil
	}
	return e.commitAcceptedProposal(ctx, p)
}

// Reject tears down the pending proposal for equivalent/members: one REJECT
// from any required participant aborts the whole cycle.
func (e *Engine) Reject(ctx context.Context, equivalent string, members []string, participant string) error {
	key := cycleKey(equivalent, members)
	e.mu.Lock()
	p, ok := e.proposals[key]
	if ok {
		delete(e.proposals, key)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending clearing proposal for %s", key)
	}

	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reject: %w", err)
	}
	defer dbTx.Rollback(ctx)
	e.recordSkipped(ctx, dbTx, p.cycle, fmt.Sprintf("rejected by %s", participant))
	return dbTx.Commit(ctx)
}

// SweepExpiredProposals drops every pending proposal whose consent window
// has passed and records a skip event for each, mirroring the REJECT path.
// Intended to be called from a ticker alongside the periodic clearing sweep.
func (e *Engine) SweepExpiredProposals(ctx context.Context) {
	now := time.Now()
	var expired []*proposal
	e.mu.Lock()
	for key, p := range e.proposals {
		if now.After(p.expiresAt) {
			expired = append(expired, p)
			delete(e.proposals, key)
		}
	}
	e.mu.Unlock()

	for _, p := range expired {
		dbTx, err := e.st.Begin(ctx)
		if err != nil {
			log.Printf("clearing: begin expiry sweep failed: %v", err)
			continue
		}
		e.recordSkipped(ctx, dbTx, p.cycle, "explicit-consent proposal expired")
		if err := dbTx.Commit(ctx); err != nil {
			log.Printf("clearing: commit expiry sweep failed: %v", err)
		}
	}
}

func allAccepted(p *proposal) bool {
	for participant := range p.required {
		if !p.accepted[participant] {
			return false
		}
	}
	return true
}

// commitAcceptedProposal re-locks the cycle's edges, recomputes the
// bottleneck under lock (it may have shrunk since the proposal was opened),
// and nets if it is still above the minimum.
func (e *Engine) commitAcceptedProposal(ctx context.Context, p *proposal) error {
	minAmount, err := decimal.NewFromString(e.cfg.MinClearingAmount)
	if err != nil {
		minAmount = decimal.Zero
	}

	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin accepted clearing: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	eq, err := dbTx.GetEquivalent(ctx, p.cycle.Equivalent)
	if err != nil {
		return fmt.Errorf("lookup equivalent: %w", err)
	}
	if eq != nil && eq.Locked {
		return protocol.NewError(protocol.CodeIntegrityLocked, "equivalent "+p.cycle.Equivalent+" is locked pending integrity review", nil)
	}

	members := p.cycle.Members
	bottleneck, err := lockCycleEdges(ctx, dbTx, members, p.cycle.Equivalent)
	if err != nil {
		return err
	}
	if bottleneck.LessThan(minAmount) || !bottleneck.IsPositive() {
		e.recordSkipped(ctx, dbTx, p.cycle, "bottleneck below min_clearing_amount after consent")
		return dbTx.Commit(ctx)
	}

	txID := uuid.NewString()
	now := time.Now()
	if err := netAndRecord(ctx, dbTx, txID, now, members, p.cycle.Equivalent, bottleneck); err != nil {
		return err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit accepted clearing: %w", err)
	}
	committed = true
	e.foldCycle(p.cycle.Equivalent, members, bottleneck)
	e.finishCleared(ctx, members, p.cycle.Equivalent, txID, now)
	return nil
}

// openProposal stores a pending proposal and publishes one CLEARING_PROPOSE
// event per required participant so the transport layer can deliver it.
func (e *Engine) openProposal(ctx context.Context, dbTx store.Tx, cycle models.Cycle, bottleneck decimal.Decimal, required map[string]bool) {
	key := cycleKey(cycle.Equivalent, cycle.Members)
	p := &proposal{
		cycle:      cycle,
		bottleneck: bottleneck,
		required:   required,
		accepted:   make(map[string]bool),
		expiresAt:  time.Now().Add(e.cfg.ClearingConsentTimeout),
	}
	e.mu.Lock()
	e.proposals[key] = p
	e.mu.Unlock()

	now := time.Now()
	for participant := range required {
		_ = dbTx.InsertEvent(ctx, &models.Event{
			EventID:   uuid.NewString(),
			Type:      models.EventClearingProposed,
			Timestamp: now,
			Actor:     participant,
			Payload: map[string]any{
				"members":    cycle.Members,
				"equivalent": cycle.Equivalent,
				"amount":     bottleneck.String(),
				"expiresAt":  p.expiresAt,
			},
		})
		if e.bus != nil {
			e.bus.Publish(models.Event{
				Type:      models.EventClearingProposed,
				Timestamp: now,
				Actor:     participant,
				Payload:   map[string]any{"members": cycle.Members, "equivalent": cycle.Equivalent, "amount": bottleneck.String()},
			})
		}
	}
}

// finishCleared refreshes both directions of every cycle edge in the graph
// index and publishes the completed-clearing event, once the transaction
// that performed the netting has committed.
func (e *Engine) finishCleared(ctx context.Context, members []string, equivalent, txID string, now time.Time) {
	for i := 0; i+1 < len(members); i++ {
		refreshEdge(ctx, e.st, e.idx, equivalent, members[i], members[i+1])
		refreshEdge(ctx, e.st, e.idx, equivalent, members[i+1], members[i])
	}
	if e.bus != nil {
		e.bus.Publish(models.Event{Type: models.EventClearingExecuted, TxID: txID, Timestamp: now})
	}
}

func (e *Engine) recordSkipped(ctx context.Context, dbTx store.Tx, cycle models.Cycle, reason string) {
	_ = dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventClearingSkipped,
		Timestamp: time.Now(),
		Payload:   map[string]any{"members": cycle.Members, "reason": reason},
	})
}

// lockCycleEdges row-locks every edge in members and returns the minimum
// outstanding amount across them, the authoritative bottleneck.
func lockCycleEdges(ctx context.Context, dbTx store.Tx, members []string, equivalent string) (decimal.Decimal, error) {
	bottleneck := decimal.Zero
	first := true
	for i := 0; i+1 < len(members); i++ {
		debt, err := dbTx.LockDebtRow(ctx, members[i], members[i+1], equivalent)
		if err != nil {
			return decimal.Zero, fmt.Errorf("lock cycle edge: %w", err)
		}
		if first || debt.Amount.LessThan(bottleneck) {
			bottleneck = debt.Amount
			first = false
		}
	}
	return bottleneck, nil
}

// consentRequiredFrom returns the set of intermediaries whose incoming edge
// has auto_clearing=false, and so must send CLEARING_ACCEPT before the
// cycle may be netted. Empty means the cycle proceeds in auto mode.
func consentRequiredFrom(ctx context.Context, dbTx store.Tx, members []string, equivalent string) (map[string]bool, error) {
	required := make(map[string]bool)
	for i := 0; i+1 < len(members); i++ {
		line, err := dbTx.GetTrustLine(ctx, members[i+1], members[i], equivalent)
		if err != nil {
			return nil, fmt.Errorf("load trust line for consent check: %w", err)
		}
		if line != nil && !line.Policy.AutoClearing {
			required[members[i+1]] = true
		}
	}
	return required, nil
}

// netAndRecord applies the bottleneck offset to every edge in members,
// verifies clearing-neutrality (every participant's net position is
// unchanged), and appends the CLEARING transaction and event rows. Callers
// commit dbTx themselves.
func netAndRecord(ctx context.Context, dbTx store.Tx, txID string, now time.Time, members []string, equivalent string, bottleneck decimal.Decimal) error {
	before := make(map[string]decimal.Decimal, len(members)-1)
	for _, p := range members[:len(members)-1] {
		v, err := netPosition(ctx, dbTx, p, equivalent)
		if err != nil {
			return fmt.Errorf("snapshot net position: %w", err)
		}
		before[p] = v
	}

	for i := 0; i+1 < len(members); i++ {
		if _, err := dbTx.ApplyDebtDelta(ctx, members[i], members[i+1], equivalent, bottleneck.Neg()); err != nil {
			return fmt.Errorf("net cycle edge: %w", err)
		}
	}

	for _, p := range members[:len(members)-1] {
		after, err := netPosition(ctx, dbTx, p, equivalent)
		if err != nil {
			return fmt.Errorf("verify net position: %w", err)
		}
		if !after.Equal(before[p]) {
			return fmt.Errorf("clearing-neutrality violated for %s: before=%s after=%s", p, before[p], after)
		}
	}

	if err := dbTx.InsertTransaction(ctx, &models.Transaction{
		TxID:      txID,
		Type:      models.TxClearing,
		Initiator: "clearing-engine",
		Payload:   map[string]any{"members": members, "amount": bottleneck.String(), "equivalent": equivalent},
		State:     models.TxStateCommitted,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert clearing transaction: %w", err)
	}
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventClearingExecuted,
		Timestamp: now,
		TxID:      txID,
		Payload:   map[string]any{"members": members, "amount": bottleneck.String(), "equivalent": equivalent},
	}); err != nil {
		return fmt.Errorf("insert clearing event: %w", err)
	}
	return nil
}

// netPosition computes participant p's net balance in equivalent: sum of
// what others owe p, minus sum of what p owes others.
func netPosition(ctx context.Context, dbTx store.Tx, p, equivalent string) (decimal.Decimal, error) {
	debts, err := dbTx.ListDebtsForEquivalent(ctx, equivalent)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, d := range debts {
		if d.Creditor == p {
			net = net.Add(d.Amount)
		}
		if d.Debtor == p {
			net = net.Sub(d.Amount)
		}
	}
	return net, nil
}

// refreshEdge re-reads the debt edge from->to (from owes to) and the trust
// line that governs it — the one to extends to from — and writes both back
// into the graph index.
func refreshEdge(ctx context.Context, st store.Store, idx *graph.Index, equivalent, from, to string) {
	dbTx, err := st.Begin(ctx)
	if err != nil {
		return
	}
	defer dbTx.Rollback(ctx)
	line, err := dbTx.GetTrustLine(ctx, to, from, equivalent)
	if err != nil || line == nil {
		return
	}
	debt, err := dbTx.LockDebtRow(ctx, from, to, equivalent)
	if err != nil {
		return
	}
	idx.SetEdge(equivalent, from, to, line.Limit, debt.Amount, line.Policy.CanBeIntermediate, line.Policy.Blocked)
}
