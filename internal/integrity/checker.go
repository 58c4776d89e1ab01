// Package integrity runs the hub's invariant checks — zero-sum, trust
// limits, debt symmetry — and maintains the
// incremental/bulk checksum pair used to detect state drift. Engines call
// Fold with each committed debt delta to keep a shadow ledger in
// lockstep with the real rows; RunAll hashes that shadow ledger and
// compares it against a freshly computed BulkChecksum of storage, raising
// a checksum_drift violation the first time a write path skips folding.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/events"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

// Checker runs the zero-sum, trust-limit and debt-symmetry checks and the
// checksum pipeline for one hub instance, across every equivalent named by
// its callers. Clearing neutrality is not checked here; the clearing engine
// verifies it inside each netting transaction.
type Checker struct {
	st  store.Store
	bus *events.Bus

	mu sync.Mutex
	// shadow mirrors store.ApplyDebtDelta's own netting for every
	// equivalent Fold has been told about, one entry per (debtor,
	// creditor) pair with a currently-positive balance. Its hash is what
	// Fold returns and RunAll compares against a freshly computed
	// BulkChecksum.
	shadow map[string]map[[2]string]decimal.Decimal
	// seeded marks an equivalent whose shadow ledger has been
	// initialized from a real bulk snapshot at least once — before that
	// point the shadow is empty by construction and comparing it against
	// BulkChecksum would just report the startup backlog as drift.
	seeded map[string]bool
}

// New builds a Checker over shared storage and the event bus.
func New(st store.Store, bus *events.Bus) *Checker {
	return &Checker{
		st:     st,
		bus:    bus,
		shadow: make(map[string]map[[2]string]decimal.Decimal),
		seeded: make(map[string]bool),
	}
}

// Report is the operator-facing summary of one check pass.
type Report struct {
	Equivalent string
	Violations []models.IntegrityViolation
	Checksum   string
}

// RunAll executes every check for equivalent inside one read transaction
// and returns a Report. On any violation the equivalent is locked for
// further debt mutation.
func (c *Checker) RunAll(ctx context.Context, equivalent string) (*Report, error) {
	dbTx, err := c.st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin integrity check: %w", err)
	}
	defer dbTx.Rollback(ctx)

	debts, err := dbTx.ListDebtsForEquivalent(ctx, equivalent)
	if err != nil {
		return nil, fmt.Errorf("list debts: %w", err)
	}
	lines, err := dbTx.ListTrustLinesForEquivalent(ctx, equivalent)
	if err != nil {
		return nil, fmt.Errorf("list trust lines: %w", err)
	}
	// The reads are done; release the transaction before lockAndRecord
	// opens its own (MemStore serializes transactions on one mutex).
	dbTx.Rollback(ctx)

	var violations []models.IntegrityViolation
	violations = append(violations, checkZeroSum(equivalent, debts)...)
	violations = append(violations, checkTrustLimits(equivalent, debts, lines)...)
	violations = append(violations, checkDebtSymmetry(equivalent, debts)...)

	checksum := BulkChecksum(debts)

	if drift := c.checkDrift(equivalent, debts, checksum); drift != nil {
		violations = append(violations, *drift)
	}

	if len(violations) > 0 {
		if err := c.lockAndRecord(ctx, equivalent, violations); err != nil {
			return nil, err
		}
	}

	return &Report{Equivalent: equivalent, Violations: violations, Checksum: checksum}, nil
}

// checkDrift compares the incremental checksum Fold has been maintaining
// for equivalent against a freshly computed bulk one. The first call for
// an equivalent just seeds the shadow ledger from the bulk snapshot — with
// nothing folded yet there is nothing honest to compare against — every
// call after that is a genuine drift check: if every debt-mutating commit
// folded its delta in, the two checksums are identical by construction.
func (c *Checker) checkDrift(equivalent string, debts []models.Debt, bulkChecksum string) *models.IntegrityViolation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.seeded[equivalent] {
		c.shadow[equivalent] = snapshotDebts(debts)
		c.seeded[equivalent] = true
		return nil
	}

	incremental := hashShadow(c.shadow[equivalent])
	if incremental == bulkChecksum {
		return nil
	}
	return &models.IntegrityViolation{
		Equivalent: equivalent,
		Check:      "checksum_drift",
		Severity:   "critical",
		Details:    fmt.Sprintf("incremental checksum %s != bulk checksum %s", incremental, bulkChecksum),
	}
}

func (c *Checker) lockAndRecord(ctx context.Context, equivalent string, violations []models.IntegrityViolation) error {
	dbTx, err := c.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin violation recording: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if err := dbTx.SetEquivalentLocked(ctx, equivalent, true); err != nil {
		return fmt.Errorf("lock equivalent: %w", err)
	}
	for _, v := range violations {
		v.ID = uuid.NewString()
		v.DetectedAt = time.Now()
		if err := dbTx.InsertViolation(ctx, &v); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
		if err := dbTx.InsertEvent(ctx, &models.Event{
			EventID:   uuid.NewString(),
			Type:      models.EventIntegrityViolation,
			Timestamp: v.DetectedAt,
			Payload:   map[string]any{"equivalent": equivalent, "check": v.Check, "severity": v.Severity, "details": v.Details},
		}); err != nil {
			return fmt.Errorf("insert violation event: %w", err)
		}
		log.Printf("integrity: VIOLATION equivalent=%s check=%s severity=%s details=%s", equivalent, v.Check, v.Severity, v.Details)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit violation recording: %w", err)
	}
	if c.bus != nil {
		for _, v := range violations {
			c.bus.Publish(models.Event{Type: models.EventIntegrityViolation, Timestamp: v.DetectedAt, Payload: map[string]any{"equivalent": equivalent, "check": v.Check}})
		}
	}
	return nil
}

// Unlock clears equivalent's integrity lock. Called after an admin
// compensation has applied a correcting debt delta and a fresh RunAll
// found no remaining violations — the only path back from locked to
// accepting debt-mutating operations.
func (c *Checker) Unlock(ctx context.Context, equivalent string) error {
	dbTx, err := c.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unlock: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if err := dbTx.SetEquivalentLocked(ctx, equivalent, false); err != nil {
		return fmt.Errorf("unlock equivalent: %w", err)
	}
	now := time.Now()
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventIntegrityUnlocked,
		Timestamp: now,
		Payload:   map[string]any{"equivalent": equivalent},
	}); err != nil {
		return fmt.Errorf("insert unlock event: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unlock: %w", err)
	}
	if c.bus != nil {
		c.bus.Publish(models.Event{Type: models.EventIntegrityUnlocked, Timestamp: now, Payload: map[string]any{"equivalent": equivalent}})
	}
	return nil
}

// checkZeroSum verifies Σ net_balance(p,E) = 0 with zero tolerance. Net
// balances are derived from the same rows, each row adding its amount to
// one participant and subtracting it from another, so for any row list the
// total is zero; the check cannot detect a corrupted row amount.
func checkZeroSum(equivalent string, debts []models.Debt) []models.IntegrityViolation {
	net := map[string]decimal.Decimal{}
	for _, d := range debts {
		net[d.Creditor] = net[d.Creditor].Add(d.Amount)
		net[d.Debtor] = net[d.Debtor].Sub(d.Amount)
	}
	total := decimal.Zero
	for _, v := range net {
		total = total.Add(v)
	}
	if !total.IsZero() {
		return []models.IntegrityViolation{{
			Equivalent: equivalent,
			Check:      "zero_sum",
			Severity:   "critical",
			Details:    fmt.Sprintf("sum of net balances = %s, expected 0", total),
		}}
	}
	return nil
}

// checkTrustLimits verifies no debt[u,v,E] exceeds limit(v->u,E) among
// active lines.
func checkTrustLimits(equivalent string, debts []models.Debt, lines []models.TrustLine) []models.IntegrityViolation {
	limits := map[[2]string]decimal.Decimal{}
	for _, l := range lines {
		if l.Status == models.TrustLineActive {
			limits[[2]string{l.From, l.To}] = l.Limit
		}
	}
	var violations []models.IntegrityViolation
	for _, d := range debts {
		limit, ok := limits[[2]string{d.Creditor, d.Debtor}]
		if !ok {
			continue
		}
		if d.Amount.GreaterThan(limit) {
			violations = append(violations, models.IntegrityViolation{
				Equivalent: equivalent,
				Check:      "trust_limit",
				Severity:   "critical",
				Details:    fmt.Sprintf("debt[%s,%s]=%s exceeds limit(%s->%s)=%s", d.Debtor, d.Creditor, d.Amount, d.Creditor, d.Debtor, limit),
			})
		}
	}
	return violations
}

// checkDebtSymmetry verifies no (A,B) pair has both directions positive —
// store.ApplyDebtDelta is supposed to net these away, so any hit here
// means a write path bypassed it.
func checkDebtSymmetry(equivalent string, debts []models.Debt) []models.IntegrityViolation {
	present := map[[2]string]bool{}
	for _, d := range debts {
		present[[2]string{d.Debtor, d.Creditor}] = true
	}
	var violations []models.IntegrityViolation
	seen := map[[2]string]bool{}
	for _, d := range debts {
		pair := [2]string{d.Debtor, d.Creditor}
		reverse := [2]string{d.Creditor, d.Debtor}
		if present[reverse] && !seen[reverse] {
			seen[pair] = true
			violations = append(violations, models.IntegrityViolation{
				Equivalent: equivalent,
				Check:      "debt_symmetry",
				Severity:   "critical",
				Details:    fmt.Sprintf("both debt[%s,%s] and debt[%s,%s] are positive", d.Debtor, d.Creditor, d.Creditor, d.Debtor),
			})
		}
	}
	return violations
}

// BulkChecksum computes SHA-256 over debts sorted by (debtor,creditor),
// serialized as "debtor:creditor:amount" joined with "|".
func BulkChecksum(debts []models.Debt) string {
	sorted := make([]models.Debt, len(debts))
	copy(sorted, debts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Debtor != sorted[j].Debtor {
			return sorted[i].Debtor < sorted[j].Debtor
		}
		return sorted[i].Creditor < sorted[j].Creditor
	})
	parts := make([]byte, 0, len(sorted)*32)
	for i, d := range sorted {
		if i > 0 {
			parts = append(parts, '|')
		}
		parts = append(parts, []byte(fmt.Sprintf("%s:%s:%s", d.Debtor, d.Creditor, d.Amount.String()))...)
	}
	sum := sha256.Sum256(parts)
	return hex.EncodeToString(sum[:])
}

// Fold applies one committed operation's debt delta to the running shadow
// ledger for equivalent, netting it exactly the way store.ApplyDebtDelta
// nets the real row, and returns the resulting incremental checksum. As
// long as every debt-mutating commit calls Fold with the same delta it
// applied to storage, the shadow ledger and the real debt rows stay in
// lockstep and the incremental checksum equals BulkChecksum of the
// resulting state — RunAll's checkDrift is what verifies that holds.
func (c *Checker) Fold(equivalent, debtor, creditor string, delta decimal.Decimal) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ledger, ok := c.shadow[equivalent]
	if !ok {
		ledger = make(map[[2]string]decimal.Decimal)
		c.shadow[equivalent] = ledger
	}
	applyShadowDelta(ledger, debtor, creditor, delta)
	return hashShadow(ledger)
}

// applyShadowDelta mirrors store.ApplyDebtDelta's forward/reverse netting
// on an in-memory (debtor,creditor)->amount ledger instead of a durable
// row, keeping only the side left positive.
func applyShadowDelta(ledger map[[2]string]decimal.Decimal, debtor, creditor string, delta decimal.Decimal) {
	fwdKey := [2]string{debtor, creditor}
	revKey := [2]string{creditor, debtor}
	net := ledger[fwdKey].Sub(ledger[revKey]).Add(delta)
	delete(ledger, fwdKey)
	delete(ledger, revKey)
	if net.IsPositive() {
		ledger[fwdKey] = net
	} else if net.IsNegative() {
		ledger[revKey] = net.Neg()
	}
}

// snapshotDebts seeds a shadow ledger from a bulk-read debt list.
func snapshotDebts(debts []models.Debt) map[[2]string]decimal.Decimal {
	ledger := make(map[[2]string]decimal.Decimal, len(debts))
	for _, d := range debts {
		if d.Amount.IsPositive() {
			ledger[[2]string{d.Debtor, d.Creditor}] = d.Amount
		}
	}
	return ledger
}

// hashShadow computes the same checksum BulkChecksum would over the rows
// implied by a shadow ledger, so an unmodified ledger always hashes equal
// to a bulk read of the same state.
func hashShadow(ledger map[[2]string]decimal.Decimal) string {
	rows := make([]models.Debt, 0, len(ledger))
	for k, amt := range ledger {
		rows = append(rows, models.Debt{Debtor: k[0], Creditor: k[1], Amount: amt})
	}
	return BulkChecksum(rows)
}

// SaveCheckpoint persists the bulk checksum of debts alongside the
// aggregate total debt and row count. Nothing in this package reads
// checkpoints back; drift detection is checkDrift's comparison in RunAll.
func (c *Checker) SaveCheckpoint(ctx context.Context, equivalent string, debts []models.Debt) error {
	total := decimal.Zero
	for _, d := range debts {
		total = total.Add(d.Amount)
	}
	dbTx, err := c.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer dbTx.Rollback(ctx)

	if err := dbTx.SaveCheckpoint(ctx, &models.IntegrityCheckpoint{
		Equivalent: equivalent,
		Checksum:   BulkChecksum(debts),
		TotalDebt:  total,
		DebtCount:  len(debts),
		Timestamp:  time.Now(),
	}); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return dbTx.Commit(ctx)
}
