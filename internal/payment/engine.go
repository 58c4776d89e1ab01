// Package payment is the two-phase-commit payment engine: it routes a
// payment across the graph index, PREPAREs every edge the routes imply
// inside one serializable transaction, and either COMMITs or ABORTs all of
// them atomically. The lifecycle is a storage-backed state machine rather
// than an in-memory one, since payment state must survive a crash.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/config"
	"github.com/rawblock/credit-hub/internal/events"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/integrity"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/router"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

// Request is the inbound payment instruction.
type Request struct {
	Initiator      string
	Source         string
	Target         string
	Equivalent     string
	Amount         decimal.Decimal
	IdempotencyKey string
	RequestID      string
	Constraints    router.Constraints
}

// Result is what callers of Submit get back.
type Result struct {
	TxID   string
	State  models.TransactionState
	Routes []router.Route
}

// Engine orchestrates routing and 2PC commit for payments. It holds no
// mutable state of its own beyond its dependencies — every transaction's
// state lives in storage, so restarting the process just means Recover
// rebuilds from there.
type Engine struct {
	st      store.Store
	idx     *graph.Index
	bus     *events.Bus
	cfg     *config.HubConfig
	checker *integrity.Checker
}

// New builds a payment engine over the given storage, graph index, event
// bus, and config snapshot. All four are constructed once at startup and
// passed in explicitly rather than held as package-level globals.
func New(st store.Store, idx *graph.Index, bus *events.Bus, cfg *config.HubConfig) *Engine {
	return &Engine{st: st, idx: idx, bus: bus, cfg: cfg}
}

// SetChecker wires the integrity checker so every committed debt delta
// gets folded into its incremental checksum. Optional — without one,
// commit skips folding. Compensate does not use this checker; it folds
// into the checker passed to it directly.
func (e *Engine) SetChecker(checker *integrity.Checker) {
	e.checker = checker
}

// Submit runs the full routing + PREPARE + COMMIT pipeline for a new
// payment request, or replays the recorded outcome if IdempotencyKey has
// already been seen.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	overallCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if req.IdempotencyKey != "" {
		if res, err := e.replayIfKnown(overallCtx, req); res != nil || err != nil {
			return res, err
		}
	}

	locked, err := e.equivalentLocked(overallCtx, req.Equivalent)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, protocol.NewError(protocol.CodeIntegrityLocked, "equivalent "+req.Equivalent+" is locked pending integrity review", nil)
	}

	c := req.Constraints
	if c.Timeout == 0 {
		c.Timeout = 500 * time.Millisecond
	}
	plan, err := router.Route(overallCtx, e.idx, req.Equivalent, req.Source, req.Target, req.Amount, c)
	if err != nil {
		return nil, err
	}

	txID := uuid.NewString()
	now := time.Now()
	payload := map[string]any{
		"source":     req.Source,
		"target":     req.Target,
		"equivalent": req.Equivalent,
		"amount":     req.Amount.String(),
		"routes":     routesToPayload(plan.Routes),
	}
	tx := &models.Transaction{
		TxID:           txID,
		Type:           models.TxPayment,
		Initiator:      req.Initiator,
		Payload:        payload,
		State:          models.TxStateRouted,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := e.persistNew(overallCtx, tx); err != nil {
		return nil, err
	}

	prepareCtx, prepareCancel := context.WithTimeout(overallCtx, e.cfg.PrepareTimeout)
	defer prepareCancel()
	if err := e.prepare(prepareCtx, tx, plan.Routes, req.RequestID); err != nil {
		return &Result{TxID: txID, State: models.TxStateAborted, Routes: plan.Routes}, err
	}

	var commitErr error
	for attempt := 0; attempt <= 3; attempt++ {
		commitCtx, commitCancel := context.WithTimeout(overallCtx, e.cfg.CommitTimeout)
		commitErr = e.commit(commitCtx, tx, plan.Routes, req.RequestID)
		commitCancel()
		if commitErr == nil {
			break
		}
		if attempt == 3 {
			break
		}
	}
	if commitErr != nil {
		return e.handleStuckCommit(overallCtx, tx, plan.Routes, req.RequestID, commitErr)
	}

	return &Result{TxID: txID, State: models.TxStateCommitted, Routes: plan.Routes}, nil
}

// CompensationRequest describes an admin-authored direct debt adjustment:
// no routing and no PREPARE, since the initiator's signed admin authority
// substitutes for the usual trust-limit gate. Used to correct the state an
// integrity violation left behind and, on success, to lift the lock it
// caused.
type CompensationRequest struct {
	Initiator  string
	Debtor     string
	Creditor   string
	Equivalent string
	Delta      decimal.Decimal
	RequestID  string
}

// Compensate applies delta directly to the (Debtor, Creditor) debt row
// under admin authority, records a COMPENSATION transaction, refreshes the
// graph index, and re-runs checker's checks for Equivalent — unlocking it
// only if the correction left no violation behind. checker may be nil in
// tests that don't exercise the unlock path; Compensate still applies the
// delta, it just leaves any existing lock as-is.
func (e *Engine) Compensate(ctx context.Context, checker *integrity.Checker, req CompensationRequest) (*models.Transaction, error) {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin compensation: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	if _, err := dbTx.ApplyDebtDelta(ctx, req.Debtor, req.Creditor, req.Equivalent, req.Delta); err != nil {
		return nil, fmt.Errorf("apply compensation delta: %w", err)
	}

	now := time.Now()
	txID := uuid.NewString()
	tx := &models.Transaction{
		TxID:      txID,
		Type:      models.TxCompensation,
		Initiator: req.Initiator,
		Payload: map[string]any{
			"debtor": req.Debtor, "creditor": req.Creditor, "equivalent": req.Equivalent, "delta": req.Delta.String(),
		},
		State:     models.TxStateCommitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := dbTx.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("insert compensation transaction: %w", err)
	}
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventCompensationApplied,
		Timestamp: now,
		RequestID: req.RequestID,
		TxID:      txID,
		Actor:     req.Initiator,
		Payload:   map[string]any{"debtor": req.Debtor, "creditor": req.Creditor, "equivalent": req.Equivalent, "delta": req.Delta.String()},
	}); err != nil {
		return nil, fmt.Errorf("insert compensation event: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit compensation: %w", err)
	}
	committed = true

	refreshEdgeFromStore(ctx, e.st, e.idx, req.Equivalent, req.Debtor, req.Creditor)
	refreshEdgeFromStore(ctx, e.st, e.idx, req.Equivalent, req.Creditor, req.Debtor)
	if e.bus != nil {
		e.bus.Publish(models.Event{Type: models.EventCompensationApplied, TxID: txID, RequestID: req.RequestID, Timestamp: now})
	}

	if checker != nil {
		checker.Fold(req.Equivalent, req.Debtor, req.Creditor, req.Delta)
		report, err := checker.RunAll(ctx, req.Equivalent)
		if err != nil {
			return tx, fmt.Errorf("re-run integrity checks after compensation: %w", err)
		}
		if len(report.Violations) == 0 {
			if err := checker.Unlock(ctx, req.Equivalent); err != nil {
				return tx, fmt.Errorf("unlock after compensation: %w", err)
			}
		}
	}
	return tx, nil
}

func (e *Engine) replayIfKnown(ctx context.Context, req Request) (*Result, error) {
	tx, err := e.st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin replay lookup: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := tx.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if !sameRequest(existing, req) {
		return nil, protocol.NewError(protocol.CodeConflict, "idempotency key reused with a different payload", nil)
	}
	return &Result{TxID: existing.TxID, State: existing.State, Routes: routesFromPayload(existing.Payload)}, nil
}

func sameRequest(existing *models.Transaction, req Request) bool {
	src, _ := existing.Payload["source"].(string)
	tgt, _ := existing.Payload["target"].(string)
	eq, _ := existing.Payload["equivalent"].(string)
	amt, _ := existing.Payload["amount"].(string)
	return src == req.Source && tgt == req.Target && eq == req.Equivalent && amt == req.Amount.String()
}

// equivalentLocked reports whether the integrity checker has locked
// equivalent against further debt mutation.
func (e *Engine) equivalentLocked(ctx context.Context, equivalent string) (bool, error) {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin equivalent lock check: %w", err)
	}
	defer dbTx.Rollback(ctx)
	eq, err := dbTx.GetEquivalent(ctx, equivalent)
	if err != nil {
		return false, fmt.Errorf("lookup equivalent: %w", err)
	}
	return eq != nil && eq.Locked, nil
}

func (e *Engine) persistNew(ctx context.Context, tx *models.Transaction) error {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin persist: %w", err)
	}
	if err := dbTx.InsertTransaction(ctx, tx); err != nil {
		dbTx.Rollback(ctx)
		return fmt.Errorf("insert transaction: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit persist: %w", err)
	}
	return nil
}

// prepare acquires row locks and validates every edge implied by routes
// inside one serializable transaction, creating a PrepareLock per edge on
// success.
func (e *Engine) prepare(ctx context.Context, tx *models.Transaction, routes []router.Route, requestID string) error {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin prepare: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	equivalent := tx.Payload["equivalent"].(string)
	eq, err := dbTx.GetEquivalent(ctx, equivalent)
	if err != nil {
		return e.abortPrepare(ctx, dbTx, tx, requestID, "lookup equivalent failed: "+err.Error())
	}
	if eq != nil && eq.Locked {
		return e.abortPrepareWithCode(ctx, dbTx, tx, requestID, protocol.CodeIntegrityLocked, "equivalent "+equivalent+" is locked pending integrity review")
	}

	edges := edgesForRoutes(routes, equivalent)
	expiresAt := time.Now().Add(e.cfg.PrepareTimeout)

	for _, edge := range edges {
		line, err := dbTx.GetTrustLine(ctx, edge.creditor, edge.debtor, edge.equivalent)
		if err != nil {
			return e.abortPrepare(ctx, dbTx, tx, requestID, "lookup trust line failed: "+err.Error())
		}
		if line == nil || line.Status != models.TrustLineActive {
			return e.abortPrepare(ctx, dbTx, tx, requestID, "trust line not active for edge "+edge.debtor+"->"+edge.creditor)
		}
		if !line.Policy.CanBeIntermediate && edge.creditor != tx.Payload["target"].(string) {
			return e.abortPrepare(ctx, dbTx, tx, requestID, "intermediary does not permit routing")
		}
		for blocked := range stringSet(line.Policy.Blocked) {
			if blocked == edge.debtor {
				return e.abortPrepare(ctx, dbTx, tx, requestID, "sender blocked on edge "+edge.debtor+"->"+edge.creditor)
			}
		}

		debt, err := dbTx.LockDebtRow(ctx, edge.debtor, edge.creditor, edge.equivalent)
		if err != nil {
			return e.abortPrepare(ctx, dbTx, tx, requestID, "lock debt row failed: "+err.Error())
		}
		pending, err := dbTx.SumPendingLocks(ctx, edge.debtor, edge.creditor, edge.equivalent)
		if err != nil {
			return e.abortPrepare(ctx, dbTx, tx, requestID, "sum pending locks failed: "+err.Error())
		}

		// A breach from the static delta alone is a true trust-limit
		// violation; one that only appears once pending prepare
		// reservations are added is a capacity conflict with other
		// in-flight payments racing the same edge, not a limit breach.
		if debt.Amount.Add(edge.delta).GreaterThan(line.Limit) {
			return e.abortPrepareWithCode(ctx, dbTx, tx, requestID, protocol.CodeTrustLimitExceeded, "trust limit exceeded on edge "+edge.debtor+"->"+edge.creditor)
		}
		if debt.Amount.Add(edge.delta).Add(pending).GreaterThan(line.Limit) {
			return e.abortPrepareWithCode(ctx, dbTx, tx, requestID, protocol.CodeInsufficientCapacity, "pending prepare reservations exhaust capacity on edge "+edge.debtor+"->"+edge.creditor)
		}

		lock := &models.PrepareLock{
			TxID:          tx.TxID,
			ParticipantID: edge.creditor,
			Debtor:        edge.debtor,
			Creditor:      edge.creditor,
			Equivalent:    edge.equivalent,
			Delta:         edge.delta,
			ExpiresAt:     expiresAt,
			CreatedAt:     time.Now(),
		}
		if err := dbTx.CreatePrepareLock(ctx, lock); err != nil {
			return e.abortPrepare(ctx, dbTx, tx, requestID, "create prepare lock failed: "+err.Error())
		}
	}

	if err := dbTx.UpdateTransactionState(ctx, tx.TxID, models.TxStatePrepared); err != nil {
		return e.abortPrepare(ctx, dbTx, tx, requestID, "persist prepared state failed: "+err.Error())
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit prepare: %w", err)
	}
	committed = true
	tx.State = models.TxStatePrepared
	return nil
}

func (e *Engine) abortPrepare(ctx context.Context, dbTx store.Tx, tx *models.Transaction, requestID, reason string) error {
	return e.abortPrepareWithCode(ctx, dbTx, tx, requestID, protocol.CodeTrustLimitExceeded, reason)
}

func (e *Engine) abortPrepareWithCode(ctx context.Context, dbTx store.Tx, tx *models.Transaction, requestID string, code protocol.Code, reason string) error {
	_ = dbTx.DeletePrepareLocksForTx(ctx, tx.TxID)
	_ = dbTx.UpdateTransactionState(ctx, tx.TxID, models.TxStateAborted)
	_ = dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventPaymentAborted,
		Timestamp: time.Now(),
		RequestID: requestID,
		TxID:      tx.TxID,
		Actor:     tx.Initiator,
		Payload:   map[string]any{"reason": reason},
	})
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit abort: %w", err)
	}
	tx.State = models.TxStateAborted
	return protocol.NewError(code, reason, nil)
}

// commit applies every prepared edge's delta to the debt rows, deletes
// prepare-locks, and records the payment.committed event, all in one
// serializable transaction; once that commits, it refreshes the graph
// index for every touched edge.
func (e *Engine) commit(ctx context.Context, tx *models.Transaction, routes []router.Route, requestID string) error {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	equivalent := tx.Payload["equivalent"].(string)
	edges := edgesForRoutes(routes, equivalent)
	type updated struct {
		debtor, creditor string
		delta            decimal.Decimal
	}
	var touched []updated

	for _, edge := range edges {
		debt, err := dbTx.ApplyDebtDelta(ctx, edge.debtor, edge.creditor, edge.equivalent, edge.delta)
		if err != nil {
			return fmt.Errorf("apply debt delta: %w", err)
		}
		_ = debt
		touched = append(touched, updated{edge.debtor, edge.creditor, edge.delta})
	}
	if err := dbTx.DeletePrepareLocksForTx(ctx, tx.TxID); err != nil {
		return fmt.Errorf("delete prepare locks: %w", err)
	}
	if err := dbTx.UpdateTransactionState(ctx, tx.TxID, models.TxStateCommitted); err != nil {
		return fmt.Errorf("persist committed state: %w", err)
	}
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventPaymentCommitted,
		Timestamp: time.Now(),
		RequestID: requestID,
		TxID:      tx.TxID,
		Actor:     tx.Initiator,
		Payload:   map[string]any{"routes": routesToPayload(routes)},
	}); err != nil {
		return fmt.Errorf("insert commit event: %w", err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true

	for _, u := range touched {
		refreshEdgeFromStore(ctx, e.st, e.idx, equivalent, u.debtor, u.creditor)
		refreshEdgeFromStore(ctx, e.st, e.idx, equivalent, u.creditor, u.debtor)
		if e.checker != nil {
			e.checker.Fold(equivalent, u.debtor, u.creditor, u.delta)
		}
	}
	if e.bus != nil {
		e.bus.Publish(models.Event{Type: models.EventPaymentCommitted, TxID: tx.TxID, RequestID: requestID, Timestamp: time.Now()})
	}
	tx.State = models.TxStateCommitted
	return nil
}

// handleStuckCommit is reached when PREPARE succeeded but COMMIT still
// failed after Submit's first attempt and three retries. It does not wait
// for the prepare-locks to expire: it deletes them at once, marks the
// transaction ABORTED and records an inconsistency candidate for a human
// to reconcile.
func (e *Engine) handleStuckCommit(ctx context.Context, tx *models.Transaction, routes []router.Route, requestID string, cause error) (*Result, error) {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin inconsistency handling: %w", err)
	}
	defer dbTx.Rollback(ctx)

	_ = dbTx.DeletePrepareLocksForTx(ctx, tx.TxID)
	_ = dbTx.UpdateTransactionState(ctx, tx.TxID, models.TxStateAborted)
	_ = dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventPaymentInconsistencyCandidate,
		Timestamp: time.Now(),
		RequestID: requestID,
		TxID:      tx.TxID,
		Actor:     tx.Initiator,
		Payload:   map[string]any{"cause": cause.Error()},
	})
	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit inconsistency handling: %w", err)
	}
	return &Result{TxID: tx.TxID, State: models.TxStateAborted, Routes: routes}, protocol.NewError(protocol.CodeStateConflict, "commit could not be confirmed before locks expired; marked for manual reconciliation", nil)
}

// Recover scans for transactions stuck in PREPARING/PREPARED whose
// prepare-locks have already expired and aborts them, releasing their
// locks. Intended to run once at startup and periodically thereafter
// alongside the lock-expiry sweep.
func (e *Engine) Recover(ctx context.Context) error {
	dbTx, err := e.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin recovery: %w", err)
	}
	defer dbTx.Rollback(ctx)

	expired, err := dbTx.SweepExpiredLocks(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("sweep expired locks: %w", err)
	}
	seen := map[string]bool{}
	for _, lock := range expired {
		if seen[lock.TxID] {
			continue
		}
		seen[lock.TxID] = true
		if err := dbTx.DeletePrepareLocksForTx(ctx, lock.TxID); err != nil {
			return fmt.Errorf("delete expired locks for %s: %w", lock.TxID, err)
		}
		if err := dbTx.UpdateTransactionState(ctx, lock.TxID, models.TxStateAborted); err != nil {
			return fmt.Errorf("abort expired tx %s: %w", lock.TxID, err)
		}
		_ = dbTx.InsertEvent(ctx, &models.Event{
			EventID:   uuid.NewString(),
			Type:      models.EventPaymentAborted,
			Timestamp: time.Now(),
			TxID:      lock.TxID,
			Payload:   map[string]any{"reason": "prepare lock expired before commit"},
		})
	}
	return dbTx.Commit(ctx)
}

// refreshEdgeFromStore re-reads the debt edge from->to (from owes to) and
// the trust line that governs it — the one to extends to from — and writes
// both back into the graph index.
func refreshEdgeFromStore(ctx context.Context, st store.Store, idx *graph.Index, equivalent, from, to string) {
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

type edgeDelta struct {
	debtor, creditor, equivalent string
	delta                        decimal.Decimal
}

// edgesForRoutes flattens a route set into the per-edge debt deltas it
// implies: each hop u->v on a route of amount A increases debt[u,v,E] by A.
func edgesForRoutes(routes []router.Route, equivalent string) []edgeDelta {
	totals := map[[2]string]decimal.Decimal{}
	order := [][2]string{}
	for _, r := range routes {
		for i := 0; i+1 < len(r.Path); i++ {
			key := [2]string{r.Path[i], r.Path[i+1]}
			if _, ok := totals[key]; !ok {
				order = append(order, key)
			}
			totals[key] = totals[key].Add(r.Amount)
		}
	}
	out := make([]edgeDelta, 0, len(order))
	for _, key := range order {
		out = append(out, edgeDelta{debtor: key[0], creditor: key[1], equivalent: equivalent, delta: totals[key]})
	}
	return out
}

func stringSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

func routesToPayload(routes []router.Route) []map[string]any {
	out := make([]map[string]any, 0, len(routes))
	for _, r := range routes {
		out = append(out, map[string]any{"path": r.Path, "amount": r.Amount.String()})
	}
	return out
}

func routesFromPayload(payload map[string]any) []router.Route {
	raw, ok := payload["routes"].([]map[string]any)
	if !ok {
		return nil
	}
	out := make([]router.Route, 0, len(raw))
	for _, r := range raw {
		pathRaw, _ := r["path"].([]string)
		amtRaw, _ := r["amount"].(string)
		amt, _ := decimal.NewFromString(amtRaw)
		out = append(out, router.Route{Path: pathRaw, Amount: amt})
	}
	return out
}
