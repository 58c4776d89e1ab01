// Package trustline handles the trust-line lifecycle — create, update,
// close — which touches the debt graph only to lock and read the single
// debt row a limit change or close is checked against, so it gets its own
// thin manager rather than living in internal/payment. Grounded on the same storage-transaction-plus-event
// shape as internal/payment.Engine and internal/clearing.Engine
// (SPEC_FULL.md §4.2-§4.4).
package trustline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/events"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/pkg/models"
)

// Manager owns trust-line creation, update, and closure.
type Manager struct {
	st  store.Store
	idx *graph.Index
	bus *events.Bus
}

// New builds a trust-line manager over shared storage, graph index, and
// event bus.
func New(st store.Store, idx *graph.Index, bus *events.Bus) *Manager {
	return &Manager{st: st, idx: idx, bus: bus}
}

// CreateRequest describes a new trust line: From extends credit to To.
type CreateRequest struct {
	From       string
	To         string
	Equivalent string
	Limit      decimal.Decimal
	Policy     models.TrustLinePolicy
	Initiator  string
	RequestID  string
}

// Create opens a new trust line. Invariant: at most one active line per
// (From, To, Equivalent) — Create rejects the request if one already
// exists rather than silently overwriting it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.TrustLine, error) {
	if req.Limit.IsNegative() {
		return nil, protocol.NewError(protocol.CodeValidationError, "trust line limit must be >= 0", nil)
	}

	dbTx, err := m.st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin trust line create: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	existing, err := dbTx.GetTrustLine(ctx, req.From, req.To, req.Equivalent)
	if err != nil {
		return nil, fmt.Errorf("lookup existing trust line: %w", err)
	}
	if existing != nil && existing.Status == models.TrustLineActive {
		return nil, protocol.NewError(protocol.CodeConflict, "an active trust line already exists for this pair", map[string]any{
			"from": req.From, "to": req.To, "equivalent": req.Equivalent,
		})
	}

	now := time.Now()
	line := &models.TrustLine{
		From:       req.From,
		To:         req.To,
		Equivalent: req.Equivalent,
		Limit:      req.Limit,
		Policy:     req.Policy,
		Status:     models.TrustLineActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := dbTx.UpsertTrustLine(ctx, line); err != nil {
		return nil, fmt.Errorf("upsert trust line: %w", err)
	}

	txID := uuid.NewString()
	if err := dbTx.InsertTransaction(ctx, &models.Transaction{
		TxID:      txID,
		Type:      models.TxTrustLineCreate,
		Initiator: req.Initiator,
		Payload:   map[string]any{"from": req.From, "to": req.To, "equivalent": req.Equivalent, "limit": req.Limit.String()},
		State:     models.TxStateCommitted,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("insert trust line transaction: %w", err)
	}
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventTrustLineCreated,
		Timestamp: now,
		RequestID: req.RequestID,
		TxID:      txID,
		Actor:     req.Initiator,
		Payload:   map[string]any{"from": req.From, "to": req.To, "equivalent": req.Equivalent},
	}); err != nil {
		return nil, fmt.Errorf("insert trust line event: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trust line create: %w", err)
	}
	committed = true

	m.refreshEdge(ctx, req.From, req.To, req.Equivalent)
	if m.bus != nil {
		m.bus.Publish(models.Event{Type: models.EventTrustLineCreated, TxID: txID, RequestID: req.RequestID, Timestamp: now})
	}
	return line, nil
}

// UpdateRequest describes a mutation to an existing active trust line.
// NewLimit may only shrink below the line's current outstanding debt if
// AllowBelowOutstanding is set — otherwise that attempt is rejected.
type UpdateRequest struct {
	From                  string
	To                    string
	Equivalent            string
	NewLimit              *decimal.Decimal
	NewPolicy             *models.TrustLinePolicy
	AllowBelowOutstanding bool
	Initiator             string
	RequestID             string
}

// Update changes an active trust line's limit and/or policy in place.
func (m *Manager) Update(ctx context.Context, req UpdateRequest) (*models.TrustLine, error) {
	dbTx, err := m.st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin trust line update: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	line, err := dbTx.GetTrustLine(ctx, req.From, req.To, req.Equivalent)
	if err != nil {
		return nil, fmt.Errorf("lookup trust line: %w", err)
	}
	if line == nil || line.Status != models.TrustLineActive {
		return nil, protocol.NewError(protocol.CodeTrustLineNotActive, "no active trust line for this pair", nil)
	}

	if req.NewLimit != nil {
		if req.NewLimit.IsNegative() {
			return nil, protocol.NewError(protocol.CodeValidationError, "trust line limit must be >= 0", nil)
		}
		debt, err := dbTx.LockDebtRow(ctx, req.To, req.From, req.Equivalent)
		if err != nil {
			return nil, fmt.Errorf("lock debt row for limit check: %w", err)
		}
		if req.NewLimit.LessThan(debt.Amount) && !req.AllowBelowOutstanding {
			return nil, protocol.NewError(protocol.CodeValidationError, "new limit is below current outstanding debt", map[string]any{
				"newLimit": req.NewLimit.String(), "outstanding": debt.Amount.String(),
			})
		}
		line.Limit = *req.NewLimit
	}
	if req.NewPolicy != nil {
		line.Policy = *req.NewPolicy
	}
	line.UpdatedAt = time.Now()

	if err := dbTx.UpsertTrustLine(ctx, line); err != nil {
		return nil, fmt.Errorf("upsert updated trust line: %w", err)
	}

	txID := uuid.NewString()
	if err := dbTx.InsertTransaction(ctx, &models.Transaction{
		TxID:      txID,
		Type:      models.TxTrustLineUpdate,
		Initiator: req.Initiator,
		Payload:   map[string]any{"from": req.From, "to": req.To, "equivalent": req.Equivalent, "limit": line.Limit.String()},
		State:     models.TxStateCommitted,
		CreatedAt: line.UpdatedAt,
		UpdatedAt: line.UpdatedAt,
	}); err != nil {
		return nil, fmt.Errorf("insert trust line update transaction: %w", err)
	}
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventTrustLineUpdated,
		Timestamp: line.UpdatedAt,
		RequestID: req.RequestID,
		TxID:      txID,
		Actor:     req.Initiator,
		Payload:   map[string]any{"from": req.From, "to": req.To, "equivalent": req.Equivalent},
	}); err != nil {
		return nil, fmt.Errorf("insert trust line update event: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit trust line update: %w", err)
	}
	committed = true

	m.refreshEdge(ctx, req.From, req.To, req.Equivalent)
	if m.bus != nil {
		m.bus.Publish(models.Event{Type: models.EventTrustLineUpdated, TxID: txID, RequestID: req.RequestID, Timestamp: line.UpdatedAt})
	}
	return line, nil
}

// Close retires an active trust line. Refuses to close while outstanding
// debt remains on it — the debt must clear or be paid down first; closing
// otherwise would strand a counterparty's claim with no line to enforce
// it against.
func (m *Manager) Close(ctx context.Context, from, to, equivalent, initiator, requestID string) error {
	dbTx, err := m.st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trust line close: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			dbTx.Rollback(ctx)
		}
	}()

	line, err := dbTx.GetTrustLine(ctx, from, to, equivalent)
	if err != nil {
		return fmt.Errorf("lookup trust line: %w", err)
	}
	if line == nil || line.Status != models.TrustLineActive {
		return protocol.NewError(protocol.CodeTrustLineNotActive, "no active trust line for this pair", nil)
	}
	debt, err := dbTx.LockDebtRow(ctx, to, from, equivalent)
	if err != nil {
		return fmt.Errorf("lock debt row for close check: %w", err)
	}
	if debt.Amount.IsPositive() {
		return protocol.NewError(protocol.CodeStateConflict, "cannot close a trust line with outstanding debt", map[string]any{
			"outstanding": debt.Amount.String(),
		})
	}

	if err := dbTx.CloseTrustLine(ctx, from, to, equivalent); err != nil {
		return fmt.Errorf("close trust line: %w", err)
	}

	now := time.Now()
	txID := uuid.NewString()
	if err := dbTx.InsertTransaction(ctx, &models.Transaction{
		TxID:      txID,
		Type:      models.TxTrustLineClose,
		Initiator: initiator,
		Payload:   map[string]any{"from": from, "to": to, "equivalent": equivalent},
		State:     models.TxStateCommitted,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert trust line close transaction: %w", err)
	}
	if err := dbTx.InsertEvent(ctx, &models.Event{
		EventID:   uuid.NewString(),
		Type:      models.EventTrustLineClosed,
		Timestamp: now,
		RequestID: requestID,
		TxID:      txID,
		Actor:     initiator,
		Payload:   map[string]any{"from": from, "to": to, "equivalent": equivalent},
	}); err != nil {
		return fmt.Errorf("insert trust line close event: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit trust line close: %w", err)
	}
	committed = true

	m.idx.RemoveEdge(equivalent, to, from)
	if m.bus != nil {
		m.bus.Publish(models.Event{Type: models.EventTrustLineClosed, TxID: txID, RequestID: requestID, Timestamp: now})
	}
	return nil
}

// refreshEdge takes the trust line's own (From, To) — from extends credit
// to to — and writes the debt edge it governs into the graph index. That
// debt edge runs the other way: to, the trustee, is the one who can owe
// from, the truster.
func (m *Manager) refreshEdge(ctx context.Context, from, to, equivalent string) {
	dbTx, err := m.st.Begin(ctx)
	if err != nil {
		return
	}
	defer dbTx.Rollback(ctx)
	line, err := dbTx.GetTrustLine(ctx, from, to, equivalent)
	if err != nil || line == nil {
		return
	}
	debt, err := dbTx.LockDebtRow(ctx, to, from, equivalent)
	if err != nil {
		return
	}
	m.idx.SetEdge(equivalent, to, from, line.Limit, debt.Amount, line.Policy.CanBeIntermediate, line.Policy.Blocked)
}
