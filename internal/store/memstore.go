package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/pkg/models"
)

// MemStore is an in-memory Store used to unit-test the payment, clearing,
// trust-line, and integrity engines without a live database — the fake
// the store.go doc comment promises, so business logic can be exercised
// against a lightweight stand-in rather than a live connection in every
// package's tests.
type MemStore struct {
	mu sync.Mutex

	participants map[string]models.Participant
	equivalents  map[string]models.Equivalent
	trustLines   map[[3]string]models.TrustLine // from,to,equivalent
	debts        map[[3]string]models.Debt       // debtor,creditor,equivalent
	transactions map[string]models.Transaction
	byIdemKey    map[string]string // idempotency key -> txID
	locks        map[string]models.PrepareLock // txID|participantID|debtor|creditor
	checkpoints  []models.IntegrityCheckpoint
	violations   []models.IntegrityViolation
	events       []models.Event
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		participants: make(map[string]models.Participant),
		equivalents:  make(map[string]models.Equivalent),
		trustLines:   make(map[[3]string]models.TrustLine),
		debts:        make(map[[3]string]models.Debt),
		transactions: make(map[string]models.Transaction),
		byIdemKey:    make(map[string]string),
		locks:        make(map[string]models.PrepareLock),
	}
}

// Begin returns a transactional view over the same underlying maps, guarded
// by the single store-wide mutex for the transaction's lifetime — a coarser
// serialization than Postgres's row-level locking, but sufficient to give
// engine tests the same all-or-nothing commit semantics.
func (m *MemStore) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	return &memTx{store: m, committed: false}, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() {}

type memTx struct {
	store     *MemStore
	committed bool
	done      bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if !t.done {
		t.committed = true
		t.done = true
		t.store.mu.Unlock()
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if !t.done {
		t.done = true
		t.store.mu.Unlock()
	}
	return nil
}

func (t *memTx) GetParticipant(ctx context.Context, pid string) (*models.Participant, error) {
	p, ok := t.store.participants[pid]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	t.store.participants[p.PID] = *p
	return nil
}

func (t *memTx) GetEquivalent(ctx context.Context, code string) (*models.Equivalent, error) {
	e, ok := t.store.equivalents[code]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) UpsertEquivalent(ctx context.Context, e *models.Equivalent) error {
	t.store.equivalents[e.Code] = *e
	return nil
}

func (t *memTx) SetEquivalentLocked(ctx context.Context, code string, locked bool) error {
	e, ok := t.store.equivalents[code]
	if !ok {
		e = models.Equivalent{Code: code}
	}
	e.Locked = locked
	t.store.equivalents[code] = e
	return nil
}

func (t *memTx) GetTrustLine(ctx context.Context, from, to, equivalent string) (*models.TrustLine, error) {
	tl, ok := t.store.trustLines[[3]string{from, to, equivalent}]
	if !ok {
		return nil, nil
	}
	return &tl, nil
}

func (t *memTx) UpsertTrustLine(ctx context.Context, tl *models.TrustLine) error {
	t.store.trustLines[[3]string{tl.From, tl.To, tl.Equivalent}] = *tl
	return nil
}

func (t *memTx) CloseTrustLine(ctx context.Context, from, to, equivalent string) error {
	key := [3]string{from, to, equivalent}
	tl, ok := t.store.trustLines[key]
	if !ok {
		return nil
	}
	tl.Status = models.TrustLineClosed
	tl.UpdatedAt = time.Now()
	t.store.trustLines[key] = tl
	return nil
}

func (t *memTx) ListTrustLinesFrom(ctx context.Context, from, equivalent string) ([]models.TrustLine, error) {
	var out []models.TrustLine
	for k, tl := range t.store.trustLines {
		if k[0] == from && k[2] == equivalent {
			out = append(out, tl)
		}
	}
	return out, nil
}

func (t *memTx) ListTrustLinesForEquivalent(ctx context.Context, equivalent string) ([]models.TrustLine, error) {
	var out []models.TrustLine
	for k, tl := range t.store.trustLines {
		if k[2] == equivalent {
			out = append(out, tl)
		}
	}
	return out, nil
}

func (t *memTx) LockDebtRow(ctx context.Context, debtor, creditor, equivalent string) (*models.Debt, error) {
	d, ok := t.store.debts[[3]string{debtor, creditor, equivalent}]
	if !ok {
		return &models.Debt{Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Amount: decimal.Zero}, nil
	}
	return &d, nil
}

// ApplyDebtDelta nets the forward and reverse rows to at most one nonzero
// direction, mirroring PostgresStore.ApplyDebtDelta's symmetry invariant.
func (t *memTx) ApplyDebtDelta(ctx context.Context, debtor, creditor, equivalent string, delta decimal.Decimal) (*models.Debt, error) {
	fwdKey := [3]string{debtor, creditor, equivalent}
	revKey := [3]string{creditor, debtor, equivalent}

	fwd := t.store.debts[fwdKey].Amount
	rev := t.store.debts[revKey].Amount

	net := fwd.Sub(rev).Add(delta)
	delete(t.store.debts, fwdKey)
	delete(t.store.debts, revKey)

	now := time.Now()
	var result models.Debt
	if net.IsPositive() {
		result = models.Debt{Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Amount: net, UpdatedAt: now}
		t.store.debts[fwdKey] = result
	} else if net.IsNegative() {
		result = models.Debt{Debtor: creditor, Creditor: debtor, Equivalent: equivalent, Amount: net.Neg(), UpdatedAt: now}
		t.store.debts[revKey] = result
	} else {
		result = models.Debt{Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Amount: decimal.Zero, UpdatedAt: now}
	}
	return &result, nil
}

func (t *memTx) ListDebtsForEquivalent(ctx context.Context, equivalent string) ([]models.Debt, error) {
	var out []models.Debt
	for k, d := range t.store.debts {
		if k[2] == equivalent && d.Amount.IsPositive() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (t *memTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	t.store.transactions[tx.TxID] = *tx
	if tx.IdempotencyKey != "" {
		t.store.byIdemKey[tx.IdempotencyKey] = tx.TxID
	}
	return nil
}

func (t *memTx) UpdateTransactionState(ctx context.Context, txID string, state models.TransactionState) error {
	tx, ok := t.store.transactions[txID]
	if !ok {
		return nil
	}
	tx.State = state
	tx.UpdatedAt = time.Now()
	t.store.transactions[txID] = tx
	return nil
}

func (t *memTx) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	tx, ok := t.store.transactions[txID]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (t *memTx) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	txID, ok := t.store.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	tx := t.store.transactions[txID]
	return &tx, nil
}

func lockKey(l *models.PrepareLock) string {
	return l.TxID + "|" + l.ParticipantID + "|" + l.Debtor + "|" + l.Creditor
}

func (t *memTx) CreatePrepareLock(ctx context.Context, l *models.PrepareLock) error {
	t.store.locks[lockKey(l)] = *l
	return nil
}

func (t *memTx) DeletePrepareLocksForTx(ctx context.Context, txID string) error {
	for k, l := range t.store.locks {
		if l.TxID == txID {
			delete(t.store.locks, k)
		}
	}
	return nil
}

func (t *memTx) SumPendingLocks(ctx context.Context, debtor, creditor, equivalent string) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, l := range t.store.locks {
		if l.Debtor == debtor && l.Creditor == creditor && l.Equivalent == equivalent {
			sum = sum.Add(l.Delta)
		}
	}
	return sum, nil
}

func (t *memTx) SweepExpiredLocks(ctx context.Context, now time.Time) ([]models.PrepareLock, error) {
	var out []models.PrepareLock
	for _, l := range t.store.locks {
		if l.ExpiresAt.Before(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memTx) SaveCheckpoint(ctx context.Context, c *models.IntegrityCheckpoint) error {
	t.store.checkpoints = append(t.store.checkpoints, *c)
	return nil
}

func (t *memTx) InsertViolation(ctx context.Context, v *models.IntegrityViolation) error {
	t.store.violations = append(t.store.violations, *v)
	return nil
}

func (t *memTx) InsertEvent(ctx context.Context, e *models.Event) error {
	t.store.events = append(t.store.events, *e)
	return nil
}
