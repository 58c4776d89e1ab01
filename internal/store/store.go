// Package store is the transactional persistence contract the engines
// depend on: serializable transactions, row-level locking on
// (debtor,creditor,equivalent) and (tx_id), idempotent debt upserts with
// same-transaction netting, and the lock-expiry sweep. internal/store is
// the hub's only owner of this state; the graph index keeps a read-through
// copy (internal/graph) that is updated inside the same logical
// transaction, never independently.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/pkg/models"
)

// Store is the contract the payment, clearing, and integrity engines use.
// The only production implementation shipped here is the pgx-backed
// PostgresStore; the interface exists so engines can be unit tested against
// an in-memory fake without dragging in a live database (see
// internal/store/memstore.go, used across internal/payment,
// internal/clearing, internal/integrity, and internal/trustline tests).
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close()
}

// Tx is a single serializable transactional scope. Every debt- or
// trust-line-mutating engine operation runs inside one Tx and either
// Commits or Rolls back before returning — partial work is never
// observable.
type Tx interface {
	// Participants
	GetParticipant(ctx context.Context, pid string) (*models.Participant, error)
	UpsertParticipant(ctx context.Context, p *models.Participant) error

	// Equivalents
	GetEquivalent(ctx context.Context, code string) (*models.Equivalent, error)
	UpsertEquivalent(ctx context.Context, e *models.Equivalent) error
	SetEquivalentLocked(ctx context.Context, code string, locked bool) error

	// Trust lines
	GetTrustLine(ctx context.Context, from, to, equivalent string) (*models.TrustLine, error)
	UpsertTrustLine(ctx context.Context, tl *models.TrustLine) error
	CloseTrustLine(ctx context.Context, from, to, equivalent string) error
	ListTrustLinesFrom(ctx context.Context, from, equivalent string) ([]models.TrustLine, error)
	ListTrustLinesForEquivalent(ctx context.Context, equivalent string) ([]models.TrustLine, error)

	// Debts — LockDebtRow takes the row lock callers must acquire, in
	// (equivalent, debtor, creditor) order, before reading or mutating.
	LockDebtRow(ctx context.Context, debtor, creditor, equivalent string) (*models.Debt, error)
	ApplyDebtDelta(ctx context.Context, debtor, creditor, equivalent string, delta decimal.Decimal) (*models.Debt, error)
	ListDebtsForEquivalent(ctx context.Context, equivalent string) ([]models.Debt, error)

	// Transactions
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	UpdateTransactionState(ctx context.Context, txID string, state models.TransactionState) error
	GetTransaction(ctx context.Context, txID string) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)

	// Prepare locks
	CreatePrepareLock(ctx context.Context, l *models.PrepareLock) error
	DeletePrepareLocksForTx(ctx context.Context, txID string) error
	SumPendingLocks(ctx context.Context, debtor, creditor, equivalent string) (decimal.Decimal, error)
	SweepExpiredLocks(ctx context.Context, now time.Time) ([]models.PrepareLock, error)

	// Integrity
	SaveCheckpoint(ctx context.Context, c *models.IntegrityCheckpoint) error
	InsertViolation(ctx context.Context, v *models.IntegrityViolation) error

	// Events — always inserted in the same Tx as the mutation that caused them.
	InsertEvent(ctx context.Context, e *models.Event) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
