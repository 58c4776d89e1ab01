// Package models holds the data model shared by every engine: participants,
// equivalents, trust lines, debts, transactions, prepare-locks and
// integrity checkpoints. Storage and the graph index both read and write
// these types; nothing here owns persistence.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParticipantStatus is the lifecycle state of a Participant.
type ParticipantStatus string

const (
	ParticipantActive    ParticipantStatus = "active"
	ParticipantSuspended ParticipantStatus = "suspended"
	ParticipantLeft      ParticipantStatus = "left"
	ParticipantDeleted   ParticipantStatus = "deleted"
)

// Participant is a hub member identified by the base58-of-sha256 of its
// Ed25519 public key (see internal/crypto). Never physically deleted —
// status transitions to ParticipantDeleted and the profile is anonymized.
type Participant struct {
	PID               string            `json:"pid"`
	PublicKey         []byte            `json:"publicKey"`
	Status            ParticipantStatus `json:"status"`
	VerificationLevel int               `json:"verificationLevel"` // 0..3
	Profile           map[string]any    `json:"profile,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// EquivalentType classifies the unit of account an Equivalent represents.
type EquivalentType string

const (
	EquivalentFiat      EquivalentType = "fiat"
	EquivalentTime      EquivalentType = "time"
	EquivalentCommodity EquivalentType = "commodity"
	EquivalentCustom    EquivalentType = "custom"
)

// Equivalent is a unit of account. Immutable after creation except for
// Active, which deactivation flips to false.
type Equivalent struct {
	Code      string         `json:"code"` // 1-16 chars, [A-Z0-9_], unique
	Precision int            `json:"precision"` // 0..8
	Type      EquivalentType `json:"type"`
	Active    bool           `json:"active"`
	Locked    bool           `json:"locked"` // set by the integrity checker on violation
	CreatedAt time.Time      `json:"createdAt"`
}

// TrustLineStatus is the lifecycle state of a TrustLine.
type TrustLineStatus string

const (
	TrustLineActive TrustLineStatus = "active"
	TrustLineFrozen TrustLineStatus = "frozen"
	TrustLineClosed TrustLineStatus = "closed"
)

// TrustLinePolicy governs how a trust line may be used for routing and
// clearing. DailyLimit is accepted and stored but not enforced in this
// version (see SPEC_FULL.md §9, Open Question b).
type TrustLinePolicy struct {
	AutoClearing      bool     `json:"autoClearing"`
	CanBeIntermediate bool     `json:"canBeIntermediate"`
	Blocked           []string `json:"blocked,omitempty"` // PIDs this line refuses as sender
	DailyLimit        *decimal.Decimal `json:"dailyLimit,omitempty"`
}

// TrustLine is a directed credit ceiling: From extends credit to To.
// Invariant: at most one active line per (From, To, Equivalent) triple.
type TrustLine struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Equivalent string          `json:"equivalent"`
	Limit      decimal.Decimal `json:"limit"` // >= 0
	Policy     TrustLinePolicy `json:"policy"`
	Status     TrustLineStatus `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Debt is the current obligation Debtor owes Creditor in Equivalent.
// Invariant: at most one row per (Debtor, Creditor, Equivalent); rows with
// Amount == 0 are deleted rather than stored.
type Debt struct {
	Debtor     string          `json:"debtor"`
	Creditor   string          `json:"creditor"`
	Equivalent string          `json:"equivalent"`
	Amount     decimal.Decimal `json:"amount"` // > 0
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// TransactionType enumerates the kinds of transaction the hub appends.
type TransactionType string

const (
	TxTrustLineCreate TransactionType = "TRUST_LINE_CREATE"
	TxTrustLineUpdate TransactionType = "TRUST_LINE_UPDATE"
	TxTrustLineClose  TransactionType = "TRUST_LINE_CLOSE"
	TxPayment         TransactionType = "PAYMENT"
	TxClearing        TransactionType = "CLEARING"
	TxCompensation    TransactionType = "COMPENSATION"
)

// TransactionState is the lifecycle state of a Transaction.
type TransactionState string

const (
	TxStateNew       TransactionState = "NEW"
	TxStateRouted    TransactionState = "ROUTED"
	TxStatePreparing TransactionState = "PREPARING"
	TxStatePrepared  TransactionState = "PREPARED"
	TxStateCommitted TransactionState = "COMMITTED"
	TxStateAborted   TransactionState = "ABORTED"
	TxStateProposed  TransactionState = "PROPOSED"
	TxStateWaiting   TransactionState = "WAITING"
	TxStateRejected  TransactionState = "REJECTED"
)

// Signature is one signer's authorization over a Transaction's payload.
type Signature struct {
	Signer string `json:"signer"` // PID
	Value  []byte `json:"value"`  // Ed25519 signature bytes
}

// Transaction is the append-only record of every state-mutating request.
// History is immutable; corrections happen only via new COMPENSATION rows.
type Transaction struct {
	TxID          string           `json:"txId"` // UUID
	Type          TransactionType  `json:"type"`
	Initiator     string           `json:"initiator"` // PID
	Payload       map[string]any   `json:"payload"`
	Signatures    []Signature      `json:"signatures"`
	State         TransactionState `json:"state"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// PrepareLock is a reservation created during PREPARE and removed on
// COMMIT, ABORT, or expiration. The Delta is the signed amount that will
// be applied to the (Debtor, Creditor, Equivalent) debt row on COMMIT.
type PrepareLock struct {
	TxID          string          `json:"txId"`
	ParticipantID string          `json:"participantId"`
	Debtor        string          `json:"debtor"`
	Creditor      string          `json:"creditor"`
	Equivalent    string          `json:"equivalent"`
	Delta         decimal.Decimal `json:"delta"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// IntegrityCheckpoint is a periodic snapshot of an equivalent's aggregate
// state: its bulk debt checksum, total debt and debt row count.
type IntegrityCheckpoint struct {
	Equivalent string          `json:"equivalent"`
	Checksum   string          `json:"checksum"` // hex SHA-256
	TotalDebt  decimal.Decimal `json:"totalDebt"`
	DebtCount  int             `json:"debtCount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IntegrityViolation records a single failed invariant check. Recording one
// locks the equivalent for further debt-mutating operations.
type IntegrityViolation struct {
	ID         string    `json:"id"`
	Equivalent string    `json:"equivalent"`
	Check      string    `json:"check"` // "zero_sum" | "trust_limit" | "debt_symmetry" | "checksum_drift"
	Severity   string    `json:"severity"` // "warning" | "critical"
	Details    string    `json:"details"`
	DetectedAt time.Time `json:"detectedAt"`
}

// Route is one leg of a payment: a path of PIDs through which Amount is
// transferred, source first and destination last.
type Route struct {
	Path   []string        `json:"path"`
	Amount decimal.Decimal `json:"amount"`
}

// Cycle is a closed sequence of debt edges the clearing engine offsets.
// Members[0] == Members[len-1].
type Cycle struct {
	Members []string        `json:"members"`
	Amount  decimal.Decimal `json:"amount"` // S, the minimum edge amount
	Equivalent string       `json:"equivalent"`
}

// EventType enumerates the domain event types emitted onto the event bus.
type EventType string

const (
	EventParticipantCreated  EventType = "participant.created"
	EventParticipantFrozen   EventType = "participant.frozen"
	EventParticipantUnfrozen EventType = "participant.unfrozen"
	EventTrustLineCreated    EventType = "trustline.created"
	EventTrustLineUpdated    EventType = "trustline.updated"
	EventTrustLineClosed     EventType = "trustline.closed"
	EventPaymentCommitted    EventType = "payment.committed"
	EventPaymentAborted      EventType = "payment.aborted"
	EventPaymentInconsistencyCandidate EventType = "payment.inconsistency_candidate"
	EventClearingExecuted    EventType = "clearing.executed"
	EventClearingProposed    EventType = "clearing.proposed"
	EventClearingSkipped     EventType = "clearing.skipped"
	EventIntegrityViolation  EventType = "integrity.violation"
	EventIntegrityUnlocked   EventType = "integrity.unlocked"
	EventCompensationApplied EventType = "compensation.applied"
	EventConfigChanged       EventType = "config.changed"
)

// Event is the append-only audit record. Emission happens in the same
// storage transaction as the mutation that caused it, so no event is ever
// lost to a crash between mutation and emission.
type Event struct {
	EventID    string         `json:"eventId"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId,omitempty"`
	ScenarioID string         `json:"scenarioId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	TxID       string         `json:"txId,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}
