package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the pgx-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect opens the pool and verifies connectivity with a Ping.
func Connect(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("Successfully connected to PostgreSQL for the credit hub")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema applies the embedded schema. Idempotent via IF NOT EXISTS.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("Credit hub schema initialized")
	return nil
}

// Begin opens a new serializable transaction with deterministic row-lock
// ordering left to the caller (equivalent asc, then pair asc).
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	pgxTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin serializable tx: %w", err)
	}
	return &pgTx{tx: pgxTx}, nil
}

// pgTx adapts a pgx.Tx to the Tx interface.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *pgTx) GetParticipant(ctx context.Context, pid string) (*models.Participant, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT pid, public_key, status, verification_level, profile, created_at, updated_at
		FROM participants WHERE pid = $1`, pid)
	var p models.Participant
	var profileRaw []byte
	if err := row.Scan(&p.PID, &p.PublicKey, &p.Status, &p.VerificationLevel, &profileRaw, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(profileRaw) > 0 {
		_ = json.Unmarshal(profileRaw, &p.Profile)
	}
	return &p, nil
}

func (t *pgTx) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	profileRaw, err := json.Marshal(p.Profile)
	if err != nil {
		return fmt.Errorf("marshal participant profile: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO participants (pid, public_key, status, verification_level, profile, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pid) DO UPDATE
		SET status = EXCLUDED.status,
		    verification_level = EXCLUDED.verification_level,
		    profile = EXCLUDED.profile,
		    updated_at = EXCLUDED.updated_at`,
		p.PID, []byte(p.PublicKey), p.Status, p.VerificationLevel, profileRaw, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) GetEquivalent(ctx context.Context, code string) (*models.Equivalent, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT code, precision, type, active, locked, created_at FROM equivalents WHERE code = $1`, code)
	var e models.Equivalent
	if err := row.Scan(&e.Code, &e.Precision, &e.Type, &e.Active, &e.Locked, &e.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) UpsertEquivalent(ctx context.Context, e *models.Equivalent) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO equivalents (code, precision, type, active, locked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO UPDATE
		SET active = EXCLUDED.active, locked = EXCLUDED.locked`,
		e.Code, e.Precision, e.Type, e.Active, e.Locked, e.CreatedAt)
	return err
}

func (t *pgTx) SetEquivalentLocked(ctx context.Context, code string, locked bool) error {
	_, err := t.tx.Exec(ctx, `UPDATE equivalents SET locked = $1 WHERE code = $2`, locked, code)
	return err
}

func (t *pgTx) GetTrustLine(ctx context.Context, from, to, equivalent string) (*models.TrustLine, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT "from", "to", equivalent, "limit", policy, status, created_at, updated_at
		FROM trust_lines WHERE "from" = $1 AND "to" = $2 AND equivalent = $3`, from, to, equivalent)
	var tl models.TrustLine
	var policyRaw []byte
	if err := row.Scan(&tl.From, &tl.To, &tl.Equivalent, &tl.Limit, &policyRaw, &tl.Status, &tl.CreatedAt, &tl.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(policyRaw, &tl.Policy)
	return &tl, nil
}

func (t *pgTx) UpsertTrustLine(ctx context.Context, tl *models.TrustLine) error {
	policyRaw, err := json.Marshal(tl.Policy)
	if err != nil {
		return fmt.Errorf("marshal trust line policy: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO trust_lines ("from", "to", equivalent, "limit", policy, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ("from", "to", equivalent) DO UPDATE
		SET "limit" = EXCLUDED."limit", policy = EXCLUDED.policy, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		tl.From, tl.To, tl.Equivalent, tl.Limit, policyRaw, tl.Status, tl.CreatedAt, tl.UpdatedAt)
	return err
}

func (t *pgTx) CloseTrustLine(ctx context.Context, from, to, equivalent string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE trust_lines SET status = 'closed', updated_at = now()
		WHERE "from" = $1 AND "to" = $2 AND equivalent = $3`, from, to, equivalent)
	return err
}

func (t *pgTx) ListTrustLinesFrom(ctx context.Context, from, equivalent string) ([]models.TrustLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT "from", "to", equivalent, "limit", policy, status, created_at, updated_at
		FROM trust_lines WHERE "from" = $1 AND equivalent = $2 AND status = 'active'`, from, equivalent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

func (t *pgTx) ListTrustLinesForEquivalent(ctx context.Context, equivalent string) ([]models.TrustLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT "from", "to", equivalent, "limit", policy, status, created_at, updated_at
		FROM trust_lines WHERE equivalent = $1 AND status = 'active'`, equivalent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrustLines(rows)
}

func scanTrustLines(rows pgx.Rows) ([]models.TrustLine, error) {
	var out []models.TrustLine
	for rows.Next() {
		var tl models.TrustLine
		var policyRaw []byte
		if err := rows.Scan(&tl.From, &tl.To, &tl.Equivalent, &tl.Limit, &policyRaw, &tl.Status, &tl.CreatedAt, &tl.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(policyRaw, &tl.Policy)
		out = append(out, tl)
	}
	return out, rows.Err()
}

// LockDebtRow takes a row lock on (debtor,creditor,equivalent) via SELECT
// FOR UPDATE. A missing row is not an error — it reports zero debt, and
// the caller holds no lock against a concurrent insert of that row, since
// there is no row to lock; callers rely on ApplyDebtDelta's own ON
// CONFLICT for the actual write to stay correct under races.
func (t *pgTx) LockDebtRow(ctx context.Context, debtor, creditor, equivalent string) (*models.Debt, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT debtor, creditor, equivalent, amount, updated_at
		FROM debts WHERE debtor = $1 AND creditor = $2 AND equivalent = $3
		FOR UPDATE`, debtor, creditor, equivalent)
	var d models.Debt
	if err := row.Scan(&d.Debtor, &d.Creditor, &d.Equivalent, &d.Amount, &d.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return &models.Debt{Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Amount: decimal.Zero}, nil
		}
		return nil, err
	}
	return &d, nil
}

// ApplyDebtDelta adds delta to debt[debtor,creditor,equivalent], and if
// that would make the counter-direction debt[creditor,debtor,equivalent]
// "cross" zero into the opposite sign, nets the two rows against each
// other within this same transaction and deletes whichever side lands at
// zero, preserving the never-both-directions-positive invariant.
func (t *pgTx) ApplyDebtDelta(ctx context.Context, debtor, creditor, equivalent string, delta decimal.Decimal) (*models.Debt, error) {
	forward, err := t.LockDebtRow(ctx, debtor, creditor, equivalent)
	if err != nil {
		return nil, err
	}
	reverse, err := t.LockDebtRow(ctx, creditor, debtor, equivalent)
	if err != nil {
		return nil, err
	}

	net := forward.Amount.Add(delta).Sub(reverse.Amount)

	if err := t.deleteDebtRow(ctx, debtor, creditor, equivalent); err != nil {
		return nil, err
	}
	if err := t.deleteDebtRow(ctx, creditor, debtor, equivalent); err != nil {
		return nil, err
	}

	result := &models.Debt{Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Amount: decimal.Zero, UpdatedAt: time.Now()}
	switch {
	case net.IsPositive():
		result.Amount = net
		if err := t.upsertDebtRow(ctx, debtor, creditor, equivalent, net); err != nil {
			return nil, err
		}
	case net.IsNegative():
		result.Debtor, result.Creditor = creditor, debtor
		result.Amount = net.Neg()
		if err := t.upsertDebtRow(ctx, creditor, debtor, equivalent, net.Neg()); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (t *pgTx) upsertDebtRow(ctx context.Context, debtor, creditor, equivalent string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO debts (debtor, creditor, equivalent, amount, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (debtor, creditor, equivalent) DO UPDATE
		SET amount = EXCLUDED.amount, updated_at = now()`,
		debtor, creditor, equivalent, amount)
	return err
}

func (t *pgTx) deleteDebtRow(ctx context.Context, debtor, creditor, equivalent string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM debts WHERE debtor = $1 AND creditor = $2 AND equivalent = $3`, debtor, creditor, equivalent)
	return err
}

func (t *pgTx) ListDebtsForEquivalent(ctx context.Context, equivalent string) ([]models.Debt, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT debtor, creditor, equivalent, amount, updated_at FROM debts
		WHERE equivalent = $1 ORDER BY debtor, creditor`, equivalent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Debt
	for rows.Next() {
		var d models.Debt
		if err := rows.Scan(&d.Debtor, &d.Creditor, &d.Equivalent, &d.Amount, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *models.Transaction) error {
	payloadRaw, err := json.Marshal(tr.Payload)
	if err != nil {
		return fmt.Errorf("marshal transaction payload: %w", err)
	}
	sigsRaw, err := json.Marshal(tr.Signatures)
	if err != nil {
		return fmt.Errorf("marshal transaction signatures: %w", err)
	}
	var idemKey any
	if tr.IdempotencyKey != "" {
		idemKey = tr.IdempotencyKey
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO transactions (tx_id, type, initiator, payload, signatures, state, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		tr.TxID, tr.Type, tr.Initiator, payloadRaw, sigsRaw, tr.State, idemKey, tr.CreatedAt, tr.UpdatedAt)
	return err
}

func (t *pgTx) UpdateTransactionState(ctx context.Context, txID string, state models.TransactionState) error {
	_, err := t.tx.Exec(ctx, `UPDATE transactions SET state = $1, updated_at = now() WHERE tx_id = $2`, state, txID)
	return err
}

func (t *pgTx) GetTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT tx_id, type, initiator, payload, signatures, state, COALESCE(idempotency_key, ''), created_at, updated_at
		FROM transactions WHERE tx_id = $1`, txID)
	return scanTransaction(row)
}

func (t *pgTx) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT tx_id, type, initiator, payload, signatures, state, COALESCE(idempotency_key, ''), created_at, updated_at
		FROM transactions WHERE idempotency_key = $1`, key)
	return scanTransaction(row)
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var tr models.Transaction
	var payloadRaw, sigsRaw []byte
	if err := row.Scan(&tr.TxID, &tr.Type, &tr.Initiator, &payloadRaw, &sigsRaw, &tr.State, &tr.IdempotencyKey, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	_ = json.Unmarshal(payloadRaw, &tr.Payload)
	_ = json.Unmarshal(sigsRaw, &tr.Signatures)
	return &tr, nil
}

func (t *pgTx) CreatePrepareLock(ctx context.Context, l *models.PrepareLock) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO prepare_locks (tx_id, participant_id, debtor, creditor, equivalent, delta, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_id, participant_id) DO UPDATE
		SET delta = EXCLUDED.delta, expires_at = EXCLUDED.expires_at`,
		l.TxID, l.ParticipantID, l.Debtor, l.Creditor, l.Equivalent, l.Delta, l.ExpiresAt, l.CreatedAt)
	return err
}

func (t *pgTx) DeletePrepareLocksForTx(ctx context.Context, txID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM prepare_locks WHERE tx_id = $1`, txID)
	return err
}

func (t *pgTx) SumPendingLocks(ctx context.Context, debtor, creditor, equivalent string) (decimal.Decimal, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM prepare_locks
		WHERE debtor = $1 AND creditor = $2 AND equivalent = $3`, debtor, creditor, equivalent)
	var sum decimal.Decimal
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func (t *pgTx) SweepExpiredLocks(ctx context.Context, now time.Time) ([]models.PrepareLock, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT tx_id, participant_id, debtor, creditor, equivalent, delta, expires_at, created_at
		FROM prepare_locks WHERE expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PrepareLock
	for rows.Next() {
		var l models.PrepareLock
		if err := rows.Scan(&l.TxID, &l.ParticipantID, &l.Debtor, &l.Creditor, &l.Equivalent, &l.Delta, &l.ExpiresAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveCheckpoint(ctx context.Context, c *models.IntegrityCheckpoint) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO integrity_checkpoints (equivalent, checksum, total_debt, debt_count, "timestamp")
		VALUES ($1, $2, $3, $4, $5)`,
		c.Equivalent, c.Checksum, c.TotalDebt, c.DebtCount, c.Timestamp)
	return err
}

func (t *pgTx) InsertViolation(ctx context.Context, v *models.IntegrityViolation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO integrity_violations (id, equivalent, check_name, severity, details, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.Equivalent, v.Check, v.Severity, v.Details, v.DetectedAt)
	return err
}

func (t *pgTx) InsertEvent(ctx context.Context, e *models.Event) error {
	payloadRaw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO events (event_id, type, "timestamp", run_id, scenario_id, request_id, tx_id, actor, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.EventID, e.Type, e.Timestamp, nullIfEmpty(e.RunID), nullIfEmpty(e.ScenarioID), nullIfEmpty(e.RequestID), nullIfEmpty(e.TxID), nullIfEmpty(e.Actor), payloadRaw)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
