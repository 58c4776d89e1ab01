package handlers

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/clearing"
	"github.com/rawblock/credit-hub/internal/config"
	"github.com/rawblock/credit-hub/internal/crypto"
	"github.com/rawblock/credit-hub/internal/graph"
	"github.com/rawblock/credit-hub/internal/payment"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/internal/trustline"
	"github.com/rawblock/credit-hub/pkg/models"
)

func seedParticipant(t *testing.T, st store.Store, kp *crypto.KeyPair) {
	t.Helper()
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpsertParticipant(context.Background(), &models.Participant{
		PID: kp.PID, PublicKey: kp.PublicKey, Status: models.ParticipantActive,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func signedEnvelope(t *testing.T, kp *crypto.KeyPair, msgType protocol.MsgType, payload map[string]any) protocol.Envelope {
	t.Helper()
	canon, err := crypto.CanonicalJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	return protocol.Envelope{
		MsgID: "m1", MsgType: msgType, From: kp.PID, Payload: payload, Signature: kp.Sign(canon),
	}
}

func TestHandleTrustLineCreate_OpensALine(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	seedParticipant(t, st, kp)

	tlMgr := trustline.New(st, idx, nil)
	d := protocol.NewDispatcher()
	Register(d, Deps{Store: st, TrustLine: tlMgr})

	env := signedEnvelope(t, kp, protocol.MsgTrustLineCreate, map[string]any{
		"to": "B", "equivalent": "USD", "limit": "100",
	})
	resp, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.MsgType != "TRUST_LINE_CREATED" {
		t.Errorf("unexpected response type: %s", resp.MsgType)
	}
}

func TestHandleTrustLineCreate_RejectsBadSignature(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	seedParticipant(t, st, kp)

	tlMgr := trustline.New(st, idx, nil)
	d := protocol.NewDispatcher()
	Register(d, Deps{Store: st, TrustLine: tlMgr})

	env := signedEnvelope(t, kp, protocol.MsgTrustLineCreate, map[string]any{"to": "B", "equivalent": "USD", "limit": "100"})
	env.Signature[0] ^= 0xFF // tamper

	_, err = d.Dispatch(context.Background(), env)
	if !protocol.IsCode(err, protocol.CodeInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
}

func TestHandlePaymentRequest_RoutesAndCommits(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	seedParticipant(t, st, kp)

	tlMgr := trustline.New(st, idx, nil)
	if _, err := tlMgr.Create(context.Background(), trustline.CreateRequest{
		From: "B", To: kp.PID, Equivalent: "USD", Limit: decimal.NewFromInt(100),
		Policy: models.TrustLinePolicy{CanBeIntermediate: true},
	}); err != nil {
		t.Fatal(err)
	}

	payEngine := payment.New(st, idx, nil, &config.HubConfig{PrepareTimeout: 2_000_000_000, CommitTimeout: 2_000_000_000})
	d := protocol.NewDispatcher()
	Register(d, Deps{Store: st, TrustLine: tlMgr, Payment: payEngine})

	env := signedEnvelope(t, kp, protocol.MsgPaymentRequest, map[string]any{
		"target": "B", "equivalent": "USD", "amount": "25",
	})
	resp, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Payload["state"] != string(models.TxStateCommitted) {
		t.Errorf("expected COMMITTED, got %v", resp.Payload["state"])
	}
}

// seedCycleEdge opens a trust line from creditor to debtor (the line that
// governs the debtor's debt to the creditor) and, if outstanding is
// positive, applies that much debt directly, bypassing the payment engine.
func seedCycleEdge(t *testing.T, st store.Store, idx *graph.Index, debtor, creditor, equivalent, outstanding string, autoClearing bool) {
	t.Helper()
	o, _ := decimal.NewFromString(outstanding)
	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpsertTrustLine(context.Background(), &models.TrustLine{
		From: creditor, To: debtor, Equivalent: equivalent, Limit: decimal.NewFromInt(1000),
		Policy: models.TrustLinePolicy{AutoClearing: autoClearing, CanBeIntermediate: true},
		Status: models.TrustLineActive,
	}); err != nil {
		t.Fatal(err)
	}
	if o.IsPositive() {
		if _, err := tx.ApplyDebtDelta(context.Background(), debtor, creditor, equivalent, o); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatal(err)
	}
	idx.SetEdge(equivalent, debtor, creditor, decimal.NewFromInt(1000), o, true, nil)
}

func TestHandleClearingAccept_ClearsAPendingProposal(t *testing.T) {
	st := store.NewMemStore()
	idx := graph.New()
	a, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	c, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	seedParticipant(t, st, a)
	seedParticipant(t, st, c)

	seedCycleEdge(t, st, idx, a.PID, "B", "USD", "10", true)
	seedCycleEdge(t, st, idx, "B", c.PID, "USD", "10", false) // requires C's consent
	seedCycleEdge(t, st, idx, c.PID, a.PID, "USD", "10", true)

	clearingEngine := clearing.New(st, idx, nil, &config.HubConfig{MinClearingAmount: "0.01", ClearingMaxCycleLen: 4, ClearingConsentTimeout: 3_600_000_000_000})
	members := []string{a.PID, "B", c.PID, a.PID}
	cycle := models.Cycle{Members: members, Equivalent: "USD", Amount: decimal.NewFromInt(10)}
	if err := clearingEngine.Execute(context.Background(), cycle); err != nil {
		t.Fatalf("unexpected error opening proposal: %v", err)
	}

	d := protocol.NewDispatcher()
	Register(d, Deps{Store: st, Clearing: clearingEngine})

	env := signedEnvelope(t, c, protocol.MsgClearingAccept, map[string]any{
		"equivalent": "USD",
		"members":    []any{members[0], members[1], members[2], members[3]},
	})
	resp, err := d.Dispatch(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error accepting: %v", err)
	}
	if resp.MsgType != "CLEARING_ACCEPTED" {
		t.Errorf("unexpected response type: %s", resp.MsgType)
	}

	tx, _ := st.Begin(context.Background())
	defer tx.Rollback(context.Background())
	debt, err := tx.LockDebtRow(context.Background(), a.PID, "B", "USD")
	if err != nil {
		t.Fatal(err)
	}
	if !debt.Amount.IsZero() {
		t.Errorf("expected the cycle netted to zero after consent, got %s", debt.Amount)
	}
}
