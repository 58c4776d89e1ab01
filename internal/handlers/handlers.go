// Package handlers registers the payment, trust-line, and clearing
// operations onto a protocol.Dispatcher. It is the one place that imports
// both internal/protocol and the engines, so the engines themselves never
// depend on the wire format. Dispatch is a switch on message type, expressed
// as handler registration instead of an inline switch statement so each
// case stays independently testable.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/credit-hub/internal/clearing"
	"github.com/rawblock/credit-hub/internal/crypto"
	"github.com/rawblock/credit-hub/internal/integrity"
	"github.com/rawblock/credit-hub/internal/payment"
	"github.com/rawblock/credit-hub/internal/protocol"
	"github.com/rawblock/credit-hub/internal/router"
	"github.com/rawblock/credit-hub/internal/store"
	"github.com/rawblock/credit-hub/internal/trustline"
	"github.com/rawblock/credit-hub/pkg/models"
)

// adminVerificationLevel is the Participant.VerificationLevel an admin
// authority must carry to author a COMPENSATION — the top of the 0..3
// verification scale, reserved for hub operators rather than ordinary
// participants.
const adminVerificationLevel = 3

// Deps bundles every engine a handler may need.
type Deps struct {
	Store     store.Store
	Payment   *payment.Engine
	TrustLine *trustline.Manager
	Clearing  *clearing.Engine
	Integrity *integrity.Checker
	MaxDrift  time.Duration
}

// Register binds every consumed message type to its handler.
func Register(d *protocol.Dispatcher, deps Deps) {
	d.Register(protocol.MsgTrustLineCreate, deps.handleTrustLineCreate)
	d.Register(protocol.MsgTrustLineUpdate, deps.handleTrustLineUpdate)
	d.Register(protocol.MsgTrustLineClose, deps.handleTrustLineClose)
	d.Register(protocol.MsgPaymentRequest, deps.handlePaymentRequest)
	d.Register(protocol.MsgClearingAccept, deps.handleClearingAccept)
	d.Register(protocol.MsgClearingReject, deps.handleClearingReject)
	d.Register(protocol.MsgCompensation, deps.handleCompensation)
}

// verify resolves env.From's public key from storage and checks the
// signature over the canonical payload — every consumed message type runs
// through this before touching an engine. Freshness is checked only when
// the payload carries an RFC 3339 "ts" string; a payload without one is
// accepted with no freshness check.
func (deps Deps) verify(ctx context.Context, env protocol.Envelope) error {
	dbTx, err := deps.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin signer lookup: %w", err)
	}
	defer dbTx.Rollback(ctx)

	signer, err := dbTx.GetParticipant(ctx, env.From)
	if err != nil {
		return fmt.Errorf("lookup signer: %w", err)
	}
	if signer == nil {
		return protocol.NewError(protocol.CodeUnauthorized, "unknown participant", map[string]any{"from": env.From})
	}

	payload, err := crypto.CanonicalJSON(env.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize payload: %w", err)
	}
	if err := crypto.VerifySignature(signer.PublicKey, payload, env.Signature); err != nil {
		return err
	}

	tsRaw, _ := env.Payload["ts"].(string)
	if tsRaw != "" {
		ts, err := time.Parse(time.RFC3339, tsRaw)
		if err != nil {
			return protocol.NewError(protocol.CodeValidationError, "malformed timestamp", nil)
		}
		if err := crypto.CheckFreshness(ts, time.Now(), deps.MaxDrift); err != nil {
			return err
		}
	}
	return nil
}

func (deps Deps) handleTrustLineCreate(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	to, _ := env.Payload["to"].(string)
	equivalent, _ := env.Payload["equivalent"].(string)
	limitRaw, _ := env.Payload["limit"].(string)
	limit, err := decimal.NewFromString(limitRaw)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeValidationError, "malformed limit", nil)
	}

	line, err := deps.TrustLine.Create(ctx, trustline.CreateRequest{
		From: env.From, To: to, Equivalent: equivalent, Limit: limit,
		Policy:    decodePolicy(env.Payload["policy"]),
		Initiator: env.From, RequestID: env.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.Response{MsgType: protocol.MsgType("TRUST_LINE_CREATED"), Payload: map[string]any{
		"from": line.From, "to": line.To, "equivalent": line.Equivalent, "limit": line.Limit.String(),
	}}, nil
}

func (deps Deps) handleTrustLineUpdate(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	to, _ := env.Payload["to"].(string)
	equivalent, _ := env.Payload["equivalent"].(string)

	req := trustline.UpdateRequest{From: env.From, To: to, Equivalent: equivalent, Initiator: env.From, RequestID: env.RequestID}
	if limitRaw, ok := env.Payload["limit"].(string); ok && limitRaw != "" {
		limit, err := decimal.NewFromString(limitRaw)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeValidationError, "malformed limit", nil)
		}
		req.NewLimit = &limit
	}
	if policyRaw, ok := env.Payload["policy"]; ok {
		p := decodePolicy(policyRaw)
		req.NewPolicy = &p
	}
	if allow, ok := env.Payload["allowBelowOutstanding"].(bool); ok {
		req.AllowBelowOutstanding = allow
	}

	line, err := deps.TrustLine.Update(ctx, req)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{MsgType: protocol.MsgType("TRUST_LINE_UPDATED"), Payload: map[string]any{
		"from": line.From, "to": line.To, "equivalent": line.Equivalent, "limit": line.Limit.String(),
	}}, nil
}

func (deps Deps) handleTrustLineClose(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	to, _ := env.Payload["to"].(string)
	equivalent, _ := env.Payload["equivalent"].(string)
	if err := deps.TrustLine.Close(ctx, env.From, to, equivalent, env.From, env.RequestID); err != nil {
		return nil, err
	}
	return &protocol.Response{MsgType: protocol.MsgType("TRUST_LINE_CLOSED"), Payload: map[string]any{
		"from": env.From, "to": to, "equivalent": equivalent,
	}}, nil
}

func (deps Deps) handlePaymentRequest(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	target, _ := env.Payload["target"].(string)
	equivalent, _ := env.Payload["equivalent"].(string)
	amountRaw, _ := env.Payload["amount"].(string)
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeValidationError, "malformed amount", nil)
	}
	idemKey, _ := env.Payload["idempotencyKey"].(string)

	res, err := deps.Payment.Submit(ctx, payment.Request{
		Initiator: env.From, Source: env.From, Target: target, Equivalent: equivalent,
		Amount: amount, IdempotencyKey: idemKey, RequestID: env.RequestID,
		Constraints: router.DefaultConstraints(),
	})
	if err != nil {
		return nil, err
	}

	msgType := protocol.MsgPaymentCommit
	if res.State == models.TxStateAborted {
		msgType = protocol.MsgPaymentAbort
	}
	if res.State == models.TxStateCommitted && deps.Clearing != nil {
		for _, e := range touchedEdges(res.Routes) {
			deps.Clearing.OnEdgeTouched(ctx, equivalent, e.debtor, e.creditor)
		}
	}
	return &protocol.Response{MsgType: msgType, TxID: res.TxID, Payload: map[string]any{
		"state": string(res.State), "routes": routesPayload(res.Routes),
	}}, nil
}

func (deps Deps) handleClearingAccept(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	equivalent, members, err := decodeProposalRef(env.Payload)
	if err != nil {
		return nil, err
	}
	if err := deps.Clearing.Accept(ctx, equivalent, members, env.From); err != nil {
		return nil, err
	}
	return &protocol.Response{MsgType: protocol.MsgType("CLEARING_ACCEPTED"), Payload: map[string]any{
		"equivalent": equivalent, "members": members,
	}}, nil
}

func (deps Deps) handleClearingReject(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	equivalent, members, err := decodeProposalRef(env.Payload)
	if err != nil {
		return nil, err
	}
	if err := deps.Clearing.Reject(ctx, equivalent, members, env.From); err != nil {
		return nil, err
	}
	return &protocol.Response{MsgType: protocol.MsgType("CLEARING_REJECTED"), Payload: map[string]any{
		"equivalent": equivalent, "members": members,
	}}, nil
}

func (deps Deps) handleCompensation(ctx context.Context, env protocol.Envelope) (*protocol.Response, error) {
	if err := deps.verify(ctx, env); err != nil {
		return nil, err
	}
	if err := deps.requireAdmin(ctx, env.From); err != nil {
		return nil, err
	}
	debtor, _ := env.Payload["debtor"].(string)
	creditor, _ := env.Payload["creditor"].(string)
	equivalent, _ := env.Payload["equivalent"].(string)
	if debtor == "" || creditor == "" || equivalent == "" {
		return nil, protocol.NewError(protocol.CodeValidationError, "missing debtor, creditor, or equivalent", nil)
	}
	deltaRaw, _ := env.Payload["delta"].(string)
	delta, err := decimal.NewFromString(deltaRaw)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeValidationError, "malformed delta", nil)
	}

	tx, err := deps.Payment.Compensate(ctx, deps.Integrity, payment.CompensationRequest{
		Initiator: env.From, Debtor: debtor, Creditor: creditor, Equivalent: equivalent, Delta: delta, RequestID: env.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return &protocol.Response{MsgType: protocol.MsgType("COMPENSATION_APPLIED"), TxID: tx.TxID, Payload: map[string]any{
		"debtor": debtor, "creditor": creditor, "equivalent": equivalent, "delta": delta.String(),
	}}, nil
}

// requireAdmin rejects the request unless pid carries admin-level
// verification — COMPENSATION bypasses routing and the trust-limit gate
// entirely, so only an operator-verified identity may author one.
func (deps Deps) requireAdmin(ctx context.Context, pid string) error {
	dbTx, err := deps.Store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin admin check: %w", err)
	}
	defer dbTx.Rollback(ctx)
	signer, err := dbTx.GetParticipant(ctx, pid)
	if err != nil {
		return fmt.Errorf("lookup signer: %w", err)
	}
	if signer == nil || signer.VerificationLevel < adminVerificationLevel {
		return protocol.NewError(protocol.CodeUnauthorized, "compensation requires admin-level verification", nil)
	}
	return nil
}

// decodeProposalRef reads the (equivalent, members) pair that identifies a
// pending clearing proposal out of an envelope payload.
func decodeProposalRef(payload map[string]any) (string, []string, error) {
	equivalent, _ := payload["equivalent"].(string)
	if equivalent == "" {
		return "", nil, protocol.NewError(protocol.CodeValidationError, "missing equivalent", nil)
	}
	raw, ok := payload["members"].([]any)
	if !ok || len(raw) == 0 {
		return "", nil, protocol.NewError(protocol.CodeValidationError, "missing members", nil)
	}
	members := make([]string, 0, len(raw))
	for _, m := range raw {
		s, ok := m.(string)
		if !ok {
			return "", nil, protocol.NewError(protocol.CodeValidationError, "malformed members entry", nil)
		}
		members = append(members, s)
	}
	return equivalent, members, nil
}

// touchedEdges flattens every hop across a committed route set into the
// distinct (debtor, creditor) pairs the clearing engine should check for a
// newly closed cycle. Keyed by the pair itself, not just the debtor — a
// multi-path split (e.g. A->X and A->Y) shares a debtor but touches two
// different edges, and both must reach OnEdgeTouched.
type touchedEdge struct{ debtor, creditor string }

func touchedEdges(routes []router.Route) []touchedEdge {
	seen := map[touchedEdge]bool{}
	var out []touchedEdge
	for _, r := range routes {
		for i := 0; i+1 < len(r.Path); i++ {
			e := touchedEdge{r.Path[i], r.Path[i+1]}
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

func decodePolicy(raw any) models.TrustLinePolicy {
	m, ok := raw.(map[string]any)
	if !ok {
		return models.TrustLinePolicy{}
	}
	p := models.TrustLinePolicy{}
	if v, ok := m["autoClearing"].(bool); ok {
		p.AutoClearing = v
	}
	if v, ok := m["canBeIntermediate"].(bool); ok {
		p.CanBeIntermediate = v
	}
	if v, ok := m["blocked"].([]any); ok {
		for _, b := range v {
			if s, ok := b.(string); ok {
				p.Blocked = append(p.Blocked, s)
			}
		}
	}
	return p
}

func routesPayload(routes []router.Route) []map[string]any {
	out := make([]map[string]any, 0, len(routes))
	for _, r := range routes {
		out = append(out, map[string]any{"path": r.Path, "amount": r.Amount.String()})
	}
	return out
}
