// Package protocol defines the transport-agnostic message envelope and the
// single Dispatch entry point engines are driven through. Polymorphism
// over message types is expressed as a tagged variant and resolved in
// Dispatch by looking up the Handler registered for the type (PING is
// answered directly) — HTTP, websocket, or any future transport only needs
// to get an Envelope here; nothing about gin or gorilla/websocket leaks
// past this package.
package protocol

import (
	"context"
	"time"
)

// MsgType is the tagged variant discriminator carried on every Envelope.
type MsgType string

const (
	MsgTrustLineCreate  MsgType = "TRUST_LINE_CREATE"
	MsgTrustLineUpdate  MsgType = "TRUST_LINE_UPDATE"
	MsgTrustLineClose   MsgType = "TRUST_LINE_CLOSE"
	MsgPaymentRequest   MsgType = "PAYMENT_REQUEST"
	MsgPaymentPrepareAck MsgType = "PAYMENT_PREPARE_ACK"
	MsgClearingAccept   MsgType = "CLEARING_ACCEPT"
	MsgClearingReject   MsgType = "CLEARING_REJECT"
	MsgCompensation     MsgType = "COMPENSATION"
	MsgPing             MsgType = "PING"

	MsgPaymentPrepare MsgType = "PAYMENT_PREPARE"
	MsgPaymentCommit  MsgType = "PAYMENT_COMMIT"
	MsgPaymentAbort   MsgType = "PAYMENT_ABORT"
	MsgClearingPropose MsgType = "CLEARING_PROPOSE"
	MsgPong           MsgType = "PONG"
	MsgError          MsgType = "ERROR"
)

// Envelope is the signed message wrapper every inbound request arrives as.
// Signature is over CanonicalJSON(Payload) under From's public key.
// Dispatch does no key lookup; the registered handlers resolve From to its
// stored public key (see internal/handlers).
type Envelope struct {
	MsgID     string         `json:"msgId"`
	MsgType   MsgType        `json:"msgType"`
	TxID      string         `json:"txId,omitempty"`
	From      string         `json:"from"`
	To        string         `json:"to,omitempty"`
	Payload   map[string]any `json:"payload"`
	Signature []byte         `json:"signature"`

	// Correlation identifiers propagated verbatim into every cascading
	// event.
	RunID      string `json:"-"`
	ScenarioID string `json:"-"`
	RequestID  string `json:"-"`

	ReceivedAt time.Time `json:"-"`
}

// Response is what Dispatch returns to the caller on success.
type Response struct {
	MsgType MsgType        `json:"msgType"`
	TxID    string         `json:"txId,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Handler resolves one MsgType. Registered by cmd/engine at startup so
// internal/protocol has no import-time dependency on the engines it
// dispatches to.
type Handler func(ctx context.Context, env Envelope) (*Response, error)

// Dispatcher routes an Envelope to the Handler registered for its MsgType.
type Dispatcher struct {
	handlers map[MsgType]Handler
}

// NewDispatcher builds an empty dispatcher; callers register handlers with
// Register before serving traffic.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MsgType]Handler)}
}

// Register binds a Handler to a MsgType. Re-registering a type overwrites
// the previous handler, which is useful for tests that substitute stubs.
func (d *Dispatcher) Register(t MsgType, h Handler) {
	d.handlers[t] = h
}

// Dispatch is the one entry point every transport funnels requests
// through. It does not itself enforce authentication or freshness — the
// registered handlers do, after dispatch (internal/handlers runs
// crypto.VerifySignature and CheckFreshness) — Dispatch only routes.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) (*Response, error) {
	if env.MsgType == MsgPing {
		return &Response{MsgType: MsgPong, Payload: map[string]any{"msgId": env.MsgID}}, nil
	}
	h, ok := d.handlers[env.MsgType]
	if !ok {
		return nil, NewError(CodeValidationError, "unrecognized message type", map[string]any{"msgType": string(env.MsgType)})
	}
	return h(ctx, env)
}
