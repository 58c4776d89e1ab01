// Package crypto derives participant identifiers, verifies request
// signatures, and produces the canonical JSON encoding that signatures are
// computed over. Private keys are never present here — only public keys
// and signatures.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rawblock/credit-hub/internal/protocol"
)

// DeriveID computes the canonical participant identifier: base58 of the
// SHA-256 digest of the raw Ed25519 public key. Any PID accepted by the
// system must round-trip through Decode/Encode.
func DeriveID(pubKey ed25519.PublicKey) string {
	sum := sha256.Sum256(pubKey)
	return base58.Encode(sum[:])
}

// ValidPID reports whether s decodes as a base58 string at all — it does
// not (and cannot) reverse the hash, but it rejects malformed input early.
func ValidPID(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return false
	}
	return base58.Encode(decoded) == s
}

// VerifySignature checks sig against payload under pubKey. payload must
// already be the canonical-JSON encoding with the signatures field
// excluded — callers build it with CanonicalJSON.
func VerifySignature(pubKey ed25519.PublicKey, payload, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return protocol.NewError(protocol.CodeInvalidSignature, "malformed public key", nil)
	}
	if !ed25519.Verify(pubKey, payload, sig) {
		return protocol.NewError(protocol.CodeInvalidSignature, "signature verification failed", nil)
	}
	return nil
}

// MaxClockDrift is the default replay-guard tolerance.
const MaxClockDrift = 300 * time.Second

// CheckFreshness rejects requests whose timestamp has drifted too far from
// the server clock, in either direction.
func CheckFreshness(ts, now time.Time, maxDrift time.Duration) error {
	if maxDrift <= 0 {
		maxDrift = MaxClockDrift
	}
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxDrift {
		return protocol.NewError(protocol.CodeExpiredRequest, "request timestamp outside allowed clock drift", map[string]any{
			"timestamp":  ts.Format(time.RFC3339),
			"now":        now.Format(time.RFC3339),
			"maxDriftMs": maxDrift.Milliseconds(),
		})
	}
	return nil
}

// KeyPair bundles a generated identity for tests and local tooling.
type KeyPair struct {
	PID        string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 identity. Used only by tests and
// local demo seeding — production keys never pass through the core.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{
		PID:        DeriveID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// Sign produces a detached signature over payload using the key pair's
// private key. Only used by tests and local tooling that stand in for a
// real client.
func (k *KeyPair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.PrivateKey, payload)
}
