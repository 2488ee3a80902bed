// Package envelope implements the signed message envelope (spec.md §3,
// §4.1): a canonical JSON payload string, signed once, and verified by
// re-checking the signature over that exact byte range without
// re-serializing it.
package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/kizuna-project/bridge/internal/apperr"
	"github.com/kizuna-project/bridge/internal/identity"
)

// Envelope is a signed frame carrying one inner JSON payload.
type Envelope struct {
	Content   string `json:"content"`
	SenderKey string `json:"senderKey"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

// Sign serializes payload to canonical JSON exactly once, signs the UTF-8
// bytes of that string with id's private key, and returns the envelope
// carrying that same string verbatim.
func Sign(id *identity.Identity, payload any) (*Envelope, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.New("envelope", "Sign", err)
	}

	sig := id.Sign(content)

	return &Envelope{
		Content:   string(content),
		SenderKey: id.PublicHex,
		Signature: hex.EncodeToString(sig),
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Verify checks e.Signature against e.Content using e.SenderKey as the
// verification key. Implementations MUST NOT re-serialize Content before
// verification: the exact bytes that were signed are re-checked here.
func Verify(e *Envelope) bool {
	pubDER, err := hex.DecodeString(e.SenderKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}

	pub, err := parseEd25519SPKI(pubDER)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, []byte(e.Content), sig)
}

// IsSigned reports whether a raw frame carries both a signature and a
// sender key, i.e. it should be routed through Verify rather than
// treated as a bare heartbeat frame.
func IsSigned(raw map[string]json.RawMessage) bool {
	_, hasSig := raw["signature"]
	_, hasKey := raw["senderKey"]
	return hasSig && hasKey
}

// parseEd25519SPKI extracts the raw Ed25519 public key from an SPKI DER
// encoding without requiring a full x509 parse, since verification is on
// the hot path of every inbound frame. The raw key is always the final
// 32 bytes of the DER, matching identity.rawFormOf.
func parseEd25519SPKI(der []byte) (ed25519.PublicKey, error) {
	if len(der) < ed25519.PublicKeySize {
		return nil, apperr.New("envelope", "parseEd25519SPKI", errShortKey)
	}
	return ed25519.PublicKey(der[len(der)-ed25519.PublicKeySize:]), nil
}

var errShortKey = shortKeyError{}

type shortKeyError struct{}

func (shortKeyError) Error() string { return "sender key too short to contain an Ed25519 key" }
