// Package identity manages the bridge node's long-lived Ed25519 key pair.
//
// Identity is implemented directly on the standard library:
// crypto/ed25519 has no third-party competitor for
// plain Ed25519 sign/verify anywhere in the retrieval pack — even
// SAGE-X-project-sage, which reaches for third-party curve libraries for
// secp256k1/X25519/RS256, implements its own Ed25519 key pair on bare
// crypto/ed25519 (see DESIGN.md).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kizuna-project/bridge/internal/apperr"
)

const identityFileName = "identity.json"

// identityFile is the on-disk representation persisted on first boot.
type identityFile struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// Identity holds the node's key pair and its derived string forms.
type Identity struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey

	// PublicHex is the full SPKI-DER-encoded public key, hex-encoded.
	// This is the node identifier carried in every signed envelope.
	PublicHex string

	// RawHex is the raw 32-byte public key form: the last 64 hex
	// characters of PublicHex, i.e. the SPKI encoding with its fixed
	// algorithm-identifier header stripped.
	RawHex string

	// ShortID is the last 8 hex characters of RawHex.
	ShortID string
}

// LoadOrCreate loads the identity persisted under dataDir, generating and
// persisting a new Ed25519 key pair on first boot.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, apperr.New("identity", "LoadOrCreate", err)
	}

	path := filepath.Join(dataDir, identityFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f identityFile
		if jerr := json.Unmarshal(data, &f); jerr != nil {
			return nil, apperr.New("identity", "LoadOrCreate", jerr).WithDetails(map[string]any{"path": path})
		}
		return fromHex(f.PublicKey, f.PrivateKey)

	case os.IsNotExist(err):
		return create(path)

	default:
		return nil, apperr.New("identity", "LoadOrCreate", err).WithDetails(map[string]any{"path": path})
	}
}

func create(path string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperr.New("identity", "create", err)
	}

	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, apperr.New("identity", "create", err)
	}
	pkcs8DER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, apperr.New("identity", "create", err)
	}

	f := identityFile{
		PublicKey:  hex.EncodeToString(spkiDER),
		PrivateKey: hex.EncodeToString(pkcs8DER),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, apperr.New("identity", "create", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, apperr.New("identity", "create", err).WithDetails(map[string]any{"path": path})
	}

	return fromHex(f.PublicKey, f.PrivateKey)
}

func fromHex(pubHex, privHex string) (*Identity, error) {
	spkiDER, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, apperr.New("identity", "fromHex", err)
	}
	pkcs8DER, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, apperr.New("identity", "fromHex", err)
	}

	pubAny, err := x509.ParsePKIXPublicKey(spkiDER)
	if err != nil {
		return nil, apperr.New("identity", "fromHex", err)
	}
	pub, ok := pubAny.(ed25519.PublicKey)
	if !ok {
		return nil, apperr.New("identity", "fromHex", errNotEd25519)
	}

	privAny, err := x509.ParsePKCS8PrivateKey(pkcs8DER)
	if err != nil {
		return nil, apperr.New("identity", "fromHex", err)
	}
	priv, ok := privAny.(ed25519.PrivateKey)
	if !ok {
		return nil, apperr.New("identity", "fromHex", errNotEd25519)
	}

	rawHex := rawFormOf(pubHex)
	return &Identity{
		Public:    pub,
		private:   priv,
		PublicHex: pubHex,
		RawHex:    rawHex,
		ShortID:   shortIDOf(rawHex),
	}, nil
}

// rawFormOf strips the SPKI algorithm-identifier header, leaving the raw
// 32-byte public key as its trailing 64 hex characters.
func rawFormOf(spkiHex string) string {
	if len(spkiHex) <= 64 {
		return spkiHex
	}
	return spkiHex[len(spkiHex)-64:]
}

// shortIDOf returns the last 8 hex characters of a raw-form hex string.
func shortIDOf(rawHex string) string {
	if len(rawHex) <= 8 {
		return rawHex
	}
	return rawHex[len(rawHex)-8:]
}

// ShortIDFromPublicHex derives a peer's short id from its full SPKI hex
// public key, for use when recording peers we did not generate.
func ShortIDFromPublicHex(pubHex string) string {
	return shortIDOf(rawFormOf(pubHex))
}

// Sign signs message with the node's private key.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.private, message)
}

type errWrongKeyType struct{}

func (errWrongKeyType) Error() string { return "decoded key is not an Ed25519 key" }

var errNotEd25519 error = errWrongKeyType{}
