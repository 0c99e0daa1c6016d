package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

const AlgEd25519 = "ed25519"

// SeedSize is the length of the raw private key material accepted by this
// package. Full 64-byte ed25519 private keys are derived from it.
const SeedSize = ed25519.SeedSize

var ErrInvalidKeyMaterial = errors.New("invalid key material")

type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Signer produces detached signatures over message bytes.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Public() ed25519.PublicKey
}

// Verifier checks detached signatures. A nil Verifier models a runtime
// without the signing primitive.
type Verifier interface {
	Verify(pub ed25519.PublicKey, message, signature []byte) bool
}

type ed25519Signer struct {
	private ed25519.PrivateKey
}

func (s ed25519Signer) Sign(message []byte) ([]byte, error) {
	if len(s.private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sign: %w: private key length %d", ErrInvalidKeyMaterial, len(s.private))
	}
	return ed25519.Sign(s.private, message), nil
}

func (s ed25519Signer) Public() ed25519.PublicKey {
	return s.private.Public().(ed25519.PublicKey)
}

// NewSigner wraps an ed25519 private key as a Signer.
func NewSigner(priv ed25519.PrivateKey) Signer {
	return ed25519Signer{private: priv}
}

type ed25519Verifier struct{}

func (ed25519Verifier) Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// Ed25519 is the default Verifier.
var Ed25519 Verifier = ed25519Verifier{}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyID derives a stable short identifier from a public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// EncodeSignature renders signature bytes as unpadded base64url.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// DecodeSignature accepts only the canonical unpadded base64url form that
// EncodeSignature produces. Padding, surrounding space and non-zero trailing
// bits are rejected so that one signature has exactly one valid spelling.
func DecodeSignature(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("decode signature: empty")
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if EncodeSignature(raw) != encoded {
		return nil, fmt.Errorf("decode signature: non-canonical encoding")
	}
	return raw, nil
}

// ParsePrivateKeyBase64 decodes a base64 (standard or url alphabet) ed25519
// seed. Anything that does not decode to exactly SeedSize bytes is rejected.
func ParsePrivateKeyBase64(encoded string) (ed25519.PrivateKey, error) {
	raw, err := decodeKeyBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if l := len(raw); l != SeedSize {
		return nil, fmt.Errorf("%w: private key must decode to %d bytes, got %d", ErrInvalidKeyMaterial, SeedSize, l)
	}
	return ed25519.NewKeyFromSeed(raw), nil
}

func ParsePublicKeyBase64(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeKeyBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if l := len(raw); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must decode to %d bytes, got %d", ErrInvalidKeyMaterial, ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePrivateKeyBase64 renders the seed of priv in standard base64.
func EncodePrivateKeyBase64(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Seed())
}

func EncodePublicKeyBase64(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func LoadPrivateKeyBase64(path string) (ed25519.PrivateKey, error) {
	// #nosec G304 -- caller supplies local key path.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKeyBase64(strings.TrimSpace(string(b)))
}

func LoadPublicKeyBase64(path string) (ed25519.PublicKey, error) {
	// #nosec G304 -- caller supplies local key path.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKeyBase64(strings.TrimSpace(string(b)))
}

func decodeKeyBase64(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKeyMaterial)
	}
	if strings.ContainsAny(trimmed, "-_") {
		return base64.RawURLEncoding.Strict().DecodeString(strings.TrimRight(trimmed, "="))
	}
	if raw, err := base64.StdEncoding.Strict().DecodeString(trimmed); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.Strict().DecodeString(trimmed)
}
