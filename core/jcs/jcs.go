package jcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalizationError reports input that has no deterministic canonical form:
// NaN or Inf numbers, reference cycles, unsupported Go types or invalid JSON.
type CanonicalizationError struct {
	Reason string
	Err    error
}

func (e *CanonicalizationError) Error() string {
	if e.Err == nil {
		return "canonicalize: " + e.Reason
	}
	return fmt.Sprintf("canonicalize: %s: %v", e.Reason, e.Err)
}

func (e *CanonicalizationError) Unwrap() error {
	return e.Err
}

// Canonicalize encodes value as RFC 8785 (JCS) canonical JSON: object keys
// sorted recursively, no insignificant whitespace, UTF-8 output.
func Canonicalize(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &CanonicalizationError{Reason: "value is not serializable", Err: err}
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON returns the RFC 8785 (JCS) canonical form of JSON input.
func CanonicalizeJSON(input []byte) ([]byte, error) {
	canonical, err := jcs.Transform(input)
	if err != nil {
		return nil, &CanonicalizationError{Reason: "invalid json", Err: err}
	}
	return canonical, nil
}

// Digest returns the lowercase hex sha256 of already canonical bytes.
func Digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// DigestValue canonicalizes value and returns its sha256 hex digest.
func DigestValue(value any) (string, error) {
	canonical, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	return Digest(canonical), nil
}

// DigestJSON canonicalizes JSON (RFC 8785) and returns a sha256 hex digest.
func DigestJSON(input []byte) (string, error) {
	canonical, err := CanonicalizeJSON(input)
	if err != nil {
		return "", err
	}
	return Digest(canonical), nil
}
