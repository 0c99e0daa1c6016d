package receipt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/davidahmann/ledgerproof/core/jcs"
	schemareceipt "github.com/davidahmann/ledgerproof/core/schema/v1/receipt"
	"github.com/davidahmann/ledgerproof/core/schema/validate"
	"github.com/davidahmann/ledgerproof/core/sign"
)

const (
	IssueHashMismatch       = "hash_mismatch"
	IssueMissingPublicKey   = "missing_public_key"
	IssueSignatureNotBase64 = "signature_not_base64"
	IssueSignatureInvalid   = "signature_invalid"
	IssueMissingSignature   = "missing_signature"
	IssueMalformedEnvelope  = "malformed_envelope"
	IssueUnreadable         = "unreadable"
)

const (
	SignatureVerified    = "verified"
	SignatureFailed      = "failed"
	SignatureUnsigned    = "unsigned"
	SignatureUnavailable = "unavailable"
	SignatureSkipped     = "skipped"
)

type VerifyIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Path            string        `json:"path,omitempty"`
	OK              bool          `json:"ok"`
	FeedID          string        `json:"feed_id,omitempty"`
	PublicKeyID     string        `json:"public_key_id,omitempty"`
	HashSHA256      string        `json:"hash_sha256,omitempty"`
	SignatureStatus string        `json:"signature_status"`
	Issues          []VerifyIssue `json:"issues"`
}

func (r *Result) add(code string, format string, args ...any) {
	r.Issues = append(r.Issues, VerifyIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// HasIssue reports whether code was recorded.
func (r Result) HasIssue(code string) bool {
	for _, issue := range r.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

type Options struct {
	Resolver sign.KeyResolver
	// Verifier is the signature capability. Nil means absent and yields
	// SignatureUnavailable with only the hash checked.
	Verifier      sign.Verifier
	SkipSignature bool
}

// Verify checks hash and signature with the built-in Ed25519 verifier. A nil
// resolver reports the signature check as unavailable.
func Verify(envelope map[string]any, resolver sign.KeyResolver) Result {
	return VerifyWith(envelope, Options{Resolver: resolver, Verifier: sign.Ed25519})
}

// VerifyWith never fails on malformed input; every problem is an itemized
// issue so many receipts can be checked in one pass.
func VerifyWith(envelope map[string]any, opts Options) Result {
	result := Result{Issues: []VerifyIssue{}}
	if envelope == nil {
		result.SignatureStatus = SignatureFailed
		result.add(IssueMalformedEnvelope, "envelope is not a JSON object")
		return result
	}
	result.FeedID, _ = envelope[schemareceipt.KeyFeedID].(string)
	result.PublicKeyID, _ = envelope[schemareceipt.KeyPublicKeyID].(string)

	body := BodyOf(envelope)
	canonical, err := jcs.Canonicalize(body)
	if err != nil {
		result.SignatureStatus = SignatureFailed
		result.add(IssueMalformedEnvelope, "body is not canonicalizable: %v", err)
		return result
	}
	result.HashSHA256 = jcs.Digest(canonical)
	stored, _ := envelope[schemareceipt.KeyHashSHA256].(string)
	if stored != result.HashSHA256 {
		result.add(IssueHashMismatch, "stored %q, computed %q", stored, result.HashSHA256)
	}

	switch {
	case opts.SkipSignature:
		result.SignatureStatus = SignatureSkipped
	case opts.Resolver == nil || opts.Verifier == nil:
		result.SignatureStatus = SignatureUnavailable
	default:
		result.SignatureStatus = verifySignature(&result, envelope, canonical, opts)
	}
	result.OK = len(result.Issues) == 0
	return result
}

func verifySignature(result *Result, envelope map[string]any, canonical []byte, opts Options) string {
	signature, hasSignature := envelope[schemareceipt.KeySignature].(string)
	if IsUnsigned(envelope) {
		result.add(IssueMissingSignature, "envelope carries no signature")
		return SignatureUnsigned
	}

	keyID := strings.TrimSpace(result.PublicKeyID)
	var pub []byte
	if keyID == "" {
		result.add(IssueMissingPublicKey, "public_key_id is absent")
	} else if resolved, err := opts.Resolver.Resolve(keyID); err != nil {
		result.add(IssueMissingPublicKey, "%v", err)
	} else {
		pub = resolved
	}

	var raw []byte
	if !hasSignature {
		result.add(IssueSignatureNotBase64, "signature is not a string")
	} else if decoded, err := sign.DecodeSignature(signature); err != nil {
		result.add(IssueSignatureNotBase64, "%v", err)
	} else {
		raw = decoded
	}

	if pub == nil || raw == nil {
		return SignatureFailed
	}
	if !opts.Verifier.Verify(pub, canonical, raw) {
		result.add(IssueSignatureInvalid, "signature does not verify with key %s", keyID)
		return SignatureFailed
	}
	return SignatureVerified
}

// IsUnsigned reports whether the envelope carries neither a signature nor a
// public key id.
func IsUnsigned(envelope map[string]any) bool {
	signature, _ := envelope[schemareceipt.KeySignature].(string)
	keyID, _ := envelope[schemareceipt.KeyPublicKeyID].(string)
	_, hasSignature := envelope[schemareceipt.KeySignature]
	_, hasKeyID := envelope[schemareceipt.KeyPublicKeyID]
	return (!hasSignature || strings.TrimSpace(signature) == "") && (!hasKeyID || strings.TrimSpace(keyID) == "")
}

// BodyOf returns the envelope without its signature keys.
func BodyOf(envelope map[string]any) map[string]any {
	body := make(map[string]any, len(envelope))
	for key, value := range envelope {
		body[key] = value
	}
	for _, key := range schemareceipt.SignatureKeys {
		delete(body, key)
	}
	return body
}

// DecodeEnvelope parses JSON into a generic map, keeping numbers as written.
func DecodeEnvelope(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var envelope map[string]any
	if err := decoder.Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope == nil {
		return nil, errors.New("envelope is not a JSON object")
	}
	if decoder.More() {
		return nil, errors.New("trailing data after envelope")
	}
	return envelope, nil
}

// VerifyBytes decodes and schema-checks data before verifying it.
func VerifyBytes(data []byte, opts Options) Result {
	envelope, err := DecodeEnvelope(data)
	if err != nil {
		result := Result{SignatureStatus: SignatureFailed, Issues: []VerifyIssue{}}
		result.add(IssueMalformedEnvelope, "%v", err)
		return result
	}
	if err := validate.ValidateJSON(validate.SchemaReceiptEnvelope, data); err != nil {
		result := Result{SignatureStatus: SignatureFailed, Issues: []VerifyIssue{}}
		result.FeedID, _ = envelope[schemareceipt.KeyFeedID].(string)
		result.add(IssueMalformedEnvelope, "%v", err)
		return result
	}
	return VerifyWith(envelope, opts)
}

func VerifyFile(path string, opts Options) Result {
	// #nosec G304 -- receipt path is explicit user input.
	data, err := os.ReadFile(path)
	if err != nil {
		result := Result{Path: path, SignatureStatus: SignatureFailed, Issues: []VerifyIssue{}}
		result.add(IssueUnreadable, "%v", err)
		return result
	}
	result := VerifyBytes(data, opts)
	result.Path = path
	return result
}
