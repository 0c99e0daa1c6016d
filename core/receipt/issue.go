// Package receipt issues and verifies signed observation envelopes for
// untrusted data feeds.
package receipt

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/ledgerproof/core/jcs"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	schemareceipt "github.com/davidahmann/ledgerproof/core/schema/v1/receipt"
	"github.com/davidahmann/ledgerproof/core/schema/validate"
	"github.com/davidahmann/ledgerproof/core/sign"
)

// AdapterError rejects issuer input. No signed artifact is produced when one
// is returned.
type AdapterError struct {
	Field  string
	Reason string
	Err    error
}

func (e *AdapterError) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "receipt adapter: " + msg
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func adapterErrorf(field string, format string, args ...any) *AdapterError {
	return &AdapterError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type BuildInput struct {
	FeedID       string
	PlanID       string
	Observations []map[string]any
	// IssuedAt defaults to Now() at second resolution when empty.
	IssuedAt string
	Meta     map[string]any
	Now      func() time.Time
}

// BuildEnvelope validates input and returns the unsigned envelope body.
func BuildEnvelope(input BuildInput) (map[string]any, error) {
	feedID := strings.TrimSpace(input.FeedID)
	if feedID == "" {
		return nil, adapterErrorf(schemareceipt.KeyFeedID, "must be a non-empty string")
	}
	planID := strings.TrimSpace(input.PlanID)
	if planID == "" {
		return nil, adapterErrorf(schemareceipt.KeyPlanID, "must be a non-empty string")
	}

	issuedAt := strings.TrimSpace(input.IssuedAt)
	if issuedAt == "" {
		now := time.Now
		if input.Now != nil {
			now = input.Now
		}
		issuedAt = common.FormatTimestamp(now())
	} else if _, err := common.ParseTimestamp(issuedAt); err != nil {
		return nil, adapterErrorf(schemareceipt.KeyIssuedAt, "must match YYYY-MM-DDThh:mm:ssZ, got %q", issuedAt)
	}

	observations := make([]any, 0, len(input.Observations))
	for index, raw := range input.Observations {
		observation, err := normalizeObservation(index, raw)
		if err != nil {
			return nil, err
		}
		observations = append(observations, observation)
	}

	body := make(map[string]any, len(input.Meta)+4)
	metaKeys := make([]string, 0, len(input.Meta))
	for key := range input.Meta {
		metaKeys = append(metaKeys, key)
	}
	sort.Strings(metaKeys)
	for _, key := range metaKeys {
		if strings.TrimSpace(key) == "" {
			return nil, adapterErrorf("meta", "keys must be non-empty")
		}
		if schemareceipt.IsReservedEnvelopeKey(key) {
			return nil, adapterErrorf("meta", "key %q is reserved", key)
		}
		body[key] = input.Meta[key]
	}
	body[schemareceipt.KeyFeedID] = feedID
	body[schemareceipt.KeyPlanID] = planID
	body[schemareceipt.KeyIssuedAt] = issuedAt
	body[schemareceipt.KeyObservations] = observations

	if _, err := jcs.Canonicalize(body); err != nil {
		return nil, &AdapterError{Field: "body", Reason: "not canonicalizable", Err: err}
	}
	return body, nil
}

func normalizeObservation(index int, raw map[string]any) (map[string]any, error) {
	field := func(name string) string {
		return fmt.Sprintf("observations[%d].%s", index, name)
	}
	if raw == nil {
		return nil, adapterErrorf(fmt.Sprintf("observations[%d]", index), "must be an object")
	}
	out := make(map[string]any, len(raw)+2)
	for key, value := range raw {
		out[key] = value
	}

	label, ok := raw[schemareceipt.KeyLabel].(string)
	if !ok || strings.TrimSpace(label) == "" {
		return nil, adapterErrorf(field(schemareceipt.KeyLabel), "must be a non-empty string")
	}
	if _, ok := raw[schemareceipt.KeyValue]; !ok {
		return nil, adapterErrorf(field(schemareceipt.KeyValue), "is required")
	}
	timestamp, ok := raw[schemareceipt.KeyTimestampUTC].(string)
	if !ok {
		return nil, adapterErrorf(field(schemareceipt.KeyTimestampUTC), "must be a string")
	}
	if _, err := common.ParseTimestamp(timestamp); err != nil {
		return nil, adapterErrorf(field(schemareceipt.KeyTimestampUTC), "must match YYYY-MM-DDThh:mm:ssZ, got %q", timestamp)
	}
	source, ok := raw[schemareceipt.KeySource].(string)
	if !ok || strings.TrimSpace(source) == "" {
		return nil, adapterErrorf(field(schemareceipt.KeySource), "must be a non-empty string")
	}

	for key, fallback := range map[string]bool{
		schemareceipt.KeyVolatile:     true,
		schemareceipt.KeyStaleLabeled: false,
	} {
		value, present := raw[key]
		if !present || value == nil {
			out[key] = fallback
			continue
		}
		if _, isBool := value.(bool); !isBool {
			return nil, adapterErrorf(field(key), "must be a boolean")
		}
	}
	return out, nil
}

// ParsePrivateKey decodes base64 seed material. Anything but exactly 32
// decoded bytes is an AdapterError.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	priv, err := sign.ParsePrivateKeyBase64(encoded)
	if err != nil {
		return nil, &AdapterError{Field: "private_key", Reason: "invalid key material", Err: err}
	}
	return priv, nil
}

// Sign signs the canonical body and returns unpadded base64url.
func Sign(body map[string]any, signer sign.Signer) (string, error) {
	if signer == nil {
		return "", adapterErrorf("signer", "signing capability is not configured")
	}
	canonical, err := jcs.Canonicalize(body)
	if err != nil {
		return "", &AdapterError{Field: "body", Reason: "not canonicalizable", Err: err}
	}
	signature, err := signer.Sign(canonical)
	if err != nil {
		return "", &AdapterError{Field: "signer", Reason: "signing failed", Err: err}
	}
	return sign.EncodeSignature(signature), nil
}

// Issue builds, hashes and signs an envelope. publicKeyID defaults to the
// key id derived from the signer's public key.
func Issue(input BuildInput, signer sign.Signer, publicKeyID string) (map[string]any, error) {
	if signer == nil {
		return nil, adapterErrorf("signer", "signing capability is not configured")
	}
	publicKeyID = strings.TrimSpace(publicKeyID)
	if publicKeyID == "" {
		publicKeyID = sign.KeyID(signer.Public())
	}
	if !sign.ValidKeyID(publicKeyID) {
		return nil, adapterErrorf(schemareceipt.KeyPublicKeyID, "invalid key id %q", publicKeyID)
	}

	body, err := BuildEnvelope(input)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Canonicalize(body)
	if err != nil {
		return nil, &AdapterError{Field: "body", Reason: "not canonicalizable", Err: err}
	}
	signature, err := Sign(body, signer)
	if err != nil {
		return nil, err
	}

	envelope := make(map[string]any, len(body)+3)
	for key, value := range body {
		envelope[key] = value
	}
	envelope[schemareceipt.KeyHashSHA256] = jcs.Digest(canonical)
	envelope[schemareceipt.KeySignature] = signature
	envelope[schemareceipt.KeyPublicKeyID] = publicKeyID

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, &AdapterError{Field: "envelope", Reason: "encode failed", Err: err}
	}
	if err := validate.ValidateJSON(validate.SchemaReceiptEnvelope, encoded); err != nil {
		return nil, &AdapterError{Field: "envelope", Reason: "schema validation failed", Err: err}
	}
	return envelope, nil
}

// IsAdapterError reports whether err rejects issuer input.
func IsAdapterError(err error) bool {
	var adapterErr *AdapterError
	return errors.As(err, &adapterErr)
}
