package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	KeyFeedID       = "feed_id"
	KeyPlanID       = "plan_id"
	KeyIssuedAt     = "issued_at"
	KeyObservations = "observations"
	KeyHashSHA256   = "hash_sha256"
	KeySignature    = "signature"
	KeyPublicKeyID  = "public_key_id"

	KeyLabel        = "label"
	KeyValue        = "value"
	KeyTimestampUTC = "timestamp_utc"
	KeySource       = "source"
	KeyVolatile     = "volatile"
	KeyStaleLabeled = "stale_labeled"
)

// SignatureKeys are stripped from an envelope to obtain its signed body.
var SignatureKeys = []string{KeyHashSHA256, KeySignature, KeyPublicKeyID}

// Observation is one attributed data point inside an envelope. Unknown keys
// are preserved in Extra so they stay covered by the envelope hash.
type Observation struct {
	Label        string         `json:"label"`
	Value        any            `json:"value"`
	TimestampUTC string         `json:"timestamp_utc"`
	Source       string         `json:"source"`
	Volatile     bool           `json:"volatile"`
	StaleLabeled bool           `json:"stale_labeled"`
	Extra        map[string]any `json:"-"`
}

// Envelope is a signed receipt. Meta carries extra top-level body keys.
type Envelope struct {
	FeedID       string         `json:"feed_id"`
	PlanID       string         `json:"plan_id"`
	IssuedAt     string         `json:"issued_at"`
	Observations []Observation  `json:"observations"`
	Meta         map[string]any `json:"-"`
	HashSHA256   string         `json:"hash_sha256,omitempty"`
	Signature    string         `json:"signature,omitempty"`
	PublicKeyID  string         `json:"public_key_id,omitempty"`
}

var observationKeys = map[string]struct{}{
	KeyLabel: {}, KeyValue: {}, KeyTimestampUTC: {}, KeySource: {}, KeyVolatile: {}, KeyStaleLabeled: {},
}

var envelopeKeys = map[string]struct{}{
	KeyFeedID: {}, KeyPlanID: {}, KeyIssuedAt: {}, KeyObservations: {},
	KeyHashSHA256: {}, KeySignature: {}, KeyPublicKeyID: {},
}

// IsReservedEnvelopeKey reports whether key is owned by the envelope format
// and therefore cannot be used as a meta key.
func IsReservedEnvelopeKey(key string) bool {
	_, ok := envelopeKeys[key]
	return ok
}

func (o Observation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Map())
}

// Map renders the observation as a generic JSON object.
func (o Observation) Map() map[string]any {
	out := make(map[string]any, len(o.Extra)+len(observationKeys))
	for key, value := range o.Extra {
		if _, reserved := observationKeys[key]; reserved {
			continue
		}
		out[key] = value
	}
	out[KeyLabel] = o.Label
	out[KeyValue] = o.Value
	out[KeyTimestampUTC] = o.TimestampUTC
	out[KeySource] = o.Source
	out[KeyVolatile] = o.Volatile
	out[KeyStaleLabeled] = o.StaleLabeled
	return out
}

// UnmarshalJSON decodes an observation. An absent volatile flag decodes as
// true and an absent stale_labeled flag as false, matching issuer defaults.
func (o *Observation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := Observation{Volatile: true}
	extra := map[string]any{}
	for key, value := range raw {
		var err error
		switch key {
		case KeyLabel:
			err = decodeString(value, &decoded.Label)
		case KeyValue:
			err = decodeNumberPreserving(value, &decoded.Value)
		case KeyTimestampUTC:
			err = decodeString(value, &decoded.TimestampUTC)
		case KeySource:
			err = decodeString(value, &decoded.Source)
		case KeyVolatile:
			err = json.Unmarshal(value, &decoded.Volatile)
		case KeyStaleLabeled:
			err = json.Unmarshal(value, &decoded.StaleLabeled)
		default:
			var item any
			err = decodeNumberPreserving(value, &item)
			extra[key] = item
		}
		if err != nil {
			return fmt.Errorf("observation %s: %w", key, err)
		}
	}
	if len(extra) > 0 {
		decoded.Extra = extra
	}
	*o = decoded
	return nil
}

// Body returns the signed portion of the envelope as a generic JSON object.
func (e Envelope) Body() map[string]any {
	body := make(map[string]any, len(e.Meta)+4)
	for key, value := range e.Meta {
		if IsReservedEnvelopeKey(key) {
			continue
		}
		body[key] = value
	}
	observations := make([]any, 0, len(e.Observations))
	for _, observation := range e.Observations {
		observations = append(observations, observation.Map())
	}
	body[KeyFeedID] = e.FeedID
	body[KeyPlanID] = e.PlanID
	body[KeyIssuedAt] = e.IssuedAt
	body[KeyObservations] = observations
	return body
}

// Map renders the full envelope, signature fields included when set.
func (e Envelope) Map() map[string]any {
	out := e.Body()
	if e.HashSHA256 != "" {
		out[KeyHashSHA256] = e.HashSHA256
	}
	if e.Signature != "" {
		out[KeySignature] = e.Signature
	}
	if e.PublicKeyID != "" {
		out[KeyPublicKeyID] = e.PublicKeyID
	}
	return out
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := Envelope{}
	meta := map[string]any{}
	for key, value := range raw {
		var err error
		switch key {
		case KeyFeedID:
			err = decodeString(value, &decoded.FeedID)
		case KeyPlanID:
			err = decodeString(value, &decoded.PlanID)
		case KeyIssuedAt:
			err = decodeString(value, &decoded.IssuedAt)
		case KeyObservations:
			err = json.Unmarshal(value, &decoded.Observations)
		case KeyHashSHA256:
			err = decodeString(value, &decoded.HashSHA256)
		case KeySignature:
			err = decodeString(value, &decoded.Signature)
		case KeyPublicKeyID:
			err = decodeString(value, &decoded.PublicKeyID)
		default:
			var item any
			err = decodeNumberPreserving(value, &item)
			meta[key] = item
		}
		if err != nil {
			return fmt.Errorf("envelope %s: %w", key, err)
		}
	}
	if len(meta) > 0 {
		decoded.Meta = meta
	}
	*e = decoded
	return nil
}

func decodeString(raw json.RawMessage, target *string) error {
	if string(raw) == "null" {
		*target = ""
		return nil
	}
	return json.Unmarshal(raw, target)
}

func decodeNumberPreserving(raw json.RawMessage, target *any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	return decoder.Decode(target)
}
