package vdp

import (
	"bytes"
	"encoding/json"
	"fmt"

	schemareceipt "github.com/davidahmann/ledgerproof/core/schema/v1/receipt"
)

// decodeLenient turns each raw element into an Observation without failing
// on mistyped fields. A non-string source or timestamp decodes as empty so
// the evaluation reports it on that observation. A non-boolean volatile flag
// keeps the volatile default and a non-boolean stale_labeled counts as unlabeled.
func decodeLenient(elements []json.RawMessage) []schemareceipt.Observation {
	observations := make([]schemareceipt.Observation, 0, len(elements))
	for _, element := range elements {
		observation := schemareceipt.Observation{Volatile: true}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(element, &fields); err != nil {
			observations = append(observations, observation)
			continue
		}
		observation.Label = lenientString(fields[schemareceipt.KeyLabel])
		observation.Source = lenientString(fields[schemareceipt.KeySource])
		observation.TimestampUTC = lenientString(fields[schemareceipt.KeyTimestampUTC])
		if volatile, ok := lenientBool(fields[schemareceipt.KeyVolatile]); ok {
			observation.Volatile = volatile
		}
		observation.StaleLabeled, _ = lenientBool(fields[schemareceipt.KeyStaleLabeled])
		observations = append(observations, observation)
	}
	return observations
}

func lenientString(raw json.RawMessage) string {
	var value string
	if len(raw) == 0 || json.Unmarshal(raw, &value) != nil {
		return ""
	}
	return value
}

func lenientBool(raw json.RawMessage) (bool, bool) {
	var value bool
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) || json.Unmarshal(raw, &value) != nil {
		return false, false
	}
	return value, true
}

// observationElements extracts the observation list from a receipt envelope
// or a bare array. Only the outer shape is enforced here.
func observationElements(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	var elements []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, fmt.Errorf("parse observations: %w", err)
		}
		return elements, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	raw, ok := envelope[schemareceipt.KeyObservations]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("parse envelope observations: %w", err)
	}
	return elements, nil
}
