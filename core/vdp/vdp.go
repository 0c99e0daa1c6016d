// Package vdp enforces the volatile data policy: volatile observations must
// be attributed and either fresh or explicitly labeled stale.
package vdp

import (
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	schemareceipt "github.com/davidahmann/ledgerproof/core/schema/v1/receipt"
)

const DefaultWindow = 10 * time.Minute

const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

const (
	IssueMissingTimestamp  = "missing_timestamp"
	IssueMissingSource     = "missing_source"
	IssueStaleWithoutLabel = "stale_without_label"
)

type Issue struct {
	Index   int    `json:"index"`
	Label   string `json:"label,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Verdict string  `json:"verdict"`
	Checked int     `json:"checked"`
	Window  string  `json:"freshness_window"`
	Issues  []Issue `json:"issues"`
}

func (r Result) Passed() bool {
	return r.Verdict == VerdictPass
}

// EvaluateObservations checks every volatile observation against now. A
// non-positive window falls back to DefaultWindow. Timestamps after now are
// never stale.
func EvaluateObservations(observations []schemareceipt.Observation, now time.Time, window time.Duration) Result {
	if window <= 0 {
		window = DefaultWindow
	}
	now = now.UTC()
	result := Result{Window: window.String(), Issues: []Issue{}}
	for index, observation := range observations {
		if !observation.Volatile {
			continue
		}
		result.Checked++
		report := func(code string, format string, args ...any) {
			result.Issues = append(result.Issues, Issue{
				Index:   index,
				Label:   observation.Label,
				Code:    code,
				Message: fmt.Sprintf(format, args...),
			})
		}

		if strings.TrimSpace(observation.Source) == "" {
			report(IssueMissingSource, "volatile observation has no source")
		}
		timestamp, err := common.ParseTimestamp(observation.TimestampUTC)
		if err != nil {
			report(IssueMissingTimestamp, "%v", err)
			continue
		}
		if now.Before(timestamp) {
			continue
		}
		if age := now.Sub(timestamp); age > window && !observation.StaleLabeled {
			report(IssueStaleWithoutLabel, "observed %s ago, window %s", age.Truncate(time.Second), window)
		}
	}
	result.Verdict = VerdictPass
	if len(result.Issues) > 0 {
		result.Verdict = VerdictFail
	}
	return result
}

func EvaluateEnvelope(envelope schemareceipt.Envelope, now time.Time, window time.Duration) Result {
	return EvaluateObservations(envelope.Observations, now, window)
}

// EvaluateJSON accepts a receipt envelope or a bare observation array. Only
// a malformed outer document is an error; mistyped observation fields become
// issues on the observation that carries them.
func EvaluateJSON(data []byte, now time.Time, window time.Duration) (Result, error) {
	elements, err := observationElements(data)
	if err != nil {
		return Result{}, err
	}
	return EvaluateObservations(decodeLenient(elements), now, window), nil
}
