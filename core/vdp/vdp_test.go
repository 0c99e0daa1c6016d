package vdp

import (
	"reflect"
	"testing"
	"time"

	schemareceipt "github.com/davidahmann/ledgerproof/core/schema/v1/receipt"
)

var evalNow = time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)

func observation(ts string) schemareceipt.Observation {
	return schemareceipt.Observation{
		Label:        "btc_usd",
		Value:        1,
		TimestampUTC: ts,
		Source:       "exchange-a",
		Volatile:     true,
	}
}

func issueCodes(result Result) []string {
	codes := []string{}
	for _, issue := range result.Issues {
		codes = append(codes, issue.Code)
	}
	return codes
}

func TestFreshnessBoundary(t *testing.T) {
	old := observation(evalNow.Add(-11 * time.Minute).Format("2006-01-02T15:04:05Z"))
	result := EvaluateObservations([]schemareceipt.Observation{old}, evalNow, 10*time.Minute)
	if result.Verdict != VerdictFail || len(result.Issues) != 1 || result.Issues[0].Code != IssueStaleWithoutLabel {
		t.Fatalf("expected one stale issue, got %#v", result)
	}

	old.StaleLabeled = true
	result = EvaluateObservations([]schemareceipt.Observation{old}, evalNow, 10*time.Minute)
	if !result.Passed() {
		t.Fatalf("stale labeled observation should pass: %#v", result)
	}

	exact := observation(evalNow.Add(-10 * time.Minute).Format("2006-01-02T15:04:05Z"))
	result = EvaluateObservations([]schemareceipt.Observation{exact}, evalNow, 10*time.Minute)
	if !result.Passed() {
		t.Fatalf("age equal to the window is still fresh: %#v", result)
	}
}

func TestFutureTimestampNeverStale(t *testing.T) {
	future := observation(evalNow.Add(48 * time.Hour).Format("2006-01-02T15:04:05Z"))
	result := EvaluateObservations([]schemareceipt.Observation{future}, evalNow, time.Minute)
	if result.Verdict != VerdictPass || len(result.Issues) != 0 {
		t.Fatalf("future timestamp flagged: %#v", result)
	}
}

func TestMissingAttribution(t *testing.T) {
	missingSource := observation("2026-01-02T11:59:00Z")
	missingSource.Source = "  "
	badTimestamp := observation("2026-01-02T11:59:00.5Z")
	noTimestamp := observation("")

	result := EvaluateObservations([]schemareceipt.Observation{missingSource, badTimestamp, noTimestamp}, evalNow, DefaultWindow)
	if result.Verdict != VerdictFail || result.Checked != 3 {
		t.Fatalf("unexpected result: %#v", result)
	}
	want := []string{IssueMissingSource, IssueMissingTimestamp, IssueMissingTimestamp}
	if got := issueCodes(result); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected issue codes: got=%v want=%v", got, want)
	}
	if result.Issues[1].Index != 1 {
		t.Fatalf("issue should point at observation 1: %#v", result.Issues[1])
	}
}

func TestNonVolatileIgnored(t *testing.T) {
	stale := observation("2020-01-01T00:00:00Z")
	stale.Volatile = false
	stale.Source = ""
	result := EvaluateObservations([]schemareceipt.Observation{stale}, evalNow, DefaultWindow)
	if !result.Passed() || result.Checked != 0 {
		t.Fatalf("non-volatile observation must be skipped: %#v", result)
	}
}

func TestDefaultWindowApplied(t *testing.T) {
	obs := observation(evalNow.Add(-9 * time.Minute).Format("2006-01-02T15:04:05Z"))
	result := EvaluateObservations([]schemareceipt.Observation{obs}, evalNow, 0)
	if !result.Passed() || result.Window != DefaultWindow.String() {
		t.Fatalf("expected default window pass: %#v", result)
	}
}

func TestEvaluateJSON(t *testing.T) {
	envelope := []byte(`{"feed_id":"f","plan_id":"p","issued_at":"2026-01-02T12:00:00Z","observations":[
		{"label":"a","value":1,"timestamp_utc":"2026-01-02T11:00:00Z","source":"s"},
		{"label":"b","value":2,"timestamp_utc":"2026-01-02T11:00:00Z","source":"s","volatile":false}
	]}`)
	result, err := EvaluateJSON(envelope, evalNow, DefaultWindow)
	if err != nil {
		t.Fatalf("evaluate envelope: %v", err)
	}
	if result.Verdict != VerdictFail || len(result.Issues) != 1 || result.Issues[0].Label != "a" {
		t.Fatalf("expected one issue on a: %#v", result)
	}

	array := []byte(`[{"label":"a","value":1,"timestamp_utc":"2026-01-02T11:59:30Z","source":"s"}]`)
	result, err = EvaluateJSON(array, evalNow, DefaultWindow)
	if err != nil || !result.Passed() {
		t.Fatalf("fresh array should pass: err=%v result=%#v", err, result)
	}

	for _, input := range []string{" ", `{"observations":"nope"}`, `[1,`} {
		if _, err := EvaluateJSON([]byte(input), evalNow, DefaultWindow); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestEvaluateJSONReportsMistypedFieldsPerObservation(t *testing.T) {
	input := []byte(`[
		{"label":"fresh","value":1,"timestamp_utc":"2026-01-02T11:59:00Z","source":5},
		{"label":"old","value":2,"timestamp_utc":"2024-01-01T00:00:00Z","source":"s"},
		{"label":"numeric_ts","value":3,"timestamp_utc":1767355140,"source":"s"},
		{"label":"flags","value":4,"timestamp_utc":"2024-01-01T00:00:00Z","source":"s","volatile":"yes","stale_labeled":"yes"},
		"not an object"
	]`)
	result, err := EvaluateJSON(input, evalNow, DefaultWindow)
	if err != nil {
		t.Fatalf("mistyped fields must not abort the batch: %v", err)
	}
	if result.Verdict != VerdictFail || result.Checked != 5 {
		t.Fatalf("unexpected result: %#v", result)
	}
	want := []string{
		IssueMissingSource,
		IssueStaleWithoutLabel,
		IssueMissingTimestamp,
		IssueStaleWithoutLabel,
		IssueMissingSource,
		IssueMissingTimestamp,
	}
	if got := issueCodes(result); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected issue codes: got=%v want=%v", got, want)
	}
	if result.Issues[1].Label != "old" || result.Issues[1].Index != 1 {
		t.Fatalf("stale observation must still be reported: %#v", result.Issues[1])
	}
}
