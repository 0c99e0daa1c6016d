package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	"github.com/davidahmann/ledgerproof/core/fsx"
	"github.com/davidahmann/ledgerproof/core/provenance"
	schemaledger "github.com/davidahmann/ledgerproof/core/schema/v1/ledger"
)

func newTestLedger(t *testing.T, capsules bool) *Ledger {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Path:            filepath.Join(dir, "ledger.jsonl"),
		ProducerVersion: "test",
		Provenance:      provenance.Static{"vcs": "test"},
	}
	if capsules {
		cfg.CapsuleDir = filepath.Join(dir, "capsules")
	}
	l, err := New(cfg)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l
}

func appendN(t *testing.T, l *Ledger, n int) []Entry {
	t.Helper()
	entries := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		entry, err := l.Append(context.Background(), map[string]any{"event": "step", "seq": i}, AppendOptions{})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	return strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{Path: "  "})
	if err == nil {
		t.Fatalf("expected error for empty path")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}
}

func TestAppendLinksEntries(t *testing.T) {
	l := newTestLedger(t, false)
	entries := appendN(t, l, 3)

	if _, ok := entries[0][schemaledger.KeyHashPrev]; !ok || entries[0][schemaledger.KeyHashPrev] != nil {
		t.Fatalf("first entry hash_prev must be null, got %#v", entries[0][schemaledger.KeyHashPrev])
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].HashPrev() != entries[i-1].HashSelf() {
			t.Fatalf("entry %d hash_prev %q does not link to %q", i, entries[i].HashPrev(), entries[i-1].HashSelf())
		}
	}

	read, err := l.ReadEntries()
	if err != nil {
		t.Fatalf("read entries: %v", err)
	}
	if len(read) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(read))
	}
	for i := range read {
		if read[i].HashSelf() != entries[i].HashSelf() {
			t.Fatalf("entry %d hash differs after reload", i)
		}
	}
}

func TestAppendAssignsTimestampAndRunID(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)
	l, err := New(Config{
		Path:         filepath.Join(dir, "ledger.jsonl"),
		Now:          func() time.Time { return fixed },
		RandomSuffix: func() string { return "0badc0de" },
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	entry, err := l.Append(context.Background(), map[string]any{"event": "start"}, AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.TS() != "2026-03-04T05:06:07Z" {
		t.Fatalf("unexpected ts: %s", entry.TS())
	}
	if entry.RunID() != "20260304T050607Z-0badc0de" {
		t.Fatalf("unexpected run_id: %s", entry.RunID())
	}
}

func TestAppendHonoursSuppliedTSAndRunID(t *testing.T) {
	l := newTestLedger(t, false)
	entry, err := l.Append(context.Background(), map[string]any{
		"ts":     "2025-01-01T00:00:00Z",
		"run_id": "run-a",
		"event":  "x",
	}, AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.TS() != "2025-01-01T00:00:00Z" || entry.RunID() != "run-a" {
		t.Fatalf("supplied fields not honoured: %#v", entry)
	}
}

func TestAppendRejectsReservedAndInvalidFields(t *testing.T) {
	l := newTestLedger(t, false)
	cases := []map[string]any{
		{"hash_prev": "x"},
		{"hash_self": "x"},
		{"ts": "2025-01-01 00:00:00"},
		{"ts": 12},
		{"run_id": "../escape"},
		{"run_id": ""},
	}
	for _, event := range cases {
		if _, err := l.Append(context.Background(), event, AppendOptions{}); err == nil {
			t.Fatalf("expected rejection for %#v", event)
		} else if coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
			t.Fatalf("unexpected category for %#v: %s", event, coreerrors.CategoryOf(err))
		}
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("rejected appends must not create the ledger: %v", err)
	}
}

func TestAppendRejectsUnencodableEvent(t *testing.T) {
	l := newTestLedger(t, false)
	_, err := l.Append(context.Background(), map[string]any{"bad": func() {}}, AppendOptions{})
	if err == nil {
		t.Fatalf("expected canonicalization error")
	}
}

func TestVerifyChainIntact(t *testing.T) {
	l := newTestLedger(t, true)
	appendN(t, l, 25)
	violations, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %#v", violations)
	}
}

func TestVerifyChainMissingLedgerIsEmpty(t *testing.T) {
	l := newTestLedger(t, false)
	violations, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %#v", violations)
	}
}

func TestVerifyChainDetectsMutationAtEveryPosition(t *testing.T) {
	const total = 6
	for target := 0; target < total; target++ {
		t.Run(fmt.Sprintf("entry_%d", target), func(t *testing.T) {
			l := newTestLedger(t, false)
			appendN(t, l, total)
			lines := readLines(t, l.Path())

			var entry map[string]any
			if err := json.Unmarshal([]byte(lines[target]), &entry); err != nil {
				t.Fatalf("decode line: %v", err)
			}
			entry["event"] = "tampered"
			mutated, err := json.Marshal(entry)
			if err != nil {
				t.Fatalf("encode line: %v", err)
			}
			lines[target] = string(mutated)
			writeLines(t, l.Path(), lines)

			violations, err := l.VerifyChain()
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if len(violations) != 1 {
				t.Fatalf("expected exactly one violation, got %#v", violations)
			}
			if violations[0].Kind != ViolationHashSelfMismatch || violations[0].Line != target+1 {
				t.Fatalf("unexpected violation: %#v", violations[0])
			}
		})
	}
}

func TestVerifyChainDetectsRemovedEntry(t *testing.T) {
	l := newTestLedger(t, false)
	appendN(t, l, 4)
	lines := readLines(t, l.Path())
	writeLines(t, l.Path(), append(lines[:1], lines[2:]...))

	violations, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 1 || violations[0].Kind != ViolationBrokenLink || violations[0].Line != 2 {
		t.Fatalf("expected one broken link at line 2, got %#v", violations)
	}
}

func TestVerifyChainReportsMalformedLineAndContinues(t *testing.T) {
	l := newTestLedger(t, false)
	appendN(t, l, 3)
	lines := readLines(t, l.Path())
	lines = append(lines[:2], append([]string{"{not json"}, lines[2:]...)...)
	writeLines(t, l.Path(), lines)

	violations, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 1 || violations[0].Kind != ViolationMalformedEntry || violations[0].Line != 3 {
		t.Fatalf("expected one malformed entry at line 3, got %#v", violations)
	}
}

func TestVerifyChainFlagsMissingCapsule(t *testing.T) {
	l := newTestLedger(t, true)
	entries := appendN(t, l, 2)
	if err := os.RemoveAll(filepath.Join(l.CapsuleDir(), entries[1].RunID())); err != nil {
		t.Fatalf("remove capsule: %v", err)
	}
	violations, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 1 || violations[0].Kind != ViolationMissingCapsule || violations[0].RunID != entries[1].RunID() {
		t.Fatalf("expected missing capsule for second run, got %#v", violations)
	}

	withoutCapsules, err := New(Config{Path: l.Path()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	violations, err = withoutCapsules.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("capsule check must be skipped without a capsule dir: %#v", violations)
	}
}

func TestCapsuleRoundTrip(t *testing.T) {
	l := newTestLedger(t, true)
	entry, err := l.Append(context.Background(), map[string]any{"event": "start"}, AppendOptions{
		Context: map[string]any{"agent": "crawler", "attempt": 2},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	capsule, err := l.LoadCapsule(entry.RunID())
	if err != nil {
		t.Fatalf("load capsule: %v", err)
	}
	if capsule.Meta.RunID != entry.RunID() || capsule.Meta.EntryHash != entry.HashSelf() {
		t.Fatalf("capsule meta does not match entry: %#v", capsule.Meta)
	}
	if capsule.Meta.Provenance["vcs"] != "test" || capsule.Meta.ProducerVersion != "test" {
		t.Fatalf("unexpected capsule provenance: %#v", capsule.Meta)
	}
	if capsule.Context["agent"] != "crawler" {
		t.Fatalf("unexpected capsule context: %#v", capsule.Context)
	}

	if _, err := l.LoadCapsule("does-not-exist"); err == nil {
		t.Fatalf("expected missing capsule error")
	}
	if _, err := l.LoadCapsule("../x"); err == nil {
		t.Fatalf("expected invalid run id error")
	}
}

func TestFailedAppendLeavesNoCapsule(t *testing.T) {
	l := newTestLedger(t, true)
	first, err := l.Append(context.Background(), map[string]any{"event": "start", "run_id": "run-kept"}, AppendOptions{})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	l.appendLine = func(string, []byte, os.FileMode) error {
		return errors.New("disk full")
	}
	_, err = l.Append(context.Background(), map[string]any{"event": "lost", "run_id": "run-lost"}, AppendOptions{})
	if err == nil {
		t.Fatalf("expected append failure")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryIOFailure {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}
	if _, statErr := os.Stat(filepath.Join(l.CapsuleDir(), "run-lost")); !os.IsNotExist(statErr) {
		t.Fatalf("capsule of the unwritten entry must be removed, stat err=%v", statErr)
	}

	// A capsule that predates the failed append belongs to a written entry.
	if _, err := l.Append(context.Background(), map[string]any{"event": "again", "run_id": "run-kept"}, AppendOptions{}); err == nil {
		t.Fatalf("expected append failure")
	}
	capsule, err := l.LoadCapsule("run-kept")
	if err != nil {
		t.Fatalf("existing capsule must survive a failed append: %v", err)
	}
	if capsule.Meta.EntryHash != first.HashSelf() {
		t.Fatalf("capsule must still name the first entry: %#v", capsule.Meta)
	}

	l.appendLine = fsx.AppendLine
	violations, err := l.VerifyChain()
	if err != nil || len(violations) != 0 {
		t.Fatalf("chain must stay intact: err=%v violations=%#v", err, violations)
	}
}

func TestAppendRefusesMalformedTail(t *testing.T) {
	l := newTestLedger(t, false)
	appendN(t, l, 1)
	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(l.Path(), append(raw, []byte("{broken\n")...), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = l.Append(context.Background(), map[string]any{"event": "next"}, AppendOptions{})
	if err == nil {
		t.Fatalf("expected append to refuse a malformed tail")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryIntegrity {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}
}

func TestAppendLockTimeout(t *testing.T) {
	dir := t.TempDir()
	l, err := New(Config{Path: filepath.Join(dir, "ledger.jsonl"), LockTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := os.WriteFile(l.Path()+".lock", []byte("1\n"), 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	_, err = l.Append(context.Background(), map[string]any{"event": "x"}, AppendOptions{})
	if !errors.Is(err, fsx.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if !coreerrors.RetryableOf(err) {
		t.Fatalf("lock timeout should be retryable")
	}
}

func TestConcurrentAppendsKeepChainIntact(t *testing.T) {
	l := newTestLedger(t, false)
	const writers = 8
	const perWriter = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(context.Background(), map[string]any{"worker": worker, "seq": i}, AppendOptions{}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}
	entries, err := l.ReadEntries()
	if err != nil {
		t.Fatalf("read entries: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("expected %d entries, got %d", writers*perWriter, len(entries))
	}
	violations, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected intact chain, got %#v", violations)
	}
}

func TestTail(t *testing.T) {
	l := newTestLedger(t, false)
	entries := appendN(t, l, 5)
	tail, err := l.Tail(2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[1].HashSelf() != entries[4].HashSelf() {
		t.Fatalf("unexpected tail: %#v", tail)
	}
	all, err := l.Tail(0)
	if err != nil || len(all) != 5 {
		t.Fatalf("tail(0) should return all entries: %d %v", len(all), err)
	}
}
