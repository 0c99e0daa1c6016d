package ledger

import (
	"bytes"
	"fmt"
	"os"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	schemaledger "github.com/davidahmann/ledgerproof/core/schema/v1/ledger"
)

const (
	ViolationHashSelfMismatch = "hash_self mismatch"
	ViolationBrokenLink       = "broken chain link"
	ViolationMissingCapsule   = "missing run capsule"
	ViolationMalformedEntry   = "malformed entry"
)

// VerifyChain replays the ledger and returns every integrity finding. An
// empty result means the chain is intact. Only failure to read the ledger
// file is an error; a missing ledger is an empty, intact chain.
func (l *Ledger) VerifyChain() ([]schemaledger.Violation, error) {
	// #nosec G304 -- ledger path is explicit configuration.
	file, err := os.Open(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []schemaledger.Violation{}, nil
		}
		return nil, coreerrors.Wrap(fmt.Errorf("open ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_open_failed", "", false)
	}
	defer func() { _ = file.Close() }()

	violations := []schemaledger.Violation{}
	// expectedPrev is nil before the first entry. linkKnown is false after a
	// malformed line, where the predecessor hash cannot be recovered.
	var expectedPrev *string
	linkKnown := true
	capsuleSeen := map[string]bool{}
	lineNo := 0

	scanner := newLineScanner(file)
	for scanner.Scan() {
		lineNo++
		trimmed := bytes.TrimSpace(scanner.Bytes())
		if len(trimmed) == 0 {
			continue
		}
		entry, decodeErr := decodeEntry(trimmed)
		if decodeErr != nil {
			violations = append(violations, schemaledger.Violation{
				Line:    lineNo,
				Kind:    ViolationMalformedEntry,
				Message: decodeErr.Error(),
			})
			linkKnown = false
			continue
		}
		runID := entry.RunID()

		storedSelf, hasSelf := entry[schemaledger.KeyHashSelf].(string)
		recomputed, hashErr := computeHashSelf(entry)
		switch {
		case hashErr != nil:
			violations = append(violations, schemaledger.Violation{
				Line: lineNo, RunID: runID, Kind: ViolationMalformedEntry,
				Message: hashErr.Error(),
			})
		case !hasSelf || storedSelf != recomputed:
			violations = append(violations, schemaledger.Violation{
				Line: lineNo, RunID: runID, Kind: ViolationHashSelfMismatch,
				Message: fmt.Sprintf("stored %q, computed %q", storedSelf, recomputed),
			})
		}

		storedPrev, prevOK := readHashPrev(entry)
		if linkKnown {
			if !prevOK || !sameLink(storedPrev, expectedPrev) {
				violations = append(violations, schemaledger.Violation{
					Line: lineNo, RunID: runID, Kind: ViolationBrokenLink,
					Message: fmt.Sprintf("hash_prev %s, expected %s", describeLink(storedPrev), describeLink(expectedPrev)),
				})
			}
		}

		if l.cfg.CapsuleDir != "" && runID != "" {
			present, checked := capsuleSeen[runID]
			if !checked {
				present = l.capsuleExists(runID)
				capsuleSeen[runID] = present
			}
			if !present {
				violations = append(violations, schemaledger.Violation{
					Line: lineNo, RunID: runID, Kind: ViolationMissingCapsule,
					Message: fmt.Sprintf("no capsule for run %s", runID),
				})
			}
		}

		// Link the successor to what this line claims, so a tampered body is
		// reported once at its own line.
		if hasSelf {
			self := storedSelf
			expectedPrev = &self
			linkKnown = true
		} else {
			linkKnown = false
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("read ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_read_failed", "", false)
	}
	l.logger.Debug("ledger verified", "path", l.cfg.Path, "lines", lineNo, "violations", len(violations))
	return violations, nil
}

// readHashPrev returns nil for JSON null. ok is false when the key is absent
// or holds a non-string.
func readHashPrev(entry Entry) (*string, bool) {
	raw, present := entry[schemaledger.KeyHashPrev]
	if !present {
		return nil, false
	}
	if raw == nil {
		return nil, true
	}
	value, isString := raw.(string)
	if !isString {
		return nil, false
	}
	return &value, true
}

func sameLink(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func describeLink(value *string) string {
	if value == nil {
		return "null"
	}
	return fmt.Sprintf("%q", *value)
}
