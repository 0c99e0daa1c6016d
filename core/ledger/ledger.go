// Package ledger implements the local append-only integrity ledger: one JSON
// object per line, each entry hash-linked to its predecessor, with optional
// per-run context capsules.
package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	"github.com/davidahmann/ledgerproof/core/fsx"
	"github.com/davidahmann/ledgerproof/core/jcs"
	"github.com/davidahmann/ledgerproof/core/logx"
	"github.com/davidahmann/ledgerproof/core/provenance"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	schemaledger "github.com/davidahmann/ledgerproof/core/schema/v1/ledger"
	"github.com/davidahmann/ledgerproof/core/schema/validate"
)

const runIDTimeLayout = "20060102T150405Z"

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

type Config struct {
	Path            string
	CapsuleDir      string
	ProducerVersion string
	Provenance      provenance.Provider
	LockTimeout     time.Duration
	Logger          *slog.Logger
	// Now and RandomSuffix are substitutable for deterministic tests.
	Now          func() time.Time
	RandomSuffix func() string
}

type Ledger struct {
	cfg        Config
	logger     *slog.Logger
	appendLine func(path string, line []byte, mode os.FileMode) error
}

// Entry is one decoded LogEntry. Event fields sit beside the reserved keys.
type Entry map[string]any

func (e Entry) stringField(key string) string {
	value, _ := e[key].(string)
	return value
}

func (e Entry) TS() string       { return e.stringField(schemaledger.KeyTS) }
func (e Entry) RunID() string    { return e.stringField(schemaledger.KeyRunID) }
func (e Entry) HashPrev() string { return e.stringField(schemaledger.KeyHashPrev) }
func (e Entry) HashSelf() string { return e.stringField(schemaledger.KeyHashSelf) }

type AppendOptions struct {
	// Context is persisted as the run capsule context record when the ledger
	// has a capsule directory.
	Context map[string]any
}

func New(cfg Config) (*Ledger, error) {
	cfg.Path = strings.TrimSpace(cfg.Path)
	cfg.CapsuleDir = strings.TrimSpace(cfg.CapsuleDir)
	if cfg.Path == "" {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "ledger_path_required", "ledger path is required")
	}
	if cfg.ProducerVersion == "" {
		cfg.ProducerVersion = "0.0.0-dev"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomSuffix == nil {
		cfg.RandomSuffix = randomSuffix
	}
	return &Ledger{cfg: cfg, logger: logx.OrDiscard(cfg.Logger), appendLine: fsx.AppendLine}, nil
}

func (l *Ledger) Path() string {
	return l.cfg.Path
}

func (l *Ledger) CapsuleDir() string {
	return l.cfg.CapsuleDir
}

// Append writes event as the next chain entry. ts and run_id are assigned
// when absent; hash_prev and hash_self are always computed here. The tail
// read and the write happen under the ledger lock so concurrent writers from
// other processes serialize instead of forking the chain.
func (l *Ledger) Append(ctx context.Context, event map[string]any, opts AppendOptions) (Entry, error) {
	entry, err := l.prepareEntry(event)
	if err != nil {
		return nil, err
	}
	lockOpts := fsx.LockOptions{Timeout: l.cfg.LockTimeout}
	err = fsx.WithFileLock(l.cfg.Path, lockOpts, func() error {
		prev, tailErr := l.lastHash()
		if tailErr != nil {
			return tailErr
		}
		if prev == "" {
			entry[schemaledger.KeyHashPrev] = nil
		} else {
			entry[schemaledger.KeyHashPrev] = prev
		}
		hashSelf, hashErr := computeHashSelf(entry)
		if hashErr != nil {
			return hashErr
		}
		entry[schemaledger.KeyHashSelf] = hashSelf
		line, encodeErr := jcs.Canonicalize(entry)
		if encodeErr != nil {
			return encodeErr
		}
		if schemaErr := validate.ValidateJSON(validate.SchemaLedgerEntry, line); schemaErr != nil {
			return coreerrors.Wrap(schemaErr, coreerrors.CategoryInvalidInput, "ledger_entry_invalid", "check reserved ledger fields", false)
		}
		// The capsule goes first so a written entry always has one. A capsule
		// created for an entry that then fails to append is removed again.
		createdCapsule := false
		if l.cfg.CapsuleDir != "" {
			created, capsuleErr := l.writeCapsule(ctx, entry, opts.Context)
			if capsuleErr != nil {
				return capsuleErr
			}
			createdCapsule = created
		}
		if appendErr := l.appendLine(l.cfg.Path, line, 0o600); appendErr != nil {
			if createdCapsule {
				if removeErr := os.RemoveAll(l.capsulePath(entry.RunID())); removeErr != nil {
					l.logger.Warn("orphan run capsule left behind", "run_id", entry.RunID(), "error", removeErr)
				}
			}
			return coreerrors.Wrap(appendErr, coreerrors.CategoryIOFailure, "ledger_append_failed", "", false)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fsx.ErrLockTimeout) {
			return nil, coreerrors.Contention(err, "ledger_lock_timeout", "another writer holds the ledger lock; retry")
		}
		return nil, err
	}
	l.logger.Debug("ledger append", "path", l.cfg.Path, "run_id", entry.RunID(), "hash_self", entry.HashSelf())
	return entry, nil
}

func (l *Ledger) prepareEntry(event map[string]any) (Entry, error) {
	entry := Entry{}
	for key, value := range event {
		if key == schemaledger.KeyHashPrev || key == schemaledger.KeyHashSelf {
			return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "ledger_reserved_field", "event may not set %s", key)
		}
		entry[key] = value
	}
	now := l.cfg.Now().UTC()
	if raw, ok := entry[schemaledger.KeyTS]; ok && raw != nil {
		ts, isString := raw.(string)
		if !isString {
			return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "ledger_bad_ts", "ts must be a string")
		}
		if _, err := common.ParseTimestamp(ts); err != nil {
			return nil, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "ledger_bad_ts", "use YYYY-MM-DDThh:mm:ssZ", false)
		}
	} else {
		entry[schemaledger.KeyTS] = common.FormatTimestamp(now)
	}
	if raw, ok := entry[schemaledger.KeyRunID]; ok && raw != nil {
		runID, isString := raw.(string)
		if !isString || !ValidRunID(runID) {
			return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "ledger_bad_run_id", "run_id %v is not a valid identifier", raw)
		}
	} else {
		entry[schemaledger.KeyRunID] = now.Format(runIDTimeLayout) + "-" + l.cfg.RandomSuffix()
	}
	return entry, nil
}

// ValidRunID reports whether id can name a run capsule directory.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

func (l *Ledger) lastHash() (string, error) {
	// #nosec G304 -- ledger path is explicit configuration.
	file, err := os.Open(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", coreerrors.Wrap(fmt.Errorf("open ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_open_failed", "", false)
	}
	defer func() { _ = file.Close() }()

	var last []byte
	lineNo, lastLineNo := 0, 0
	scanner := newLineScanner(file)
	for scanner.Scan() {
		lineNo++
		trimmed := bytes.TrimSpace(scanner.Bytes())
		if len(trimmed) == 0 {
			continue
		}
		last = append(last[:0], trimmed...)
		lastLineNo = lineNo
	}
	if err := scanner.Err(); err != nil {
		return "", coreerrors.Wrap(fmt.Errorf("read ledger: %w", err), coreerrors.CategoryIOFailure, "ledger_read_failed", "", false)
	}
	if last == nil {
		return "", nil
	}
	entry, err := decodeEntry(last)
	if err != nil {
		return "", coreerrors.Wrap(fmt.Errorf("ledger tail line %d: %w", lastLineNo, err), coreerrors.CategoryIntegrity, "ledger_tail_malformed", "run ledger verify before appending", false)
	}
	hashSelf := entry.HashSelf()
	if hashSelf == "" {
		return "", coreerrors.Newf(coreerrors.CategoryIntegrity, "ledger_tail_malformed", "ledger tail line %d has no hash_self", lastLineNo)
	}
	return hashSelf, nil
}

// ReadEntries decodes every entry in write order. Malformed lines are errors
// here; VerifyChain is the tolerant reader.
func (l *Ledger) ReadEntries() ([]Entry, error) {
	// #nosec G304 -- ledger path is explicit configuration.
	file, err := os.Open(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = file.Close() }()

	entries := []Entry{}
	lineNo := 0
	scanner := newLineScanner(file)
	for scanner.Scan() {
		lineNo++
		trimmed := bytes.TrimSpace(scanner.Bytes())
		if len(trimmed) == 0 {
			continue
		}
		entry, err := decodeEntry(trimmed)
		if err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entries, nil
}

// Tail returns at most the last n entries.
func (l *Ledger) Tail(n int) ([]Entry, error) {
	entries, err := l.ReadEntries()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

func computeHashSelf(entry Entry) (string, error) {
	body := make(map[string]any, len(entry))
	for key, value := range entry {
		if key == schemaledger.KeyHashSelf {
			continue
		}
		body[key] = value
	}
	return jcs.DigestValue(body)
}

func decodeEntry(raw []byte) (Entry, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var entry Entry
	if err := decoder.Decode(&entry); err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("entry is not a JSON object")
	}
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after entry")
	}
	return entry, nil
}

func newLineScanner(file *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return scanner
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
