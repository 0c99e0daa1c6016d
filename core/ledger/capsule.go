package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	"github.com/davidahmann/ledgerproof/core/fsx"
	"github.com/davidahmann/ledgerproof/core/provenance"
	schemaledger "github.com/davidahmann/ledgerproof/core/schema/v1/ledger"
)

const (
	capsuleMetaFile    = "meta.json"
	capsuleContextFile = "context.json"

	capsuleSchemaID      = "ledgerproof.run_capsule"
	capsuleSchemaVersion = "1.0.0"
)

// Capsule is the persisted context of one run.
type Capsule struct {
	Dir     string
	Meta    schemaledger.RunCapsuleMeta
	Context map[string]any
}

func (l *Ledger) capsulePath(runID string) string {
	return filepath.Join(l.cfg.CapsuleDir, runID)
}

// writeCapsule creates the capsule for the entry's run and reports whether
// it did. A run that already has a capsule keeps it; later entries of the
// same run only link to it.
func (l *Ledger) writeCapsule(ctx context.Context, entry Entry, runContext map[string]any) (bool, error) {
	runID := entry.RunID()
	dir := l.capsulePath(runID)
	metaPath := filepath.Join(dir, capsuleMetaFile)
	if _, err := os.Stat(metaPath); err == nil {
		return false, nil
	}
	if runContext == nil {
		runContext = map[string]any{}
	}
	contextBytes, err := json.MarshalIndent(runContext, "", "  ")
	if err != nil {
		return false, coreerrors.Wrap(fmt.Errorf("encode capsule context: %w", err), coreerrors.CategoryInvalidInput, "capsule_context_invalid", "context must be a JSON object", false)
	}
	meta := schemaledger.RunCapsuleMeta{
		SchemaID:        capsuleSchemaID,
		SchemaVersion:   capsuleSchemaVersion,
		RunID:           runID,
		CreatedAt:       entry.TS(),
		EntryHash:       entry.HashSelf(),
		ProducerVersion: l.cfg.ProducerVersion,
		Provenance:      provenance.Collect(ctx, l.cfg.Provenance),
	}
	if err := fsx.WriteFileAtomic(filepath.Join(dir, capsuleContextFile), append(contextBytes, '\n'), 0o600); err != nil {
		return false, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "capsule_write_failed", "", false)
	}
	// meta.json is written last; its presence marks the capsule complete.
	if err := fsx.WriteJSONAtomic(metaPath, meta, 0o600); err != nil {
		return false, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "capsule_write_failed", "", false)
	}
	l.logger.Debug("run capsule written", "run_id", runID, "dir", dir)
	return true, nil
}

func (l *Ledger) capsuleExists(runID string) bool {
	if l.cfg.CapsuleDir == "" || !ValidRunID(runID) {
		return false
	}
	info, err := os.Stat(filepath.Join(l.capsulePath(runID), capsuleMetaFile))
	return err == nil && info.Mode().IsRegular()
}

// LoadCapsule reads the capsule records of runID.
func (l *Ledger) LoadCapsule(runID string) (Capsule, error) {
	if l.cfg.CapsuleDir == "" {
		return Capsule{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "capsule_dir_required", "ledger has no capsule directory")
	}
	if !ValidRunID(runID) {
		return Capsule{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "ledger_bad_run_id", "run_id %q is not a valid identifier", runID)
	}
	dir := l.capsulePath(runID)
	capsule := Capsule{Dir: dir, Context: map[string]any{}}
	// #nosec G304 -- run id validated above.
	metaBytes, err := os.ReadFile(filepath.Join(dir, capsuleMetaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Capsule{}, coreerrors.Wrap(fmt.Errorf("run capsule %s not found", runID), coreerrors.CategoryInvalidInput, "capsule_not_found", "", false)
		}
		return Capsule{}, coreerrors.Wrap(fmt.Errorf("read capsule meta: %w", err), coreerrors.CategoryIOFailure, "capsule_read_failed", "", false)
	}
	if err := json.Unmarshal(metaBytes, &capsule.Meta); err != nil {
		return Capsule{}, coreerrors.Wrap(fmt.Errorf("parse capsule meta: %w", err), coreerrors.CategoryIntegrity, "capsule_malformed", "", false)
	}
	// #nosec G304 -- run id validated above.
	contextBytes, err := os.ReadFile(filepath.Join(dir, capsuleContextFile))
	if err != nil && !os.IsNotExist(err) {
		return Capsule{}, coreerrors.Wrap(fmt.Errorf("read capsule context: %w", err), coreerrors.CategoryIOFailure, "capsule_read_failed", "", false)
	}
	if err == nil {
		if err := json.Unmarshal(contextBytes, &capsule.Context); err != nil {
			return Capsule{}, coreerrors.Wrap(fmt.Errorf("parse capsule context: %w", err), coreerrors.CategoryIntegrity, "capsule_malformed", "", false)
		}
	}
	return capsule, nil
}
