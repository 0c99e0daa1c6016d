package reconcile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	"github.com/davidahmann/ledgerproof/core/fsx"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
	"github.com/davidahmann/ledgerproof/core/schema/validate"
)

const (
	LedgerFile    = "ledger.json"
	ConflictsFile = "conflicts.json"
	SummaryFile   = "summary.md"
	LatestFile    = "latest.json"

	runDirLayout = "20060102T150405Z"
)

type OutputOptions struct {
	// OutRoot receives a new per-run directory plus latest.json.
	OutRoot string
	// OutDir is written directly and takes precedence over OutRoot.
	OutDir string
}

// WriteOutputs writes ledger.json, conflicts.json and summary.md and returns
// the directory they were written to.
func WriteOutputs(report Report, opts OutputOptions) (string, error) {
	outDir := strings.TrimSpace(opts.OutDir)
	outRoot := strings.TrimSpace(opts.OutRoot)
	if outDir == "" && outRoot == "" {
		return "", coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_output_required", "an output root or output directory is required")
	}

	encodedLedger, err := json.MarshalIndent(report.Ledger, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode ledger: %w", err)
	}
	if err := validate.ValidateJSON(validate.SchemaReconcileLedger, encodedLedger); err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "reconcile_ledger_invalid", "", false)
	}

	var runName string
	if outDir == "" {
		runName, err = nextRunDir(outRoot, report.Ledger.GeneratedAt)
		if err != nil {
			return "", err
		}
		outDir = filepath.Join(outRoot, runName)
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", coreerrors.Wrap(fmt.Errorf("create output dir: %w", err), coreerrors.CategoryIOFailure, "reconcile_output_failed", "", false)
	}

	conflicts := report.Conflicts
	if conflicts == nil {
		conflicts = []schemareconcile.Conflict{}
	}
	writes := []func() error{
		func() error {
			return fsx.WriteFileAtomic(filepath.Join(outDir, LedgerFile), append(encodedLedger, '\n'), 0o640)
		},
		func() error { return fsx.WriteJSONAtomic(filepath.Join(outDir, ConflictsFile), conflicts, 0o640) },
		func() error {
			return fsx.WriteFileAtomic(filepath.Join(outDir, SummaryFile), []byte(report.Summary), 0o640)
		},
	}
	for _, write := range writes {
		if err := write(); err != nil {
			return "", coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "reconcile_output_failed", "", false)
		}
	}

	if runName != "" {
		pointer := schemareconcile.LatestPointer{Target: runName, GeneratedAt: report.Ledger.GeneratedAt}
		if err := fsx.WriteJSONAtomic(filepath.Join(outRoot, LatestFile), pointer, 0o640); err != nil {
			return "", coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "reconcile_output_failed", "", false)
		}
	}
	return outDir, nil
}

// nextRunDir names the run directory after generatedAt, adding a numeric
// suffix when two runs land in the same second.
func nextRunDir(outRoot string, generatedAt string) (string, error) {
	stamp := time.Now().UTC()
	if parsed, err := common.ParseTimestamp(generatedAt); err == nil {
		stamp = parsed
	}
	base := stamp.Format(runDirLayout)
	for attempt := 1; attempt < 1000; attempt++ {
		name := base
		if attempt > 1 {
			name = fmt.Sprintf("%s-%d", base, attempt)
		}
		if _, err := os.Stat(filepath.Join(outRoot, name)); os.IsNotExist(err) {
			return name, nil
		}
	}
	return "", coreerrors.Newf(coreerrors.CategoryStateContention, "reconcile_output_exhausted", "too many runs named %s", base)
}

// ReadLatest resolves the latest pointer under outRoot to a directory.
func ReadLatest(outRoot string) (string, schemareconcile.LatestPointer, error) {
	// #nosec G304 -- explicit output root.
	raw, err := os.ReadFile(filepath.Join(outRoot, LatestFile))
	if err != nil {
		return "", schemareconcile.LatestPointer{}, fmt.Errorf("read latest pointer: %w", err)
	}
	var pointer schemareconcile.LatestPointer
	if err := json.Unmarshal(raw, &pointer); err != nil {
		return "", schemareconcile.LatestPointer{}, fmt.Errorf("parse latest pointer: %w", err)
	}
	if _, err := cleanPointerTarget(pointer.Target); err != nil {
		return "", schemareconcile.LatestPointer{}, fmt.Errorf("latest pointer: %w", err)
	}
	return filepath.Join(outRoot, pointer.Target), pointer, nil
}
