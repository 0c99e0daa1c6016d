package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	"github.com/davidahmann/ledgerproof/core/logx"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
	"github.com/davidahmann/ledgerproof/core/sign"
)

const (
	LedgerSchemaID      = "ledgerproof.reconcile.ledger"
	LedgerSchemaVersion = "1.0.0"
)

type Options struct {
	Nodes   []schemareconcile.Node
	Layout  Layout
	Include []string
	Expect  []string

	VerifyAnchor     bool
	VerifyCapsule    bool
	VerifySignatures bool
	// RequireSignatures implies VerifySignatures.
	RequireSignatures bool
	Verifier          sign.Verifier
	ExtraKeyDirs      []string

	ProducerVersion string
	Now             func() time.Time
	Logger          *slog.Logger
}

type Report struct {
	Ledger            schemareconcile.Ledger     `json:"ledger"`
	Conflicts         []schemareconcile.Conflict `json:"conflicts"`
	Summary           string                     `json:"-"`
	RequireSignatures bool                       `json:"require_signatures"`
}

// Failed reports whether the run found anything a CI gate should stop on.
func (r Report) Failed() bool {
	if len(r.Conflicts) > 0 || len(r.Ledger.Coverage) > 0 {
		return true
	}
	checks := []schemareconcile.CheckStatus{
		r.Ledger.Checks.Anchor.Status,
		r.Ledger.Checks.Capsule.Status,
		r.Ledger.Checks.Signature.Status,
	}
	for _, status := range checks {
		switch status {
		case schemareconcile.StatusConflict, schemareconcile.StatusMissing, schemareconcile.StatusError:
			return true
		}
	}
	return r.RequireSignatures && r.Ledger.Checks.Signature.Status == schemareconcile.StatusUnavailable
}

func validateNodes(nodes []schemareconcile.Node) error {
	if len(nodes) == 0 {
		return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_nodes_required", "at least one node is required")
	}
	seen := map[string]struct{}{}
	for _, node := range nodes {
		if !ValidNodeID(node.NodeID) {
			return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_bad_node_id", "invalid node id %q", node.NodeID)
		}
		if _, dup := seen[node.NodeID]; dup {
			return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_duplicate_node", "node id %q is used twice", node.NodeID)
		}
		seen[node.NodeID] = struct{}{}
		if strings.TrimSpace(node.RootPath) == "" {
			return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_bad_node_root", "node %s has no root path", node.NodeID)
		}
		info, err := os.Stat(node.RootPath)
		if err != nil || !info.IsDir() {
			return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_bad_node_root", "node %s root %s is not a readable directory", node.NodeID, node.RootPath)
		}
	}
	return nil
}

// Run takes one best-effort snapshot of every node and reconciles it.
func Run(ctx context.Context, opts Options) (Report, error) {
	logger := logx.OrDiscard(opts.Logger)
	if err := validateNodes(opts.Nodes); err != nil {
		return Report{}, err
	}
	if err := ValidatePatterns(opts.Expect); err != nil {
		return Report{}, err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	producer := opts.ProducerVersion
	if producer == "" {
		producer = "0.0.0-dev"
	}
	layout := opts.Layout.withDefaults()

	snapshots, err := CollectAll(ctx, opts.Nodes, layout, opts.Include)
	if err != nil {
		return Report{}, err
	}
	entries := []Entry{}
	for _, snapshot := range snapshots {
		logger.Debug("node collected", "node_id", snapshot.Node.NodeID, "entries", len(snapshot.Entries))
		entries = append(entries, snapshot.Entries...)
	}

	artifacts := Aggregate(entries)
	skipped := schemareconcile.CheckResult{Status: schemareconcile.StatusSkipped}
	checks := schemareconcile.Checks{
		Anchor:    skipped,
		Capsule:   skipped,
		Signature: schemareconcile.SignatureCheck{CheckResult: skipped},
	}
	if opts.VerifyAnchor {
		checks.Anchor = CheckAnchor(opts.Nodes, layout)
	}
	if opts.VerifyCapsule {
		checks.Capsule = CheckCapsule(opts.Nodes, layout)
	}
	if opts.VerifySignatures || opts.RequireSignatures {
		checks.Signature = CheckSignatures(snapshots, layout, SignatureOptions{
			Verifier:     opts.Verifier,
			Require:      opts.RequireSignatures,
			ExtraKeyDirs: opts.ExtraKeyDirs,
		})
	}

	report := Report{
		Ledger: schemareconcile.Ledger{
			SchemaID:        LedgerSchemaID,
			SchemaVersion:   LedgerSchemaVersion,
			GeneratedAt:     common.FormatTimestamp(now()),
			ProducerVersion: producer,
			Nodes:           opts.Nodes,
			Artifacts:       artifacts,
			Coverage:        Coverage(opts.Expect, snapshots),
			Checks:          checks,
		},
		Conflicts:         Conflicts(artifacts),
		RequireSignatures: opts.RequireSignatures,
	}
	report.Summary = Summary(report)
	logger.Info("reconcile complete",
		"nodes", len(opts.Nodes),
		"artifacts", len(artifacts),
		"conflicts", len(report.Conflicts),
		"coverage_gaps", len(report.Ledger.Coverage),
		"failed", report.Failed(),
	)
	return report, nil
}

// Summary renders the human readable digest written to summary.md.
func Summary(report Report) string {
	var b strings.Builder
	ledger := report.Ledger
	status := "PASS"
	if report.Failed() {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "# Reconciliation %s\n\n", status)
	fmt.Fprintf(&b, "- generated_at: %s\n", ledger.GeneratedAt)
	fmt.Fprintf(&b, "- nodes: %d\n", len(ledger.Nodes))
	fmt.Fprintf(&b, "- artifacts: %d\n", len(ledger.Artifacts))
	fmt.Fprintf(&b, "- conflicts: %d\n", len(report.Conflicts))
	fmt.Fprintf(&b, "- coverage gaps: %d\n\n", len(ledger.Coverage))

	b.WriteString("## Nodes\n\n")
	for _, node := range ledger.Nodes {
		fmt.Fprintf(&b, "- `%s` %s\n", node.NodeID, node.RootPath)
	}

	b.WriteString("\n## Checks\n\n| check | status | detail |\n| --- | --- | --- |\n")
	fmt.Fprintf(&b, "| anchor | %s | %s |\n", ledger.Checks.Anchor.Status, ledger.Checks.Anchor.Message)
	fmt.Fprintf(&b, "| capsule | %s | %s |\n", ledger.Checks.Capsule.Status, ledger.Checks.Capsule.Message)
	fmt.Fprintf(&b, "| signature | %s | %s |\n", ledger.Checks.Signature.Status, ledger.Checks.Signature.Message)

	if len(report.Conflicts) > 0 {
		b.WriteString("\n## Conflicts\n\n")
		for _, conflict := range report.Conflicts {
			fmt.Fprintf(&b, "- `%s`\n", conflict.Path)
			for _, variant := range conflict.Variants {
				fmt.Fprintf(&b, "  - %s (%d bytes): %s\n", shortHash(variant.Hash), variant.Size, strings.Join(variant.Nodes, ", "))
			}
		}
	}
	if len(ledger.Coverage) > 0 {
		b.WriteString("\n## Coverage gaps\n\n")
		for _, gap := range ledger.Coverage {
			fmt.Fprintf(&b, "- `%s` missing: %s\n", gap.NodeID, strings.Join(gap.Missing, ", "))
		}
	}
	return b.String()
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
