package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/ledgerproof/core/logx"
	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/reconcile"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
	"github.com/davidahmann/ledgerproof/core/sign"
)

const defaultReconcileOutRoot = ".ledgerproof/reconcile"

type reconcileOutput struct {
	OK           bool                          `json:"ok"`
	OutputDir    string                        `json:"output_dir,omitempty"`
	GeneratedAt  string                        `json:"generated_at,omitempty"`
	Nodes        int                           `json:"nodes,omitempty"`
	Artifacts    int                           `json:"artifacts"`
	Conflicts    []schemareconcile.Conflict    `json:"conflicts,omitempty"`
	CoverageGaps []schemareconcile.CoverageGap `json:"coverage_gaps,omitempty"`
	Checks       *schemareconcile.Checks       `json:"checks,omitempty"`
	Error        string                        `json:"error,omitempty"`
	errorFields
}

func runReconcile(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Snapshot receipt stores on several nodes, group artifacts by path and content hash, flag conflicts and coverage gaps, cross-check anchor, capsule and signatures, and write ledger.json, conflicts.json and summary.md.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"node":           true,
		"config":         true,
		"project-config": true,
		"out-root":       true,
		"out-dir":        true,
		"include":        true,
		"expect":         true,
		"keys-dir":       true,
	})

	flagSet := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var nodeValues stringList
	var reconcileConfigPath string
	var projectConfigPath string
	var disableConfig bool
	var outRoot string
	var outDir string
	var include stringList
	var expect stringList
	var keysDirs stringList
	var verifyAnchor bool
	var verifyCapsule bool
	var verifySignatures bool
	var requireSignatures bool
	var verbose bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.Var(&nodeValues, "node", "node as id=path (repeatable)")
	flagSet.StringVar(&reconcileConfigPath, "config", "", "reconcile config yaml listing nodes and options")
	flagSet.StringVar(&projectConfigPath, "project-config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.StringVar(&outRoot, "out-root", "", "parent of per-run output directories (default "+defaultReconcileOutRoot+")")
	flagSet.StringVar(&outDir, "out-dir", "", "write outputs to exactly this directory")
	flagSet.Var(&include, "include", "glob of receipt paths to collect (repeatable)")
	flagSet.Var(&expect, "expect", "glob every node must hold (repeatable)")
	flagSet.Var(&keysDirs, "keys-dir", "extra public key directory for signature checks (repeatable)")
	flagSet.BoolVar(&verifyAnchor, "verify-anchor", false, "compare anchor.json across nodes")
	flagSet.BoolVar(&verifyCapsule, "verify-capsule", false, "compare the current capsule across nodes")
	flagSet.BoolVar(&verifySignatures, "verify-signatures", false, "verify receipt signatures")
	flagSet.BoolVar(&requireSignatures, "require-signatures", false, "treat unsigned receipts as failures")
	flagSet.BoolVar(&verbose, "verbose", false, "debug logging on stderr")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printReconcileUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	if strings.TrimSpace(outRoot) != "" && strings.TrimSpace(outDir) != "" {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: "--out-root and --out-dir are mutually exclusive"}, exitInvalidInput)
	}
	if len(nodeValues) > 0 && strings.TrimSpace(reconcileConfigPath) != "" {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: "use either --node or --config, not both"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(projectConfigPath, disableConfig)
	if err != nil {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	defaults := configuration.Reconcile

	var fileConfig reconcile.FileConfig
	var nodes []schemareconcile.Node
	if strings.TrimSpace(reconcileConfigPath) != "" {
		fileConfig, err = reconcile.LoadConfig(reconcileConfigPath)
		if err != nil {
			return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInvalidInput))
		}
		nodes = fileConfig.ToNodes()
	} else {
		for _, value := range nodeValues {
			node, err := reconcile.ParseNodeFlag(value)
			if err != nil {
				return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInvalidInput))
			}
			nodes = append(nodes, node)
		}
	}
	if len(nodes) == 0 {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: "at least one --node or a --config is required"}, exitInvalidInput)
	}

	if strings.TrimSpace(outRoot) == "" && strings.TrimSpace(outDir) == "" {
		outRoot = fileConfig.OutRoot
		outDir = fileConfig.OutDir
		if outRoot == "" && outDir == "" {
			outRoot = firstNonEmpty(defaults.OutRoot, defaultReconcileOutRoot)
		}
	}
	includePatterns := firstNonEmptyList(include, fileConfig.Include, defaults.Include)
	expectPatterns := firstNonEmptyList(expect, fileConfig.Expect, defaults.Expect)

	report, err := reconcile.Run(context.Background(), reconcile.Options{
		Nodes:             nodes,
		Layout:            fileConfig.Layout,
		Include:           includePatterns,
		Expect:            expectPatterns,
		VerifyAnchor:      verifyAnchor || fileConfig.VerifyAnchor || defaults.VerifyAnchor,
		VerifyCapsule:     verifyCapsule || fileConfig.VerifyCapsule || defaults.VerifyCapsule,
		VerifySignatures:  verifySignatures || fileConfig.VerifySignatures || defaults.VerifySignatures,
		RequireSignatures: requireSignatures || fileConfig.RequireSignatures || defaults.RequireSignatures,
		Verifier:          sign.Ed25519,
		ExtraKeyDirs:      mergeUnique(keysDirs, fileConfig.KeysDirs),
		ProducerVersion:   version,
		Logger:            logx.FromEnv("ledgerproof", verbose),
	})
	if err != nil {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInvalidInput))
	}
	dir, err := reconcile.WriteOutputs(report, reconcile.OutputOptions{OutRoot: outRoot, OutDir: outDir})
	if err != nil {
		return writeReconcileOutput(jsonOutput, reconcileOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInternalFailure))
	}

	output := reconcileOutput{
		OK:           !report.Failed(),
		OutputDir:    dir,
		GeneratedAt:  report.Ledger.GeneratedAt,
		Nodes:        len(report.Ledger.Nodes),
		Artifacts:    len(report.Ledger.Artifacts),
		Conflicts:    report.Conflicts,
		CoverageGaps: report.Ledger.Coverage,
		Checks:       &report.Ledger.Checks,
	}
	if report.Failed() {
		return writeReconcileOutput(jsonOutput, output, exitVerifyFailed)
	}
	return writeReconcileOutput(jsonOutput, output, exitOK)
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, list := range lists {
		if len(list) > 0 {
			return list
		}
	}
	return nil
}

func writeReconcileOutput(jsonOutput bool, output reconcileOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("reconcile error: %s\n", output.Error)
		return exitCode
	}
	status := "ok"
	if !output.OK {
		status = "failed"
	}
	fmt.Printf("reconcile %s: nodes=%d artifacts=%d conflicts=%d coverage_gaps=%d out=%s\n",
		status, output.Nodes, output.Artifacts, len(output.Conflicts), len(output.CoverageGaps), output.OutputDir)
	for _, conflict := range output.Conflicts {
		fmt.Printf("- conflict %s (%d variants)\n", conflict.Path, len(conflict.Variants))
	}
	for _, gap := range output.CoverageGaps {
		fmt.Printf("- coverage %s missing %s\n", gap.NodeID, strings.Join(gap.Missing, ", "))
	}
	if output.Checks != nil {
		fmt.Printf("checks: anchor=%s capsule=%s signature=%s\n", output.Checks.Anchor.Status, output.Checks.Capsule.Status, output.Checks.Signature.Status)
	}
	return exitCode
}

func printReconcileUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof reconcile (--node <id=path>... | --config <reconcile.yaml>) [--out-root <dir>|--out-dir <dir>] [--include <glob>]... [--expect <glob>]... [--verify-anchor] [--verify-capsule] [--verify-signatures] [--require-signatures] [--keys-dir <dir>]... [--project-config <path>] [--no-config] [--verbose] [--json] [--explain]")
}
