package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/davidahmann/ledgerproof/core/fsx"
	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/provenance"
	"github.com/davidahmann/ledgerproof/core/receipt"
	"github.com/davidahmann/ledgerproof/core/sign"
	"github.com/davidahmann/ledgerproof/core/vdp"
)

// issueFreshnessUnchecked marks a receipt whose observations could not be
// evaluated under --vdp.
const issueFreshnessUnchecked = "freshness_unchecked"

type receiptIssueOutput struct {
	OK          bool   `json:"ok"`
	Path        string `json:"path,omitempty"`
	FeedID      string `json:"feed_id,omitempty"`
	PlanID      string `json:"plan_id,omitempty"`
	IssuedAt    string `json:"issued_at,omitempty"`
	PublicKeyID string `json:"public_key_id,omitempty"`
	HashSHA256  string `json:"hash_sha256,omitempty"`
	Error       string `json:"error,omitempty"`
}

type receiptVerifyItem struct {
	receipt.Result
	Freshness *vdp.Result `json:"freshness,omitempty"`
}

type receiptVerifyOutput struct {
	OK       bool                `json:"ok"`
	Checked  int                 `json:"checked"`
	Failed   int                 `json:"failed"`
	Receipts []receiptVerifyItem `json:"receipts,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func runReceipt(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Issue signed observation receipts and verify their hash, signature and freshness.")
	}
	if len(arguments) == 0 {
		printReceiptUsage()
		return exitInvalidInput
	}
	if arguments[0] == "--help" || arguments[0] == "-h" {
		printReceiptUsage()
		return exitOK
	}
	switch arguments[0] {
	case "issue":
		return runReceiptIssue(arguments[1:])
	case "verify":
		return runReceiptVerify(arguments[1:])
	default:
		printReceiptUsage()
		return exitInvalidInput
	}
}

func runReceiptIssue(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Build a receipt envelope from observations, hash its canonical body and sign it with an Ed25519 key. Invalid input never produces a receipt.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"feed-id":       true,
		"plan-id":       true,
		"input":         true,
		"out":           true,
		"key":           true,
		"key-env":       true,
		"public-key-id": true,
		"issued-at":     true,
		"meta":          true,
		"provenance":    true,
		"config":        true,
	})

	flagSet := flag.NewFlagSet("receipt-issue", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var feedID string
	var planID string
	var inputPath string
	var outPath string
	var keyPath string
	var keyEnv string
	var publicKeyID string
	var issuedAt string
	var metaValues stringList
	var provenanceName string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&feedID, "feed-id", "", "feed identifier")
	flagSet.StringVar(&planID, "plan-id", "", "plan identifier")
	flagSet.StringVar(&inputPath, "input", "", "observations json (array or {\"observations\": [...]}), - for stdin")
	flagSet.StringVar(&outPath, "out", "", "receipt output path")
	flagSet.StringVar(&keyPath, "key", "", "path to base64 private key")
	flagSet.StringVar(&keyEnv, "key-env", "", "env var containing base64 private key")
	flagSet.StringVar(&publicKeyID, "public-key-id", "", "key id recorded in the receipt")
	flagSet.StringVar(&issuedAt, "issued-at", "", "issue timestamp YYYY-MM-DDThh:mm:ssZ (default now)")
	flagSet.Var(&metaValues, "meta", "extra body field k=v or @file.json (repeatable)")
	flagSet.StringVar(&provenanceName, "provenance", "", "provenance provider recorded under meta.provenance: git|none")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printReceiptIssueUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(keyPath) == "" && strings.TrimSpace(keyEnv) == "" {
		keyPath = configuration.Receipt.PrivateKey
		keyEnv = configuration.Receipt.PrivateKeyEnv
	}
	publicKeyID = firstNonEmpty(publicKeyID, configuration.Receipt.PublicKeyID)

	if strings.TrimSpace(inputPath) == "" || strings.TrimSpace(outPath) == "" {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: "both --input and --out are required"}, exitInvalidInput)
	}
	keyConfig := sign.KeyConfig{PrivateKeyPath: strings.TrimSpace(keyPath), PrivateKeyEnv: strings.TrimSpace(keyEnv)}
	if !keyConfig.Configured() {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: "signing key is required (--key or --key-env)"}, exitMissingDependency)
	}
	signer, err := sign.LoadSigner(keyConfig)
	if err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}

	raw, err := readInput(inputPath)
	if err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: fmt.Sprintf("read input: %v", err)}, exitInvalidInput)
	}
	observations, err := decodeObservations(raw)
	if err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	meta, err := parseMeta(metaValues)
	if err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(provenanceName) != "" {
		provider, err := provenance.Resolve(provenanceName, ".")
		if err != nil {
			return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInvalidInput)
		}
		if described := provenance.Collect(context.Background(), provider); len(described) > 0 {
			if meta == nil {
				meta = map[string]any{}
			}
			meta["provenance"] = described
		}
	}

	envelope, err := receipt.Issue(receipt.BuildInput{
		FeedID:       feedID,
		PlanID:       planID,
		Observations: observations,
		IssuedAt:     issuedAt,
		Meta:         meta,
	}, signer, publicKeyID)
	if err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	if err := fsx.WriteJSONAtomic(outPath, envelope, 0o644); err != nil {
		return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{OK: false, Error: err.Error()}, exitInternalFailure)
	}

	return writeReceiptIssueOutput(jsonOutput, receiptIssueOutput{
		OK:          true,
		Path:        outPath,
		FeedID:      asString(envelope["feed_id"]),
		PlanID:      asString(envelope["plan_id"]),
		IssuedAt:    asString(envelope["issued_at"]),
		PublicKeyID: asString(envelope["public_key_id"]),
		HashSHA256:  asString(envelope["hash_sha256"]),
	}, exitOK)
}

func runReceiptVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Recompute each receipt's canonical body hash, optionally verify its Ed25519 signature against keys on disk, and optionally run the freshness guard. Issues are reported per receipt, never as a crash.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"keys-dir":         true,
		"freshness-window": true,
		"now":              true,
		"config":           true,
	})

	flagSet := flag.NewFlagSet("receipt-verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var verifySignature bool
	var keysDirs stringList
	var checkFreshness bool
	var windowValue string
	var nowValue string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.BoolVar(&verifySignature, "verify-signature", false, "verify the Ed25519 signature")
	flagSet.Var(&keysDirs, "keys-dir", "directory holding <public_key_id>.pub files (repeatable)")
	flagSet.BoolVar(&checkFreshness, "vdp", false, "run the freshness guard on each receipt")
	flagSet.StringVar(&windowValue, "freshness-window", "", "freshness window (default 10m)")
	flagSet.StringVar(&nowValue, "now", "", "evaluation time YYYY-MM-DDThh:mm:ssZ (default now)")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeReceiptVerifyOutput(jsonOutput, receiptVerifyOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printReceiptVerifyUsage()
		return exitOK
	}
	paths := flagSet.Args()
	if len(paths) == 0 {
		return writeReceiptVerifyOutput(jsonOutput, receiptVerifyOutput{OK: false, Error: "at least one receipt path is required"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeReceiptVerifyOutput(jsonOutput, receiptVerifyOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	configuredWindow, _ := configuration.Receipt.Window()
	window, err := resolveWindow(windowValue, configuredWindow)
	if err != nil {
		return writeReceiptVerifyOutput(jsonOutput, receiptVerifyOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	now, err := resolveNow(nowValue)
	if err != nil {
		return writeReceiptVerifyOutput(jsonOutput, receiptVerifyOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}

	options := receipt.Options{SkipSignature: !verifySignature}
	if verifySignature {
		dirs := mergeUnique(keysDirs, configuration.Receipt.KeysDirs)
		if len(dirs) == 0 {
			return writeReceiptVerifyOutput(jsonOutput, receiptVerifyOutput{OK: false, Error: "--verify-signature requires --keys-dir"}, exitMissingDependency)
		}
		options.Resolver = sign.DirResolver{Dirs: dirs}
		options.Verifier = sign.Ed25519
	}

	output := receiptVerifyOutput{OK: true, Receipts: make([]receiptVerifyItem, 0, len(paths))}
	for _, path := range paths {
		item := receiptVerifyItem{Result: receipt.VerifyFile(path, options)}
		if checkFreshness && !item.HasIssue(receipt.IssueUnreadable) {
			freshness, err := evaluateReceiptFreshness(path, now, window)
			if err != nil {
				item.Issues = append(item.Issues, receipt.VerifyIssue{Code: issueFreshnessUnchecked, Message: err.Error()})
				item.OK = false
			} else {
				item.Freshness = &freshness
				if !freshness.Passed() {
					item.OK = false
				}
			}
		}
		output.Checked++
		if !item.OK {
			output.Failed++
			output.OK = false
		}
		output.Receipts = append(output.Receipts, item)
	}
	if !output.OK {
		return writeReceiptVerifyOutput(jsonOutput, output, exitVerifyFailed)
	}
	return writeReceiptVerifyOutput(jsonOutput, output, exitOK)
}

func evaluateReceiptFreshness(path string, now time.Time, window time.Duration) (vdp.Result, error) {
	raw, err := readInput(path)
	if err != nil {
		return vdp.Result{}, err
	}
	return vdp.EvaluateJSON(raw, now, window)
}

func writeReceiptIssueOutput(jsonOutput bool, output receiptIssueOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("receipt issue ok: path=%s public_key_id=%s hash=%s\n", output.Path, output.PublicKeyID, output.HashSHA256)
		return exitCode
	}
	fmt.Printf("receipt issue error: %s\n", output.Error)
	return exitCode
}

func writeReceiptVerifyOutput(jsonOutput bool, output receiptVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("receipt verify error: %s\n", output.Error)
		return exitCode
	}
	for _, item := range output.Receipts {
		status := "ok"
		if !item.OK {
			status = "failed"
		}
		fmt.Printf("%s: %s (signature=%s)\n", item.Path, status, item.SignatureStatus)
		for _, issue := range item.Issues {
			fmt.Printf("  - %s: %s\n", issue.Code, issue.Message)
		}
		if item.Freshness != nil {
			for _, issue := range item.Freshness.Issues {
				fmt.Printf("  - %s: %s\n", issue.Code, issue.Message)
			}
		}
	}
	fmt.Printf("receipt verify: checked=%d failed=%d\n", output.Checked, output.Failed)
	return exitCode
}

func printReceiptUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof receipt issue --feed-id <id> --plan-id <id> --input <observations.json> --out <receipt.json> [--key <path>|--key-env <VAR>] [--public-key-id <id>] [--issued-at <ts>] [--meta k=v|@file.json]... [--provenance git|none] [--json] [--explain]")
	fmt.Println("  ledgerproof receipt verify <receipt.json>... [--verify-signature] [--keys-dir <dir>]... [--vdp] [--freshness-window 10m] [--now <ts>] [--json] [--explain]")
}

func printReceiptIssueUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof receipt issue --feed-id <id> --plan-id <id> --input <observations.json> --out <receipt.json> [--key <path>|--key-env <VAR>] [--public-key-id <id>] [--issued-at <ts>] [--meta k=v|@file.json]... [--provenance git|none] [--json] [--explain]")
}

func printReceiptVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof receipt verify <receipt.json>... [--verify-signature] [--keys-dir <dir>]... [--vdp] [--freshness-window 10m] [--now <ts>] [--json] [--explain]")
}
