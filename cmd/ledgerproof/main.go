package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK                = 0
	exitInternalFailure   = 1
	exitVerifyFailed      = 2
	exitInvalidInput      = 6
	exitMissingDependency = 7
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("ledgerproof", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("ledgerproof signs observation receipts, keeps a hash-chained append-only ledger of runs, guards observation freshness, and reconciles receipt stores across nodes.")
	}

	switch arguments[1] {
	case "receipt":
		return runReceipt(arguments[2:])
	case "reconcile":
		return runReconcile(arguments[2:])
	case "ledger":
		return runLedger(arguments[2:])
	case "vdp":
		return runVDP(arguments[2:])
	case "keys":
		return runKeys(arguments[2:])
	case "doctor":
		return runDoctor(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("ledgerproof", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof receipt issue --feed-id <id> --plan-id <id> --input <observations.json> --out <receipt.json> [--key <path>|--key-env <VAR>] [--public-key-id <id>] [--issued-at <ts>] [--meta k=v|@file.json]... [--provenance git|none] [--json] [--explain]")
	fmt.Println("  ledgerproof receipt verify <receipt.json>... [--verify-signature] [--keys-dir <dir>]... [--vdp] [--freshness-window 10m] [--now <ts>] [--json] [--explain]")
	fmt.Println("  ledgerproof reconcile (--node <id=path>... | --config <reconcile.yaml>) [--out-root <dir>|--out-dir <dir>] [--include <glob>]... [--expect <glob>]... [--verify-anchor] [--verify-capsule] [--verify-signatures] [--require-signatures] [--keys-dir <dir>]... [--json] [--explain]")
	fmt.Println("  ledgerproof ledger append --event <json|@file> [--context <json|@file>] [--ledger <path>] [--capsule-dir <dir>] [--provenance git|none] [--json] [--explain]")
	fmt.Println("  ledgerproof ledger verify [--ledger <path>] [--capsule-dir <dir>] [--json] [--explain]")
	fmt.Println("  ledgerproof ledger tail [--ledger <path>] [--n 10] [--json] [--explain]")
	fmt.Println("  ledgerproof vdp check --input <observations.json|receipt.json> [--now <ts>] [--freshness-window 10m] [--json] [--explain]")
	fmt.Println("  ledgerproof keys init [--out-dir .ledgerproof/keys] [--key-id <id>] [--force] [--json] [--explain]")
	fmt.Println("  ledgerproof keys verify [--key <path>|--key-env <VAR>] [--keys-dir <dir>]... [--json] [--explain]")
	fmt.Println("  ledgerproof doctor [--ledger <path>] [--capsule-dir <dir>] [--keys-dir <dir>]... [--key <path>|--key-env <VAR>] [--json] [--explain]")
	fmt.Println("  ledgerproof version")
}
