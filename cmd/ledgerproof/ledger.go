package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/ledgerproof/core/jcs"
	"github.com/davidahmann/ledgerproof/core/ledger"
	"github.com/davidahmann/ledgerproof/core/logx"
	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/provenance"
	schemaledger "github.com/davidahmann/ledgerproof/core/schema/v1/ledger"
)

const defaultLedgerPath = ".ledgerproof/ledger.jsonl"

type ledgerAppendOutput struct {
	OK       bool   `json:"ok"`
	Path     string `json:"path,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	TS       string `json:"ts,omitempty"`
	HashPrev string `json:"hash_prev,omitempty"`
	HashSelf string `json:"hash_self,omitempty"`
	Error    string `json:"error,omitempty"`
	errorFields
}

type ledgerVerifyOutput struct {
	OK         bool                     `json:"ok"`
	Path       string                   `json:"path,omitempty"`
	CapsuleDir string                   `json:"capsule_dir,omitempty"`
	Violations []schemaledger.Violation `json:"violations,omitempty"`
	Error      string                   `json:"error,omitempty"`
	errorFields
}

type ledgerTailOutput struct {
	OK      bool           `json:"ok"`
	Path    string         `json:"path,omitempty"`
	Entries []ledger.Entry `json:"entries,omitempty"`
	Error   string         `json:"error,omitempty"`
	errorFields
}

func runLedger(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Append events to a hash-chained JSONL ledger, verify the chain and its run capsules, and show recent entries.")
	}
	if len(arguments) == 0 {
		printLedgerUsage()
		return exitInvalidInput
	}
	if arguments[0] == "--help" || arguments[0] == "-h" {
		printLedgerUsage()
		return exitOK
	}
	switch arguments[0] {
	case "append":
		return runLedgerAppend(arguments[1:])
	case "verify":
		return runLedgerVerify(arguments[1:])
	case "tail":
		return runLedgerTail(arguments[1:])
	default:
		printLedgerUsage()
		return exitInvalidInput
	}
}

func runLedgerAppend(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Append one event to the ledger. ts and run_id are filled in when absent, hash_prev links to the previous entry and hash_self seals the new one. A run capsule is written first when a capsule directory is configured.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"ledger":      true,
		"capsule-dir": true,
		"event":       true,
		"context":     true,
		"provenance":  true,
		"config":      true,
	})

	flagSet := flag.NewFlagSet("ledger-append", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath string
	var capsuleDir string
	var eventValue string
	var contextValue string
	var provenanceName string
	var configPath string
	var disableConfig bool
	var verbose bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger jsonl path (default "+defaultLedgerPath+")")
	flagSet.StringVar(&capsuleDir, "capsule-dir", "", "run capsule directory")
	flagSet.StringVar(&eventValue, "event", "", "event json object or @file")
	flagSet.StringVar(&contextValue, "context", "", "capsule context json object or @file")
	flagSet.StringVar(&provenanceName, "provenance", "", "provenance provider for capsules: git|none")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&verbose, "verbose", false, "debug logging on stderr")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printLedgerAppendUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(eventValue) == "" {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: "--event is required"}, exitInvalidInput)
	}
	rawEvent, err := readJSONArgument(eventValue)
	if err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: fmt.Sprintf("read event: %v", err)}, exitInvalidInput)
	}
	event, err := decodeJSONObject(rawEvent)
	if err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: "event: " + err.Error()}, exitInvalidInput)
	}
	var capsuleContext map[string]any
	if strings.TrimSpace(contextValue) != "" {
		rawContext, err := readJSONArgument(contextValue)
		if err != nil {
			return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: fmt.Sprintf("read context: %v", err)}, exitInvalidInput)
		}
		capsuleContext, err = decodeJSONObject(rawContext)
		if err != nil {
			return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: "context: " + err.Error()}, exitInvalidInput)
		}
	}
	provider, err := provenance.Resolve(firstNonEmpty(provenanceName, configuration.Ledger.Provenance), ".")
	if err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}

	l, err := openLedger(ledgerPath, capsuleDir, configuration.Ledger, provider, verbose)
	if err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInvalidInput))
	}
	entry, err := l.Append(context.Background(), event, ledger.AppendOptions{Context: capsuleContext})
	if err != nil {
		return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{OK: false, Path: l.Path(), Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInternalFailure))
	}
	return writeLedgerAppendOutput(jsonOutput, ledgerAppendOutput{
		OK:       true,
		Path:     l.Path(),
		RunID:    entry.RunID(),
		TS:       entry.TS(),
		HashPrev: entry.HashPrev(),
		HashSelf: entry.HashSelf(),
	}, exitOK)
}

func runLedgerVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Replay the ledger from the first line, recomputing every hash_self and hash_prev link, and report each violation with its line number. Missing run capsules are reported when a capsule directory is configured.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"ledger":      true,
		"capsule-dir": true,
		"config":      true,
	})

	flagSet := flag.NewFlagSet("ledger-verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath string
	var capsuleDir string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger jsonl path (default "+defaultLedgerPath+")")
	flagSet.StringVar(&capsuleDir, "capsule-dir", "", "run capsule directory")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printLedgerVerifyUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	l, err := openLedger(ledgerPath, capsuleDir, configuration.Ledger, nil, false)
	if err != nil {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInvalidInput))
	}
	violations, err := l.VerifyChain()
	if err != nil {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{OK: false, Path: l.Path(), Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInternalFailure))
	}
	output := ledgerVerifyOutput{OK: len(violations) == 0, Path: l.Path(), CapsuleDir: l.CapsuleDir(), Violations: violations}
	if !output.OK {
		return writeLedgerVerifyOutput(jsonOutput, output, exitVerifyFailed)
	}
	return writeLedgerVerifyOutput(jsonOutput, output, exitOK)
}

func runLedgerTail(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Print the last n ledger entries as canonical JSON lines.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"ledger": true,
		"n":      true,
		"config": true,
	})

	flagSet := flag.NewFlagSet("ledger-tail", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath string
	var count int
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger jsonl path (default "+defaultLedgerPath+")")
	flagSet.IntVar(&count, "n", 10, "number of entries")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printLedgerTailUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	if count < 0 {
		return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: false, Error: "--n must not be negative"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	l, err := openLedger(ledgerPath, "", configuration.Ledger, nil, false)
	if err != nil {
		return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: false, Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitInvalidInput))
	}
	entries, err := l.Tail(count)
	if err != nil {
		return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: false, Path: l.Path(), Error: err.Error(), errorFields: classify(err)}, exitCodeForError(err, exitVerifyFailed))
	}
	return writeLedgerTailOutput(jsonOutput, ledgerTailOutput{OK: true, Path: l.Path(), Entries: entries}, exitOK)
}

// openLedger applies flag, then project config, then built-in defaults.
func openLedger(pathFlag string, capsuleFlag string, defaults projectconfig.LedgerDefaults, provider provenance.Provider, verbose bool) (*ledger.Ledger, error) {
	return ledger.New(ledger.Config{
		Path:            firstNonEmpty(pathFlag, defaults.Path, defaultLedgerPath),
		CapsuleDir:      firstNonEmpty(capsuleFlag, defaults.CapsuleDir),
		ProducerVersion: version,
		Provenance:      provider,
		Logger:          logx.FromEnv("ledgerproof", verbose),
	})
}

func writeLedgerAppendOutput(jsonOutput bool, output ledgerAppendOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("ledger append ok: run_id=%s hash_self=%s\n", output.RunID, output.HashSelf)
		return exitCode
	}
	fmt.Printf("ledger append error: %s\n", output.Error)
	return exitCode
}

func writeLedgerVerifyOutput(jsonOutput bool, output ledgerVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("ledger verify error: %s\n", output.Error)
		return exitCode
	}
	if output.OK {
		fmt.Printf("ledger verify ok: %s\n", output.Path)
		return exitCode
	}
	fmt.Printf("ledger verify failed: %s (%d violations)\n", output.Path, len(output.Violations))
	for _, violation := range output.Violations {
		fmt.Printf("- line %d: %s: %s\n", violation.Line, violation.Kind, violation.Message)
	}
	return exitCode
}

func writeLedgerTailOutput(jsonOutput bool, output ledgerTailOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if !output.OK {
		fmt.Printf("ledger tail error: %s\n", output.Error)
		return exitCode
	}
	for _, entry := range output.Entries {
		line, err := jcs.Canonicalize(map[string]any(entry))
		if err != nil {
			fmt.Printf("ledger tail error: %v\n", err)
			return exitInternalFailure
		}
		fmt.Println(string(line))
	}
	return exitCode
}

func printLedgerUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof ledger append --event <json|@file> [--context <json|@file>] [--ledger <path>] [--capsule-dir <dir>] [--provenance git|none] [--json] [--explain]")
	fmt.Println("  ledgerproof ledger verify [--ledger <path>] [--capsule-dir <dir>] [--json] [--explain]")
	fmt.Println("  ledgerproof ledger tail [--ledger <path>] [--n 10] [--json] [--explain]")
}

func printLedgerAppendUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof ledger append --event <json|@file> [--context <json|@file>] [--ledger <path>] [--capsule-dir <dir>] [--provenance git|none] [--verbose] [--json] [--explain]")
}

func printLedgerVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof ledger verify [--ledger <path>] [--capsule-dir <dir>] [--json] [--explain]")
}

func printLedgerTailUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof ledger tail [--ledger <path>] [--n 10] [--json] [--explain]")
}
