package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/ledgerproof/core/doctor"
	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/provenance"
	"github.com/davidahmann/ledgerproof/core/sign"
)

type doctorOutput struct {
	OK              bool           `json:"ok"`
	SchemaID        string         `json:"schema_id,omitempty"`
	SchemaVersion   string         `json:"schema_version,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	ProducerVersion string         `json:"producer_version,omitempty"`
	Status          string         `json:"status,omitempty"`
	NonFixable      bool           `json:"non_fixable,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	FixCommands     []string       `json:"fix_commands,omitempty"`
	Checks          []doctor.Check `json:"checks,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func runDoctor(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Diagnose the local setup: writable work dir, embedded schemas, ledger chain, key directories, signing key and its permissions, and provenance.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"ledger":      true,
		"capsule-dir": true,
		"keys-dir":    true,
		"key":         true,
		"key-env":     true,
		"provenance":  true,
		"workdir":     true,
		"config":      true,
	})

	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath string
	var capsuleDir string
	var keysDirs stringList
	var keyPath string
	var keyEnv string
	var provenanceName string
	var workDir string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger jsonl path (default "+defaultLedgerPath+")")
	flagSet.StringVar(&capsuleDir, "capsule-dir", "", "run capsule directory")
	flagSet.Var(&keysDirs, "keys-dir", "public key directory (repeatable)")
	flagSet.StringVar(&keyPath, "key", "", "path to base64 private key")
	flagSet.StringVar(&keyEnv, "key-env", "", "env var containing base64 private key")
	flagSet.StringVar(&provenanceName, "provenance", "", "provenance provider: git|none")
	flagSet.StringVar(&workDir, "workdir", ".", "working directory to check")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printDoctorUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeDoctorOutput(jsonOutput, doctorOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(keyPath) == "" && strings.TrimSpace(keyEnv) == "" {
		keyPath = configuration.Receipt.PrivateKey
		keyEnv = configuration.Receipt.PrivateKeyEnv
	}
	provider, err := provenance.Resolve(firstNonEmpty(provenanceName, configuration.Ledger.Provenance), workDir)
	if err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}

	result := doctor.Run(context.Background(), doctor.Options{
		WorkDir:         workDir,
		ProducerVersion: version,
		LedgerPath:      firstNonEmpty(ledgerPath, configuration.Ledger.Path, defaultLedgerPath),
		CapsuleDir:      firstNonEmpty(capsuleDir, configuration.Ledger.CapsuleDir),
		KeysDirs:        mergeUnique(keysDirs, configuration.Receipt.KeysDirs),
		KeyConfig:       sign.KeyConfig{PrivateKeyPath: strings.TrimSpace(keyPath), PrivateKeyEnv: strings.TrimSpace(keyEnv)},
		Provenance:      provider,
	})
	output := doctorOutput{
		OK:              !result.Failed(),
		SchemaID:        result.SchemaID,
		SchemaVersion:   result.SchemaVersion,
		CreatedAt:       result.CreatedAt,
		ProducerVersion: result.ProducerVersion,
		Status:          result.Status,
		NonFixable:      result.NonFixable,
		Summary:         result.Summary,
		FixCommands:     result.FixCommands,
		Checks:          result.Checks,
	}
	if result.Failed() {
		return writeDoctorOutput(jsonOutput, output, exitMissingDependency)
	}
	return writeDoctorOutput(jsonOutput, output, exitOK)
}

func writeDoctorOutput(jsonOutput bool, output doctorOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("doctor error: %s\n", output.Error)
		return exitCode
	}
	fmt.Println(output.Summary)
	for _, check := range output.Checks {
		fmt.Printf("- %s: %s (%s)\n", check.Name, check.Status, check.Message)
		if check.FixCommand != "" {
			fmt.Printf("  fix: %s\n", check.FixCommand)
		}
	}
	return exitCode
}

func printDoctorUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof doctor [--ledger <path>] [--capsule-dir <dir>] [--keys-dir <dir>]... [--key <path>|--key-env <VAR>] [--provenance git|none] [--workdir <dir>] [--json] [--explain]")
}
