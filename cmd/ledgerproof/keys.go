package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/sign"
)

const defaultKeysDir = ".ledgerproof/keys"

type keysInitOutput struct {
	OK             bool   `json:"ok"`
	KeyID          string `json:"key_id,omitempty"`
	PublicKeyPath  string `json:"public_key_path,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Error          string `json:"error,omitempty"`
}

type keysVerifyOutput struct {
	OK               bool   `json:"ok"`
	KeyID            string `json:"key_id,omitempty"`
	PrivateKeySource string `json:"private_key_source,omitempty"`
	PublicKeySource  string `json:"public_key_source,omitempty"`
	Error            string `json:"error,omitempty"`
}

func runKeys(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Manage local Ed25519 keys used to sign and verify receipts.")
	}
	if len(arguments) == 0 {
		printKeysUsage()
		return exitInvalidInput
	}
	if arguments[0] == "--help" || arguments[0] == "-h" {
		printKeysUsage()
		return exitOK
	}
	switch arguments[0] {
	case "init":
		return runKeysInit(arguments[1:])
	case "verify":
		return runKeysVerify(arguments[1:])
	default:
		printKeysUsage()
		return exitInvalidInput
	}
}

func runKeysInit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Generate a new Ed25519 keypair and write <key_id>.key and <key_id>.pub as base64 files. The key id defaults to one derived from the public key.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"out-dir": true,
		"key-id":  true,
	})

	flagSet := flag.NewFlagSet("keys-init", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outDir string
	var keyID string
	var force bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&outDir, "out-dir", defaultKeysDir, "directory for generated key files")
	flagSet.StringVar(&keyID, "key-id", "", "key id used as the file name (default derived from the public key)")
	flagSet.BoolVar(&force, "force", false, "overwrite existing key files")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printKeysInitUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	if strings.TrimSpace(outDir) == "" {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{OK: false, Error: "out-dir must not be empty"}, exitInvalidInput)
	}

	kp, err := sign.GenerateKeyPair()
	if err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{OK: false, Error: fmt.Sprintf("generate keypair: %v", err)}, exitInternalFailure)
	}
	resolvedID := firstNonEmpty(keyID, sign.KeyID(kp.Public))
	privatePath, publicPath, err := sign.WriteKeyPair(strings.TrimSpace(outDir), resolvedID, kp, force)
	if err != nil {
		return writeKeysInitOutput(jsonOutput, keysInitOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	return writeKeysInitOutput(jsonOutput, keysInitOutput{
		OK:             true,
		KeyID:          resolvedID,
		PublicKeyPath:  publicPath,
		PrivateKeyPath: privatePath,
	}, exitOK)
}

func runKeysVerify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check that the configured private key decodes and, when key directories are given, that the published public key for its key id matches.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"key":      true,
		"key-env":  true,
		"key-id":   true,
		"keys-dir": true,
		"config":   true,
	})

	flagSet := flag.NewFlagSet("keys-verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var keyPath string
	var keyEnv string
	var keyID string
	var keysDirs stringList
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&keyPath, "key", "", "path to base64 private key")
	flagSet.StringVar(&keyEnv, "key-env", "", "env var containing base64 private key")
	flagSet.StringVar(&keyID, "key-id", "", "key id to look up in --keys-dir (default derived from the public key)")
	flagSet.Var(&keysDirs, "keys-dir", "directory holding <key_id>.pub files (repeatable)")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printKeysVerifyUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(keyPath) == "" && strings.TrimSpace(keyEnv) == "" {
		keyPath = configuration.Receipt.PrivateKey
		keyEnv = configuration.Receipt.PrivateKeyEnv
	}
	keyConfig := sign.KeyConfig{PrivateKeyPath: strings.TrimSpace(keyPath), PrivateKeyEnv: strings.TrimSpace(keyEnv)}
	if !keyConfig.Configured() {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: false, Error: "private key source is required (--key or --key-env)"}, exitMissingDependency)
	}
	kp, err := sign.LoadSigningKey(keyConfig)
	if err != nil {
		return writeKeysVerifyOutput(jsonOutput, keysVerifyOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	output := keysVerifyOutput{
		OK:               true,
		KeyID:            firstNonEmpty(keyID, configuration.Receipt.PublicKeyID, sign.KeyID(kp.Public)),
		PrivateKeySource: keySourceLabel(keyConfig.PrivateKeyPath, keyConfig.PrivateKeyEnv),
		PublicKeySource:  "derived",
	}
	dirs := mergeUnique(keysDirs, configuration.Receipt.KeysDirs)
	if len(dirs) > 0 {
		published, err := sign.DirResolver{Dirs: dirs}.Resolve(output.KeyID)
		if err != nil {
			output.OK = false
			output.Error = err.Error()
			return writeKeysVerifyOutput(jsonOutput, output, exitVerifyFailed)
		}
		if !bytes.Equal(published, kp.Public) {
			output.OK = false
			output.Error = fmt.Sprintf("published public key for %s does not match the private key", output.KeyID)
			return writeKeysVerifyOutput(jsonOutput, output, exitVerifyFailed)
		}
		output.PublicKeySource = "dirs:" + strings.Join(dirs, ",")
	}
	return writeKeysVerifyOutput(jsonOutput, output, exitOK)
}

func keySourceLabel(path string, env string) string {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath != "" {
		return "path:" + trimmedPath
	}
	trimmedEnv := strings.TrimSpace(env)
	if trimmedEnv != "" {
		return "env:" + trimmedEnv
	}
	return "derived"
}

func writeKeysInitOutput(jsonOutput bool, output keysInitOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("keys init ok: key_id=%s public=%s private=%s\n", output.KeyID, output.PublicKeyPath, output.PrivateKeyPath)
		return exitCode
	}
	fmt.Printf("keys init error: %s\n", output.Error)
	return exitCode
}

func writeKeysVerifyOutput(jsonOutput bool, output keysVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("keys verify ok: key_id=%s\n", output.KeyID)
		return exitCode
	}
	fmt.Printf("keys verify error: %s\n", output.Error)
	return exitCode
}

func printKeysUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof keys init [--out-dir .ledgerproof/keys] [--key-id <id>] [--force] [--json] [--explain]")
	fmt.Println("  ledgerproof keys verify [--key <path>|--key-env <VAR>] [--key-id <id>] [--keys-dir <dir>]... [--json] [--explain]")
}

func printKeysInitUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof keys init [--out-dir .ledgerproof/keys] [--key-id <id>] [--force] [--json] [--explain]")
}

func printKeysVerifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof keys verify [--key <path>|--key-env <VAR>] [--key-id <id>] [--keys-dir <dir>]... [--json] [--explain]")
}
