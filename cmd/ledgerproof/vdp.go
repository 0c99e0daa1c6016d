package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	"github.com/davidahmann/ledgerproof/core/vdp"
)

type vdpCheckOutput struct {
	OK     bool        `json:"ok"`
	Path   string      `json:"path,omitempty"`
	Now    string      `json:"now,omitempty"`
	Result *vdp.Result `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func runVDP(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check that volatile observations carry a source and a timestamp, and that stale ones are labeled as stale.")
	}
	if len(arguments) == 0 {
		printVDPUsage()
		return exitInvalidInput
	}
	if arguments[0] == "--help" || arguments[0] == "-h" {
		printVDPUsage()
		return exitOK
	}
	switch arguments[0] {
	case "check":
		return runVDPCheck(arguments[1:])
	default:
		printVDPUsage()
		return exitInvalidInput
	}
}

func runVDPCheck(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Evaluate an observation array or a receipt against the freshness window. Any issue makes the verdict fail. Timestamps in the future are never stale.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"input":            true,
		"now":              true,
		"freshness-window": true,
		"config":           true,
	})

	flagSet := flag.NewFlagSet("vdp-check", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var inputPath string
	var nowValue string
	var windowValue string
	var configPath string
	var disableConfig bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&inputPath, "input", "", "observations or receipt json, - for stdin")
	flagSet.StringVar(&nowValue, "now", "", "evaluation time YYYY-MM-DDThh:mm:ssZ (default now)")
	flagSet.StringVar(&windowValue, "freshness-window", "", "freshness window (default 10m)")
	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "path to project defaults yaml")
	flagSet.BoolVar(&disableConfig, "no-config", false, "disable project defaults file lookup")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if helpFlag {
		printVDPCheckUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: "unexpected positional arguments"}, exitInvalidInput)
	}
	if strings.TrimSpace(inputPath) == "" {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: "--input is required"}, exitInvalidInput)
	}
	configuration, err := loadProjectConfig(configPath, disableConfig)
	if err != nil {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	configuredWindow, _ := configuration.Receipt.Window()
	window, err := resolveWindow(windowValue, configuredWindow)
	if err != nil {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	now, err := resolveNow(nowValue)
	if err != nil {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: err.Error()}, exitInvalidInput)
	}
	raw, err := readInput(inputPath)
	if err != nil {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Error: fmt.Sprintf("read input: %v", err)}, exitInvalidInput)
	}
	result, err := vdp.EvaluateJSON(raw, now, window)
	if err != nil {
		return writeVDPCheckOutput(jsonOutput, vdpCheckOutput{OK: false, Path: inputPath, Error: err.Error()}, exitInvalidInput)
	}

	output := vdpCheckOutput{OK: result.Passed(), Path: inputPath, Now: common.FormatTimestamp(now), Result: &result}
	if !result.Passed() {
		return writeVDPCheckOutput(jsonOutput, output, exitVerifyFailed)
	}
	return writeVDPCheckOutput(jsonOutput, output, exitOK)
}

func writeVDPCheckOutput(jsonOutput bool, output vdpCheckOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Printf("vdp check error: %s\n", output.Error)
		return exitCode
	}
	fmt.Printf("vdp check %s: checked=%d window=%s\n", output.Result.Verdict, output.Result.Checked, output.Result.Window)
	for _, issue := range output.Result.Issues {
		fmt.Printf("- observations[%d] %s: %s\n", issue.Index, issue.Code, issue.Message)
	}
	return exitCode
}

func printVDPUsage() {
	fmt.Println("Usage:")
	fmt.Println("  ledgerproof vdp check --input <observations.json|receipt.json> [--now <ts>] [--freshness-window 10m] [--json] [--explain]")
}

func printVDPCheckUsage() {
	printVDPUsage()
}
