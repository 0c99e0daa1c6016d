package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".ledgerproof/config.yaml"

type Config struct {
	Ledger    LedgerDefaults    `yaml:"ledger"`
	Receipt   ReceiptDefaults   `yaml:"receipt"`
	Reconcile ReconcileDefaults `yaml:"reconcile"`
}

type LedgerDefaults struct {
	Path       string `yaml:"path"`
	CapsuleDir string `yaml:"capsule_dir"`
	Provenance string `yaml:"provenance"`
}

type ReceiptDefaults struct {
	KeysDirs        []string `yaml:"keys_dirs"`
	PrivateKey      string   `yaml:"private_key"` // #nosec G117 -- config key name documents expected secret input.
	PrivateKeyEnv   string   `yaml:"private_key_env"`
	PublicKeyID     string   `yaml:"public_key_id"`
	FreshnessWindow string   `yaml:"freshness_window"`
}

type ReconcileDefaults struct {
	OutRoot           string   `yaml:"out_root"`
	Include           []string `yaml:"include"`
	Expect            []string `yaml:"expect"`
	VerifyAnchor      bool     `yaml:"verify_anchor"`
	VerifyCapsule     bool     `yaml:"verify_capsule"`
	VerifySignatures  bool     `yaml:"verify_signatures"`
	RequireSignatures bool     `yaml:"require_signatures"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if _, err := configuration.Receipt.Window(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

// Window parses freshness_window. Empty means unset and returns zero.
func (defaults ReceiptDefaults) Window() (time.Duration, error) {
	if defaults.FreshnessWindow == "" {
		return 0, nil
	}
	window, err := time.ParseDuration(defaults.FreshnessWindow)
	if err != nil || window <= 0 {
		return 0, fmt.Errorf("receipt.freshness_window must be a positive duration, got %q", defaults.FreshnessWindow)
	}
	return window, nil
}

func (configuration *Config) normalize() {
	configuration.Ledger.Path = strings.TrimSpace(configuration.Ledger.Path)
	configuration.Ledger.CapsuleDir = strings.TrimSpace(configuration.Ledger.CapsuleDir)
	configuration.Ledger.Provenance = strings.ToLower(strings.TrimSpace(configuration.Ledger.Provenance))
	configuration.Receipt.KeysDirs = trimList(configuration.Receipt.KeysDirs)
	configuration.Receipt.PrivateKey = strings.TrimSpace(configuration.Receipt.PrivateKey)
	configuration.Receipt.PrivateKeyEnv = strings.TrimSpace(configuration.Receipt.PrivateKeyEnv)
	configuration.Receipt.PublicKeyID = strings.TrimSpace(configuration.Receipt.PublicKeyID)
	configuration.Receipt.FreshnessWindow = strings.TrimSpace(configuration.Receipt.FreshnessWindow)
	configuration.Reconcile.OutRoot = strings.TrimSpace(configuration.Reconcile.OutRoot)
	configuration.Reconcile.Include = trimList(configuration.Reconcile.Include)
	configuration.Reconcile.Expect = trimList(configuration.Reconcile.Expect)
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
