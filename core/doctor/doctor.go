package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/ledgerproof/core/ledger"
	"github.com/davidahmann/ledgerproof/core/provenance"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	"github.com/davidahmann/ledgerproof/core/schema/validate"
	"github.com/davidahmann/ledgerproof/core/sign"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

type Options struct {
	WorkDir         string
	ProducerVersion string
	LedgerPath      string
	CapsuleDir      string
	KeysDirs        []string
	KeyConfig       sign.KeyConfig
	Provenance      provenance.Provider
	Now             func() time.Time
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

func Run(ctx context.Context, opts Options) Result {
	workDir := strings.TrimSpace(opts.WorkDir)
	if workDir == "" {
		workDir = "."
	}
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	checks := []Check{
		checkWorkDirWritable(workDir),
		checkSchemas(),
		checkLedger(opts.LedgerPath, opts.CapsuleDir),
		checkKeysDirs(opts.KeysDirs),
		checkSigningKey(opts.KeyConfig),
		checkKeyPermissions(opts.KeyConfig),
		checkProvenance(ctx, opts.Provenance),
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := statusPass
	if failed > 0 {
		status = statusFail
	} else if warned > 0 {
		status = statusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		SchemaID:        "ledgerproof.doctor.result",
		SchemaVersion:   "1.0.0",
		CreatedAt:       common.FormatTimestamp(now()),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

// Failed reports whether any check failed.
func (r Result) Failed() bool {
	return r.Status == statusFail
}

func checkWorkDirWritable(workDir string) Check {
	info, err := os.Stat(workDir)
	if err != nil || !info.IsDir() {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    "workdir is not an accessible directory",
			FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(workDir)),
		}
	}
	testPath := filepath.Join(workDir, ".ledgerproof-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       "workdir",
			Status:     statusFail,
			Message:    fmt.Sprintf("workdir not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(workDir)),
		}
	}
	_ = os.Remove(testPath)
	return Check{Name: "workdir", Status: statusPass, Message: "workdir is writable"}
}

func checkSchemas() Check {
	for _, name := range validate.Names() {
		if err := validate.Ready(name); err != nil {
			return Check{
				Name:       "schemas",
				Status:     statusFail,
				Message:    fmt.Sprintf("embedded schema %s does not compile: %v", name, err),
				NonFixable: true,
			}
		}
	}
	return Check{Name: "schemas", Status: statusPass, Message: "embedded schemas compile"}
}

func checkLedger(path string, capsuleDir string) Check {
	path = strings.TrimSpace(path)
	if path == "" {
		return Check{Name: "ledger", Status: statusWarn, Message: "no ledger path configured", FixCommand: "set ledger.path in .ledgerproof/config.yaml"}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Check{Name: "ledger", Status: statusWarn, Message: "ledger has no entries yet"}
	}
	l, err := ledger.New(ledger.Config{Path: path, CapsuleDir: capsuleDir})
	if err != nil {
		return Check{Name: "ledger", Status: statusFail, Message: err.Error()}
	}
	violations, err := l.VerifyChain()
	if err != nil {
		return Check{Name: "ledger", Status: statusFail, Message: fmt.Sprintf("ledger unreadable: %v", err)}
	}
	if len(violations) > 0 {
		first := violations[0]
		return Check{
			Name:       "ledger",
			Status:     statusFail,
			Message:    fmt.Sprintf("%d chain violations; first at line %d: %s", len(violations), first.Line, first.Kind),
			NonFixable: true,
		}
	}
	return Check{Name: "ledger", Status: statusPass, Message: "ledger chain is intact"}
}

func checkKeysDirs(dirs []string) Check {
	if len(dirs) == 0 {
		return Check{Name: "keys_dirs", Status: statusWarn, Message: "no key directories configured; signatures cannot be verified"}
	}
	found := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return Check{
				Name:       "keys_dirs",
				Status:     statusFail,
				Message:    fmt.Sprintf("key directory %s unreadable: %v", dir, err),
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(dir)),
			}
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), sign.PublicKeySuffix) {
				continue
			}
			if _, err := sign.LoadPublicKeyBase64(filepath.Join(dir, entry.Name())); err != nil {
				return Check{
					Name:    "keys_dirs",
					Status:  statusFail,
					Message: fmt.Sprintf("public key %s is invalid: %v", filepath.Join(dir, entry.Name()), err),
				}
			}
			found++
		}
	}
	if found == 0 {
		return Check{Name: "keys_dirs", Status: statusWarn, Message: "key directories hold no public keys", FixCommand: "ledgerproof keys init --out-dir <dir> --key-id <id>"}
	}
	return Check{Name: "keys_dirs", Status: statusPass, Message: fmt.Sprintf("%d public keys readable", found)}
}

func checkSigningKey(cfg sign.KeyConfig) Check {
	if !cfg.Configured() {
		return Check{Name: "signing_key", Status: statusPass, Message: "no signing key configured; receipt issue needs --key"}
	}
	kp, err := sign.LoadSigningKey(cfg)
	if err != nil {
		return Check{
			Name:       "signing_key",
			Status:     statusFail,
			Message:    fmt.Sprintf("signing key unusable: %v", err),
			FixCommand: "ledgerproof keys init --out-dir <dir> --key-id <id>",
		}
	}
	return Check{Name: "signing_key", Status: statusPass, Message: "signing key loads; key id " + sign.KeyID(kp.Public)}
}

func checkKeyPermissions(cfg sign.KeyConfig) Check {
	path := strings.TrimSpace(cfg.PrivateKeyPath)
	if path == "" {
		return Check{Name: "key_permissions", Status: statusPass, Message: "no private key file configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: "key_permissions", Status: statusFail, Message: fmt.Sprintf("private key not accessible: %v", err)}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Check{
			Name:       "key_permissions",
			Status:     statusWarn,
			Message:    fmt.Sprintf("private key mode %s is readable by others", info.Mode().Perm()),
			FixCommand: fmt.Sprintf("chmod 600 %s", shellQuote(path)),
		}
	}
	return Check{Name: "key_permissions", Status: statusPass, Message: "private key permissions are restricted"}
}

func checkProvenance(ctx context.Context, provider provenance.Provider) Check {
	if provider == nil {
		return Check{Name: "provenance", Status: statusPass, Message: "provenance disabled"}
	}
	described, err := provider.Describe(ctx)
	if err != nil {
		return Check{
			Name:    "provenance",
			Status:  statusWarn,
			Message: fmt.Sprintf("%s provenance unavailable: %v", provider.Name(), err),
		}
	}
	return Check{Name: "provenance", Status: statusPass, Message: fmt.Sprintf("%s provenance reports %d fields", provider.Name(), len(described))}
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
