package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeNode(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		mustWriteFile(t, filepath.Join(root, filepath.FromSlash(name)), content)
	}
}

func TestReconcileDetectsConflicts(t *testing.T) {
	workDir := t.TempDir()
	withWorkingDir(t, workDir)
	writeNode(t, filepath.Join(workDir, "node-a"), map[string]string{
		"receipts/shared.json": `{"v": 1}`,
		"receipts/drift.json":  `{"v": "a"}`,
		"receipts/notes.txt":   "ignored by include",
		"anchor.json":          `{"root": "abc"}`,
	})
	writeNode(t, filepath.Join(workDir, "node-b"), map[string]string{
		"receipts/shared.json": `{"v": 1}`,
		"receipts/drift.json":  `{"v": "b"}`,
		"anchor.json":          `{"root": "abc"}`,
	})

	code, output := runJSON(t, "reconcile",
		"--node", "a="+filepath.Join(workDir, "node-a"),
		"--node", "b="+filepath.Join(workDir, "node-b"),
		"--include", "**/*.json",
		"--verify-anchor",
		"--out-root", "out",
		"--json",
	)
	if code != exitVerifyFailed {
		t.Fatalf("conflicting nodes: expected %d got %d output=%#v", exitVerifyFailed, code, output)
	}
	conflicts := output["conflicts"].([]any)
	if len(conflicts) != 1 || conflicts[0].(map[string]any)["path"] != "drift.json" {
		t.Fatalf("expected one conflict on drift.json, got %#v", conflicts)
	}
	if output["artifacts"] != float64(2) {
		t.Fatalf("expected 2 artifacts, got %#v", output["artifacts"])
	}
	checks := output["checks"].(map[string]any)
	if checks["anchor"].(map[string]any)["status"] != "ok" || checks["capsule"].(map[string]any)["status"] != "skipped" {
		t.Fatalf("unexpected checks: %#v", checks)
	}
	outputDir := output["output_dir"].(string)
	for _, name := range []string{"ledger.json", "conflicts.json", "summary.md"} {
		if _, err := os.Stat(filepath.Join(outputDir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(workDir, "out", "latest.json")); err != nil {
		t.Fatalf("missing latest pointer: %v", err)
	}
}

func TestReconcileFromConfigFile(t *testing.T) {
	workDir := t.TempDir()
	withWorkingDir(t, workDir)
	writeNode(t, filepath.Join(workDir, "fleet", "node-a"), map[string]string{"receipts/r.json": `{"v": 1}`})
	writeNode(t, filepath.Join(workDir, "fleet", "node-b"), map[string]string{"receipts/r.json": `{"v": 1}`})
	mustWriteFile(t, filepath.Join(workDir, "fleet", "reconcile.yaml"), `nodes:
  - id: a
    path: node-a
  - id: b
    path: node-b
out_dir: report
expect:
  - r.json
`)

	code, output := runJSON(t, "reconcile", "--config", filepath.Join("fleet", "reconcile.yaml"), "--json")
	if code != exitOK {
		t.Fatalf("identical nodes: expected %d got %d output=%#v", exitOK, code, output)
	}
	if _, err := os.Stat(filepath.Join(workDir, "fleet", "report", "ledger.json")); err != nil {
		t.Fatalf("out_dir should resolve against the config directory: %v", err)
	}

	writeNode(t, filepath.Join(workDir, "fleet", "node-c"), map[string]string{"receipts/other.json": `{}`})
	code, output = runJSON(t, "reconcile",
		"--node", "a="+filepath.Join(workDir, "fleet", "node-a"),
		"--node", "c="+filepath.Join(workDir, "fleet", "node-c"),
		"--expect", "r.json",
		"--out-dir", "gap-report",
		"--json",
	)
	if code != exitVerifyFailed {
		t.Fatalf("coverage gap: expected %d got %d", exitVerifyFailed, code)
	}
	gaps := output["coverage_gaps"].([]any)
	if len(gaps) != 1 || gaps[0].(map[string]any)["node_id"] != "c" {
		t.Fatalf("expected gap on node c, got %#v", gaps)
	}
}

func TestReconcileInputErrors(t *testing.T) {
	workDir := t.TempDir()
	withWorkingDir(t, workDir)
	writeNode(t, filepath.Join(workDir, "node-a"), map[string]string{"receipts/r.json": `{}`})
	mustWriteFile(t, filepath.Join(workDir, "bad.yaml"), "nodes:\n  - id: a\n    path: node-a\n    extra: nope\n")
	nodeA := "a=" + filepath.Join(workDir, "node-a")

	cases := []struct {
		name     string
		args     []string
		expected int
	}{
		{name: "no_nodes", args: []string{}, expected: exitInvalidInput},
		{name: "node_and_config", args: []string{"--node", nodeA, "--config", "bad.yaml"}, expected: exitInvalidInput},
		{name: "strict_config", args: []string{"--config", "bad.yaml"}, expected: exitInvalidInput},
		{name: "bad_node_flag", args: []string{"--node", "no-equals"}, expected: exitInvalidInput},
		{name: "missing_root", args: []string{"--node", "b=" + filepath.Join(workDir, "absent")}, expected: exitInvalidInput},
		{name: "duplicate_node", args: []string{"--node", nodeA, "--node", nodeA}, expected: exitInvalidInput},
		{name: "both_outputs", args: []string{"--node", nodeA, "--out-root", "x", "--out-dir", "y"}, expected: exitInvalidInput},
		{name: "bad_pattern", args: []string{"--node", nodeA, "--include", "[unclosed"}, expected: exitInvalidInput},
		{name: "positional", args: []string{"--node", nodeA, "extra"}, expected: exitInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, output := runJSON(t, append(append([]string{"reconcile"}, tc.args...), "--json")...)
			if code != tc.expected {
				t.Fatalf("expected %d got %d output=%#v", tc.expected, code, output)
			}
		})
	}
}

func TestReconcileRequireSignatures(t *testing.T) {
	workDir := t.TempDir()
	withWorkingDir(t, workDir)
	receiptPath := issueFixtureReceipt(t, workDir)
	raw, err := os.ReadFile(receiptPath)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	publicKey, err := os.ReadFile(filepath.Join(workDir, "keys", "issuer.pub"))
	if err != nil {
		t.Fatalf("read public key: %v", err)
	}
	for _, node := range []string{"node-a", "node-b"} {
		writeNode(t, filepath.Join(workDir, node), map[string]string{
			"receipts/r1.json": string(raw),
			"keys/issuer.pub":  string(publicKey),
		})
	}
	writeNode(t, filepath.Join(workDir, "node-b"), map[string]string{
		"receipts/unsigned.json": `{"feed_id": "f", "plan_id": "p", "issued_at": "2026-03-01T10:00:00Z", "observations": []}`,
	})
	nodes := []string{
		"--node", "a=" + filepath.Join(workDir, "node-a"),
		"--node", "b=" + filepath.Join(workDir, "node-b"),
	}

	code, output := runJSON(t, append(append([]string{"reconcile"}, nodes...), "--verify-signatures", "--out-dir", "sig-a", "--json")...)
	if code != exitOK {
		t.Fatalf("unsigned receipts without --require-signatures are partial, not failed: expected %d got %d", exitOK, code)
	}
	signature := output["checks"].(map[string]any)["signature"].(map[string]any)
	if signature["status"] != "partial" || signature["valid"] != float64(2) || signature["unsigned"] != float64(1) {
		t.Fatalf("unexpected signature check: %#v", signature)
	}

	code, _ = runJSON(t, append(append([]string{"reconcile"}, nodes...), "--require-signatures", "--out-dir", "sig-b", "--json")...)
	if code != exitVerifyFailed {
		t.Fatalf("unsigned receipt with --require-signatures: expected %d got %d", exitVerifyFailed, code)
	}

	code, output = runJSON(t, append(append([]string{"reconcile"}, nodes...), "--require-signatures", "--include", "r1.json", "--out-dir", "sig-c", "--json")...)
	if code != exitOK {
		t.Fatalf("all signed: expected %d got %d output=%#v", exitOK, code, output)
	}
}
