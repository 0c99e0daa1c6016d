package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/ledgerproof/core/receipt"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
	"github.com/davidahmann/ledgerproof/core/sign"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func makeNode(t *testing.T, id string, files map[string]string) schemareconcile.Node {
	t.Helper()
	root := filepath.Join(t.TempDir(), id)
	if err := os.MkdirAll(root, 0o750); err != nil {
		t.Fatalf("mkdir node root: %v", err)
	}
	for rel, content := range files {
		writeFile(t, filepath.Join(root, filepath.FromSlash(rel)), content)
	}
	return schemareconcile.Node{NodeID: id, RootPath: root}
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
}

func mustRun(t *testing.T, opts Options) Report {
	t.Helper()
	report, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return report
}

func TestConflictDetection(t *testing.T) {
	a := makeNode(t, "node-a", map[string]string{"receipts/feed/r1.json": `{"v":1}`})
	b := makeNode(t, "node-b", map[string]string{"receipts/feed/r1.json": `{"v":2}`})

	report := mustRun(t, Options{Nodes: []schemareconcile.Node{a, b}, Now: fixedNow})
	if len(report.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %#v", report.Conflicts)
	}
	conflict := report.Conflicts[0]
	if conflict.Path != "feed/r1.json" || len(conflict.Variants) != 2 {
		t.Fatalf("unexpected conflict: %#v", conflict)
	}
	if !reflect.DeepEqual(conflict.Nodes, []string{"node-a", "node-b"}) {
		t.Fatalf("conflict must name both nodes: %v", conflict.Nodes)
	}
	if !report.Failed() {
		t.Fatalf("conflict must fail the run")
	}
}

func TestIdenticalContentSingleVariant(t *testing.T) {
	a := makeNode(t, "node-a", map[string]string{"receipts/r1.json": `{"v":1}`})
	b := makeNode(t, "node-b", map[string]string{"receipts/r1.json": `{"v":1}`})

	report := mustRun(t, Options{Nodes: []schemareconcile.Node{a, b}, Now: fixedNow})
	if len(report.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %#v", report.Conflicts)
	}
	if len(report.Ledger.Artifacts) != 1 || len(report.Ledger.Artifacts[0].Variants) != 1 {
		t.Fatalf("expected one artifact with one variant: %#v", report.Ledger.Artifacts)
	}
	if got := report.Ledger.Artifacts[0].Variants[0].Nodes; !reflect.DeepEqual(got, []string{"node-a", "node-b"}) {
		t.Fatalf("variant must list both nodes: %v", got)
	}
	if report.Failed() {
		t.Fatalf("identical content must not fail")
	}
}

func TestAggregateOrdering(t *testing.T) {
	entries := []Entry{
		{NodeID: "c", Path: "z.json", Hash: "bb"},
		{NodeID: "a", Path: "a.json", Hash: "ff"},
		{NodeID: "b", Path: "a.json", Hash: "00"},
		{NodeID: "a", Path: "z.json", Hash: "bb"},
	}
	artifacts := Aggregate(entries)
	if len(artifacts) != 2 || artifacts[0].Path != "a.json" {
		t.Fatalf("unexpected artifacts: %#v", artifacts)
	}
	if artifacts[0].Variants[0].Hash != "00" || artifacts[0].Variants[1].Hash != "ff" {
		t.Fatalf("variants must sort by hash: %#v", artifacts[0].Variants)
	}
	if got := artifacts[1].Variants[0].Nodes; !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("nodes must sort: %v", got)
	}
}

func TestCoverage(t *testing.T) {
	a := makeNode(t, "node-a", map[string]string{"receipts/prices/2026/r1.json": `{}`})
	b := makeNode(t, "node-b", map[string]string{"receipts/other/r1.json": `{}`})

	report := mustRun(t, Options{
		Nodes:  []schemareconcile.Node{a, b},
		Expect: []string{"prices/**/*.json"},
		Now:    fixedNow,
	})
	want := []schemareconcile.CoverageGap{{NodeID: "node-b", Missing: []string{"prices/**/*.json"}}}
	if !reflect.DeepEqual(report.Ledger.Coverage, want) {
		t.Fatalf("unexpected coverage: %#v", report.Ledger.Coverage)
	}
	if !report.Failed() {
		t.Fatalf("coverage gap must fail the run")
	}
}

func TestCollectIncludeFilterAndMissingDir(t *testing.T) {
	node := makeNode(t, "node-a", map[string]string{
		"receipts/keep/r1.json": `{}`,
		"receipts/skip/r1.txt":  `x`,
	})
	entries, err := Collect(node, DefaultLayout(), []string{"**/*.json"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "keep/r1.json" || entries[0].Size != 2 {
		t.Fatalf("unexpected entries: %#v", entries)
	}

	empty := makeNode(t, "node-b", nil)
	entries, err = Collect(empty, DefaultLayout(), nil)
	if err != nil || len(entries) != 0 {
		t.Fatalf("missing receipts dir must collect nothing: err=%v entries=%#v", err, entries)
	}

	if _, err := Collect(node, DefaultLayout(), []string{"[bad"}); err == nil {
		t.Fatalf("expected bad pattern error")
	}
}

func TestCollectAllKeepsNodeOrder(t *testing.T) {
	nodes := []schemareconcile.Node{}
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8", "n9", "n10"} {
		nodes = append(nodes, makeNode(t, id, map[string]string{"receipts/" + id + ".json": id}))
	}
	snapshots, err := CollectAll(context.Background(), nodes, DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("collect all: %v", err)
	}
	if len(snapshots) != len(nodes) {
		t.Fatalf("expected %d snapshots, got %d", len(nodes), len(snapshots))
	}
	for index, snapshot := range snapshots {
		if snapshot.Node.NodeID != nodes[index].NodeID || len(snapshot.Entries) != 1 {
			t.Fatalf("snapshot %d out of order or incomplete: %#v", index, snapshot)
		}
	}
}

func TestAnchorCheck(t *testing.T) {
	withAnchor := func(id, content string) schemareconcile.Node {
		return makeNode(t, id, map[string]string{"anchor.json": content})
	}
	bare := func(id string) schemareconcile.Node { return makeNode(t, id, nil) }

	cases := []struct {
		name  string
		nodes []schemareconcile.Node
		want  schemareconcile.CheckStatus
	}{
		{"all agree", []schemareconcile.Node{withAnchor("a", "x"), withAnchor("b", "x")}, schemareconcile.StatusOK},
		{"one missing", []schemareconcile.Node{withAnchor("a", "x"), bare("b")}, schemareconcile.StatusPartial},
		{"differ", []schemareconcile.Node{withAnchor("a", "x"), withAnchor("b", "y")}, schemareconcile.StatusConflict},
		{"none", []schemareconcile.Node{bare("a"), bare("b")}, schemareconcile.StatusMissing},
		{"minority dissent", []schemareconcile.Node{withAnchor("a", "x"), withAnchor("b", "x"), withAnchor("c", "y")}, schemareconcile.StatusConflict},
		{"dissent with gap", []schemareconcile.Node{withAnchor("a", "x"), bare("b"), withAnchor("c", "y")}, schemareconcile.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := CheckAnchor(tc.nodes, DefaultLayout())
			if result.Status != tc.want {
				t.Fatalf("status: got=%s want=%s", result.Status, tc.want)
			}
			if len(result.Nodes) != len(tc.nodes) {
				t.Fatalf("expected a value per node: %#v", result.Nodes)
			}
		})
	}
}

func TestAnchorPartialDoesNotFail(t *testing.T) {
	a := makeNode(t, "a", map[string]string{"anchor.json": "x"})
	b := makeNode(t, "b", nil)
	report := mustRun(t, Options{Nodes: []schemareconcile.Node{a, b}, VerifyAnchor: true, Now: fixedNow})
	if report.Ledger.Checks.Anchor.Status != schemareconcile.StatusPartial {
		t.Fatalf("anchor: got %s", report.Ledger.Checks.Anchor.Status)
	}
	if report.Ledger.Checks.Capsule.Status != schemareconcile.StatusSkipped {
		t.Fatalf("capsule: got %s", report.Ledger.Checks.Capsule.Status)
	}
	if report.Failed() {
		t.Fatalf("partial anchor must not fail the run")
	}
}

func capsuleNode(t *testing.T, id, target, manifest string) schemareconcile.Node {
	t.Helper()
	pointer, err := json.Marshal(schemareconcile.CapsulePointer{Target: target})
	if err != nil {
		t.Fatalf("encode pointer: %v", err)
	}
	files := map[string]string{"capsules/current.json": string(pointer)}
	files["capsules/"+target+"/hashes.json"] = manifest
	return makeNode(t, id, files)
}

func TestCapsuleCheck(t *testing.T) {
	bad := makeNode(t, "c", map[string]string{"capsules/current.json": `{"target":"../escape"}`})
	cases := []struct {
		name  string
		nodes []schemareconcile.Node
		want  schemareconcile.CheckStatus
	}{
		{"agree", []schemareconcile.Node{capsuleNode(t, "a", "run-1", "h"), capsuleNode(t, "b", "run-1", "h")}, schemareconcile.StatusOK},
		{"pointer differs", []schemareconcile.Node{capsuleNode(t, "a", "run-1", "h"), capsuleNode(t, "b", "run-2", "h")}, schemareconcile.StatusConflict},
		{"manifest differs", []schemareconcile.Node{capsuleNode(t, "a", "run-1", "h"), capsuleNode(t, "b", "run-1", "other")}, schemareconcile.StatusConflict},
		{"one missing", []schemareconcile.Node{capsuleNode(t, "a", "run-1", "h"), makeNode(t, "b", nil)}, schemareconcile.StatusPartial},
		{"escaping pointer", []schemareconcile.Node{capsuleNode(t, "a", "run-1", "h"), bad}, schemareconcile.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CheckCapsule(tc.nodes, DefaultLayout()).Status; got != tc.want {
				t.Fatalf("status: got=%s want=%s", got, tc.want)
			}
		})
	}
}

func TestCapsuleSymlinkFallback(t *testing.T) {
	a := capsuleNode(t, "a", "run-1", "h")
	b := makeNode(t, "b", map[string]string{"capsules/run-1/hashes.json": "h"})
	if err := os.Symlink("run-1", filepath.Join(b.RootPath, "capsules", "current")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	result := CheckCapsule([]schemareconcile.Node{a, b}, DefaultLayout())
	if result.Status != schemareconcile.StatusOK || result.Nodes[1].Pointer != "run-1" {
		t.Fatalf("symlink pointer must resolve: %#v", result)
	}
}

type signedNode struct {
	node   schemareconcile.Node
	signer sign.Signer
	keyID  string
}

func newSignedNode(t *testing.T, id string) signedNode {
	t.Helper()
	node := makeNode(t, id, nil)
	kp, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if _, _, err := sign.WriteKeyPair(filepath.Join(node.RootPath, "keys"), "feed-key", kp, false); err != nil {
		t.Fatalf("write key pair: %v", err)
	}
	return signedNode{node: node, signer: sign.NewSigner(kp.Private), keyID: "feed-key"}
}

func (s signedNode) writeReceipt(t *testing.T, rel string, mutate func(map[string]any)) {
	t.Helper()
	envelope, err := receipt.Issue(receipt.BuildInput{
		FeedID: "prices",
		PlanID: "plan-1",
		Observations: []map[string]any{
			{"label": "x", "value": 1, "timestamp_utc": "2026-01-01T00:00:00Z", "source": "s"},
		},
		IssuedAt: "2026-01-01T00:00:01Z",
	}, s.signer, s.keyID)
	if err != nil {
		t.Fatalf("issue receipt: %v", err)
	}
	if mutate != nil {
		mutate(envelope)
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("encode receipt: %v", err)
	}
	writeFile(t, filepath.Join(s.node.RootPath, "receipts", filepath.FromSlash(rel)), string(encoded))
}

func TestSignatureCheck(t *testing.T) {
	a := newSignedNode(t, "a")
	b := newSignedNode(t, "b")
	a.writeReceipt(t, "r1.json", nil)
	b.writeReceipt(t, "r1.json", nil)
	nodes := []schemareconcile.Node{a.node, b.node}

	report := mustRun(t, Options{Nodes: nodes, VerifySignatures: true, Verifier: sign.Ed25519, Now: fixedNow})
	signature := report.Ledger.Checks.Signature
	if signature.Status != schemareconcile.StatusOK || signature.Checked != 2 || signature.Valid != 2 {
		t.Fatalf("expected two valid receipts: %#v", signature)
	}

	b.writeReceipt(t, "unsigned.json", func(envelope map[string]any) {
		delete(envelope, "signature")
		delete(envelope, "public_key_id")
	})
	report = mustRun(t, Options{Nodes: nodes, VerifySignatures: true, Verifier: sign.Ed25519, Now: fixedNow})
	signature = report.Ledger.Checks.Signature
	if signature.Status != schemareconcile.StatusPartial || signature.Unsigned != 1 {
		t.Fatalf("unsigned receipt must make the check partial: %#v", signature)
	}

	report = mustRun(t, Options{Nodes: nodes, RequireSignatures: true, Verifier: sign.Ed25519, Now: fixedNow})
	if report.Ledger.Checks.Signature.Status != schemareconcile.StatusMissing || !report.Failed() {
		t.Fatalf("required signatures must fail on an unsigned receipt: %#v", report.Ledger.Checks.Signature)
	}

	a.writeReceipt(t, "tampered.json", func(envelope map[string]any) {
		envelope["plan_id"] = "plan-2"
	})
	report = mustRun(t, Options{Nodes: nodes, VerifySignatures: true, Verifier: sign.Ed25519, Now: fixedNow})
	signature = report.Ledger.Checks.Signature
	if signature.Status != schemareconcile.StatusError || signature.Invalid != 1 {
		t.Fatalf("tampered receipt must be invalid: %#v", signature)
	}
}

func TestSignatureCheckRejectsRespelledSignature(t *testing.T) {
	a := newSignedNode(t, "a")
	b := newSignedNode(t, "b")
	a.writeReceipt(t, "r1.json", nil)
	b.writeReceipt(t, "r1.json", func(envelope map[string]any) {
		signature := envelope["signature"].(string)
		last := "A"
		if strings.HasSuffix(signature, "A") {
			last = "B"
		}
		envelope["signature"] = signature[:len(signature)-1] + last
	})

	report := mustRun(t, Options{Nodes: []schemareconcile.Node{a.node, b.node}, VerifySignatures: true, Verifier: sign.Ed25519, Now: fixedNow})
	signature := report.Ledger.Checks.Signature
	if signature.Valid != 1 || signature.Invalid != 1 || signature.Status != schemareconcile.StatusError {
		t.Fatalf("edited signature must not verify: %#v", signature)
	}
}

func TestSignatureCheckUsesEachNodesKeys(t *testing.T) {
	a := newSignedNode(t, "a")
	b := newSignedNode(t, "b")
	// b signs with its own key under the same key id; a's key must not be used.
	b.writeReceipt(t, "r1.json", nil)
	snapshots, err := CollectAll(context.Background(), []schemareconcile.Node{a.node, b.node}, DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("collect all: %v", err)
	}
	check := CheckSignatures(snapshots, DefaultLayout(), SignatureOptions{Verifier: sign.Ed25519})
	if check.Status != schemareconcile.StatusOK {
		t.Fatalf("expected ok with per-node keys: %#v", check)
	}
}

func TestSignatureUnavailable(t *testing.T) {
	a := newSignedNode(t, "a")
	a.writeReceipt(t, "r1.json", nil)
	report := mustRun(t, Options{Nodes: []schemareconcile.Node{a.node}, VerifySignatures: true, Now: fixedNow})
	if report.Ledger.Checks.Signature.Status != schemareconcile.StatusUnavailable || report.Failed() {
		t.Fatalf("missing verifier must report unavailable without failing: %#v", report.Ledger.Checks.Signature)
	}

	report = mustRun(t, Options{Nodes: []schemareconcile.Node{a.node}, RequireSignatures: true, Now: fixedNow})
	if !report.Failed() {
		t.Fatalf("required signatures without a verifier must fail")
	}
}

func TestRunValidatesNodes(t *testing.T) {
	a := makeNode(t, "a", nil)
	cases := map[string]Options{
		"no nodes":     {},
		"duplicate":    {Nodes: []schemareconcile.Node{a, a}},
		"missing root": {Nodes: []schemareconcile.Node{{NodeID: "x", RootPath: filepath.Join(t.TempDir(), "nope")}}},
		"bad id":       {Nodes: []schemareconcile.Node{{NodeID: "bad id", RootPath: a.RootPath}}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Run(context.Background(), opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestWriteOutputs(t *testing.T) {
	a := makeNode(t, "node-a", map[string]string{"receipts/r1.json": `{"v":1}`})
	b := makeNode(t, "node-b", map[string]string{"receipts/r1.json": `{"v":2}`})
	report := mustRun(t, Options{Nodes: []schemareconcile.Node{a, b}, Now: fixedNow})

	outRoot := t.TempDir()
	first, err := WriteOutputs(report, OutputOptions{OutRoot: outRoot})
	if err != nil {
		t.Fatalf("write outputs: %v", err)
	}
	if first != filepath.Join(outRoot, "20260203T040506Z") {
		t.Fatalf("unexpected output dir: %s", first)
	}
	for _, name := range []string{LedgerFile, ConflictsFile, SummaryFile} {
		if _, err := os.Stat(filepath.Join(first, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	var conflicts []schemareconcile.Conflict
	raw, err := os.ReadFile(filepath.Join(first, ConflictsFile))
	if err != nil {
		t.Fatalf("read conflicts: %v", err)
	}
	if err := json.Unmarshal(raw, &conflicts); err != nil {
		t.Fatalf("decode conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %#v", conflicts)
	}

	summary, err := os.ReadFile(filepath.Join(first, SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.HasPrefix(string(summary), "# Reconciliation FAIL") || !strings.Contains(string(summary), "r1.json") {
		t.Fatalf("unexpected summary:\n%s", summary)
	}

	second, err := WriteOutputs(report, OutputOptions{OutRoot: outRoot})
	if err != nil {
		t.Fatalf("write outputs again: %v", err)
	}
	if second != filepath.Join(outRoot, "20260203T040506Z-2") {
		t.Fatalf("second run must get a suffixed dir: %s", second)
	}

	latestDir, pointer, err := ReadLatest(outRoot)
	if err != nil {
		t.Fatalf("read latest: %v", err)
	}
	if latestDir != second || pointer.GeneratedAt != "2026-02-03T04:05:06Z" {
		t.Fatalf("latest must point at the second run: dir=%s pointer=%#v", latestDir, pointer)
	}

	direct := filepath.Join(t.TempDir(), "out")
	written, err := WriteOutputs(report, OutputOptions{OutDir: direct})
	if err != nil || written != direct {
		t.Fatalf("out dir write: written=%s err=%v", written, err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(direct), LatestFile)); !os.IsNotExist(err) {
		t.Fatalf("--out-dir must not write a latest pointer, stat err=%v", err)
	}

	if _, err := WriteOutputs(report, OutputOptions{}); err == nil {
		t.Fatalf("expected error without an output location")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reconcile.yaml")
	writeFile(t, path, `nodes:
  - id: node-a
    path: roots/a
  - id: node-b
    path: /abs/b
out_root: out
expect:
  - "prices/**/*.json"
verify_anchor: true
require_signatures: true
layout:
  receipts_dir: data/receipts
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	nodes := cfg.ToNodes()
	if len(nodes) != 2 || nodes[0].RootPath != filepath.Join(dir, "roots/a") || nodes[1].RootPath != "/abs/b" {
		t.Fatalf("unexpected nodes: %#v", nodes)
	}
	if cfg.OutRoot != filepath.Join(dir, "out") {
		t.Fatalf("out_root must resolve against the config dir: %s", cfg.OutRoot)
	}
	if !cfg.VerifyAnchor || !cfg.RequireSignatures || cfg.Layout.ReceiptsDir != "data/receipts" {
		t.Fatalf("unexpected config: %#v", cfg)
	}

	for name, body := range map[string]string{
		"unknown field": "nodes:\n  - id: a\n    path: x\nbogus: 1\n",
		"no nodes":      "out_root: out\n",
		"duplicate ids": "nodes:\n  - id: a\n    path: x\n  - id: a\n    path: y\n",
		"bad id":        "nodes:\n  - id: 'a b'\n    path: x\n",
		"both outputs":  "nodes:\n  - id: a\n    path: x\nout_root: o\nout_dir: d\n",
		"bad glob":      "nodes:\n  - id: a\n    path: x\nexpect: ['[oops']\n",
	} {
		t.Run(name, func(t *testing.T) {
			bad := filepath.Join(t.TempDir(), "bad.yaml")
			writeFile(t, bad, body)
			if _, err := LoadConfig(bad); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseNodeFlag(t *testing.T) {
	node, err := ParseNodeFlag("node-a=/mnt/a")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if node != (schemareconcile.Node{NodeID: "node-a", RootPath: "/mnt/a"}) {
		t.Fatalf("unexpected node: %#v", node)
	}

	for _, value := range []string{"", "node-a", "=/mnt/a", "node-a=", "bad id=/x"} {
		if _, err := ParseNodeFlag(value); err == nil {
			t.Fatalf("expected error for %q", value)
		}
	}
}
