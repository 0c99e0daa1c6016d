package fsx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomicCreatesAndOverwrites(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "ledger.json")

	if err := WriteFileAtomic(target, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	first, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read first write: %v", err)
	}
	if string(first) != "first\n" {
		t.Fatalf("unexpected first content: %q", string(first))
	}

	if err := WriteFileAtomic(target, []byte("second\n"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	second, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read second write: %v", err)
	}
	if string(second) != "second\n" {
		t.Fatalf("unexpected second content: %q", string(second))
	}
}

func TestWriteFileAtomicMode(t *testing.T) {
	target := filepath.Join(t.TempDir(), "secure.json")

	if err := WriteFileAtomic(target, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600 got %#o", info.Mode().Perm())
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	target := filepath.Join(t.TempDir(), "conflicts.json")
	if err := WriteJSONAtomic(target, []string{"a", "b"}, 0o600); err != nil {
		t.Fatalf("write json: %v", err)
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(decoded) != 2 || raw[len(raw)-1] != '\n' {
		t.Fatalf("unexpected json output: %q", raw)
	}
}

func TestWriteFileExclusiveRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "keys", "signer.key")
	if err := WriteFileExclusive(target, []byte("one"), 0o600); err != nil {
		t.Fatalf("first exclusive write: %v", err)
	}
	if err := WriteFileExclusive(target, []byte("two"), 0o600); err == nil {
		t.Fatalf("expected second exclusive write to fail")
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(raw) != "one" {
		t.Fatalf("existing file was modified: %q", raw)
	}
}
