package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/ledgerproof/core/receipt"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
	"github.com/davidahmann/ledgerproof/core/sign"
)

const (
	capsulePointerRecord = "current.json"
	capsulePointerLink   = "current"
	capsuleManifest      = "hashes.json"
)

// decide applies the unanimity rule. Every present value must agree; one
// dissenting node is enough for a conflict.
func decide(values []schemareconcile.NodeValue, key func(schemareconcile.NodeValue) string) schemareconcile.CheckResult {
	result := schemareconcile.CheckResult{Nodes: values}
	present := 0
	distinct := map[string]struct{}{}
	for _, value := range values {
		if value.Error != "" {
			result.Status = schemareconcile.StatusError
			result.Message = fmt.Sprintf("node %s: %s", value.NodeID, value.Error)
			return result
		}
		if !value.Present {
			continue
		}
		present++
		distinct[key(value)] = struct{}{}
	}
	switch {
	case present == 0:
		result.Status = schemareconcile.StatusMissing
		result.Message = "no node has a value"
	case len(distinct) > 1:
		result.Status = schemareconcile.StatusConflict
		result.Message = fmt.Sprintf("%d distinct values across %d nodes", len(distinct), present)
	case present < len(values):
		result.Status = schemareconcile.StatusPartial
		result.Message = fmt.Sprintf("%d of %d nodes agree; the rest have no value", present, len(values))
	default:
		result.Status = schemareconcile.StatusOK
	}
	return result
}

func hashFile(path string) (string, bool, error) {
	// #nosec G304 -- path is derived from a configured node root.
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]), true, nil
}

// CheckAnchor compares the anchor file hash of every node.
func CheckAnchor(nodes []schemareconcile.Node, layout Layout) schemareconcile.CheckResult {
	layout = layout.withDefaults()
	values := make([]schemareconcile.NodeValue, 0, len(nodes))
	for _, node := range nodes {
		value := schemareconcile.NodeValue{NodeID: node.NodeID}
		hash, present, err := hashFile(filepath.Join(node.RootPath, filepath.FromSlash(layout.AnchorFile)))
		if err != nil {
			value.Error = err.Error()
		}
		value.Present = present
		value.Hash = hash
		values = append(values, value)
	}
	return decide(values, func(value schemareconcile.NodeValue) string { return value.Hash })
}

// CheckCapsule compares each node's current capsule pointer and the hash of
// the manifest it points at. A pointer without a manifest still counts as
// present, with an empty hash.
func CheckCapsule(nodes []schemareconcile.Node, layout Layout) schemareconcile.CheckResult {
	layout = layout.withDefaults()
	values := make([]schemareconcile.NodeValue, 0, len(nodes))
	for _, node := range nodes {
		value := schemareconcile.NodeValue{NodeID: node.NodeID}
		capsulesDir := filepath.Join(node.RootPath, filepath.FromSlash(layout.CapsulesDir))
		target, present, err := readCapsulePointer(capsulesDir)
		switch {
		case err != nil:
			value.Error = err.Error()
		case present:
			value.Present = true
			value.Pointer = target
			hash, _, hashErr := hashFile(filepath.Join(capsulesDir, target, capsuleManifest))
			if hashErr != nil {
				value.Error = hashErr.Error()
			}
			value.Hash = hash
		}
		values = append(values, value)
	}
	return decide(values, func(value schemareconcile.NodeValue) string { return value.Pointer + "\x00" + value.Hash })
}

// readCapsulePointer prefers the pointer record and falls back to a
// current symlink left by older writers.
func readCapsulePointer(capsulesDir string) (string, bool, error) {
	// #nosec G304 -- path is derived from a configured node root.
	raw, err := os.ReadFile(filepath.Join(capsulesDir, capsulePointerRecord))
	if err == nil {
		var pointer schemareconcile.CapsulePointer
		if err := json.Unmarshal(raw, &pointer); err != nil {
			return "", false, fmt.Errorf("parse %s: %w", capsulePointerRecord, err)
		}
		target, err := cleanPointerTarget(pointer.Target)
		if err != nil {
			return "", false, err
		}
		return target, true, nil
	}
	if !os.IsNotExist(err) {
		return "", false, err
	}
	linkTarget, err := os.Readlink(filepath.Join(capsulesDir, capsulePointerLink))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	target, err := cleanPointerTarget(filepath.Base(filepath.Clean(linkTarget)))
	if err != nil {
		return "", false, err
	}
	return target, true, nil
}

func cleanPointerTarget(target string) (string, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" || trimmed == "." || trimmed == ".." || strings.ContainsAny(trimmed, `/\`) {
		return "", fmt.Errorf("invalid pointer target %q", target)
	}
	return trimmed, nil
}

type SignatureOptions struct {
	// Verifier is the signature capability; nil reports unavailable.
	Verifier sign.Verifier
	Require  bool
	// ExtraKeyDirs are searched after each node's own key directory.
	ExtraKeyDirs []string
}

// CheckSignatures verifies every collected .json receipt against the key
// directory of the node it came from.
func CheckSignatures(snapshots []Snapshot, layout Layout, opts SignatureOptions) schemareconcile.SignatureCheck {
	layout = layout.withDefaults()
	check := schemareconcile.SignatureCheck{Receipts: []schemareconcile.ReceiptSignature{}}
	if opts.Verifier == nil {
		check.Status = schemareconcile.StatusUnavailable
		check.Message = "signature verification capability is not available"
		return check
	}
	for _, snapshot := range snapshots {
		keyDirs := append([]string{filepath.Join(snapshot.Node.RootPath, filepath.FromSlash(layout.KeysDir))}, opts.ExtraKeyDirs...)
		verifyOpts := receipt.Options{
			Resolver: sign.DirResolver{Dirs: keyDirs},
			Verifier: opts.Verifier,
		}
		for _, entry := range snapshot.Entries {
			if !strings.EqualFold(filepath.Ext(entry.Path), ".json") {
				continue
			}
			check.Checked++
			record := schemareconcile.ReceiptSignature{NodeID: snapshot.Node.NodeID, Path: entry.Path}
			envelope, err := receipt.DecodeEnvelope(entry.Payload)
			switch {
			case err != nil:
				record.Status = receipt.SignatureFailed
				record.Issues = []string{receipt.IssueMalformedEnvelope}
				check.Invalid++
			case receipt.IsUnsigned(envelope):
				record.Status = receipt.SignatureUnsigned
				check.Unsigned++
			default:
				result := receipt.VerifyBytes(entry.Payload, verifyOpts)
				record.Status = result.SignatureStatus
				if result.OK {
					check.Valid++
				} else {
					check.Invalid++
					for _, issue := range result.Issues {
						record.Issues = append(record.Issues, issue.Code)
					}
				}
			}
			check.Receipts = append(check.Receipts, record)
		}
	}

	switch {
	case check.Invalid > 0:
		check.Status = schemareconcile.StatusError
		check.Message = fmt.Sprintf("%d of %d receipts failed verification", check.Invalid, check.Checked)
	case check.Unsigned > 0 && opts.Require:
		check.Status = schemareconcile.StatusMissing
		check.Message = fmt.Sprintf("%d receipts are unsigned", check.Unsigned)
	case check.Unsigned > 0:
		check.Status = schemareconcile.StatusPartial
		check.Message = fmt.Sprintf("%d receipts are unsigned", check.Unsigned)
	default:
		check.Status = schemareconcile.StatusOK
	}
	return check
}
