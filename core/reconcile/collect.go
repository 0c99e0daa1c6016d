// Package reconcile compares receipt trees held by independent filesystem
// roots and records where they disagree.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
)

// Layout names the well-known locations under a node root.
type Layout struct {
	ReceiptsDir string `yaml:"receipts_dir"`
	AnchorFile  string `yaml:"anchor_file"`
	CapsulesDir string `yaml:"capsules_dir"`
	KeysDir     string `yaml:"keys_dir"`
}

func DefaultLayout() Layout {
	return Layout{
		ReceiptsDir: "receipts",
		AnchorFile:  "anchor.json",
		CapsulesDir: "capsules",
		KeysDir:     "keys",
	}
}

func (l Layout) withDefaults() Layout {
	defaults := DefaultLayout()
	if strings.TrimSpace(l.ReceiptsDir) == "" {
		l.ReceiptsDir = defaults.ReceiptsDir
	}
	if strings.TrimSpace(l.AnchorFile) == "" {
		l.AnchorFile = defaults.AnchorFile
	}
	if strings.TrimSpace(l.CapsulesDir) == "" {
		l.CapsulesDir = defaults.CapsulesDir
	}
	if strings.TrimSpace(l.KeysDir) == "" {
		l.KeysDir = defaults.KeysDir
	}
	return l
}

// Entry is one collected receipt file. Path is relative to the receipts
// directory and always uses forward slashes.
type Entry struct {
	NodeID  string
	Path    string
	AbsPath string
	Hash    string
	Size    int64
	ModTime time.Time
	Payload []byte
}

// Snapshot is everything collected from one node in one run.
type Snapshot struct {
	Node    schemareconcile.Node
	Entries []Entry
}

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

func ValidNodeID(id string) bool {
	return nodeIDPattern.MatchString(id)
}

// ValidatePatterns rejects malformed doublestar patterns up front.
func ValidatePatterns(patterns []string) error {
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" || !doublestar.ValidatePattern(pattern) {
			return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_bad_pattern", "invalid glob pattern %q", pattern)
		}
	}
	return nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Collect walks the node's receipts directory. With a non-empty include list
// only files matching at least one pattern are kept. A missing receipts
// directory yields no entries.
func Collect(node schemareconcile.Node, layout Layout, include []string) ([]Entry, error) {
	layout = layout.withDefaults()
	if err := ValidatePatterns(include); err != nil {
		return nil, err
	}
	receiptsRoot := filepath.Join(node.RootPath, filepath.FromSlash(layout.ReceiptsDir))
	info, err := os.Stat(receiptsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, coreerrors.Wrap(fmt.Errorf("node %s: %w", node.NodeID, err), coreerrors.CategoryIOFailure, "reconcile_collect_failed", "", false)
	}
	if !info.IsDir() {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_receipts_not_dir", "node %s: %s is not a directory", node.NodeID, receiptsRoot)
	}

	entries := []Entry{}
	walkErr := filepath.WalkDir(receiptsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(receiptsRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if len(include) > 0 && !matchesAny(include, rel) {
			return nil
		}
		// #nosec G304 -- path comes from walking the configured node root.
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		fileInfo, err := d.Info()
		if err != nil {
			return err
		}
		sum := sha256.Sum256(payload)
		entries = append(entries, Entry{
			NodeID:  node.NodeID,
			Path:    rel,
			AbsPath: path,
			Hash:    hex.EncodeToString(sum[:]),
			Size:    int64(len(payload)),
			ModTime: fileInfo.ModTime().UTC(),
			Payload: payload,
		})
		return nil
	})
	if walkErr != nil {
		return nil, coreerrors.Wrap(fmt.Errorf("node %s: %w", node.NodeID, walkErr), coreerrors.CategoryIOFailure, "reconcile_collect_failed", "", false)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// CollectAll collects every node concurrently. Snapshots come back in node
// order regardless of completion order.
func CollectAll(ctx context.Context, nodes []schemareconcile.Node, layout Layout, include []string) ([]Snapshot, error) {
	if err := ValidatePatterns(include); err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, len(nodes))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for index, node := range nodes {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			entries, err := Collect(node, layout, include)
			if err != nil {
				return err
			}
			snapshots[index] = Snapshot{Node: node, Entries: entries}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return snapshots, nil
}
