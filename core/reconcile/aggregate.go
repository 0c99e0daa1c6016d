package reconcile

import (
	"sort"
	"time"

	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
)

// Aggregate groups entries by path and content hash. Output is sorted by
// path, then hash; node ids inside a variant are sorted too. A variant's
// mtime is the newest mtime among the nodes holding it.
func Aggregate(entries []Entry) []schemareconcile.Artifact {
	type variantState struct {
		variant schemareconcile.ArtifactVariant
		newest  time.Time
		nodes   map[string]struct{}
	}
	byPath := map[string]map[string]*variantState{}
	for _, entry := range entries {
		variants, ok := byPath[entry.Path]
		if !ok {
			variants = map[string]*variantState{}
			byPath[entry.Path] = variants
		}
		state, ok := variants[entry.Hash]
		if !ok {
			state = &variantState{
				variant: schemareconcile.ArtifactVariant{Hash: entry.Hash, Size: entry.Size},
				nodes:   map[string]struct{}{},
			}
			variants[entry.Hash] = state
		}
		state.nodes[entry.NodeID] = struct{}{}
		if entry.ModTime.After(state.newest) {
			state.newest = entry.ModTime
		}
	}

	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	artifacts := make([]schemareconcile.Artifact, 0, len(paths))
	for _, path := range paths {
		hashes := make([]string, 0, len(byPath[path]))
		for hash := range byPath[path] {
			hashes = append(hashes, hash)
		}
		sort.Strings(hashes)
		artifact := schemareconcile.Artifact{Path: path, Variants: make([]schemareconcile.ArtifactVariant, 0, len(hashes))}
		for _, hash := range hashes {
			state := byPath[path][hash]
			state.variant.Nodes = sortedKeys(state.nodes)
			state.variant.ModTime = state.newest.UTC().Format(time.RFC3339)
			artifact.Variants = append(artifact.Variants, state.variant)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts
}

// Conflicts returns the artifacts holding more than one distinct hash.
func Conflicts(artifacts []schemareconcile.Artifact) []schemareconcile.Conflict {
	conflicts := []schemareconcile.Conflict{}
	for _, artifact := range artifacts {
		if len(artifact.Variants) < 2 {
			continue
		}
		nodes := map[string]struct{}{}
		for _, variant := range artifact.Variants {
			for _, node := range variant.Nodes {
				nodes[node] = struct{}{}
			}
		}
		conflicts = append(conflicts, schemareconcile.Conflict{
			Path:     artifact.Path,
			Nodes:    sortedKeys(nodes),
			Variants: artifact.Variants,
		})
	}
	return conflicts
}

// Coverage reports, per node, the expected patterns no collected file
// matched. Nodes without gaps are omitted; node order is preserved.
func Coverage(expect []string, snapshots []Snapshot) []schemareconcile.CoverageGap {
	gaps := []schemareconcile.CoverageGap{}
	if len(expect) == 0 {
		return gaps
	}
	for _, snapshot := range snapshots {
		missing := []string{}
		for _, pattern := range expect {
			found := false
			for _, entry := range snapshot.Entries {
				if matchesAny([]string{pattern}, entry.Path) {
					found = true
					break
				}
			}
			if !found {
				missing = append(missing, pattern)
			}
		}
		if len(missing) > 0 {
			gaps = append(gaps, schemareconcile.CoverageGap{NodeID: snapshot.Node.NodeID, Missing: missing})
		}
	}
	return gaps
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
