package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/ledgerproof/core/projectconfig"
	"github.com/davidahmann/ledgerproof/core/schema/v1/common"
	"github.com/davidahmann/ledgerproof/core/vdp"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("empty value")
	}
	*l = append(*l, trimmed)
	return nil
}

func isDefaultProjectConfigPath(path string) bool {
	return filepath.Clean(strings.TrimSpace(path)) == filepath.Clean(projectconfig.DefaultPath)
}

func loadProjectConfig(path string, disabled bool) (projectconfig.Config, error) {
	if disabled {
		return projectconfig.Config{}, nil
	}
	return projectconfig.Load(path, isDefaultProjectConfigPath(path))
}

// readInput reads a file path, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "-" {
		return io.ReadAll(os.Stdin)
	}
	// #nosec G304 -- input path is explicit local user input.
	return os.ReadFile(trimmed)
}

// readJSONArgument accepts inline JSON or @path.
func readJSONArgument(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "@") {
		return readInput(strings.TrimPrefix(trimmed, "@"))
	}
	return []byte(trimmed), nil
}

func decodeJSONObject(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("parse json: trailing data")
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a json object")
	}
	return object, nil
}

// decodeObservations accepts a bare observation array or an object carrying
// an "observations" array.
func decodeObservations(data []byte) ([]map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("parse observations: %w", err)
	}
	if object, ok := value.(map[string]any); ok {
		value = object["observations"]
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("observations must be a json array")
	}
	observations := make([]map[string]any, 0, len(list))
	for index, item := range list {
		observation, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("observations[%d] must be an object", index)
		}
		observations = append(observations, observation)
	}
	return observations, nil
}

// parseMeta merges k=v pairs and @file.json objects in flag order.
func parseMeta(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	meta := map[string]any{}
	for _, value := range values {
		if strings.HasPrefix(value, "@") {
			raw, err := readJSONArgument(value)
			if err != nil {
				return nil, fmt.Errorf("read meta %s: %w", value, err)
			}
			object, err := decodeJSONObject(raw)
			if err != nil {
				return nil, fmt.Errorf("meta %s: %w", value, err)
			}
			for key, item := range object {
				meta[key] = item
			}
			continue
		}
		key, item, found := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("meta must be key=value or @file.json, got %q", value)
		}
		meta[key] = item
	}
	return meta, nil
}

// resolveWindow picks the flag value, then the project default, then
// vdp.DefaultWindow.
func resolveWindow(flagValue string, configured time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(flagValue)
	if trimmed == "" {
		if configured > 0 {
			return configured, nil
		}
		return vdp.DefaultWindow, nil
	}
	window, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse --freshness-window: %w", err)
	}
	if window <= 0 {
		return 0, fmt.Errorf("--freshness-window must be positive")
	}
	return window, nil
}

func resolveNow(flagValue string) (time.Time, error) {
	trimmed := strings.TrimSpace(flagValue)
	if trimmed == "" {
		return time.Now().UTC(), nil
	}
	parsed, err := common.ParseTimestamp(trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("--now: %w", err)
	}
	return parsed, nil
}

func mergeUnique(current []string, extra []string) []string {
	merged := make([]string, 0, len(current)+len(extra))
	seen := make(map[string]struct{}, len(current)+len(extra))
	for _, value := range append(append([]string{}, current...), extra...) {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		merged = append(merged, trimmed)
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
