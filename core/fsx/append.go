package fsx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxInt = int(^uint(0) >> 1)

// AppendLine appends exactly one line to path and fsyncs the file. It does not
// lock; callers that share the file across processes hold WithFileLock.
func AppendLine(path string, line []byte, mode os.FileMode) error {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	if strings.ContainsRune(string(line), '\n') {
		return fmt.Errorf("append line: record contains a newline")
	}
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create append directory: %w", err)
		}
	}
	payloadCapacity, err := appendPayloadCapacity(len(line))
	if err != nil {
		return err
	}
	payload := make([]byte, 0, payloadCapacity)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	// #nosec G304 -- append path is validated local relative or absolute.
	file, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("open append file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("append file line: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync append file: %w", err)
	}
	if parent != "." && parent != "" {
		syncDirectory(parent)
	}
	return nil
}

func appendPayloadCapacity(lineLength int) (int, error) {
	if lineLength < 0 {
		return 0, fmt.Errorf("line length must be >= 0")
	}
	if lineLength >= maxInt {
		return 0, fmt.Errorf("line length exceeds maximum supported size")
	}
	return lineLength + 1, nil
}

func syncDirectory(dir string) {
	// #nosec G304 -- directory is the parent of a validated path.
	handle, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = handle.Sync()
	_ = handle.Close()
}

func validateLocalOrAbsolutePath(path string) (string, error) {
	cleanPath := filepath.Clean(path)
	if filepath.IsLocal(cleanPath) {
		return cleanPath, nil
	}
	if strings.HasPrefix(cleanPath, string(filepath.Separator)) {
		return cleanPath, nil
	}
	if volume := filepath.VolumeName(cleanPath); volume != "" && strings.HasPrefix(cleanPath, volume+string(filepath.Separator)) {
		return cleanPath, nil
	}
	return "", fmt.Errorf("path must be local relative or absolute")
}
