package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LockOptions tunes the lock-file acquisition loop. Zero values fall back to
// the package defaults.
type LockOptions struct {
	Timeout    time.Duration
	Retry      time.Duration
	StaleAfter time.Duration
}

const (
	defaultLockTimeout    = 30 * time.Second
	defaultLockRetry      = 10 * time.Millisecond
	defaultLockStaleAfter = 2 * time.Minute
)

// ErrLockTimeout is returned when another process held the lock for the
// whole timeout window.
var ErrLockTimeout = errors.New("lock timeout")

// WithFileLock runs fn while holding <path>.lock, created with O_EXCL.
// Locks older than StaleAfter are treated as abandoned and removed.
func WithFileLock(path string, opts LockOptions, fn func() error) error {
	cleanPath, err := validateLocalOrAbsolutePath(path)
	if err != nil {
		return err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultLockTimeout
	}
	if opts.Retry <= 0 {
		opts.Retry = defaultLockRetry
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultLockStaleAfter
	}
	if parent := filepath.Dir(cleanPath); parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return fmt.Errorf("create lock directory: %w", err)
		}
	}

	lockPath := cleanPath + ".lock"
	start := time.Now()
	for {
		// #nosec G304 -- lock path is derived from a validated path.
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = lockFile.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			_ = lockFile.Close()
			defer func() {
				_ = os.Remove(lockPath)
			}()
			return fn()
		}
		if !isLockContention(err, lockPath) {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if isStaleLock(lockPath, opts.StaleAfter, time.Now().UTC()) {
			_ = os.Remove(lockPath)
			continue
		}
		if time.Since(start) >= opts.Timeout {
			return fmt.Errorf("acquire lock %s: %w", lockPath, ErrLockTimeout)
		}
		time.Sleep(opts.Retry)
	}
}

func isLockContention(acquireErr error, lockPath string) bool {
	if os.IsExist(acquireErr) {
		return true
	}
	if !os.IsPermission(acquireErr) {
		return false
	}
	_, statErr := os.Stat(lockPath)
	return statErr == nil
}

func isStaleLock(lockPath string, staleAfter time.Duration, now time.Time) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime().UTC()) > staleAfter
}
