package provenance

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultCommandTimeout = 5 * time.Second

var ErrProvenanceUnavailable = errors.New("provenance unavailable")

// Provider reports version-control metadata describing where a record was
// produced. Implementations must not fail the caller when the tool is absent;
// they return ErrProvenanceUnavailable instead.
type Provider interface {
	Name() string
	Describe(ctx context.Context) (map[string]string, error)
}

// Noop reports nothing. It is the provider for environments without a VCS.
type Noop struct{}

func (Noop) Name() string {
	return "none"
}

func (Noop) Describe(context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

// Static returns fixed metadata; used by tests and by callers that already
// know their provenance.
type Static map[string]string

func (Static) Name() string {
	return "static"
}

func (s Static) Describe(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for key, value := range s {
		out[key] = value
	}
	return out, nil
}

// CommandRunner executes a command in dir and returns trimmed stdout.
type CommandRunner func(ctx context.Context, dir string, name string, args ...string) (string, error)

// Git reads commit, branch and dirty state from the repository at Dir.
type Git struct {
	Dir     string
	Timeout time.Duration
	Run     CommandRunner
}

func (g Git) Name() string {
	return "git"
}

func (g Git) Describe(ctx context.Context) (map[string]string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	run := g.Run
	if run == nil {
		run = execRunner
	}

	commit, err := run(ctx, g.Dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("%w: git rev-parse: %v", ErrProvenanceUnavailable, err)
	}
	out := map[string]string{"vcs": "git", "commit": commit}
	if branch, err := run(ctx, g.Dir, "git", "rev-parse", "--abbrev-ref", "HEAD"); err == nil && branch != "" {
		out["branch"] = branch
	}
	if status, err := run(ctx, g.Dir, "git", "status", "--porcelain"); err == nil {
		out["dirty"] = fmt.Sprintf("%t", status != "")
	}
	return out, nil
}

// Resolve picks a provider by name: "git", "none"/"off"/"" (noop).
func Resolve(name string, dir string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "off":
		return Noop{}, nil
	case "git":
		return Git{Dir: dir}, nil
	default:
		return nil, fmt.Errorf("unsupported provenance provider: %s", name)
	}
}

// Collect asks provider for metadata and degrades to an empty map when the
// provider is nil or the underlying tool is missing.
func Collect(ctx context.Context, provider Provider) map[string]string {
	if provider == nil {
		return map[string]string{}
	}
	described, err := provider.Describe(ctx)
	if err != nil || described == nil {
		return map[string]string{}
	}
	return described
}

func execRunner(ctx context.Context, dir string, name string, args ...string) (string, error) {
	// #nosec G204 -- fixed git subcommands only.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
