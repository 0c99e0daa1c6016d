package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	coreerrors "github.com/davidahmann/ledgerproof/core/errors"
	schemareconcile "github.com/davidahmann/ledgerproof/core/schema/v1/reconcile"
)

// FileConfig is the --config document. Relative node paths resolve against
// the directory holding the config file.
type FileConfig struct {
	Nodes             []NodeConfig `yaml:"nodes" validate:"required,min=1,unique=ID,dive"`
	OutRoot           string       `yaml:"out_root" validate:"excluded_with=OutDir"`
	OutDir            string       `yaml:"out_dir"`
	Include           []string     `yaml:"include" validate:"dive,required"`
	Expect            []string     `yaml:"expect" validate:"dive,required"`
	VerifyAnchor      bool         `yaml:"verify_anchor"`
	VerifyCapsule     bool         `yaml:"verify_capsule"`
	VerifySignatures  bool         `yaml:"verify_signatures"`
	RequireSignatures bool         `yaml:"require_signatures"`
	KeysDirs          []string     `yaml:"keys_dirs" validate:"dive,required"`
	Layout            Layout       `yaml:"layout"`
}

type NodeConfig struct {
	ID   string `yaml:"id" validate:"required,nodeid"`
	Path string `yaml:"path" validate:"required"`
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = configValidate.RegisterValidation("nodeid", func(fl validator.FieldLevel) bool {
		return ValidNodeID(fl.Field().String())
	})
}

// LoadConfig reads, strictly decodes and validates a reconcile config file.
func LoadConfig(path string) (FileConfig, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return FileConfig{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_config_required", "config path is required")
	}
	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmed)
	if err != nil {
		return FileConfig{}, coreerrors.Wrap(fmt.Errorf("read reconcile config: %w", err), coreerrors.CategoryInvalidInput, "reconcile_config_unreadable", "", false)
	}
	var cfg FileConfig
	if err := yaml.UnmarshalWithOptions(content, &cfg, yaml.Strict()); err != nil {
		return FileConfig{}, coreerrors.Wrap(fmt.Errorf("parse reconcile config: %w", err), coreerrors.CategoryInvalidInput, "reconcile_config_invalid", "", false)
	}
	cfg.normalize(filepath.Dir(trimmed))
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (cfg *FileConfig) normalize(baseDir string) {
	for index := range cfg.Nodes {
		cfg.Nodes[index].ID = strings.TrimSpace(cfg.Nodes[index].ID)
		cfg.Nodes[index].Path = resolvePath(baseDir, cfg.Nodes[index].Path)
	}
	cfg.OutRoot = resolvePath(baseDir, cfg.OutRoot)
	cfg.OutDir = resolvePath(baseDir, cfg.OutDir)
	for index := range cfg.KeysDirs {
		cfg.KeysDirs[index] = resolvePath(baseDir, cfg.KeysDirs[index])
	}
	cfg.Include = trimAll(cfg.Include)
	cfg.Expect = trimAll(cfg.Expect)
}

// Validate checks struct rules and glob syntax.
func (cfg FileConfig) Validate() error {
	if err := configValidate.Struct(cfg); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			first := validationErrs[0]
			return coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_config_invalid", "config field %s failed %s", first.Namespace(), first.Tag())
		}
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "reconcile_config_invalid", "", false)
	}
	if err := ValidatePatterns(cfg.Include); err != nil {
		return err
	}
	return ValidatePatterns(cfg.Expect)
}

func (cfg FileConfig) ToNodes() []schemareconcile.Node {
	nodes := make([]schemareconcile.Node, 0, len(cfg.Nodes))
	for _, node := range cfg.Nodes {
		nodes = append(nodes, schemareconcile.Node{NodeID: node.ID, RootPath: node.Path})
	}
	return nodes
}

// ParseNodeFlag parses one --node id=path value.
func ParseNodeFlag(value string) (schemareconcile.Node, error) {
	id, path, ok := strings.Cut(value, "=")
	id = strings.TrimSpace(id)
	path = strings.TrimSpace(path)
	if !ok || path == "" || !ValidNodeID(id) {
		return schemareconcile.Node{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "reconcile_bad_node_flag", "node must be id=path, got %q", value)
	}
	return schemareconcile.Node{NodeID: id, RootPath: filepath.Clean(path)}, nil
}

func resolvePath(baseDir string, value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(baseDir, trimmed)
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, strings.TrimSpace(value))
	}
	return out
}
