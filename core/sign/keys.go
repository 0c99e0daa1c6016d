package sign

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/davidahmann/ledgerproof/core/fsx"
)

// KeyConfig names where the issuer private key comes from: a file path or an
// environment variable holding the base64 seed. Exactly one must be set.
type KeyConfig struct {
	PrivateKeyPath string
	PrivateKeyEnv  string
}

const (
	PrivateKeySuffix = ".key"
	PublicKeySuffix  = ".pub"
)

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidKeyID reports whether id is safe to use as a key file name.
func ValidKeyID(id string) bool {
	return keyIDPattern.MatchString(id) && !strings.Contains(id, "..")
}

func LoadSigningKey(cfg KeyConfig) (KeyPair, error) {
	priv, err := loadPrivateKey(cfg)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// LoadSigner is LoadSigningKey wrapped as a Signer.
func LoadSigner(cfg KeyConfig) (Signer, error) {
	kp, err := LoadSigningKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(kp.Private), nil
}

// WriteKeyPair writes <dir>/<keyID>.key (base64 seed) and <dir>/<keyID>.pub.
// Existing files are only replaced when force is set.
func WriteKeyPair(dir string, keyID string, kp KeyPair, force bool) (string, string, error) {
	if !ValidKeyID(keyID) {
		return "", "", fmt.Errorf("invalid key id %q", keyID)
	}
	privatePath := filepath.Join(dir, keyID+PrivateKeySuffix)
	publicPath := filepath.Join(dir, keyID+PublicKeySuffix)
	privateContent := []byte(EncodePrivateKeyBase64(kp.Private) + "\n")
	publicContent := []byte(EncodePublicKeyBase64(kp.Public) + "\n")
	if force {
		if err := fsx.WriteFileAtomic(privatePath, privateContent, 0o600); err != nil {
			return "", "", fmt.Errorf("write private key: %w", err)
		}
		if err := fsx.WriteFileAtomic(publicPath, publicContent, 0o644); err != nil {
			return "", "", fmt.Errorf("write public key: %w", err)
		}
		return privatePath, publicPath, nil
	}
	if _, err := os.Stat(publicPath); err == nil {
		return "", "", fmt.Errorf("public key already exists: %s", publicPath)
	}
	if err := fsx.WriteFileExclusive(privatePath, privateContent, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := fsx.WriteFileExclusive(publicPath, publicContent, 0o644); err != nil {
		_ = os.Remove(privatePath)
		return "", "", fmt.Errorf("write public key: %w", err)
	}
	return privatePath, publicPath, nil
}

// Configured reports whether any private key source is set.
func (cfg KeyConfig) Configured() bool {
	return strings.TrimSpace(cfg.PrivateKeyPath) != "" || strings.TrimSpace(cfg.PrivateKeyEnv) != ""
}

func loadPrivateKey(cfg KeyConfig) (ed25519.PrivateKey, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("private key not configured")
	}
	if cfg.PrivateKeyPath != "" && cfg.PrivateKeyEnv != "" {
		return nil, fmt.Errorf("private key source: set either path or env")
	}
	if cfg.PrivateKeyPath != "" {
		return LoadPrivateKeyBase64(cfg.PrivateKeyPath)
	}
	encoded, ok := readEnvValue(cfg.PrivateKeyEnv)
	if !ok {
		return nil, fmt.Errorf("private key env not set: %s", cfg.PrivateKeyEnv)
	}
	return ParsePrivateKeyBase64(encoded)
}

func readEnvValue(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return "", false
	}
	return val, true
}
