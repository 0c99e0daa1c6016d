package sign

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrKeyNotFound = errors.New("public key not found")

// KeyResolver maps a public_key_id to a verify key.
type KeyResolver interface {
	Resolve(keyID string) (ed25519.PublicKey, error)
}

// DirResolver searches Dirs in order for <id>.pub, then a bare <id> file.
type DirResolver struct {
	Dirs []string
}

func (r DirResolver) Resolve(keyID string) (ed25519.PublicKey, error) {
	id := strings.TrimSpace(keyID)
	if !ValidKeyID(id) {
		return nil, fmt.Errorf("%w: invalid key id %q", ErrKeyNotFound, keyID)
	}
	for _, dir := range r.Dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		for _, name := range []string{id + PublicKeySuffix, id} {
			candidate := filepath.Join(dir, name)
			info, err := os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
			pub, err := LoadPublicKeyBase64(candidate)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", candidate, err)
			}
			return pub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
}

// StaticResolver serves keys from memory; handy for tests and embedding.
type StaticResolver map[string]ed25519.PublicKey

func (r StaticResolver) Resolve(keyID string) (ed25519.PublicKey, error) {
	pub, ok := r[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return pub, nil
}
