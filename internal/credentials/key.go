package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// EnvMasterKey holds the hex-encoded master key.
	EnvMasterKey = "AEGIS_MASTER_KEY"

	// EnvMasterKeyFile points at a file holding the key, either raw
	// bytes or hex.
	EnvMasterKeyFile = "AEGIS_MASTER_KEY_FILE"
)

var ErrNoMasterKey = errors.New("no master key configured")

// LoadMasterKey resolves the encryption key from the environment.
// AEGIS_MASTER_KEY wins over AEGIS_MASTER_KEY_FILE.
func LoadMasterKey() ([]byte, error) {
	if v := os.Getenv(EnvMasterKey); v != "" {
		key, err := hex.DecodeString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%s is not valid hex: %w", EnvMasterKey, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", EnvMasterKey, KeySize, len(key))
		}
		return key, nil
	}

	if path := os.Getenv(EnvMasterKeyFile); path != "" {
		return loadKeyFile(path)
	}

	return nil, ErrNoMasterKey
}

func loadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read master key file: %w", err)
	}
	if len(data) == KeySize {
		return data, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err == nil && len(key) == KeySize {
		return key, nil
	}
	return nil, fmt.Errorf("master key file %s must hold %d raw bytes or their hex encoding", path, KeySize)
}

// GenerateKey produces a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
