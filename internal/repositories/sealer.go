package repositories

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyFileName is the generated key file kept in the storage directory when no key is configured.
const KeyFileName = "storage.key"

// Sealer encrypts records with XChaCha20-Poly1305, binding each ciphertext to caller supplied additional data.
type Sealer struct {
	aead cipher.AEAD
	fp   string
}

// NewSealer creates a [Sealer] from a 32 byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key: %v", shared.ErrInvalidConfig, err)
	}
	sum := sha256.Sum256(key)
	return &Sealer{aead: aead, fp: hex.EncodeToString(sum[:8])}, nil
}

// Seal returns nonce || ciphertext for plaintext, authenticated together with aad.
func (s *Sealer) Seal(aad string, plaintext []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(aad))
}

// Open authenticates and decrypts a payload produced by [Sealer.Seal].
func (s *Sealer) Open(aad string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: payload too short", shared.ErrCorrupted)
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCorrupted, err)
	}
	return plaintext, nil
}

// Fingerprint identifies the key without revealing it.
func (s *Sealer) Fingerprint() string {
	return s.fp
}

// GenerateKey returns a random key suitable for [NewSealer].
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders key the way [LoadKey] expects it in configuration.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// LoadKey resolves the sealing key.
//
// A configured base64 key wins. Otherwise the key stored in dir/storage.key is used,
// and it is generated on first use.
func LoadKey(encoded, dir string, logger *log.Logger) ([]byte, error) {
	if encoded = strings.TrimSpace(encoded); encoded != "" {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: encryption key is not valid base64", shared.ErrInvalidConfig)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", shared.ErrInvalidConfig, chacha20poly1305.KeySize, len(key))
		}
		return key, nil
	}

	path := filepath.Join(dir, KeyFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: key file %s is malformed", shared.ErrStorage, path)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: read key file: %v", shared.ErrStorage, err)
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %v", shared.ErrStorage, err)
	}
	if err := os.WriteFile(path, []byte(EncodeKey(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("%w: write key file: %v", shared.ErrStorage, err)
	}
	if logger != nil {
		logger.Warn("generated storage encryption key; set "+shared.EnvEncryptionKey+" to manage it yourself", "path", path)
	}
	return key, nil
}
