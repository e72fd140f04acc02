// Package seal encrypts credentials at rest with AES-256-GCM.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/BlackMission/authflow/internal/domain"
)

// KeySize is the required key length in bytes.
const KeySize = 32

// Sealer encrypts and authenticates opaque blobs. The output layout is
// nonce || ciphertext+tag.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer with the given 32-byte AES key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: seal key must be %d bytes, got %d", domain.ErrInvalidConfig, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// FromPassphrase derives a key from a passphrase with SHA-256. Use a
// random 32-byte key where one can be provisioned.
func FromPassphrase(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty seal passphrase", domain.ErrInvalidConfig)
	}
	key := sha256.Sum256([]byte(passphrase))
	return New(key[:])
}

// Seal encrypts plaintext. label is authenticated but not encrypted; Open
// must be given the same label.
func (s *Sealer) Seal(plaintext []byte, label string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(label)), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte, label string) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, domain.ErrSealedData
	}
	nonce := sealed[:s.aead.NonceSize()]
	ciphertext := sealed[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return nil, domain.ErrSealedData
	}
	return plaintext, nil
}
