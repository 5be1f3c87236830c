// Package crypto seals api key credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize   = 32
	nonceSize = 12
	prefixFmt = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Sealer encrypts with one key version. Output: ENC[vN]:base64(nonce|ciphertext|tag).
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer creates a sealer for a 32-byte key.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead, version: version}, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	data := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(prefixFmt, s.version) + base64.StdEncoding.EncodeToString(data), nil
}

// Open decrypts a value produced by Seal with the same key.
func (s *Sealer) Open(sealed string) (string, error) {
	idx := strings.Index(sealed, "]:")
	if !strings.HasPrefix(sealed, "ENC[v") || idx < 0 {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(sealed[idx+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// Version returns the key version of the sealer.
func (s *Sealer) Version() int { return s.version }

// ParseVersion extracts the key version of a sealed value, or 0.
func ParseVersion(sealed string) int {
	var version int
	if _, err := fmt.Sscanf(sealed, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return ParseVersion(v) > 0
}
