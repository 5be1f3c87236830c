package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrVersionMissing = errors.New("key version not configured")
)

// Keyring holds every configured key version and seals with the newest.
// Keys come from MASTER_ENCRYPTION_KEY (v1) and MASTER_ENCRYPTION_KEY_V2..V10.
type Keyring struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*Sealer
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{sealers: make(map[int]*Sealer)}
}

// LoadKeyring reads base64 keys from the environment under prefix.
func LoadKeyring(prefix string) (*Keyring, error) {
	kr := NewKeyring()
	if err := kr.addFromEnv(1, prefix); err != nil {
		return nil, fmt.Errorf("load primary key: %w", err)
	}
	for v := 2; v <= 10; v++ {
		_ = kr.addFromEnv(v, fmt.Sprintf("%s_V%d", prefix, v))
	}
	return kr, nil
}

func (kr *Keyring) addFromEnv(version int, envName string) error {
	encoded := os.Getenv(envName)
	if encoded == "" {
		return ErrKeyNotFound
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key %s: %w", envName, err)
	}
	return kr.Add(version, key)
}

// Add registers a key version; the highest version becomes current.
func (kr *Keyring) Add(version int, key []byte) error {
	s, err := NewSealer(key, version)
	if err != nil {
		return err
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.sealers[version] = s
	if version > kr.current {
		kr.current = version
	}
	return nil
}

// Seal encrypts with the current version.
func (kr *Keyring) Seal(plaintext string) (string, error) {
	kr.mu.RLock()
	s, ok := kr.sealers[kr.current]
	kr.mu.RUnlock()
	if !ok {
		return "", ErrVersionMissing
	}
	return s.Seal(plaintext)
}

// Open decrypts with the version recorded in the value.
func (kr *Keyring) Open(sealed string) (string, error) {
	version := ParseVersion(sealed)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	kr.mu.RLock()
	s, ok := kr.sealers[version]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("key version %d: %w", version, ErrVersionMissing)
	}
	return s.Open(sealed)
}

// Reseal moves a value to the current key version.
func (kr *Keyring) Reseal(sealed string) (string, error) {
	plaintext, err := kr.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return kr.Seal(plaintext)
}

// CurrentVersion returns the version used by Seal.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
