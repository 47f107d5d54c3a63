package storage

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a sealing key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrTampered is returned when a stored value fails authentication.
var ErrTampered = errors.New("storage: sealed value failed authentication")

// SealedBackend encrypts values with XChaCha20-Poly1305 before handing them
// to the inner backend. The entry key is bound as associated data, so a
// ciphertext copied under another key does not open.
type SealedBackend struct {
	inner Backend
	key   []byte
}

// NewSealedBackend wraps inner with the given 32-byte key.
func NewSealedBackend(inner Backend, key []byte) (*SealedBackend, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	if _, err := chacha20poly1305.NewX(key); err != nil {
		return nil, err
	}
	return &SealedBackend{inner: inner, key: append([]byte(nil), key...)}, nil
}

func (s *SealedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	aead, _ := chacha20poly1305.NewX(s.key)
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrTampered
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}

func (s *SealedBackend) Put(ctx context.Context, key string, value []byte) error {
	aead, _ := chacha20poly1305.NewX(s.key)
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(value)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return s.inner.Put(ctx, key, aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *SealedBackend) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedBackend) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

func (s *SealedBackend) Close() error {
	return s.inner.Close()
}

// DeriveKey stretches a passphrase into a sealing key with Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeySize)
}

// LoadOrCreateKeyFile reads a KeySize-byte secret from path, generating and
// writing a random one (mode 0600) when the file does not exist.
func LoadOrCreateKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("key file %s: want %d bytes, got %d", path, KeySize, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
