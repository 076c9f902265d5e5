package secretstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "carwash secretstore v1"

// Encrypted seals values with XChaCha20-Poly1305 before handing them to the
// underlying store. The entry key is bound as additional data, so a value
// copied under another key fails to open.
type Encrypted struct {
	inner SecretStore
	aead  cipher.AEAD
}

// NewEncrypted derives a 256-bit key from secret with HKDF-SHA256
func NewEncrypted(inner SecretStore, secret []byte) (*Encrypted, error) {
	if len(secret) < 16 {
		return nil, errors.New("encryption secret must be at least 16 bytes")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Encrypted{inner: inner, aead: aead}, nil
}

// Save implements SecretStore
func (e *Encrypted) Save(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}

	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(value)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, value, []byte(key))

	return e.inner.Save(ctx, key, sealed, ttl)
}

// Load implements SecretStore
func (e *Encrypted) Load(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < e.aead.NonceSize()+e.aead.Overhead() {
		return nil, ErrDecryption
	}

	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// Clear implements SecretStore
func (e *Encrypted) Clear(ctx context.Context, key string) error {
	return e.inner.Clear(ctx, key)
}
