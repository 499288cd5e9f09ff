// Package securetext seals free-text fields before they reach the
// database and opens them again on the way out. Callers above the store
// never see ciphertext; the store never sees plaintext columns.
package securetext

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Codec encrypts and decrypts text fields with an AEAD cipher.
// The wire form is base64(nonce || ciphertext || tag), so a sealed
// value is safe to store in a TEXT column.
type Codec struct {
	aead cipher.AEAD
}

// New creates a Codec from a hex-encoded 32-byte key.
func New(hexKey string) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encode seals plaintext for storage. Empty input passes through
// unchanged so NULL-ish columns stay distinguishable from sealed
// empty strings.
func (c *Codec) Encode(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decode opens a value produced by Encode. Empty input passes through
// unchanged.
func (c *Codec) Decode(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short (%d bytes)", len(sealed))
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}

	return string(plaintext), nil
}
