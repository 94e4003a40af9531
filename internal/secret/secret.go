// Package secret seals the global settings secrets before they reach storage.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// KeyEnv holds a 32 byte key, raw or base64.
const KeyEnv = "CHATSTATE_SECRET_KEY"

// prefix marks sealed values so plaintext written before a key was set still loads.
const prefix = "sealed:"

var ErrInvalidCiphertext = errors.New("invalid secret ciphertext")

// Cipher seals and opens values with AES-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// FromEnv returns nil, nil when KeyEnv is unset.
func FromEnv() (*Cipher, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		return nil, nil
	}
	c, err := New(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyEnv, err)
	}
	return c, nil
}

func New(key string) (*Cipher, error) {
	k, err := decodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

// Seal encrypts plain. Empty values stay empty.
func (c *Cipher) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	buf := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return prefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Open decrypts a value produced by Seal. Unsealed input is returned as is.
func (c *Cipher) Open(input string) (string, error) {
	if !strings.HasPrefix(input, prefix) {
		return input, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(input, prefix))
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}

// IsSealed reports whether v came from Seal.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, prefix)
}
