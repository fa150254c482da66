// Package crypto seals sensitive payment fields before they reach storage.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix    = "v1:"
	encryptionLabel = "fulfillment/transactions/encryption"
	indexLabel      = "fulfillment/transactions/blind-index"
	minSecretLength = 16
)

var (
	// ErrKeyTooShort is returned when the configured secret cannot provide enough entropy.
	ErrKeyTooShort = errors.New("crypto: transaction key must be at least 16 bytes")
	// ErrMalformedCiphertext is returned when a sealed value cannot be decoded or authenticated.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
)

// FieldCipher encrypts individual string fields with XChaCha20-Poly1305 and derives a keyed
// HMAC-SHA256 blind index for equality lookups. Both keys are derived from one secret via HKDF.
type FieldCipher struct {
	aead     cipher.AEAD
	indexKey []byte
	random   io.Reader
}

// NewFieldCipher derives the encryption and index keys from secret.
func NewFieldCipher(secret string) (*FieldCipher, error) {
	if len(strings.TrimSpace(secret)) < minSecretLength {
		return nil, ErrKeyTooShort
	}
	encKey, err := derive(secret, encryptionLabel, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	idxKey, err := derive(secret, indexLabel, sha256.Size)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return &FieldCipher{aead: aead, indexKey: idxKey, random: rand.Reader}, nil
}

func derive(secret, label string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("crypto: derive %s: %w", label, err)
	}
	return key, nil
}

// Seal encrypts plaintext into a self-describing `v1:<base64(nonce|ciphertext)>` string.
func (c *FieldCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *FieldCipher) Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, sealedPrefix) {
		return "", ErrMalformedCiphertext
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(ciphertext, sealedPrefix))
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", ErrMalformedCiphertext
	}
	nonce, body := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	return string(plain), nil
}

// Index returns the hex HMAC-SHA256 of plaintext under the derived index key.
func (c *FieldCipher) Index(plaintext string) string {
	if plaintext == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.indexKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Mask renders the first four characters of value followed by ****.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	runes := []rune(value)
	if len(runes) > 4 {
		runes = runes[:4]
	}
	return string(runes) + "****"
}
