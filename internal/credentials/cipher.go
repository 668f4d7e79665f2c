package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// sealedPrefix marks a refresh-token value as AEAD-sealed. Values without
// the prefix are treated as the canonical plaintext form.
const sealedPrefix = "enc:v1:"

// Cipher seals refresh tokens at rest with ChaCha20-Poly1305. The user id is
// bound as associated data so a sealed value cannot be replayed into another
// user's credential file.
//
// Access tokens are deliberately left plaintext: the worker process reads
// them from the same directory and does not share the gateway's key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key. An empty key
// returns (nil, nil): plaintext mode, the canonical schema.
func NewCipher(base64Key string) (*Cipher, error) {
	if base64Key == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("token key is not valid base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts a refresh token for the given user. A nil Cipher passes the
// value through unchanged.
func (c *Cipher) Seal(plaintext, userID string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(userID))
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a refresh token for the given user. Plaintext values (no
// sealed prefix) pass through so a key can be introduced without migrating
// existing files.
func (c *Cipher) Open(value, userID string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if c == nil {
		return "", fmt.Errorf("refresh token is sealed but no token key is configured")
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("sealed refresh token is not valid base64: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("sealed refresh token too short")
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return "", fmt.Errorf("failed to unseal refresh token: %w", err)
	}

	return string(plaintext), nil
}
