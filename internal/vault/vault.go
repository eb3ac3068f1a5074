// Package vault encrypts instance session credentials at rest with
// AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/talkincode/wadesk/internal/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32
	IVSize  = 16
	TagSize = 16
)

const hkdfInfo = "wadesk session credentials"

// Vault is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault from a raw 32 byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromSecret accepts 64 hex characters as a raw key, anything else is
// stretched with HKDF-SHA256.
func NewFromSecret(secret string) (*Vault, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("vault: empty encryption key")
	}
	if len(secret) == KeySize*2 {
		if key, err := hex.DecodeString(secret); err == nil {
			return New(key)
		}
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return New(key)
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("vault: read iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - TagSize
	return sealed[:n], iv, sealed[n:], nil
}

// Decrypt returns domain.ErrAuthenticationFailed for any input that does
// not verify, never partial plaintext.
func (v *Vault) Decrypt(ciphertext, iv, tag []byte) ([]byte, error) {
	if len(iv) != IVSize || len(tag) != TagSize {
		return nil, domain.ErrAuthenticationFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString is Encrypt with hex encoded output, the form stored in
// the session table.
func (v *Vault) EncryptString(plaintext []byte) (ciphertext, iv, tag string, err error) {
	c, i, t, err := v.Encrypt(plaintext)
	if err != nil {
		return "", "", "", err
	}
	return hex.EncodeToString(c), hex.EncodeToString(i), hex.EncodeToString(t), nil
}

func (v *Vault) DecryptString(ciphertext, iv, tag string) ([]byte, error) {
	c, err1 := hex.DecodeString(ciphertext)
	i, err2 := hex.DecodeString(iv)
	t, err3 := hex.DecodeString(tag)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, domain.ErrAuthenticationFailed
	}
	return v.Decrypt(c, i, t)
}
