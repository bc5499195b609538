// Package vault seals stored account passwords with a key derived from the
// process master secret.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const prefix = "zf1:"

// ErrNoMasterSecret is returned by New when no secret is configured.
var ErrNoMasterSecret = errors.New("vault: master secret is empty")

// DecryptionError means the ciphertext is malformed, truncated, tampered with,
// or was sealed under a different master secret.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string { return "vault: cannot decrypt: " + e.Reason }

type Vault struct {
	key [chacha20poly1305.KeySize]byte
}

// New derives the encryption key from masterSecret.
func New(masterSecret string) (*Vault, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, ErrNoMasterSecret
	}
	return &Vault{key: blake2b.Sum256([]byte(masterSecret))}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It never returns partial or wrong plaintext.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, prefix) {
		return "", &DecryptionError{Reason: "unknown format"}
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return "", &DecryptionError{Reason: "bad encoding"}
	}
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", &DecryptionError{Reason: "truncated"}
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed"}
	}
	return string(plain), nil
}
