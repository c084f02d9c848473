// Package crypto seals OAuth credentials at rest. Tokens are encrypted with
// AES-256-GCM and stored base64-encoded alongside an encryption version so
// plaintext rows written before a key was configured remain readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Encryption versions recorded next to each stored credential.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

// ErrAuthFailed is returned when a ciphertext does not verify under the key.
var ErrAuthFailed = errors.New("decryption failed: authentication or integrity check failed")

// Encryptor seals and opens opaque byte strings. Implementations must be AEAD.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM with a random 12-byte
// nonce prepended to every ciphertext.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt verifies and opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		// never leak the underlying cause
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// EncryptString seals s and returns it base64-encoded for text columns.
// Empty input stays empty.
func EncryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecryptString reverses EncryptString.
func DecryptString(enc Encryptor, s string) (string, error) {
	if s == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	out, err := enc.Decrypt(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Seal encrypts both tokens when enc is non-nil and reports the version to persist.
func Seal(enc Encryptor, access, refresh string) (string, string, int, error) {
	if enc == nil {
		return access, refresh, VersionPlaintext, nil
	}
	a, err := EncryptString(enc, access)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt access token: %w", err)
	}
	r, err := EncryptString(enc, refresh)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return a, r, VersionAESGCM, nil
}

// Open decrypts tokens stored under version. Plaintext rows pass through.
func Open(enc Encryptor, version int, access, refresh string) (string, string, error) {
	switch version {
	case VersionPlaintext:
		return access, refresh, nil
	case VersionAESGCM:
		if enc == nil {
			return "", "", errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		a, err := DecryptString(enc, access)
		if err != nil {
			return "", "", fmt.Errorf("decrypt access token: %w", err)
		}
		r, err := DecryptString(enc, refresh)
		if err != nil {
			return "", "", fmt.Errorf("decrypt refresh token: %w", err)
		}
		return a, r, nil
	default:
		return "", "", fmt.Errorf("unknown encryption version %d", version)
	}
}
