// Package crypto encrypts workspace and calendar provider credentials at
// rest, adapted from the teacher's token-crypto helper but deriving the
// AES key via HKDF instead of using the master secret as a raw key directly.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// KeyLabel namespaces HKDF output so the same master secret can derive
// distinct keys for distinct credential classes (workspace tokens vs.
// calendar OAuth2 tokens) without key reuse across purposes.
type KeyLabel string

const (
	LabelWorkspaceToken KeyLabel = "workspace-token"
	LabelCalendarToken  KeyLabel = "calendar-token"
)

func deriveKey(masterSecret string, label KeyLabel) ([]byte, error) {
	if masterSecret == "" {
		return nil, ErrInvalidKey
	}
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under a key derived from masterSecret for label,
// returning base64-encoded nonce||ciphertext.
func Encrypt(masterSecret string, label KeyLabel, plaintext string) (string, error) {
	key, err := deriveKey(masterSecret, label)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func Decrypt(masterSecret string, label KeyLabel, encoded string) (string, error) {
	key, err := deriveKey(masterSecret, label)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}
