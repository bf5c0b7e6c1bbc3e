package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrShortCiphertext is returned for payloads shorter than a nonce plus tag.
	ErrShortCiphertext = errors.New("crypto: ciphertext truncated")
	// ErrAuthentication is returned when the key does not open the payload or
	// the payload was altered.
	ErrAuthentication = errors.New("crypto: message authentication failed")
)

// newAEAD derives a 256-bit key from secret with SHA-256 and returns AES-GCM over it.
func newAEAD(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: aes key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

// EncryptString seals plaintext under secret. The output is nonce||ciphertext.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	gcm, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// DecryptToString opens a payload produced by EncryptString.
func DecryptToString(secret string, payload []byte) (string, error) {
	gcm, err := newAEAD(secret)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize+gcm.Overhead() {
		return "", ErrShortCiphertext
	}
	plain, err := gcm.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plain), nil
}
