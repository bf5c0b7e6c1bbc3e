package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptRoundTrip(t *testing.T) {
	payload, err := EncryptString("master-key", "worker-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(payload, []byte("worker-secret")) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	plain, err := DecryptToString("master-key", payload)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "worker-secret" {
		t.Fatalf("expected worker-secret, got %q", plain)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	payload, err := EncryptString("master-key", "worker-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptToString("other-key", payload); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication with wrong key, got %v", err)
	}
	if _, err := DecryptToString("master-key", payload[:4]); !errors.Is(err, ErrShortCiphertext) {
		t.Fatalf("expected ErrShortCiphertext on truncated payload, got %v", err)
	}
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := DecryptToString("master-key", tampered); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication on tampered payload, got %v", err)
	}
}

func TestRandomTokenLengthAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		token, err := RandomToken(32)
		if err != nil {
			t.Fatalf("random token: %v", err)
		}
		if len(token) != 43 {
			t.Fatalf("expected 43 chars, got %d", len(token))
		}
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = struct{}{}
	}
	if _, err := RandomToken(0); err == nil {
		t.Fatalf("expected error for zero length")
	}
	hexed, err := RandomHex(32)
	if err != nil || len(hexed) != 64 {
		t.Fatalf("expected 64 hex chars, got %q (%v)", hexed, err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := ComparePassword(hash, "hunter22"); err != nil {
		t.Fatalf("compare: %v", err)
	}
	if err := ComparePassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
	if err := ComparePassword([]byte("not-a-hash"), "hunter22"); err == nil || errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected unusable hash error, got %v", err)
	}
}
