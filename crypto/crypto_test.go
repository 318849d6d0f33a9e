package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty_key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid_base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key_too_short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "key_too_long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), errorMsg: "must be 32 bytes"},
		{name: "valid_key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enc == nil {
				t.Fatal("nil encryptor")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	plaintext := []byte("gateway-token-abc123")
	ct, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Error("ciphertext contains plaintext")
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("round trip = %q, want %q", pt, plaintext)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("tampered ciphertext accepted")
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("short ciphertext accepted")
	}
}

func TestStringHelpers(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ct, err := EncryptString(enc, "refresh-token")
	if err != nil {
		t.Fatalf("encrypt string: %v", err)
	}
	got, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("decrypt string: %v", err)
	}
	if got != "refresh-token" {
		t.Errorf("round trip = %q", got)
	}

	// Empty values pass through untouched.
	if ct, err := EncryptString(enc, ""); err != nil || ct != "" {
		t.Errorf("empty encrypt = (%q, %v)", ct, err)
	}
	if pt, err := DecryptString(enc, ""); err != nil || pt != "" {
		t.Errorf("empty decrypt = (%q, %v)", pt, err)
	}
}
