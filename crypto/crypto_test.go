package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

// TestNewAESEncryptor tests creation of AES encryptor with valid and invalid keys
func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{
			name:      "empty key",
			key:       "",
			wantError: true,
			errorMsg:  "encryption key is empty",
		},
		{
			name:      "invalid base64",
			key:       "not-valid-base64!@#$",
			wantError: true,
			errorMsg:  "base64 decode failed",
		},
		{
			name:      "key too short",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 16)), // 16 bytes = 128 bits
			wantError: true,
			errorMsg:  "must be 32 bytes",
		},
		{
			name:      "key too long",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 64)), // 64 bytes
			wantError: true,
			errorMsg:  "must be 32 bytes",
		},
		{
			name:      "valid 32-byte key",
			key:       base64.StdEncoding.EncodeToString(make([]byte, 32)),
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantError {
				if err == nil {
					t.Errorf("NewAESEncryptor() expected error but got nil")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("NewAESEncryptor() unexpected error = %v", err)
				}
				if enc == nil {
					t.Errorf("NewAESEncryptor() returned nil encryptor")
				}
			}
		})
	}
}

// TestEncryptDecrypt_RoundTrip tests that encryption followed by decryption returns original plaintext
func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "short string",
			plaintext: "hello",
		},
		{
			name:      "oauth token",
			plaintext: "ya29.a0AfH6SMBx...",
		},
		{
			name:      "credential file",
			plaintext: `{"twitch":{"access_token":"abc","refresh_token":"def","expires_at":1700000000}}`,
		},
		{
			name:      "long string",
			plaintext: strings.Repeat("a", 1000),
		},
		{
			name:      "unicode",
			plaintext: "Hello 世界 🌍",
		},
		{
			name:      "special characters",
			plaintext: "!@#$%^&*()_+-={}[]|\\:;\"'<>,.?/~`",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt([]byte(tt.plaintext))
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if len(ciphertext) == 0 {
				t.Errorf("Encrypt() returned empty ciphertext")
			}
			if bytes.Equal(ciphertext, []byte(tt.plaintext)) {
				t.Errorf("Encrypt() returned plaintext unchanged")
			}

			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if string(decrypted) != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", string(decrypted), tt.plaintext)
			}
		})
	}
}

// TestEncryptDeterminism tests that encrypting same plaintext twice produces different ciphertexts
// (due to random nonce generation)
func TestEncryptDeterminism(t *testing.T) {
	enc := newTestEncryptor(t)
	plaintext := []byte("test plaintext")

	ciphertext1, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ciphertext2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if bytes.Equal(ciphertext1, ciphertext2) {
		t.Errorf("Encrypt() produced identical ciphertexts for same plaintext (should be different due to random nonce)")
	}

	decrypted1, err := enc.Decrypt(ciphertext1)
	if err != nil {
		t.Fatalf("Decrypt(1) error = %v", err)
	}
	decrypted2, err := enc.Decrypt(ciphertext2)
	if err != nil {
		t.Fatalf("Decrypt(2) error = %v", err)
	}
	if !bytes.Equal(decrypted1, plaintext) || !bytes.Equal(decrypted2, plaintext) {
		t.Errorf("Decrypt() failed to recover original plaintext")
	}
}

// TestDecrypt_InvalidCiphertext tests decryption with corrupted or invalid ciphertext
func TestDecrypt_InvalidCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)

	tests := []struct {
		name       string
		errorMsg   string
		ciphertext []byte
	}{
		{
			name:       "empty ciphertext",
			ciphertext: []byte{},
			errorMsg:   "ciphertext too short",
		},
		{
			name:       "ciphertext too short",
			ciphertext: []byte{1, 2, 3}, // less than nonce size (12 bytes)
			errorMsg:   "ciphertext too short",
		},
		{
			name:       "corrupted ciphertext",
			ciphertext: make([]byte, 50), // random bytes, won't authenticate
			errorMsg:   "decrypt failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.ciphertext)
			if err == nil {
				t.Errorf("Decrypt() expected error but got nil")
			} else if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Decrypt() error = %v, want error containing %q", err, tt.errorMsg)
			}
		})
	}
}

// TestDecrypt_TamperedCiphertext tests that tampering is detected
func TestDecrypt_TamperedCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)

	plaintext := []byte("sensitive data")
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip a bit past the nonce.
	if len(ciphertext) > 20 {
		ciphertext[20] ^= 0x01
	}

	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Errorf("Decrypt() should fail for tampered ciphertext")
	}
}

// TestDecrypt_WrongKey tests that decryption fails with wrong key
func TestDecrypt_WrongKey(t *testing.T) {
	enc1 := newTestEncryptor(t)
	enc2 := newTestEncryptor(t)

	plaintext := []byte("secret message")
	ciphertext, err := enc1.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Errorf("Decrypt() with wrong key should fail")
	}
}

// TestEncrypt_EmptyPlaintext tests encryption of empty plaintext
func TestEncrypt_EmptyPlaintext(t *testing.T) {
	enc := newTestEncryptor(t)

	_, err := enc.Encrypt([]byte{})
	if err == nil {
		t.Errorf("Encrypt() with empty plaintext should return error")
	}
	if !strings.Contains(err.Error(), "plaintext is empty") {
		t.Errorf("Encrypt() error = %v, want error about empty plaintext", err)
	}
}
