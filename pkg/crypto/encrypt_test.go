package crypto

import (
	"encoding/base64"
	"strings"
	"testing"
)

// TestEncryptDecrypt проверяет цикл шифрования/расшифровки секретов
func TestEncryptDecrypt(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty secret", ""},
		{"venue api key", "bk_live_9f8a7b6c5d4e3f2a"},
		{"base64 secret", "c2VjcmV0LXNpZ25pbmcta2V5"},
		{"unicode", "секрет 你好"},
		{"long secret", strings.Repeat("x", 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := Encrypt(tt.plaintext, key)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}

			if _, err := base64.StdEncoding.DecodeString(encrypted); err != nil {
				t.Errorf("Encrypted result is not valid base64: %v", err)
			}

			decrypted, err := Decrypt(encrypted, key)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}

			if decrypted != tt.plaintext {
				t.Errorf("Decrypt: got %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

// TestEncryptNonceUniqueness проверяет что одинаковый plaintext дает разный ciphertext
func TestEncryptNonceUniqueness(t *testing.T) {
	key, _ := GenerateKey()

	c1, err := Encrypt("same secret", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	c2, err := Encrypt("same secret", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if c1 == c2 {
		t.Error("Two encryptions of the same plaintext should differ (random nonce)")
	}
}

// TestEncryptInvalidKeyLength проверяет валидацию длины ключа
func TestEncryptInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"empty key", 0},
		{"short key", 16},
		{"long key", 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)

			if _, err := Encrypt("data", key); err != ErrInvalidKeyLength {
				t.Errorf("Encrypt: got error %v, want %v", err, ErrInvalidKeyLength)
			}
			if _, err := Decrypt("data", key); err != ErrInvalidKeyLength {
				t.Errorf("Decrypt: got error %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

// TestDecryptInvalidInput проверяет обработку поврежденного ciphertext
func TestDecryptInvalidInput(t *testing.T) {
	key, _ := GenerateKey()

	tests := []struct {
		name       string
		ciphertext string
		wantErr    error
	}{
		{"not base64", "not-valid-base64!!!", ErrInvalidCiphertext},
		{"too short", base64.StdEncoding.EncodeToString([]byte("ab")), ErrCiphertextTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.ciphertext, key)
			if err != tt.wantErr {
				t.Errorf("Decrypt: got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestDecryptTampered проверяет что GCM отвергает подмененные данные
func TestDecryptTampered(t *testing.T) {
	key, _ := GenerateKey()

	encrypted, err := Encrypt("venue credentials", key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(encrypted)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := Decrypt(tampered, key); err != ErrDecryptionFailed {
		t.Errorf("Decrypt tampered: got error %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestDecryptWrongKey проверяет что расшифровка чужим ключом не проходит
func TestDecryptWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	encrypted, err := Encrypt("secret", key1)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(encrypted, key2); err != ErrDecryptionFailed {
		t.Errorf("Decrypt with wrong key: got error %v, want %v", err, ErrDecryptionFailed)
	}
}

// TestValidateKey проверяет валидацию ключа
func TestValidateKey(t *testing.T) {
	key, _ := GenerateKey()
	if err := ValidateKey(key); err != nil {
		t.Errorf("ValidateKey(32 bytes): got %v, want nil", err)
	}
	if err := ValidateKey(make([]byte, 31)); err != ErrInvalidKeyLength {
		t.Errorf("ValidateKey(31 bytes): got %v, want %v", err, ErrInvalidKeyLength)
	}
}
