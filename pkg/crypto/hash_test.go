package crypto

import (
	"strings"
	"testing"
)

// TestHashToken проверяет базовое хеширование токена
func TestHashToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"simple token", "bot-token-123"},
		{"random token", "Zm9vYmFyYmF6cXV4"},
		{"token with symbols", "t0k3n!#$%^&*()"},
		{"long token", strings.Repeat("a", 70)}, // близко к лимиту 72
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashToken(tt.token)
			if err != nil {
				t.Fatalf("HashToken failed: %v", err)
			}

			if hash == "" {
				t.Error("Hash should not be empty")
			}

			if !strings.HasPrefix(hash, "$2a$") && !strings.HasPrefix(hash, "$2b$") {
				t.Errorf("Hash should start with bcrypt prefix, got: %s", hash[:10])
			}

			if hash == tt.token {
				t.Error("Hash should not equal token")
			}
		})
	}
}

// TestHashTokenErrors проверяет валидацию входа
func TestHashTokenErrors(t *testing.T) {
	if _, err := HashToken(""); err != ErrEmptyToken {
		t.Errorf("HashToken empty: got error %v, want %v", err, ErrEmptyToken)
	}

	if _, err := HashToken(strings.Repeat("a", 73)); err != ErrTokenTooLong {
		t.Errorf("HashToken too long: got error %v, want %v", err, ErrTokenTooLong)
	}
}

// TestHashTokenDifferentSalts проверяет что каждый хеш уникален
func TestHashTokenDifferentSalts(t *testing.T) {
	hash1, _ := HashToken("same-token")
	hash2, _ := HashToken("same-token")

	if hash1 == hash2 {
		t.Error("Two hashes of the same token should differ (different salts)")
	}
}

// TestVerifyToken проверяет сверку токена с хешем
func TestVerifyToken(t *testing.T) {
	hash, err := HashToken("correct-token")
	if err != nil {
		t.Fatalf("HashToken failed: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		hash    string
		wantErr error
	}{
		{"correct token", "correct-token", hash, nil},
		{"wrong token", "wrong-token", hash, ErrTokenMismatch},
		{"empty token", "", hash, ErrEmptyToken},
		{"empty hash", "correct-token", "", ErrInvalidTokenHash},
		{"garbage hash", "correct-token", "not-a-bcrypt-hash", ErrInvalidTokenHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyToken(tt.token, tt.hash)
			if err != tt.wantErr {
				t.Errorf("VerifyToken: got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestCheckTokenMatch проверяет булеву обёртку
func TestCheckTokenMatch(t *testing.T) {
	hash, _ := HashToken("api-token")

	if !CheckTokenMatch("api-token", hash) {
		t.Error("CheckTokenMatch should return true for correct token")
	}
	if CheckTokenMatch("other-token", hash) {
		t.Error("CheckTokenMatch should return false for wrong token")
	}
}
