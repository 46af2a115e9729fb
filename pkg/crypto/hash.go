package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Ошибки хеширования токенов
var (
	ErrEmptyToken       = errors.New("token cannot be empty")
	ErrTokenMismatch    = errors.New("token does not match hash")
	ErrInvalidTokenHash = errors.New("invalid token hash format")
	ErrTokenTooLong     = errors.New("token exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt по умолчанию.
// Токен проверяется один раз на HTTP-запрос, поэтому умеренная
// стоимость не создает заметной задержки
const DefaultCost = 12

// MaxTokenLength - ограничение bcrypt на длину входа (72 байта)
const MaxTokenLength = 72

// HashToken хеширует API-токен с использованием bcrypt.
// Хеш кладется в API_TOKEN_HASH, сам токен нигде не хранится
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}

	if len(token) > MaxTokenLength {
		return "", ErrTokenTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyToken проверяет соответствие токена хешу.
// bcrypt выполняет constant-time сравнение
func VerifyToken(token, hash string) error {
	if token == "" {
		return ErrEmptyToken
	}

	if hash == "" {
		return ErrInvalidTokenHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return ErrInvalidTokenHash
	}

	return nil
}

// CheckTokenMatch - булева обёртка над VerifyToken для использования в условиях
func CheckTokenMatch(token, hash string) bool {
	return VerifyToken(token, hash) == nil
}
