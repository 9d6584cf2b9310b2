package crypto

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// hash.go - хеширование кодов подтверждения восстановления
//
// Секрет оператора и коды, присланные в запросах на восстановление,
// хранятся только в виде bcrypt хешей. Открытый код нигде не сохраняется
// и не попадает в журнал аудита.

// Ошибки хеширования
var (
	ErrEmptyCode    = errors.New("approval code cannot be empty")
	ErrCodeMismatch = errors.New("approval code does not match hash")
	ErrInvalidHash  = errors.New("invalid approval code hash format")
	ErrCodeTooLong  = errors.New("approval code exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость хеширования по умолчанию
const DefaultCost = 12

// MaxCodeLength - ограничение bcrypt на длину входа
const MaxCodeLength = 72

// HashCodeWithCost хеширует код с указанной стоимостью.
// cost приводится к диапазону [bcrypt.MinCost, bcrypt.MaxCost].
func HashCodeWithCost(code string, cost int) (string, error) {
	if code == "" {
		return "", ErrEmptyCode
	}
	if len(code) > MaxCodeLength {
		return "", ErrCodeTooLong
	}

	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyCode сверяет код с хешем (сравнение внутри bcrypt - constant-time)
func VerifyCode(code, hash string) error {
	if code == "" {
		return ErrEmptyCode
	}
	if hash == "" {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrCodeMismatch
		}
		return ErrInvalidHash
	}
	return nil
}

// CodeMatches - VerifyCode для условий
func CodeMatches(code, hash string) bool {
	return VerifyCode(code, hash) == nil
}

// IsHash сообщает, похожа ли строка на bcrypt хеш.
// Используется конфигурацией: секрет можно задать и открытым текстом, и хешем.
func IsHash(s string) bool {
	if !strings.HasPrefix(s, "$2a$") && !strings.HasPrefix(s, "$2b$") && !strings.HasPrefix(s, "$2y$") {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// GetHashCost извлекает cost из существующего хеша
func GetHashCost(hash string) (int, error) {
	if hash == "" {
		return 0, ErrInvalidHash
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return 0, ErrInvalidHash
	}
	return cost, nil
}

// NeedsRehash: хеш секрета слабее настроенной стоимости или не разбирается.
// Секрет задаётся оператором, поэтому перехешировать его можно только
// предупредив при старте.
func NeedsRehash(hash string, desiredCost int) bool {
	cost, err := GetHashCost(hash)
	return err != nil || cost < desiredCost
}
