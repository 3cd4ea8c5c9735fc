package pairing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Параметры PIN
const (
	// pinDigits длина PIN в цифрах
	pinDigits = 8
	// PinTTL время жизни PIN: ограниченное, single-use
	PinTTL = 5 * time.Minute
	// maxAttempts после стольких неудачных попыток PIN инвалидируется
	maxAttempts = 3
)

// Параметры Argon2id для деривации ключа из PIN.
// PIN низкоэнтропийный, поэтому memory-hard деривация плюс ограничение
// попыток и TTL — основная защита от перебора.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// generatePinCode генерирует криптографически случайный цифровой PIN
func generatePinCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(pinDigits), nil)

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate pin: %w", err)
	}

	return fmt.Sprintf("%0*d", pinDigits, n), nil
}

// deriveProofKeys выводит из PIN два независимых ключа доказательства:
// для инициатора (joiner) и для выпустившего PIN (issuer). Соль
// детерминированно выводится из отпечатков обоих сертификатов, поэтому
// обе стороны считают одинаковые ключи без передачи соли по сети, а
// ключи привязаны к конкретной паре сертификатов.
func deriveProofKeys(pin string, joinerFP, issuerFP []byte) (joinerKey, issuerKey []byte, err error) {
	h := sha256.New()
	h.Write(joinerFP)
	h.Write(issuerFP)
	salt := h.Sum(nil)

	master := argon2.IDKey([]byte(pin), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	joinerKey = make([]byte, argon2KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte("pairsync-joiner")), joinerKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive joiner key: %w", err)
	}

	issuerKey = make([]byte, argon2KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte("pairsync-issuer")), issuerKey); err != nil {
		return nil, nil, fmt.Errorf("failed to derive issuer key: %w", err)
	}

	return joinerKey, issuerKey, nil
}

// proof вычисляет HMAC-доказательство знания ключа над транскриптом,
// связывающим оба отпечатка
func proof(key, joinerFP, issuerFP []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(joinerFP)
	mac.Write(issuerFP)
	return mac.Sum(nil)
}

// verifyProof сверяет доказательство за константное время
func verifyProof(key, joinerFP, issuerFP, got []byte) bool {
	return hmac.Equal(proof(key, joinerFP, issuerFP), got)
}
