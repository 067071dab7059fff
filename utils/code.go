package utils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Alphabet avoids 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ErrCodeExhausted is returned when every generation attempt collided.
var ErrCodeExhausted = errors.New("referral code space exhausted")

// GenerateCode returns a random uppercase code of length n.
func GenerateCode(n int) (string, error) {
	buf := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		buf[i] = codeAlphabet[idx.Int64()]
	}
	return string(buf), nil
}

// GenerateUniqueCode draws codes until existsCheck reports a free one,
// bounded by maxAttempts.
func GenerateUniqueCode(length, maxAttempts int, existsCheck func(code string) (bool, error)) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := GenerateCode(length)
		if err != nil {
			return "", err
		}
		taken, err := existsCheck(code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}
