package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// RandomToken returns nBytes of crypto/rand entropy, hex encoded.
func RandomToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomInt returns a uniform integer in [0, n).
func RandomInt(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("random int: n must be positive, got %d", n)
	}
	num, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(num.Int64()), nil
}

// RandomNumericString generates a random string containing only digits.
func RandomNumericString(length int) (string, error) {
	const digits = "0123456789"
	b := make([]byte, length)
	for i := range b {
		idx, err := RandomInt(len(digits))
		if err != nil {
			return "", err
		}
		b[i] = digits[idx]
	}
	return string(b), nil
}

// Shuffle permutes s in place with a Fisher-Yates walk driven by crypto/rand.
func Shuffle[T any](s []T) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := RandomInt(i + 1)
		if err != nil {
			return err
		}
		s[i], s[j] = s[j], s[i]
	}
	return nil
}
