package recovery

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	passwordLength = 16

	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"
)

// GeneratePassword produces a random initial password satisfying the tenant
// complexity policy: 16 characters with at least one lowercase, uppercase,
// digit, and special character. Character positions are shuffled so the
// guaranteed classes do not sit at fixed offsets.
func GeneratePassword() (string, error) {
	classes := []string{lowerChars, upperChars, digitChars, specialChars}
	all := lowerChars + upperChars + digitChars + specialChars

	chars := make([]byte, 0, passwordLength)
	for _, class := range classes {
		c, err := randomByte(class)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}
	for len(chars) < passwordLength {
		c, err := randomByte(all)
		if err != nil {
			return "", err
		}
		chars = append(chars, c)
	}

	// Fisher-Yates with crypto-sourced indices.
	for i := len(chars) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		chars[i], chars[j] = chars[j], chars[i]
	}

	return string(chars), nil
}

func randomByte(from string) (byte, error) {
	idx, err := randomInt(len(from))
	if err != nil {
		return 0, err
	}
	return from[idx], nil
}

func randomInt(n int) (int, error) {
	value, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random source unavailable: %w", err)
	}
	return int(value.Int64()), nil
}
