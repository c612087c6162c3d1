package services

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// GenerateCode returns a 4-digit verification code in [1000, 9999] drawn
// from crypto/rand, so codes are not predictable across requests.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", 1000+n.Int64()), nil
}

// ValidCodeFormat reports whether input is exactly 4 ASCII digits.
func ValidCodeFormat(input string) bool {
	if len(input) != 4 {
		return false
	}
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CodeEqual compares a submitted code against the stored one in constant
// time, so response timing does not leak correct digit prefixes.
func CodeEqual(submitted, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(submitted), []byte(stored)) == 1
}
