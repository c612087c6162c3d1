package auth

import "errors"

// ErrInvalidPhone is returned when the input cannot be normalized to a
// 10-digit US number.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone reduces user input ("(555) 123-4567", "+1 555 123 4567") to
// the canonical 10-digit form users are stored under.
func NormalizePhone(input string) (string, error) {
	digits := make([]byte, 0, len(input))
	for i := 0; i < len(input); i++ {
		if input[i] >= '0' && input[i] <= '9' {
			digits = append(digits, input[i])
		}
	}
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", ErrInvalidPhone
	}
	return string(digits), nil
}
