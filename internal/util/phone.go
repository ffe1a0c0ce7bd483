package util

import (
	"errors"
	"regexp"
)

var (
	nonDigitRegex    = regexp.MustCompile(`\D`)
	phoneNumberRegex = regexp.MustCompile(`^\d{10,15}$`)
)

// ErrInvalidPhone is returned when a phone number cannot be canonicalized.
var ErrInvalidPhone = errors.New("invalid phone number")

// DigitsOnly strips every non-digit character: "(312) 555-1234" becomes "3125551234".
func DigitsOnly(s string) string {
	return nonDigitRegex.ReplaceAllString(s, "")
}

// CanonicalizePhone returns an E.164 number for SMS delivery. Ten-digit numbers are
// treated as North American and get a leading 1.
func CanonicalizePhone(s string) (string, error) {
	digits := DigitsOnly(s)
	if !phoneNumberRegex.MatchString(digits) {
		return "", ErrInvalidPhone
	}
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits, nil
}
