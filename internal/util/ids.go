// Package util provides identifier, phone and environment helpers shared across LeadPipe components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

const (
	// SessionKeyPrefix starts every visitor session key.
	SessionKeyPrefix = "guest-"
	// SessionKeySuffixLength is the number of random base36 characters after the prefix.
	SessionKeySuffixLength = 7
)

const base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateRandomBase36 generates a random lowercase base36 string of the specified length.
// Uses math/rand/v2; the result is not suitable for secrets.
func GenerateRandomBase36(length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(base36Chars[rand.IntN(len(base36Chars))])
	}
	return builder.String()
}

// GenerateSessionKey returns a new visitor session key such as "guest-k3x9q2a".
func GenerateSessionKey() string {
	return SessionKeyPrefix + GenerateRandomBase36(SessionKeySuffixLength)
}

// IsSessionKey reports whether s has the shape produced by GenerateSessionKey.
func IsSessionKey(s string) bool {
	if !strings.HasPrefix(s, SessionKeyPrefix) || len(s) != len(SessionKeyPrefix)+SessionKeySuffixLength {
		return false
	}
	for _, c := range s[len(SessionKeyPrefix):] {
		if !strings.ContainsRune(base36Chars, c) {
			return false
		}
	}
	return true
}

// GenerateLeadID generates a unique lead ID with "lead_" prefix.
func GenerateLeadID() string {
	return "lead_" + uuid.NewString()
}

// GenerateOutboxID generates a unique outbox message ID with "ob_" prefix.
func GenerateOutboxID() string {
	return "ob_" + uuid.NewString()
}
