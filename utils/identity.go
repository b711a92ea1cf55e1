package utils

import (
	"strings"

	"github.com/ttacon/libphonenumber"
)

// NormalizeUserId returns the canonical form of a user identifier.
// Only an explicit international number ("+1 (650) 253-0000") is rewritten, to its
// E.164 digits without the '+'. Every other identifier, including bare numeric
// chat-platform ids, is returned trimmed and otherwise untouched.
func NormalizeUserId(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrorInvalidIdentity
	}
	if !strings.HasPrefix(raw, "+") {
		return raw, nil
	}

	digits, ok := phoneDigits(raw)
	if !ok {
		return raw, nil
	}
	num, err := libphonenumber.Parse("+"+digits, "")
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return raw, nil
	}
	return strings.TrimPrefix(libphonenumber.Format(num, libphonenumber.E164), "+"), nil
}

// phoneDigits strips phone punctuation; ok is false when raw contains anything else.
func phoneDigits(raw string) (string, bool) {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	if b.Len() < 6 {
		return "", false
	}
	return b.String(), true
}
