package payment

import (
	"errors"
	"strings"
)

// ErrInvalidPhone indicates the contact number could not be normalized to the
// provider's required international form.
var ErrInvalidPhone = errors.New("invalid phone number")

const kenyaCountryCode = "254"

// NormalizeMSISDN canonicalizes a Kenyan mobile number to digits-only
// 254XXXXXXXXX form. Whitespace and punctuation are stripped, a leading "+254"
// or "254" keeps the country code, a local trunk prefix "07XX"/"01XX" has the
// leading zero replaced, and a bare nine-digit subscriber number gets the
// country code prepended. The function is a fixed point: applying it to its
// own output returns the same value.
func NormalizeMSISDN(input string) (string, error) {
	var digits strings.Builder
	for _, r := range input {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators and the international prefix marker are dropped
		default:
			return "", ErrInvalidPhone
		}
	}
	s := digits.String()

	switch {
	case strings.HasPrefix(s, kenyaCountryCode) && len(s) == 12:
		return s, nil
	case strings.HasPrefix(s, "0") && len(s) == 10:
		return kenyaCountryCode + s[1:], nil
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		return kenyaCountryCode + s, nil
	default:
		return "", ErrInvalidPhone
	}
}
