package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidLocation is the root of every location validation error.
var ErrInvalidLocation = errors.New("invalid location")

var (
	// ErrLocationEmpty is returned when location is empty or whitespace-only.
	ErrLocationEmpty = fmt.Errorf("%w: location is required", ErrInvalidLocation)

	// ErrLocationTooShort is returned when location length is below the minimum.
	ErrLocationTooShort = fmt.Errorf("%w: location too short", ErrInvalidLocation)

	// ErrLocationTooLong is returned when location length exceeds the maximum.
	ErrLocationTooLong = fmt.Errorf("%w: location too long", ErrInvalidLocation)

	// ErrLocationInvalidChars is returned when location contains disallowed characters.
	ErrLocationInvalidChars = fmt.Errorf("%w: location contains invalid characters", ErrInvalidLocation)
)

// ValidateLocation checks a location before it is sent upstream. Length bounds
// (minLen, maxLen in runes, 0 disables) apply to the trimmed text; allowed
// characters are Unicode letters, digits, space, comma, hyphen, period and
// apostrophe.
//
// The input is not rewritten. Callers keep using the original string as the
// cache key, so "Paris" and "paris" stay distinct.
func ValidateLocation(input string, minLen, maxLen int) error {
	r := []rune(strings.TrimSpace(input))
	n := len(r)
	if n == 0 {
		return ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return ErrLocationInvalidChars
		}
	}
	return nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
