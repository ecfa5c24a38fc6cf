// pantry/validate/email.go
package validate

import (
	"regexp"
	"strings"
)

// RFC 5321 size limits.
const (
	maxEmailLength = 254
	maxLocalLength = 64
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// ValidEmail is the predicate behind the valid_email rule. It accepts
// ASCII addresses of the form local@domain.tld within the RFC 5321 length
// limits, and rejects empty labels (leading, trailing, or doubled dots).
// The input is not trimmed.
func ValidEmail(s string) bool {
	if len(s) > maxEmailLength || !emailRegex.MatchString(s) {
		return false
	}

	at := strings.LastIndexByte(s, '@')
	local, domain := s[:at], s[at+1:]
	if len(local) > maxLocalLength {
		return false
	}
	for _, part := range []string{local, domain} {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".") || strings.Contains(part, "..") {
			return false
		}
	}
	return true
}
