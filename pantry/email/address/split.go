// pantry/email/address/split.go
package address

import (
	"regexp"
	"strings"
)

// trimSet is stripped from both ends of display names.
const trimSet = " '\""

// bracketPattern is greedy: it spans from the first '<' to the last '>'.
var bracketPattern = regexp.MustCompile(`<(.*)>`)

// Split parses a simple ("user@example.com") or full ("Name <user@example.com>")
// address string into its email and optional display name. It trims content
// but does no validation or encoding, and it never fails.
//
// When a bracket pair is found, the name is whatever precedes the matched span,
// computed by dropping len(match) bytes from the end of raw. Text that follows
// the closing '>' is therefore not isolated from the name.
//
// A nil name means no bracket form was present. A non-nil empty name means
// the brackets were present with nothing usable in front of them.
func Split(raw string) (email string, name *string) {
	m := bracketPattern.FindStringSubmatch(raw)
	if m == nil {
		return strings.TrimSpace(raw), nil
	}

	n := strings.Trim(raw[:len(raw)-len(m[0])], trimSet)
	return strings.TrimSpace(m[1]), &n
}

// Merge combines an email and optional display name into the conventional
// header form `"Name" <email>`. Like Split, it trims but never validates.
//
// A nil name yields the bare trimmed email. A name that trims down to nothing
// yields just the bracketed email.
func Merge(email string, name *string) string {
	if name == nil {
		return strings.TrimSpace(email)
	}

	bracketed := "<" + email + ">"

	n := strings.Trim(*name, trimSet)
	if n == "" {
		return bracketed
	}

	return `"` + n + `" ` + bracketed
}
