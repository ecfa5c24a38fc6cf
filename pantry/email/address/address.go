// pantry/email/address/address.go
// Package address represents an email address, optionally paired with a
// display name, as an immutable value.
//
// Addresses move between two forms: the structured (email, name) pair and the
// header form used by mail messages:
//
//	a, err := address.Create(`"Ada Lovelace" <ada@example.com>`)
//	if err != nil {
//	    // errors.Is(err, address.ErrInvalidAddress)
//	}
//	a.Email()  // "ada@example.com"
//	a.Name()   // "Ada Lovelace", true
//	a.String() // `"Ada Lovelace" <ada@example.com>`
//
// Email syntax checking is delegated to a Checker. The package-level functions
// use the default validator from pantry/validate; use NewFactory to inject
// a different one.
package address

import (
	"strings"
)

// EmailRule is the rule string passed to a Checker for every email.
const EmailRule = "required|valid_email"

// Checker is the validation capability an Address is built with.
type Checker interface {
	Check(value, rules string) bool
}

// CheckerFunc adapts an ordinary function to the Checker interface.
type CheckerFunc func(value, rules string) bool

// Check calls f(value, rules).
func (f CheckerFunc) Check(value, rules string) bool {
	return f(value, rules)
}

// Address is a validated email with an optional display name.
// The zero value is not a valid Address; construct one with New or Create.
type Address struct {
	email string
	name  string // "" means no display name
}

// New validates email with c and returns the resulting Address.
//
// The email is trimmed of surrounding whitespace before it is checked. On
// failure the returned *InvalidAddressError carries the untrimmed input.
// A nil name, or one that is empty after trimming quotes, apostrophes and
// spaces, leaves the Address without a display name.
func New(c Checker, email string, name *string) (Address, error) {
	trimmed := strings.TrimSpace(email)
	if !c.Check(trimmed, EmailRule) {
		return Address{}, &InvalidAddressError{Email: email}
	}

	a := Address{email: trimmed}
	if name != nil {
		a.name = strings.Trim(*name, trimSet)
	}
	return a, nil
}

// Email returns the trimmed email.
func (a Address) Email() string {
	return a.email
}

// Name returns the display name and whether one is set.
func (a Address) Name() (string, bool) {
	return a.name, a.name != ""
}

// String returns the header form of the address.
func (a Address) String() string {
	return Merge(a.email, a.namePtr())
}

// Equal reports whether a and b hold the same email and name.
func (a Address) Equal(b Address) bool {
	return a.email == b.email && a.name == b.name
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.email == ""
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using the default factory.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := Create(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) namePtr() *string {
	if a.name == "" {
		return nil
	}
	n := a.name
	return &n
}
