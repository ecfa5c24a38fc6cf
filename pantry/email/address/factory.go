// pantry/email/address/factory.go
package address

import (
	"strings"
	"unicode"

	"github.com/dalemusser/mailaddr/pantry/validate"
)

// Factory builds Addresses from raw strings using a fixed Checker.
// A Factory holds no mutable state and is safe for concurrent use.
type Factory struct {
	checker Checker
}

// NewFactory returns a Factory that validates emails with c.
func NewFactory(c Checker) *Factory {
	return &Factory{checker: c}
}

// New is shorthand for address.New with the factory's Checker.
func (f *Factory) New(email string, name *string) (Address, error) {
	return New(f.checker, email, name)
}

// Create builds an Address from a simple or full address string.
func (f *Factory) Create(raw string) (Address, error) {
	return f.New(Split(raw))
}

// CreateArray builds one Address per input, in order.
//
// A single input containing a comma is treated as a list: it is split on
// commas and whitespace, and empty pieces are dropped. Two or more inputs are
// never split, even if they contain commas.
//
// The first invalid address aborts the whole call; no partial slice is
// returned.
func (f *Factory) CreateArray(raws []string) ([]Address, error) {
	if len(raws) == 1 && strings.Contains(raws[0], ",") {
		raws = splitCSV(raws[0])
	}

	out := make([]Address, 0, len(raws))
	for _, raw := range raws {
		a, err := f.Create(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func splitCSV(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// Default factory, backed by the default validator.
var defaultFactory = NewFactory(CheckerFunc(validate.CheckString))

// Default returns the package default Factory.
func Default() *Factory {
	return defaultFactory
}

// Create builds an Address using the default factory.
func Create(raw string) (Address, error) {
	return defaultFactory.Create(raw)
}

// CreateArray builds Addresses using the default factory.
func CreateArray(raws []string) ([]Address, error) {
	return defaultFactory.CreateArray(raws)
}

// MustCreate is like Create but panics on an invalid address.
// It is intended for package-level variables and tests.
func MustCreate(raw string) Address {
	a, err := Create(raw)
	if err != nil {
		panic(err)
	}
	return a
}
