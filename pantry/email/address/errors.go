// pantry/email/address/errors.go
package address

import (
	"errors"
	"fmt"
)

// ErrInvalidAddress matches every *InvalidAddressError via errors.Is.
var ErrInvalidAddress = errors.New("email: invalid address")

// InvalidAddressError reports an email that failed validation.
// Email holds the input exactly as given, before trimming.
type InvalidAddressError struct {
	Email string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("email: invalid address %q", e.Email)
}

// Is reports whether target is ErrInvalidAddress.
func (e *InvalidAddressError) Is(target error) bool {
	return target == ErrInvalidAddress
}
