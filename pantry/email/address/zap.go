// pantry/email/address/zap.go
package address

import "go.uber.org/zap/zapcore"

// MarshalLogObject lets an Address be logged with zap.Object.
func (a Address) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("email", a.email)
	if a.name != "" {
		enc.AddString("name", a.name)
	}
	return nil
}

// Addresses is a slice of Address loggable with zap.Array.
type Addresses []Address

// MarshalLogArray implements zapcore.ArrayMarshaler.
func (as Addresses) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, a := range as {
		if err := enc.AppendObject(a); err != nil {
			return err
		}
	}
	return nil
}
