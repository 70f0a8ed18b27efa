package android

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrExtensionNotFound        = errors.New("key attestation extension not found")
	ErrMalformedExtension       = errors.New("malformed key attestation extension")
	ErrUnsupportedSecurityLevel = errors.New("unsupported security level")
)

// FieldError reports a decoding failure at a named field of the key
// description. Err is ErrMalformedExtension or ErrUnsupportedSecurityLevel.
type FieldError struct {
	Field  string
	Detail string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Field)
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Field, e.Detail)
}

func (e *FieldError) Unwrap() error { return e.Err }

func malformed(field, format string, args ...any) error {
	return &FieldError{Field: field, Detail: fmt.Sprintf(format, args...), Err: ErrMalformedExtension}
}
