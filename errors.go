package orgsession

import (
	"errors"
	"fmt"
)

// SessionError wraps errors with session context.
type SessionError struct {
	Scheme  Scheme
	Op      string // Operation: "resolve", "authenticate", "renew", "handle", etc.
	Service string // Service address (if applicable)
	Err     error
}

// Error returns the error message.
func (e *SessionError) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: %s %q: %v", e.Scheme, e.Op, e.Service, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Scheme, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is checks if the wrapped error matches the target error.
// This allows errors.Is() to work through SessionError wrappers.
func (e *SessionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// WrapError wraps an error with session context.
func WrapError(scheme Scheme, op, service string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Scheme:  scheme,
		Op:      op,
		Service: service,
		Err:     err,
	}
}

// UnsupportedSchemeError reports a scheme with no authentication or handle
// construction strategy.
type UnsupportedSchemeError struct {
	Scheme Scheme
	Name   string // raw name when the scheme could not be parsed
}

// Error returns the error message.
func (e *UnsupportedSchemeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%q authentication type is not supported", e.Name)
	}
	return fmt.Sprintf("%s authentication type is not supported (scheme %d)", e.Scheme, int(e.Scheme))
}

// Is matches ErrUnsupportedScheme.
func (e *UnsupportedSchemeError) Is(target error) bool {
	return target == ErrUnsupportedScheme
}

// authFailure marks err as an authentication failure, keeping err in the
// chain so transport faults remain detectable.
func authFailure(err error) error {
	if err == nil || errors.Is(err, ErrAuthenticationFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
}
