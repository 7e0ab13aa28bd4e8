package bibkat

import (
	"errors"
	"fmt"
)

// AuthError means the site refused or could not complete a login.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bibkat: login failed: %s: %s", e.Message, e.Err.Error())
	}
	return fmt.Sprintf("bibkat: login failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ParseError means a piece of text did not have any of the expected shapes.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("bibkat: parse %q: %s", e.Input, e.Reason)
}

// NetworkError means a request could not be completed or returned an unexpected status.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bibkat: %s: %s", e.Op, e.Err.Error())
	}
	return fmt.Sprintf("bibkat: %s: unexpected status %d", e.Op, e.Status)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RenewalProtocolError means the renewal API answered with something other than the expected
// two step dialog.
type RenewalProtocolError struct {
	Reason string
}

func (e *RenewalProtocolError) Error() string {
	return fmt.Sprintf("bibkat: renewal: %s", e.Reason)
}

func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}
