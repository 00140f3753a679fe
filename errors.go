package chatsync

import (
	"errors"
	"fmt"
)

// TransportError is a connection level failure: socket dial/read/write, or a
// REST call that never produced a response (network error, timeout).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FetchError is a REST call that completed with a non-success result.
type FetchError struct {
	Op     string
	Status int
	Code   string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: HTTP %d (%s): %v", e.Op, e.Status, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AuthError means the backend rejected our credentials. It is never retried.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unauthorized (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("unauthorized (HTTP %d): %s", e.Status, e.Message)
}

// ParseError is a malformed payload from the transport or a REST response.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsAuth reports whether err is, or wraps, an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrNotConnected is returned when writing to a session without a live socket.
var ErrNotConnected = errors.New("not connected")

// ErrClosed is returned by coordinator operations after Run has returned.
var ErrClosed = errors.New("coordinator stopped")
