package session

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned when a host has no live session.
var ErrNoSession = errors.New("no valid connection to host, please authenticate first")

// ErrVerification is returned when the post-login check does not echo back.
var ErrVerification = errors.New("connection test failed")

// AuthenticationError means the host rejected the credentials or the
// second factor was not approved in time.
type AuthenticationError struct {
	Host string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s rejected: %v", e.Host, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectivityError covers network, timeout and transport failures.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// SessionExpiredError is returned when a stored session was torn down on
// access, either because its credential outlived the TTL or because the
// transport went inactive.
type SessionExpiredError struct {
	Host   string
	Reason string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session to %s expired: %s", e.Host, e.Reason)
}

// Is lets callers treat an expired session like a missing one.
func (e *SessionExpiredError) Is(target error) bool { return target == ErrNoSession }
