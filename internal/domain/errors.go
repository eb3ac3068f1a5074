package domain

import "errors"

var (
	// ErrNotConnected is returned when a send is attempted on an instance
	// that is not connected. Callers must not retry it.
	ErrNotConnected = errors.New("instance not connected")
	// ErrAuthenticationFailed means a stored credential did not verify.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrTransientNetwork     = errors.New("transient network failure")
	ErrLoggedOut            = errors.New("logged out")
	ErrLockHeld             = errors.New("conversation locked by another agent")
	ErrQueueJobFailure      = errors.New("queue job failed")
	ErrNotFound             = errors.New("not found")
)
