package errors

import "errors"

// Remote replica errors. The remote client returns errors that unwrap to
// exactly one of these so callers can branch with errors.Is.
var (
	ErrNetwork    = errors.New("network unavailable or server error")
	ErrAuth       = errors.New("not authenticated or forbidden")
	ErrNotFound   = errors.New("record not found")
	ErrValidation = errors.New("invalid record")
)

// Sync errors.
var (
	ErrQueueExhausted = errors.New("pending operation exhausted its retries")
	ErrNoActiveUser   = errors.New("no authenticated user")
)
