package errs

import "errors"

// Authentication errors. ErrAuthRequired is terminal: the caller must
// re-run the login flow.
var (
	ErrAuthRequired = errors.New("re-authentication required")
	ErrNoSession    = errors.New("no active session")
)

// Sync and transfer errors.
var (
	ErrUploadFailed          = errors.New("attachment upload failed")
	ErrEncryptionUnavailable = errors.New("recipient key material unavailable")
)

// Call signaling errors.
var (
	ErrCallInProgress = errors.New("another call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
)
