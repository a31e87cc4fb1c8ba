package iqua

import (
	"errors"
	"net/http"
)

// Error taxonomy. All errors returned by the package wrap one of these
// sentinels (or a StatusError for unexpected HTTP responses), so callers can
// decide what is fatal and what is worth retrying.
var (
	// ErrAuthFailed means the credentials were rejected. Retrying with the
	// same credentials will not help.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDeviceNotFound means no device matched the configured serial
	// number. Resolution is not retried automatically.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrCommandFailed means a device command was rejected or could not be
	// delivered. Commands are not idempotent, callers must not blindly
	// retry ambiguous failures.
	ErrCommandFailed = errors.New("command failed")

	// ErrRealtimeManaged means the realtime store is fed externally and
	// the internal connection supervisor is not in charge.
	ErrRealtimeManaged = errors.New("realtime connection is externally managed")
)

// statusOf extracts the HTTP status code from an error chain, 0 if none.
func statusOf(err error) int {
	var se StatusError
	if errors.As(err, &se) {
		return se.StatusCode()
	}
	return 0
}

func isUnauthorized(err error) bool {
	return statusOf(err) == http.StatusUnauthorized
}
