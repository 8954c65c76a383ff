// Package errs holds sentinel errors shared across service boundaries.
package errs

import "errors"

var (
	// ErrTenantIsolation marks a change whose scope does not match the
	// device's registered tenant binding. Fatal to that change, never
	// auto-corrected.
	ErrTenantIsolation = errors.New("tenant scope mismatch")

	// ErrValidation marks a malformed change payload or request field.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateChange signals that a change id was already applied.
	// Benign: callers count the change as accepted without reapplying.
	ErrDuplicateChange = errors.New("change already applied")

	// ErrLimitExceeded marks a batch or page larger than the configured cap.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrDeviceNotFound marks an unknown device id.
	ErrDeviceNotFound = errors.New("device not registered")

	// ErrDeviceRevoked marks a device whose registration is no longer
	// active. Fatal to the whole request, checked live on every call.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrInvalidToken marks a token that failed signature, expiry or
	// claim checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrCheckpointRegression marks an attempt to move a device checkpoint
	// backwards.
	ErrCheckpointRegression = errors.New("checkpoint would move backwards")
)
