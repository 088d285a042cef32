package store

import "errors"

var (
	// ErrUnavailable is returned by backends when the underlying storage cannot be used
	// (disabled, full, unreachable). Store treats it as accepted non-persistence.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConfig is returned for invalid backend configuration.
	ErrConfig = errors.New("invalid store config")
)
