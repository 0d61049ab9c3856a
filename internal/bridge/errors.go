package bridge

import "errors"

// Domain-specific errors for the bridge.
var (
	// ErrUnknownAction is returned by ExecuteAction for names that are not registered.
	ErrUnknownAction = errors.New("bridge: unknown action")

	// ErrStopped is returned when the bridge is started or asked to run an action after Stop.
	ErrStopped = errors.New("bridge: stopped")

	// ErrInvalidOptions is returned by New for incomplete options.
	ErrInvalidOptions = errors.New("bridge: invalid options")
)
