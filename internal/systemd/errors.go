package systemd

import (
	"errors"
	"fmt"

	godbus "github.com/godbus/dbus/v5"
)

// Domain-specific errors for systemd and logind operations.
var (
	// ErrUnauthorized is returned when polkit requires interactive
	// authorization, which a daemon cannot provide.
	ErrUnauthorized = errors.New("systemd: unauthorized")

	// ErrAccessDenied is returned when the bus policy rejects the call.
	ErrAccessDenied = errors.New("systemd: access denied")

	// ErrInvalidShutdownAction is returned for actions other than poweroff and reboot.
	ErrInvalidShutdownAction = errors.New("systemd: invalid shutdown action")

	// ErrInvalidUnitName is returned for unit names without a known suffix.
	ErrInvalidUnitName = errors.New("systemd: invalid unit name")

	// ErrJobFailed is returned when a unit job finishes with a result other than "done".
	ErrJobFailed = errors.New("systemd: job failed")

	// ErrConnectionFailed is returned when the system bus is unreachable.
	ErrConnectionFailed = errors.New("systemd: bus connection failed")
)

// D-Bus error names mapped to sentinel errors.
const (
	errNameInteractiveAuthorizationRequired = "org.freedesktop.DBus.Error.InteractiveAuthorizationRequired"
	errNameAccessDenied                     = "org.freedesktop.DBus.Error.AccessDenied"
)

// wrapCallError annotates a failed D-Bus call with the method name and maps
// well-known D-Bus error names onto sentinel errors.
func wrapCallError(method string, err error) error {
	if err == nil {
		return nil
	}

	var name string
	var dbusErr godbus.Error
	var dbusErrPtr *godbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		name = dbusErrPtr.Name
	}

	switch name {
	case errNameInteractiveAuthorizationRequired:
		return fmt.Errorf("%w: %s: %w", ErrUnauthorized, method, err)
	case errNameAccessDenied:
		return fmt.Errorf("%w: %s: %w", ErrAccessDenied, method, err)
	default:
		return fmt.Errorf("calling %s: %w", method, err)
	}
}
