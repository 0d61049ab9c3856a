package systemd

import (
	"context"
	"fmt"
	"strings"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
)

// jobModeReplace replaces conflicting queued jobs, matching systemctl's default.
const jobModeReplace = "replace"

// jobResultDone is the only successful job result.
const jobResultDone = "done"

// StateInactive is reported for units systemd has not loaded.
const StateInactive = "inactive"

var unitSuffixes = []string{
	".service", ".socket", ".device", ".mount", ".automount", ".swap",
	".target", ".path", ".timer", ".slice", ".scope",
}

// ValidUnitName reports whether name looks like a systemd unit name.
// It must carry a known unit type suffix and must not contain characters
// that would break the MQTT topic it is published under.
func ValidUnitName(name string) bool {
	if strings.ContainsAny(name, "/+# \t\n") {
		return false
	}
	for _, suffix := range unitSuffixes {
		if prefix, ok := strings.CutSuffix(name, suffix); ok {
			return prefix != ""
		}
	}
	return false
}

// unitConn is the subset of *sdbus.Conn used by UnitManager.
type unitConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]sdbus.UnitStatus, error)
	Close()
}

// UnitManager starts, stops and inspects system units through systemd's D-Bus API.
type UnitManager struct {
	conn unitConn
}

// NewUnitManager connects to systemd on the system bus.
func NewUnitManager(ctx context.Context) (*UnitManager, error) {
	conn, err := sdbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &UnitManager{conn: conn}, nil
}

// Close closes the D-Bus connection.
func (m *UnitManager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

// runJob enqueues a job and waits for its result.
func runJob(ctx context.Context, method string, job jobFunc, name string) error {
	if !ValidUnitName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidUnitName, name)
	}

	ch := make(chan string, 1)
	if _, err := job(ctx, name, jobModeReplace, ch); err != nil {
		return wrapCallError(method, err)
	}

	select {
	case result := <-ch:
		if result != jobResultDone {
			return fmt.Errorf("%w: %s %s: %s", ErrJobFailed, method, name, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s %s: waiting for job: %w", method, name, ctx.Err())
	}
}

// StartUnit starts a unit and waits for the job to finish.
func (m *UnitManager) StartUnit(ctx context.Context, name string) error {
	return runJob(ctx, "StartUnit", m.conn.StartUnitContext, name)
}

// StopUnit stops a unit and waits for the job to finish.
func (m *UnitManager) StopUnit(ctx context.Context, name string) error {
	return runJob(ctx, "StopUnit", m.conn.StopUnitContext, name)
}

// RestartUnit restarts a unit and waits for the job to finish.
func (m *UnitManager) RestartUnit(ctx context.Context, name string) error {
	return runJob(ctx, "RestartUnit", m.conn.RestartUnitContext, name)
}

// ActiveStates returns the ActiveState of each named unit.
// Units systemd does not report are returned as StateInactive.
func (m *UnitManager) ActiveStates(ctx context.Context, names []string) (map[string]string, error) {
	states := make(map[string]string, len(names))
	if len(names) == 0 {
		return states, nil
	}

	units, err := m.conn.ListUnitsByNamesContext(ctx, names)
	if err != nil {
		return nil, wrapCallError("ListUnitsByNames", err)
	}

	for _, name := range names {
		states[name] = StateInactive
	}
	for _, u := range units {
		if u.ActiveState != "" {
			states[u.Name] = u.ActiveState
		}
	}
	return states, nil
}
