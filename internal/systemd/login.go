package systemd

import (
	"context"
	"fmt"
	"sync"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// login1 bus coordinates.
const (
	login1Dest      = "org.freedesktop.login1"
	login1Path      = godbus.ObjectPath("/org/freedesktop/login1")
	login1Interface = "org.freedesktop.login1.Manager"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"

	signalPrepareForShutdown = "PrepareForShutdown"
)

// Shutdown actions accepted by ScheduleShutdown.
const (
	ShutdownPoweroff = "poweroff"
	ShutdownReboot   = "reboot"
)

// caller is the subset of godbus.BusObject used by Login1Manager.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags godbus.Flags, args ...interface{}) *godbus.Call
}

// signalConn is the subset of *godbus.Conn used for signal subscriptions.
type signalConn interface {
	AddMatchSignalContext(ctx context.Context, options ...godbus.MatchOption) error
	RemoveMatchSignalContext(ctx context.Context, options ...godbus.MatchOption) error
	Signal(ch chan<- *godbus.Signal)
	RemoveSignal(ch chan<- *godbus.Signal)
	Close() error
}

// Login1Manager talks to org.freedesktop.login1.Manager on the system bus.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Login1Manager struct {
	conn signalConn
	obj  caller
}

// Inhibitor describes one logind inhibitor lock as reported by ListInhibitors.
type Inhibitor struct {
	What string
	Who  string
	Why  string
	Mode string
	UID  uint32
	PID  uint32
}

// NewLogin1Manager connects to the system bus and prepares the login1 object.
//
// Returns:
//   - *Login1Manager: Manager ready for use; Close releases the bus connection
//   - error: ErrConnectionFailed if the system bus is unreachable
func NewLogin1Manager() (*Login1Manager, error) {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return newLogin1Manager(conn, conn.Object(login1Dest, login1Path)), nil
}

func newLogin1Manager(conn signalConn, obj caller) *Login1Manager {
	return &Login1Manager{conn: conn, obj: obj}
}

// Close closes the D-Bus connection.
func (m *Login1Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

func (m *Login1Manager) call(ctx context.Context, method string, args ...interface{}) *godbus.Call {
	return m.obj.CallWithContext(ctx, login1Interface+"."+method, 0, args...)
}

// ScheduleShutdown asks logind to power off or reboot at the given time.
//
// Parameters:
//   - action: ShutdownPoweroff or ShutdownReboot
//   - at: Wall-clock time of the shutdown (microsecond resolution)
//
// Returns:
//   - error: ErrInvalidShutdownAction, ErrUnauthorized when polkit rules are missing, or the call error
func (m *Login1Manager) ScheduleShutdown(ctx context.Context, action string, at time.Time) error {
	if action != ShutdownPoweroff && action != ShutdownReboot {
		return fmt.Errorf("%w: %q", ErrInvalidShutdownAction, action)
	}
	usec := uint64(at.UnixMicro())
	return wrapCallError("ScheduleShutdown", m.call(ctx, "ScheduleShutdown", action, usec).Err)
}

// Suspend suspends the system without interactive authorization.
func (m *Login1Manager) Suspend(ctx context.Context) error {
	return wrapCallError("Suspend", m.call(ctx, "Suspend", false).Err)
}

// LockSessions asks every session to lock its screen.
func (m *Login1Manager) LockSessions(ctx context.Context) error {
	return wrapCallError("LockSessions", m.call(ctx, "LockSessions").Err)
}

// Inhibit takes an inhibitor lock. The lock is held until Release is
// called on the returned InhibitorLock.
//
// Parameters:
//   - what: Colon-separated lock types, e.g. "shutdown" or "sleep:shutdown"
//   - who: Human-readable name of the lock holder
//   - why: Human-readable reason
//   - mode: "delay" or "block"
func (m *Login1Manager) Inhibit(ctx context.Context, what, who, why, mode string) (*InhibitorLock, error) {
	var fd godbus.UnixFD
	if err := m.call(ctx, "Inhibit", what, who, why, mode).Store(&fd); err != nil {
		return nil, wrapCallError("Inhibit", err)
	}
	return &InhibitorLock{fd: int(fd), What: what, Mode: mode}, nil
}

// inhibitorRecord matches the a(ssssuu) signature of ListInhibitors.
type inhibitorRecord struct {
	What string
	Who  string
	Why  string
	Mode string
	UID  uint32
	PID  uint32
}

// ListInhibitors returns all active inhibitor locks.
func (m *Login1Manager) ListInhibitors(ctx context.Context) ([]Inhibitor, error) {
	var records []inhibitorRecord
	if err := m.call(ctx, "ListInhibitors").Store(&records); err != nil {
		return nil, wrapCallError("ListInhibitors", err)
	}

	inhibitors := make([]Inhibitor, 0, len(records))
	for _, r := range records {
		inhibitors = append(inhibitors, Inhibitor(r))
	}
	return inhibitors, nil
}

// PreparingForShutdown reads the PreparingForShutdown property.
func (m *Login1Manager) PreparingForShutdown(ctx context.Context) (bool, error) {
	var v godbus.Variant
	err := m.obj.CallWithContext(ctx, propertiesGet, 0, login1Interface, "PreparingForShutdown").Store(&v)
	if err != nil {
		return false, wrapCallError("Get PreparingForShutdown", err)
	}
	preparing, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("PreparingForShutdown: unexpected type %s", v.Signature())
	}
	return preparing, nil
}

func prepareForShutdownMatch() []godbus.MatchOption {
	return []godbus.MatchOption{
		godbus.WithMatchObjectPath(login1Path),
		godbus.WithMatchInterface(login1Interface),
		godbus.WithMatchMember(signalPrepareForShutdown),
	}
}

// WatchPrepareForShutdown subscribes to the PrepareForShutdown signal.
//
// The returned channel receives true when a shutdown starts and false when a
// scheduled shutdown is cancelled. It is closed when ctx is cancelled.
func (m *Login1Manager) WatchPrepareForShutdown(ctx context.Context) (<-chan bool, error) {
	if err := m.conn.AddMatchSignalContext(ctx, prepareForShutdownMatch()...); err != nil {
		return nil, wrapCallError("AddMatch PrepareForShutdown", err)
	}

	signals := make(chan *godbus.Signal, 8)
	m.conn.Signal(signals)

	out := make(chan bool, 1)
	go func() {
		defer close(out)
		defer func() {
			m.conn.RemoveSignal(signals)
			// ctx is already done here.
			_ = m.conn.RemoveMatchSignalContext(context.Background(), prepareForShutdownMatch()...)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				active, match := parsePrepareForShutdown(sig)
				if !match {
					continue
				}
				select {
				case out <- active:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// parsePrepareForShutdown extracts the boolean argument of a PrepareForShutdown signal.
func parsePrepareForShutdown(sig *godbus.Signal) (bool, bool) {
	if sig == nil || sig.Path != login1Path || sig.Name != login1Interface+"."+signalPrepareForShutdown {
		return false, false
	}
	if len(sig.Body) != 1 {
		return false, false
	}
	active, ok := sig.Body[0].(bool)
	return active, ok
}

// InhibitorLock is a held logind inhibitor lock.
type InhibitorLock struct {
	What string
	Mode string

	fd   int
	once sync.Once
	err  error
}

// Release closes the lock file descriptor, which releases the lock.
// Subsequent calls return the result of the first.
func (l *InhibitorLock) Release() error {
	l.once.Do(func() {
		if err := unix.Close(l.fd); err != nil {
			l.err = fmt.Errorf("closing inhibitor lock fd %d: %w", l.fd, err)
		}
	})
	return l.err
}
