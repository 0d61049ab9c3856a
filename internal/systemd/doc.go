// Package systemd wraps the D-Bus APIs of systemd-logind and systemd.
//
// Login1Manager (github.com/godbus/dbus/v5) covers
// org.freedesktop.login1.Manager:
//   - ScheduleShutdown (poweroff, reboot)
//   - Suspend, LockSessions
//   - Inhibit / ListInhibitors for shutdown delay locks
//   - the PreparingForShutdown property and PrepareForShutdown signal
//
// UnitManager (github.com/coreos/go-systemd/v22/dbus) starts, stops and
// restarts units and reads their ActiveState.
//
// # Authorization
//
// The daemon runs unprivileged. logind consults polkit for every call, and
// a call that would need an interactive password prompt fails with
// ErrUnauthorized. Grant the actions with a polkit rule such as:
//
//	polkit.addRule(function(action, subject) {
//	    if (action.id === "org.freedesktop.login1.power-off" &&
//	        subject.user === "systemctl-mqtt") {
//	        return polkit.Result.YES;
//	    }
//	});
package systemd
