// Package bridge dispatches MQTT commands to logind and systemd and reports
// system state back over MQTT.
//
// # Commands
//
// Any message on a command topic triggers its action; the payload is
// ignored. Retained messages are always ignored.
//
//	<prefix>/poweroff                        schedule poweroff after the poweroff delay
//	<prefix>/reboot                          schedule reboot after the poweroff delay
//	<prefix>/suspend                         suspend
//	<prefix>/lock-all-sessions               lock all sessions
//	<prefix>/unit/system/<unit>/start        start a controlled unit
//	<prefix>/unit/system/<unit>/stop         stop a controlled unit
//	<prefix>/unit/system/<unit>/restart      restart a controlled unit
//
// # State
//
// On every connect the bridge publishes the retained
// <prefix>/preparing-for-shutdown, the Home Assistant discovery document and
// the last known unit states. It holds a logind "delay" inhibitor lock on
// shutdown so the "true" state reaches the broker before the network goes
// down; the lock is released as soon as that state is published and
// re-acquired if the shutdown is cancelled.
package bridge
