package mqtt

import "strings"

// Action topic suffixes under the topic prefix.
const (
	SuffixStatus               = "status"
	SuffixPoweroff             = "poweroff"
	SuffixReboot               = "reboot"
	SuffixSuspend              = "suspend"
	SuffixLockAllSessions      = "lock-all-sessions"
	SuffixPreparingForShutdown = "preparing-for-shutdown"

	unitPrefix = "unit/system"
)

// Topics builds the MQTT topics used by systemctl-mqtt.
//
//	topics := mqtt.NewTopics("systemctl/raspberrypi")
//	topics.Join(mqtt.SuffixPoweroff)
//	// Returns: "systemctl/raspberrypi/poweroff"
type Topics struct {
	prefix string
}

// NewTopics returns a builder rooted at prefix. Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	return Topics{prefix: strings.Trim(prefix, "/")}
}

// Prefix returns the topic prefix.
func (t Topics) Prefix() string {
	return t.prefix
}

// Join returns <prefix>/<suffix>.
func (t Topics) Join(suffix string) string {
	return t.prefix + "/" + suffix
}

// Status returns the availability topic.
//
// Example: systemctl/raspberrypi/status
func (t Topics) Status() string {
	return t.Join(SuffixStatus)
}

// PreparingForShutdown returns the retained shutdown state topic.
//
// Example: systemctl/raspberrypi/preparing-for-shutdown
func (t Topics) PreparingForShutdown() string {
	return t.Join(SuffixPreparingForShutdown)
}

// UnitSuffix returns unit/system/<unit>/<leaf>.
func UnitSuffix(unit, leaf string) string {
	return unitPrefix + "/" + unit + "/" + leaf
}

// UnitActiveState returns the retained active-state topic of a system unit.
//
// Example: systemctl/raspberrypi/unit/system/ssh.service/active-state
func (t Topics) UnitActiveState(unit string) string {
	return t.Join(UnitSuffix(unit, "active-state"))
}

// UnitCommand returns the command topic for a system unit.
//
// Example: systemctl/raspberrypi/unit/system/ansible-pull.service/start
func (t Topics) UnitCommand(unit, command string) string {
	return t.Join(UnitSuffix(unit, command))
}

// HomeAssistantDiscovery returns the device discovery topic.
//
// Example: homeassistant/device/raspberrypi/config
func HomeAssistantDiscovery(discoveryPrefix, objectID string) string {
	return strings.Trim(discoveryPrefix, "/") + "/device/" + objectID + "/config"
}
