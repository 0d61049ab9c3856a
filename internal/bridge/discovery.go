package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
)

const supportURL = "https://github.com/fphammerle/systemctl-mqtt"

// DiscoveryOptions configures the Home Assistant device discovery document.
type DiscoveryOptions struct {
	// Prefix is the discovery prefix, usually "homeassistant".
	Prefix string

	// ObjectID identifies the device; restricted to [A-Za-z0-9_-].
	ObjectID string

	// DeviceName is shown in Home Assistant. Default: ObjectID.
	DeviceName string
}

// Enabled reports whether a discovery document should be published.
func (o DiscoveryOptions) Enabled() bool {
	return o.Prefix != "" && o.ObjectID != ""
}

type discoveryDocument struct {
	Device       discoveryDevice               `json:"device"`
	Origin       discoveryOrigin               `json:"origin"`
	Availability []discoveryAvailability       `json:"availability"`
	Components   map[string]discoveryComponent `json:"components"`
}

type discoveryDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

type discoveryOrigin struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version,omitempty"`
	SupportURL string `json:"support_url"`
}

type discoveryAvailability struct {
	Topic string `json:"topic"`
}

type discoveryComponent struct {
	Platform     string `json:"platform"`
	UniqueID     string `json:"unique_id"`
	Name         string `json:"name"`
	StateTopic   string `json:"state_topic,omitempty"`
	CommandTopic string `json:"command_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
}

// discoveryConfig builds the device discovery document.
func (b *Bridge) discoveryConfig() discoveryDocument {
	objectID := b.opts.Discovery.ObjectID
	deviceName := b.opts.Discovery.DeviceName
	if deviceName == "" {
		deviceName = objectID
	}
	topics := b.opts.Topics

	uniqueID := func(key string) string {
		return objectID + "-" + strings.NewReplacer("/", "-", ".", "-", "@", "-").Replace(key)
	}

	components := map[string]discoveryComponent{
		"logind/preparing-for-shutdown": {
			Platform:   "binary_sensor",
			UniqueID:   uniqueID("logind/preparing-for-shutdown"),
			Name:       "preparing for shutdown",
			StateTopic: topics.PreparingForShutdown(),
			PayloadOn:  "true",
			PayloadOff: "false",
		},
	}
	for _, suffix := range []string{
		mqtt.SuffixPoweroff, mqtt.SuffixReboot, mqtt.SuffixSuspend, mqtt.SuffixLockAllSessions,
	} {
		key := "logind/" + suffix
		components[key] = discoveryComponent{
			Platform:     "button",
			UniqueID:     uniqueID(key),
			Name:         strings.ReplaceAll(suffix, "-", " "),
			CommandTopic: topics.Join(suffix),
		}
	}
	for _, unit := range b.opts.MonitorUnits {
		key := mqtt.UnitSuffix(unit, "active-state")
		components[key] = discoveryComponent{
			Platform:   "sensor",
			UniqueID:   uniqueID(key),
			Name:       unit + " active state",
			StateTopic: topics.UnitActiveState(unit),
		}
	}
	for _, unit := range b.opts.ControlUnits {
		for _, command := range unitCommands {
			key := mqtt.UnitSuffix(unit, command)
			components[key] = discoveryComponent{
				Platform:     "button",
				UniqueID:     uniqueID(key),
				Name:         fmt.Sprintf("%s %s", command, unit),
				CommandTopic: topics.UnitCommand(unit, command),
			}
		}
	}

	return discoveryDocument{
		Device: discoveryDevice{
			Identifiers: []string{"systemctl-mqtt-" + objectID},
			Name:        deviceName,
		},
		Origin: discoveryOrigin{
			Name:       "systemctl-mqtt",
			SWVersion:  b.opts.Version,
			SupportURL: supportURL,
		},
		Availability: []discoveryAvailability{{Topic: topics.Status()}},
		Components:   components,
	}
}

// publishDiscovery publishes the retained discovery document.
func (b *Bridge) publishDiscovery() error {
	doc := b.discoveryConfig()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling discovery document: %w", err)
	}

	topic := mqtt.HomeAssistantDiscovery(b.opts.Discovery.Prefix, b.opts.Discovery.ObjectID)
	if err := b.mqtt.Publish(topic, payload, b.opts.QoS, true); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	b.logDebug("published Home Assistant discovery", "topic", topic, "components", len(doc.Components))
	return nil
}
