package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementAction   = "systemctl_mqtt_action"
	MeasurementUnit     = "systemctl_mqtt_unit"
	MeasurementShutdown = "systemctl_mqtt_shutdown"
)

// WriteActionMetric records one executed action.
//
// Parameters:
//   - action: Action name, e.g. "poweroff" or "unit/system/ssh.service/restart"
//   - source: "mqtt" or "api"
//   - success: Whether the action completed without error
//   - duration: How long the action ran
//
// Example:
//
//	client.WriteActionMetric("poweroff", "mqtt", true, 12*time.Millisecond)
func (c *Client) WriteActionMetric(action, source string, success bool, duration time.Duration) {
	c.writePoint(MeasurementAction,
		map[string]string{
			"action": action,
			"source": source,
		},
		map[string]any{
			"success":     success,
			"duration_ms": duration.Milliseconds(),
		},
	)
}

// WriteUnitState records the active state of a monitored unit.
// The numeric active field is 1 for "active" and 0 otherwise.
func (c *Client) WriteUnitState(unit, state string) {
	active := 0
	if state == "active" {
		active = 1
	}
	c.writePoint(MeasurementUnit,
		map[string]string{"unit": unit},
		map[string]any{
			"state":  state,
			"active": active,
		},
	)
}

// WriteShutdownState records a PrepareForShutdown transition.
func (c *Client) WriteShutdownState(preparing bool) {
	c.writePoint(MeasurementShutdown, nil, map[string]any{"preparing": preparing})
}

// writePoint adds the host tag and queues the point.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	allTags := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		allTags[k] = v
	}
	allTags["host"] = c.host

	c.writer.WritePoint(write.NewPoint(measurement, allTags, fields, c.now()))
}
