// Package influxdb writes systemctl-mqtt metrics to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Three measurements are
// written, each tagged with the host name:
//
//	systemctl_mqtt_action    tags: action, source   fields: success, duration_ms
//	systemctl_mqtt_unit      tags: unit             fields: state, active
//	systemctl_mqtt_shutdown                         fields: preparing
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteActionMetric("poweroff", "mqtt", true, 8*time.Millisecond)
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Async write errors are delivered to the SetOnError callback.
package influxdb
