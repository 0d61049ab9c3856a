// Package logging provides structured logging for systemctl-mqtt.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same default fields (service, version).
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # text, json
//	  output: "stderr"   # stderr, stdout
//
// The level can also be set with --log-level or SYSTEMCTL_MQTT_LOG_LEVEL.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("connecting to MQTT broker", "host", host, "port", port)
//
// Never log the MQTT password or the InfluxDB token.
package logging
