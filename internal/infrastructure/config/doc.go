// Package config handles loading and validating systemctl-mqtt configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with environment variables and command-line flags
//   - Validation of required fields, unit names and MQTT topic prefixes
//   - Default value handling (topic prefix and object id derive from the hostname)
//
// Security Considerations:
//   - Prefer mqtt.auth.password_file or SYSTEMCTL_MQTT_MQTT_PASSWORD over a
//     password on the command line, which other users can read from /proc
//   - The config file should have restricted permissions (0600)
//   - TLS is enabled by default; certificates are always verified
//
// Usage:
//
//	cfg, err := config.Load("/etc/systemctl-mqtt/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.TopicPrefix)
package config
