package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/config"
)

// configEnvVar selects the configuration file when --config is not given.
const configEnvVar = "SYSTEMCTL_MQTT_CONFIG"

// options is the parsed command line.
type options struct {
	configPath  string
	showVersion bool
	overrides   []config.Override
}

// parseFlags parses the command line into options.
//
// Only flags that were explicitly set become overrides, so a flag never
// masks a value from the configuration file with its zero default.
//
// Returns pflag.ErrHelp when --help was requested.
func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("systemctl-mqtt", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.SortFlags = false

	var (
		opts           options
		mqttHost       string
		mqttPort       int
		mqttUsername   string
		mqttPassword   string
		mqttPassFile   string
		mqttDisableTLS bool
		topicPrefix    string
		poweroffDelay  int
		monitorUnits   []string
		controlUnits   []string
		discoveryPfx   string
		discoveryObjID string
		logLevel       string
	)

	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv(configEnvVar), "path to the YAML configuration file (env "+configEnvVar+")")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.StringVar(&mqttHost, "mqtt-host", "", "MQTT broker hostname")
	fs.IntVar(&mqttPort, "mqtt-port", 0, "MQTT broker port (default 8883, or 1883 with --mqtt-disable-tls)")
	fs.StringVar(&mqttUsername, "mqtt-username", "", "MQTT username")
	fs.StringVar(&mqttPassword, "mqtt-password", "", "MQTT password")
	fs.StringVar(&mqttPassFile, "mqtt-password-file", "", "read the MQTT password from this file")
	fs.BoolVar(&mqttDisableTLS, "mqtt-disable-tls", false, "connect to the broker without TLS")
	fs.StringVar(&topicPrefix, "mqtt-topic-prefix", "", "MQTT topic prefix (default systemctl/<hostname>)")
	fs.IntVar(&poweroffDelay, "poweroff-delay-seconds", 0, "delay between a poweroff request and the shutdown (default 4)")
	fs.StringArrayVar(&monitorUnits, "monitor-system-unit", nil, "publish the active state of this system unit (repeatable)")
	fs.StringArrayVar(&controlUnits, "control-system-unit", nil, "accept start, stop and restart commands for this system unit (repeatable)")
	fs.StringVar(&discoveryPfx, "homeassistant-discovery-prefix", "", "Home Assistant MQTT discovery prefix (default homeassistant)")
	fs.StringVar(&discoveryObjID, "homeassistant-discovery-object-id", "", "Home Assistant discovery object id (default hostname)")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	changed := fs.Changed
	add := func(name string, fn config.Override) {
		if changed(name) {
			opts.overrides = append(opts.overrides, fn)
		}
	}

	add("mqtt-host", func(c *config.Config) { c.MQTT.Broker.Host = mqttHost })
	add("mqtt-port", func(c *config.Config) { c.MQTT.Broker.Port = mqttPort })
	add("mqtt-username", func(c *config.Config) { c.MQTT.Auth.Username = mqttUsername })
	add("mqtt-password", func(c *config.Config) {
		c.MQTT.Auth.Password = mqttPassword
		c.MQTT.Auth.PasswordFile = ""
	})
	add("mqtt-password-file", func(c *config.Config) {
		c.MQTT.Auth.PasswordFile = mqttPassFile
		c.MQTT.Auth.Password = ""
	})
	add("mqtt-disable-tls", func(c *config.Config) { c.MQTT.Broker.TLS = !mqttDisableTLS })
	add("mqtt-topic-prefix", func(c *config.Config) { c.MQTT.TopicPrefix = topicPrefix })
	add("poweroff-delay-seconds", func(c *config.Config) { c.Systemd.PoweroffDelaySeconds = poweroffDelay })
	add("monitor-system-unit", func(c *config.Config) { c.Systemd.MonitorUnits = monitorUnits })
	add("control-system-unit", func(c *config.Config) { c.Systemd.ControlUnits = controlUnits })
	add("homeassistant-discovery-prefix", func(c *config.Config) { c.HomeAssistant.DiscoveryPrefix = discoveryPfx })
	add("homeassistant-discovery-object-id", func(c *config.Config) { c.HomeAssistant.ObjectID = discoveryObjID })
	add("log-level", func(c *config.Config) { c.Logging.Level = logLevel })

	return &opts, nil
}
