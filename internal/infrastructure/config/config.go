package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
)

// Default ports for the MQTT broker.
const (
	DefaultMQTTPort    = 1883
	DefaultMQTTTLSPort = 8883
)

// Config is the root configuration structure for systemctl-mqtt.
// Values come from defaults, an optional YAML file, environment variables
// and command-line flags, in that order.
type Config struct {
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Systemd       SystemdConfig       `yaml:"systemd"`
	Database      DatabaseConfig      `yaml:"database"`
	History       HistoryConfig       `yaml:"history"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	API           APIConfig           `yaml:"api"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
// A zero Port selects 8883 with TLS and 1883 without.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`
}

// MQTTReconnectConfig contains MQTT connection retry settings (seconds).
type MQTTReconnectConfig struct {
	// InitialDelay is the interval between attempts while the first
	// connection has not yet succeeded. It does not affect reconnects.
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff between reconnect attempts
	// after an established connection is lost.
	MaxDelay int `yaml:"max_delay"`
}

// HomeAssistantConfig controls the MQTT discovery document.
type HomeAssistantConfig struct {
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	ObjectID        string `yaml:"object_id"`
}

// SystemdConfig contains logind and unit settings.
type SystemdConfig struct {
	PoweroffDelaySeconds int      `yaml:"poweroff_delay_seconds"`
	ActionTimeout        int      `yaml:"action_timeout"`
	ShutdownLock         bool     `yaml:"shutdown_lock"`
	MonitorUnits         []string `yaml:"monitor_units"`
	ControlUnits         []string `yaml:"control_units"`
	MonitorInterval      int      `yaml:"monitor_interval"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// HistoryConfig controls action history retention.
type HistoryConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Override mutates a configuration after file and environment values have
// been applied. Command-line flags are applied this way.
type Override func(*Config)

// Load reads configuration and applies environment variable and flag overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values, when path is non-empty
//  3. Environment variables (SYSTEMCTL_MQTT_SECTION_KEY)
//  4. Overrides, typically command-line flags
//
// The password file, if configured, is read after validation.
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for none
//   - overrides: Functions applied after environment overrides
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	for _, override := range overrides {
		override(cfg)
	}

	if cfg.MQTT.Broker.Port == 0 {
		cfg.MQTT.Broker.Port = DefaultMQTTPort
		if cfg.MQTT.Broker.TLS {
			cfg.MQTT.Broker.Port = DefaultMQTTTLSPort
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.readPasswordFile(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return &Config{
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				TLS:      true,
				ClientID: "systemctl-mqtt-" + hostname,
			},
			QoS:         1,
			TopicPrefix: "systemctl/" + hostname,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryPrefix: "homeassistant",
			ObjectID:        SanitizeObjectID(hostname),
		},
		Systemd: SystemdConfig{
			PoweroffDelaySeconds: 4,
			ActionTimeout:        30,
			ShutdownLock:         true,
			MonitorInterval:      5,
		},
		Database: DatabaseConfig{
			Path:        "/var/lib/systemctl-mqtt/history.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		History: HistoryConfig{
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "systemctl_mqtt",
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 40,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SYSTEMCTL_MQTT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("SYSTEMCTL_MQTT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("SYSTEMCTL_MQTT_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("SYSTEMCTL_MQTT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("SYSTEMCTL_MQTT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("SYSTEMCTL_MQTT_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}

	// Database
	if v := os.Getenv("SYSTEMCTL_MQTT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("SYSTEMCTL_MQTT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("SYSTEMCTL_MQTT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required (--mqtt-host)")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Auth.Password != "" && c.MQTT.Auth.PasswordFile != "" {
		errs = append(errs, "mqtt.auth.password and mqtt.auth.password_file are mutually exclusive")
	}
	if (c.MQTT.Auth.Password != "" || c.MQTT.Auth.PasswordFile != "") && c.MQTT.Auth.Username == "" {
		errs = append(errs, "mqtt.auth.password requires mqtt.auth.username")
	}
	if err := validateTopicPrefix(c.MQTT.TopicPrefix); err != "" {
		errs = append(errs, "mqtt.topic_prefix "+err)
	}

	// Home Assistant validation
	if err := validateTopicPrefix(c.HomeAssistant.DiscoveryPrefix); err != "" {
		errs = append(errs, "homeassistant.discovery_prefix "+err)
	}
	if !objectIDPattern.MatchString(c.HomeAssistant.ObjectID) {
		errs = append(errs, "homeassistant.object_id must match [A-Za-z0-9_-]+")
	}

	// systemd validation
	if c.Systemd.PoweroffDelaySeconds < 0 {
		errs = append(errs, "systemd.poweroff_delay_seconds must not be negative")
	}
	if c.Systemd.ActionTimeout < 1 {
		errs = append(errs, "systemd.action_timeout must be at least 1 second")
	}
	if len(c.Systemd.MonitorUnits) > 0 && c.Systemd.MonitorInterval < 1 {
		errs = append(errs, "systemd.monitor_interval must be at least 1 second")
	}
	for _, unit := range c.Systemd.MonitorUnits {
		if !systemd.ValidUnitName(unit) {
			errs = append(errs, fmt.Sprintf("systemd.monitor_units: invalid unit name %q", unit))
		}
	}
	for _, unit := range c.Systemd.ControlUnits {
		if !systemd.ValidUnitName(unit) {
			errs = append(errs, fmt.Sprintf("systemd.control_units: invalid unit name %q", unit))
		}
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the database is enabled")
	}
	if c.History.RetentionDays < 0 {
		errs = append(errs, "history.retention_days must not be negative")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required when influxdb is enabled")
		}
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// readPasswordFile loads the MQTT password from PasswordFile.
// A single trailing newline is stripped.
func (c *Config) readPasswordFile() error {
	if c.MQTT.Auth.PasswordFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.MQTT.Auth.PasswordFile)
	if err != nil {
		return fmt.Errorf("reading mqtt password file: %w", err)
	}
	c.MQTT.Auth.Password = strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	return nil
}

func validateTopicPrefix(prefix string) string {
	switch {
	case prefix == "":
		return "is required"
	case strings.ContainsAny(prefix, "+#"):
		return "must not contain MQTT wildcards"
	case strings.HasPrefix(prefix, "/") || strings.HasSuffix(prefix, "/"):
		return "must not start or end with '/'"
	}
	return ""
}

var (
	objectIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	objectIDInvalidRune = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// SanitizeObjectID replaces every run of characters outside [A-Za-z0-9_-]
// with a single underscore.
func SanitizeObjectID(s string) string {
	id := objectIDInvalidRune.ReplaceAllString(s, "_")
	if id == "" {
		return "systemctl-mqtt"
	}
	return id
}

// PoweroffDelay returns the delay between a poweroff/reboot request and the
// scheduled shutdown.
func (c *Config) PoweroffDelay() time.Duration {
	return time.Duration(c.Systemd.PoweroffDelaySeconds) * time.Second
}

// GetActionTimeout returns the per-action execution timeout.
func (c *Config) GetActionTimeout() time.Duration {
	return time.Duration(c.Systemd.ActionTimeout) * time.Second
}

// GetMonitorInterval returns the unit monitor polling interval.
func (c *Config) GetMonitorInterval() time.Duration {
	return time.Duration(c.Systemd.MonitorInterval) * time.Second
}

// GetRetention returns the history retention period, or 0 when pruning is disabled.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

// ReadTimeout returns the API read timeout as a Duration.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout returns the API write timeout as a Duration.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout returns the API idle timeout as a Duration.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}
