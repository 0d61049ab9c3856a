package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/systemctl-mqtt/internal/bridge"
	"github.com/nerrad567/systemctl-mqtt/internal/history"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/config"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/database"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/systemctl-mqtt/migrations"
)

func nopLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

// applyOverrides parses args and applies the resulting overrides to a base config.
func applyOverrides(t *testing.T, args []string) *config.Config {
	t.Helper()

	opts, err := parseFlags(args, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags(%v) error = %v", args, err)
	}

	cfg := &config.Config{}
	cfg.MQTT.Broker.TLS = true
	cfg.MQTT.Broker.Host = "from-file"
	cfg.MQTT.Auth.PasswordFile = "/etc/secret"
	cfg.Systemd.PoweroffDelaySeconds = 4
	for _, o := range opts.overrides {
		o(cfg)
	}
	return cfg
}

func TestParseFlags_Overrides(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "no flags keeps file values",
			args: nil,
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.MQTT.Broker.Host != "from-file" || !cfg.MQTT.Broker.TLS || cfg.Systemd.PoweroffDelaySeconds != 4 {
					t.Errorf("config changed without flags: %+v", cfg)
				}
			},
		},
		{
			name: "broker",
			args: []string{"--mqtt-host", "broker.lan", "--mqtt-port", "1884", "--mqtt-disable-tls"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.MQTT.Broker.Host != "broker.lan" {
					t.Errorf("Host = %q", cfg.MQTT.Broker.Host)
				}
				if cfg.MQTT.Broker.Port != 1884 {
					t.Errorf("Port = %d", cfg.MQTT.Broker.Port)
				}
				if cfg.MQTT.Broker.TLS {
					t.Error("TLS should be disabled")
				}
			},
		},
		{
			name: "password replaces password file",
			args: []string{"--mqtt-username", "me", "--mqtt-password", "secret"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.MQTT.Auth.Username != "me" || cfg.MQTT.Auth.Password != "secret" {
					t.Errorf("Auth = %+v", cfg.MQTT.Auth)
				}
				if cfg.MQTT.Auth.PasswordFile != "" {
					t.Errorf("PasswordFile = %q, want empty", cfg.MQTT.Auth.PasswordFile)
				}
			},
		},
		{
			name: "password file",
			args: []string{"--mqtt-password-file=/run/secrets/mqtt"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.MQTT.Auth.PasswordFile != "/run/secrets/mqtt" {
					t.Errorf("PasswordFile = %q", cfg.MQTT.Auth.PasswordFile)
				}
			},
		},
		{
			name: "zero poweroff delay is applied",
			args: []string{"--poweroff-delay-seconds", "0"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Systemd.PoweroffDelaySeconds != 0 {
					t.Errorf("PoweroffDelaySeconds = %d, want 0", cfg.Systemd.PoweroffDelaySeconds)
				}
			},
		},
		{
			name: "repeatable units",
			args: []string{
				"--monitor-system-unit", "ssh.service",
				"--monitor-system-unit", "nginx.service",
				"--control-system-unit", "backup.timer",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if want := []string{"ssh.service", "nginx.service"}; !reflect.DeepEqual(cfg.Systemd.MonitorUnits, want) {
					t.Errorf("MonitorUnits = %v, want %v", cfg.Systemd.MonitorUnits, want)
				}
				if want := []string{"backup.timer"}; !reflect.DeepEqual(cfg.Systemd.ControlUnits, want) {
					t.Errorf("ControlUnits = %v, want %v", cfg.Systemd.ControlUnits, want)
				}
			},
		},
		{
			name: "topics and discovery",
			args: []string{
				"--mqtt-topic-prefix", "home/desktop",
				"--homeassistant-discovery-prefix", "ha",
				"--homeassistant-discovery-object-id", "desktop",
				"--log-level", "debug",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.MQTT.TopicPrefix != "home/desktop" {
					t.Errorf("TopicPrefix = %q", cfg.MQTT.TopicPrefix)
				}
				if cfg.HomeAssistant.DiscoveryPrefix != "ha" || cfg.HomeAssistant.ObjectID != "desktop" {
					t.Errorf("HomeAssistant = %+v", cfg.HomeAssistant)
				}
				if cfg.Logging.Level != "debug" {
					t.Errorf("Level = %q", cfg.Logging.Level)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, applyOverrides(t, tt.args))
		})
	}
}

func TestParseFlags_ConfigPath(t *testing.T) {
	t.Setenv(configEnvVar, "/etc/systemctl-mqtt/config.yaml")

	opts, err := parseFlags(nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "/etc/systemctl-mqtt/config.yaml" {
		t.Errorf("configPath = %q, want value from %s", opts.configPath, configEnvVar)
	}

	opts, err = parseFlags([]string{"-c", "/tmp/other.yaml"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "/tmp/other.yaml" {
		t.Errorf("configPath = %q, flag should win over environment", opts.configPath)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"--no-such-flag"}},
		{"bad integer", []string{"--mqtt-port", "abc"}},
		{"positional argument", []string{"extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, &bytes.Buffer{}); err == nil {
				t.Errorf("parseFlags(%v) should fail", tt.args)
			}
		})
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out); err != nil {
		t.Fatalf("run(--help) error = %v", err)
	}
	for _, flag := range []string{"--mqtt-host", "--monitor-system-unit", "--poweroff-delay-seconds"} {
		if !strings.Contains(out.String(), flag) {
			t.Errorf("usage should mention %s:\n%s", flag, out.String())
		}
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out); err != nil {
		t.Fatalf("run(--version) error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "systemctl-mqtt "+version) {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configEnvVar, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, nil, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config error", err)
	}
}

func TestRun_MissingHost(t *testing.T) {
	t.Setenv(configEnvVar, "")
	t.Setenv("SYSTEMCTL_MQTT_MQTT_HOST", "")

	err := run(context.Background(), nil, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() should fail without a broker host")
	}
	if !strings.Contains(err.Error(), "mqtt.broker.host is required") {
		t.Errorf("error = %v", err)
	}
}

// TestRun_DatabaseOpenFails verifies that startup stops before D-Bus and MQTT
// when the history database cannot be created.
func TestRun_DatabaseOpenFails(t *testing.T) {
	tmpDir := t.TempDir()
	blocker := filepath.Join(tmpDir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
mqtt:
  broker:
    host: "127.0.0.1"
    tls: false
database:
  enabled: true
  path: "` + filepath.Join(blocker, "history.db") + `"
logging:
  level: error
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	err := run(context.Background(), []string{"--config", configPath}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("run() should fail when the database directory cannot be created")
	}
	if !strings.Contains(err.Error(), "opening database") {
		t.Errorf("error = %v, want opening database error", err)
	}
}

func TestOpenHistory_MigratesAndPrunes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	cfg := &config.Config{}
	cfg.Database = config.DatabaseConfig{Enabled: true, Path: path, WALMode: true, BusyTimeout: 5}
	cfg.History.RetentionDays = 30
	cfg.Logging = config.LoggingConfig{Level: "error", Format: "json", Output: "stdout"}

	db, err := openHistory(ctx, cfg, nopLogger())
	if err != nil {
		t.Fatalf("openHistory() error = %v", err)
	}

	// Insert an entry older than the retention period, then reopen.
	if _, err := db.ExecContext(ctx, `INSERT INTO action_history
		(id, action, topic, source, status, duration_ms, created_at)
		VALUES ('act-old', 'poweroff', 'systemctl/host/poweroff', 'mqtt', 'completed', 1, ?)`,
		time.Now().AddDate(0, 0, -60).UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("insert old entry: %v", err)
	}
	db.Close()

	db, err = openHistory(ctx, cfg, nopLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM action_history").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("entries after prune = %d, want 0", count)
	}
}

func TestHistoryRecorder_RecordAction(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "history.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := history.NewSQLiteRepository(db.DB)
	rec := &historyRecorder{repo: repo}
	err = rec.RecordAction(ctx, bridge.ActionRecord{
		Action:   "suspend",
		Topic:    "systemctl/host/suspend",
		Source:   bridge.SourceMQTT,
		Status:   bridge.StatusFailed,
		Error:    "access denied",
		Duration: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordAction() error = %v", err)
	}

	result, err := repo.List(ctx, history.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("Total = %d, want 1", result.Total)
	}
	got := result.Entries[0]
	if got.Action != "suspend" || got.Status != bridge.StatusFailed || got.Error != "access denied" {
		t.Errorf("entry = %+v", got)
	}
	if got.DurationMS != 1500 {
		t.Errorf("DurationMS = %d, want 1500", got.DurationMS)
	}
}

func TestToBridgeMessage(t *testing.T) {
	msg := mqtt.Message{
		Topic:    "systemctl/host/poweroff",
		Payload:  []byte("1"),
		QoS:      1,
		Retained: true,
	}
	got := toBridgeMessage(msg)
	want := bridge.Message{Topic: msg.Topic, Payload: msg.Payload, Retained: true}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("toBridgeMessage() = %+v, want %+v", got, want)
	}
}
