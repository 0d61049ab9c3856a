// systemctl-mqtt bridges systemd and logind to an MQTT broker.
//
// It subscribes to command topics below a configurable prefix
// (systemctl/<hostname>/poweroff, .../reboot, .../suspend, .../lock-all-sessions
// and per-unit start/stop/restart), runs the matching logind or systemd call
// over the system D-Bus, and publishes whether the machine is preparing for
// shutdown plus the active state of monitored units. A Home Assistant MQTT
// discovery document describes every entity.
//
// For configuration, see: configs/config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nerrad567/systemctl-mqtt/internal/api"
	"github.com/nerrad567/systemctl-mqtt/internal/bridge"
	"github.com/nerrad567/systemctl-mqtt/internal/history"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/config"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/database"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/influxdb"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/systemctl-mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/systemctl-mqtt/internal/systemd"
	"github.com/nerrad567/systemctl-mqtt/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command-line arguments without the program name
//   - stdout: Destination for --help and --version output
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "systemctl-mqtt %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := config.Load(opts.configPath, opts.overrides...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("starting systemctl-mqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", opts.configPath,
	)

	// Action history (optional)
	var (
		db       *database.DB
		recorder bridge.ActionRecorder
		lister   api.HistoryLister
	)
	if cfg.Database.Enabled {
		db, err = openHistory(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		repo := history.NewSQLiteRepository(db.DB)
		recorder = &historyRecorder{repo: repo}
		lister = repo
	}

	// Metrics (optional)
	var metrics bridge.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		metrics = influxClient
	}

	// System D-Bus
	login, err := systemd.NewLogin1Manager()
	if err != nil {
		return fmt.Errorf("connecting to logind: %w", err)
	}
	defer func() {
		if closeErr := login.Close(); closeErr != nil {
			log.Error("error closing D-Bus connection", "error", closeErr)
		}
	}()

	var units bridge.UnitController
	if len(cfg.Systemd.MonitorUnits) > 0 || len(cfg.Systemd.ControlUnits) > 0 {
		unitManager, unitErr := systemd.NewUnitManager(ctx)
		if unitErr != nil {
			return fmt.Errorf("connecting to systemd: %w", unitErr)
		}
		defer unitManager.Close()
		units = unitManager
	}

	// MQTT
	log.Info("connecting to MQTT broker",
		"host", cfg.MQTT.Broker.Host,
		"port", cfg.MQTT.Broker.Port,
		"tls", cfg.MQTT.Broker.TLS,
	)
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithLogger(log.With("component", "mqtt")))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Bridge
	b, err := bridge.New(bridge.Options{
		MQTT:            &mqttBridgeAdapter{client: mqttClient},
		Login:           loginAdapter{login},
		Units:           units,
		History:         recorder,
		Metrics:         metrics,
		Logger:          log.With("component", "bridge"),
		Topics:          mqttClient.Topics(),
		QoS:             mqttClient.QoS(),
		PoweroffDelay:   cfg.PoweroffDelay(),
		ActionTimeout:   cfg.GetActionTimeout(),
		ShutdownLock:    cfg.Systemd.ShutdownLock,
		MonitorUnits:    cfg.Systemd.MonitorUnits,
		ControlUnits:    cfg.Systemd.ControlUnits,
		MonitorInterval: cfg.GetMonitorInterval(),
		Discovery: bridge.DiscoveryOptions{
			Prefix:   cfg.HomeAssistant.DiscoveryPrefix,
			ObjectID: cfg.HomeAssistant.ObjectID,
		},
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		b.Stop()
	}()
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		b.OnConnect()
	})

	// Status API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			Bridge:  b,
			History: lister,
			Version: version,
		}
		if db != nil {
			deps.DB = db
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	}

	if sent, notifyErr := systemd.NotifyReady(); notifyErr != nil {
		log.Warn("sd_notify READY failed", "error", notifyErr)
	} else if sent {
		log.Debug("notified service manager")
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	if _, notifyErr := systemd.NotifyStopping(); notifyErr != nil {
		log.Warn("sd_notify STOPPING failed", "error", notifyErr)
	}

	// Deferred calls run in reverse order:
	// API, bridge, MQTT, D-Bus, InfluxDB, database.
	return nil
}

// openHistory opens the history database, applies migrations and prunes
// entries older than the retention period.
func openHistory(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete", "applied", applied)

	if retention := cfg.GetRetention(); retention > 0 {
		repo := history.NewSQLiteRepository(db.DB)
		pruned, pruneErr := repo.Prune(ctx, time.Now().Add(-retention))
		if pruneErr != nil {
			log.Warn("pruning action history failed", "error", pruneErr)
		} else if pruned > 0 {
			log.Info("pruned action history", "entries", pruned, "retention_days", cfg.History.RetentionDays)
		}
	}

	return db, nil
}
