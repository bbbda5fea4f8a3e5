// Postmelder Core - smart mailbox backend
//
// This is the main entry point for the Postmelder server. It tracks the
// scale-equipped mailbox units over MQTT, persists their configuration and
// weight history, mails the subscribers when post arrives, and serves the
// HTTP API used by the web frontend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/postmelder/postmelder-core/migrations"

	"github.com/postmelder/postmelder-core/internal/api"
	"github.com/postmelder/postmelder-core/internal/device"
	"github.com/postmelder/postmelder-core/internal/infrastructure/config"
	"github.com/postmelder/postmelder-core/internal/infrastructure/database"
	"github.com/postmelder/postmelder-core/internal/infrastructure/influxdb"
	"github.com/postmelder/postmelder-core/internal/infrastructure/logging"
	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
	"github.com/postmelder/postmelder-core/internal/notification"
	"github.com/postmelder/postmelder-core/internal/router"
	"github.com/postmelder/postmelder-core/internal/secrets"
	"github.com/postmelder/postmelder-core/internal/status"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Postmelder Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Open database and run migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	// Device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	registry := device.NewRegistry(deviceRepo, device.Settings{
		EmptyThreshold:     cfg.Device.EmptyThresholdGrams,
		CalibrationTimeout: cfg.Device.CalibrationTimeout,
	}, cfg.Device.SaveDebounce)
	registry.SetLogger(log)

	if loadErr := registry.Load(ctx); loadErr != nil {
		return fmt.Errorf("loading device registry: %w", loadErr)
	}
	log.Info("device registry loaded", "devices", registry.Count())

	// Status aggregator. The indicator is the structured log itself; a GPIO
	// or LED implementation plugs in through the Indicator interface.
	agg := status.New(status.Options{
		ProbeInterval: cfg.Status.ProbeInterval,
		ProbeHost:     cfg.Status.ProbeHost,
	})
	agg.SetLogger(log)
	agg.Start(ctx)
	defer agg.Stop()

	// Connect to the MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Notification engine
	box, err := secrets.FromEnv()
	if err != nil {
		return fmt.Errorf("initialising secret store: %w", err)
	}
	mailRepo := notification.NewSQLiteMailConfigRepository(db.DB)
	engine := notification.NewEngine(notification.NewSMTPMailer(), mailRepo, box, notification.Options{
		TestPrefix: cfg.Notification.TestSubjectPrefix,
	})
	engine.SetLogger(log)
	engine.SetStatusSink(agg)
	if startErr := engine.Start(ctx); startErr != nil {
		return fmt.Errorf("starting notification engine: %w", startErr)
	}
	defer engine.Stop()

	// Telemetry sink (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
	} else {
		log.Info("InfluxDB disabled")
	}

	// Message router: discovery, per-device demux, outbound commands
	rt := router.New(mqttClient, registry, router.Options{
		ForgetOnDelete: cfg.Device.ForgetOnDelete,
	})
	rt.SetLogger(log)

	rt.OnConnectivityChanged(func(connected bool) {
		agg.SetMQTTError(!connected)
	})
	agg.SetMQTTError(!mqttClient.IsConnected())

	rt.OnDeviceRemoved(func(id string) {
		engine.RemoveDevice(id)
		agg.UnwatchDevice(id)
	})
	rt.OnDeviceAdded(func(d *device.Device) {
		engine.AddDevice(d)
		agg.WatchDevice(d)
		if influxClient != nil {
			d.OnWeightRecorded(func(reading device.Reading) {
				influxClient.WriteWeightReading(d.ID(), reading.Weight, reading.Timestamp)
			})
			d.OnOnlineChanged(func(online bool) {
				influxClient.WriteOnlineState(d.ID(), online)
			})
		}
	})

	if startErr := rt.Start(); startErr != nil {
		return fmt.Errorf("starting message router: %w", startErr)
	}
	defer func() {
		log.Info("stopping message router")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if closeErr := rt.Close(closeCtx); closeErr != nil {
			log.Error("error closing message router", "error", closeErr)
		}
	}()
	log.Info("message router started")

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:   cfg.API,
		Logger:   log,
		Registry: registry,
		Router:   rt,
		Engine:   engine,
		Status:   agg,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Message router (flushes the debounced device save)
	// 3. InfluxDB (if enabled)
	// 4. Notification engine
	// 5. MQTT (publishes the retained server-offline presence)
	// 6. Status aggregator
	// 7. Database

	log.Info("Postmelder Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses POSTMELDER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("POSTMELDER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
