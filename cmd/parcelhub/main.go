// ParcelHub Core - parcel locker state sync and command dispatch.
//
// This is the main entry point. It keeps the authoritative box and locker
// state in SQLite, reconciles status reports arriving over MQTT, dispatches
// correlated commands to lockers and serves the REST/WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	_ "github.com/nerrad567/parcelhub-core/migrations"

	"github.com/nerrad567/parcelhub-core/internal/api"
	"github.com/nerrad567/parcelhub-core/internal/audit"
	"github.com/nerrad567/parcelhub-core/internal/dispatcher"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/config"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/database"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/logging"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/metrics"
	"github.com/nerrad567/parcelhub-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/parcelhub-core/internal/locker"
	"github.com/nerrad567/parcelhub-core/internal/reconciler"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envFile           = ".env"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting ParcelHub Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if err := loadEnvFile(envFile); err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"hardware_mediated", cfg.Commands.HardwareMediated,
		"command_timeout", cfg.GetCommandTimeout(),
	)

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

	auditRepo := audit.NewSQLiteRepository(db.DB)
	auditLog := audit.NewWriter(auditRepo, audit.DefaultBufferSize)
	auditLog.SetLogger(log.With("component", "audit"))
	auditCtx, stopAudit := context.WithCancel(context.Background())
	go auditLog.Run(auditCtx)
	defer func() {
		stopAudit()
		<-auditLog.Done()
	}()

	registry, err := newRegistry(db, cfg.Lockers, log)
	if err != nil {
		return err
	}

	m := metrics.New()

	influxClient, err := connectInflux(cfg.InfluxDB, cfg.Service.ID, log)
	if err != nil {
		return err
	}
	defer func() {
		if influxClient == nil {
			return
		}
		log.Info("closing InfluxDB connection")
		if closeErr := influxClient.Close(); closeErr != nil {
			log.Error("error closing InfluxDB", "error", closeErr)
		}
	}()

	registry.Subscribe(telemetryObserver(m, influxClient))

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
	mqttClient.SetLogger(log.With("component", "mqtt"))
	m.SetMQTTConnected(true)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		m.SetMQTTConnected(true)
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
		m.SetMQTTConnected(false)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	topics := mqttClient.Topics()

	rec := reconciler.New(registry, topics)
	rec.SetLogger(log.With("component", "reconciler"))
	rec.SetMetrics(m)
	if subErr := mqttClient.Subscribe(topics.AllLockerStatus(), mqttClient.QoS(), rec.HandleStatus); subErr != nil {
		return fmt.Errorf("subscribing to status reports: %w", subErr)
	}

	disp := dispatcher.New(mqttClient, topics, mqttClient.QoS(), cfg.GetCommandTimeout())
	disp.SetLogger(log.With("component", "dispatcher"))
	disp.SetMetrics(m)
	disp.OnResult(commandRecorder(influxClient, auditLog))
	if subErr := mqttClient.Subscribe(topics.AllResponses(), mqttClient.QoS(), disp.HandleResponse); subErr != nil {
		return fmt.Errorf("subscribing to command responses: %w", subErr)
	}
	log.Info("locker topics subscribed",
		"status", topics.AllLockerStatus(),
		"responses", topics.AllResponses(),
	)

	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Commands:   cfg.Commands,
		Lockers:    cfg.Lockers,
		Logger:     log.With("component", "api"),
		Registry:   registry,
		Reconciler: rec,
		Commander:  disp,
		MQTT:       mqttClient,
		DB:         db,
		Metrics:    m,
		AuditLog:   auditLog,
		AuditRepo:  auditRepo,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	// Deferred closes run in reverse: API server, MQTT, InfluxDB, audit
	// queue, database.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns PARCELHUB_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("PARCELHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadEnvFile loads path into the environment. A missing file is not an
// error; variables already set in the environment win.
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// newRegistry builds the locker registry over the SQLite store.
func newRegistry(db *database.DB, cfg config.LockersConfig, log *logging.Logger) (*locker.Registry, error) {
	registry := locker.NewRegistry(locker.NewSQLiteStore(db))
	registry.SetLogger(log.With("component", "registry"))
	if err := registry.SetDefaultDimensions(locker.Dimensions{
		Height: cfg.DefaultBoxHeight,
		Width:  cfg.DefaultBoxWidth,
		Length: cfg.DefaultBoxLength,
	}); err != nil {
		return nil, fmt.Errorf("default box dimensions: %w", err)
	}
	return registry, nil
}

// connectInflux returns nil without error when InfluxDB is disabled.
func connectInflux(cfg config.InfluxDBConfig, coreID string, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg, coreID)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return client, nil
}

// telemetryObserver keeps the per-locker gauges and the occupancy series in
// step with committed changes, whichever path made them.
func telemetryObserver(m *metrics.Metrics, influx *influxdb.Client) locker.Observer {
	return func(ev locker.Event) {
		switch ev.Type {
		case locker.EventLockerDeleted:
			m.DeleteLocker(ev.LockerID)
		case locker.EventLockerUpdated:
			if ev.Locker == nil {
				return
			}
			l := ev.Locker
			m.SetLockerBoxes(l.ID, l.TotalBoxes, l.OccupiedBoxes, l.FullBoxes)
			influx.WriteOccupancy(influxdb.Occupancy{
				LockerID:     l.ID,
				Total:        l.TotalBoxes,
				Full:         l.FullBoxes,
				Occupied:     l.OccupiedBoxes,
				EmptyLeft:    l.EmptyBoxesLeft,
				Fullness:     string(l.Fullness),
				TemperatureC: l.TemperatureC,
				At:           l.UpdatedAt,
			})
		}
	}
}

// commandRecorder writes each finished command to InfluxDB and the audit
// trail.
func commandRecorder(influx *influxdb.Client, auditLog *audit.Writer) func(dispatcher.Result) {
	return func(res dispatcher.Result) {
		influx.WriteCommandOutcome(influxdb.CommandOutcome{
			LockerID: res.Target.LockerID,
			BoxID:    res.Target.BoxID,
			Action:   string(res.Action),
			Outcome:  string(res.Outcome),
			Elapsed:  res.Elapsed,
		})

		entityType, entityID := audit.EntityLocker, res.Target.LockerID
		if res.Target.BoxID > 0 {
			entityType, entityID = audit.EntityBox, fmt.Sprintf("%s/%d", res.Target.LockerID, res.Target.BoxID)
		}
		auditLog.Record(audit.Entry{
			Action:     audit.ActionCommand,
			EntityType: entityType,
			EntityID:   entityID,
			Source:     audit.SourceDispatcher,
			Outcome:    string(res.Outcome),
			RequestID:  res.RequestID,
			Details: map[string]any{
				"command":    string(res.Action),
				"elapsed_ms": res.Elapsed.Milliseconds(),
			},
		})
	}
}

// healthCheck verifies all infrastructure connections. influxClient may be nil.
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
