// Foundry Core - factory dashboard trust and telemetry service
//
// This is the main entry point for Foundry Core. It serves the dashboard
// API: token issuance and rotation, per-request risk assessment, dynamic
// role restrictions, a security audit trail, and live robot state fed from
// MQTT telemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/foundry-core/migrations"

	"github.com/nerrad567/foundry-core/internal/api"
	"github.com/nerrad567/foundry-core/internal/audit"
	"github.com/nerrad567/foundry-core/internal/auth"
	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/infrastructure/database"
	"github.com/nerrad567/foundry-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/foundry-core/internal/infrastructure/logging"
	"github.com/nerrad567/foundry-core/internal/infrastructure/metrics"
	"github.com/nerrad567/foundry-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/foundry-core/internal/restriction"
	"github.com/nerrad567/foundry-core/internal/risk"
	"github.com/nerrad567/foundry-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

const (
	// restrictionCompactInterval is how often expired restrictions are swept.
	restrictionCompactInterval = time.Minute

	// keyPruneInterval is how often retired signing keys past their grace
	// period are dropped.
	keyPruneInterval = 5 * time.Minute

	// startupCheckTimeout bounds the initial health check.
	startupCheckTimeout = 10 * time.Second
)

func main() {
	flags := pflag.NewFlagSet("foundry", pflag.ExitOnError)
	configFlag := flags.StringP("config", "c", "", "path to the YAML configuration file")
	showVersion := flags.BoolP("version", "v", false, "print version information and exit")
	_ = flags.Parse(os.Args[1:]) //nolint:errcheck // ExitOnError

	if *showVersion {
		fmt.Printf("foundry %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, getConfigPath(*configFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Foundry Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"level", cfg.Logging.Level,
	)

	db, err := database.Open(cfg.Database)
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

	m := metrics.New(version)

	// Identity and tokens
	users := auth.NewUserRepository(db.DB)
	if _, seedErr := auth.SeedAdmin(ctx, users, cfg.Security.Seed.AdminUsername, cfg.Security.Seed.CompanyID, log); seedErr != nil {
		return fmt.Errorf("seeding admin: %w", seedErr)
	}

	keys, err := buildKeyring(cfg.Security.JWT)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Issuer:     cfg.Security.JWT.Issuer,
		AccessTTL:  cfg.Security.JWT.AccessTTL(),
		RefreshTTL: cfg.Security.JWT.RefreshTTL(),
		Subjects:   users,
	}, keys)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	// Risk and restrictions
	restrictions := restriction.NewStore(time.Now)
	restrictions.SetLogger(log.Component("restriction"))
	restrictions.SetOnCompact(m.Restrictions)

	engine, err := risk.NewEngine(risk.EngineConfig{
		Risk:     cfg.Risk,
		Location: cfg.Site.Location(),
		History:  risk.NewHistory(risk.DefaultHistoryLimit),
		Store:    restrictions,
	})
	if err != nil {
		return fmt.Errorf("creating risk engine: %w", err)
	}
	engine.SetLogger(log.Component("risk"))
	engine.SetRecorder(m)

	// Audit trail
	auditRepo := audit.NewSQLiteRepository(db.DB)
	sink := audit.NewSink(auditRepo, audit.DefaultBuffer)
	sink.SetLogger(log.Component("audit"))
	sink.SetRecorder(m)

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT, log.Component("mqtt"))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Robot state: restore the last snapshot before live telemetry arrives
	robots := telemetry.NewStore()
	snapshots := telemetry.NewSQLiteSnapshotRepository(db.DB)
	restored, err := telemetry.RestoreSnapshots(ctx, snapshots, robots)
	if err != nil {
		return fmt.Errorf("restoring robot snapshots: %w", err)
	}
	log.Info("robot states restored", "count", restored)

	ingestor := telemetry.NewIngestor(telemetry.Config{
		Workers:        cfg.Telemetry.Workers,
		QueueSize:      cfg.Telemetry.QueueSize,
		MessageTimeout: cfg.Telemetry.Timeout(),
		Staleness:      cfg.Telemetry.Staleness(),
		SweepInterval:  time.Duration(cfg.Telemetry.SweepInterval) * time.Second,
		Thresholds:     telemetry.ThresholdsFrom(cfg.Telemetry.Thresholds),
		CompanySegment: cfg.Telemetry.CompanySegment,
		DefaultCompany: cfg.Telemetry.DefaultCompany,
	}, robots)
	telemetryLog := log.Component("telemetry")
	ingestor.SetLogger(telemetryLog)
	ingestor.SetRecorder(m)

	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	snapshotter := telemetry.NewSnapshotter(snapshots, 0, telemetryLog)
	ingestor.AddObserver(hub)
	ingestor.AddObserver(snapshotter)
	ingestor.AddObserver(telemetry.NewFleetGauges(robots, m))
	ingestor.AddObserver(telemetry.NewStatePublisher(mqttClient, mqtt.Topics{StatePrefix: cfg.Telemetry.StateTopic}, telemetryLog))
	if influxClient != nil {
		ingestor.AddObserver(telemetry.NewHistoryObserver(influxClient))
	}

	health := map[string]api.HealthChecker{
		"database": db,
		"mqtt":     mqttClient,
	}
	if influxClient != nil {
		health["influxdb"] = influxClient
	}

	server, err := api.New(api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		RateLimit:    cfg.Security.RateLimit,
		Logger:       log,
		Metrics:      m,
		Tokens:       tokens,
		Keys:         keys,
		Users:        users,
		Risk:         engine,
		Restrictions: restrictions,
		Robots:       robots,
		Audit:        sink,
		AuditRepo:    auditRepo,
		Hub:          hub,
		Health:       health,
		Version:      version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, startupCheckTimeout)
	err = healthCheck(checkCtx, health)
	cancelCheck()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	// The audit sink and snapshotter outlive the producers feeding them:
	// drainCtx is cancelled only once the server and ingestor have stopped,
	// so their final records are written.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { sink.Run(drainCtx); return nil })
	g.Go(func() error { snapshotter.Run(drainCtx); return nil })
	g.Go(func() error { restrictions.Run(gctx, restrictionCompactInterval); return nil })
	g.Go(func() error { pruneKeys(gctx, keys, log); return nil })

	if cfg.Security.JWT.SecretFile != "" {
		watcher := auth.NewSecretWatcher(cfg.Security.JWT.SecretFile, keys, log.Component("auth"), func(string) {
			m.KeyRotated(string(keys.Policy()))
		})
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if interval := cfg.Security.JWT.Rotation.Interval; interval > 0 {
		g.Go(func() error {
			rotateKeys(gctx, keys, time.Duration(interval)*time.Second, m, log)
			return nil
		})
	}

	// shutdown stops producers before the drains and waits for every
	// background task. cause is returned in preference to a task error.
	shutdown := func(cause error) error {
		cancelRun()
		waitErr := stopPipeline(g, stopDrain,
			func() {
				if unsubErr := mqttClient.Unsubscribe(cfg.Telemetry.Topic); unsubErr != nil {
					log.Debug("unsubscribing telemetry", "error", unsubErr)
				}
			},
			func() {
				if closeErr := server.Close(); closeErr != nil {
					log.Error("error closing API server", "error", closeErr)
				}
			},
			ingestor.Stop,
		)
		if cause != nil {
			return cause
		}
		if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			return waitErr
		}
		return nil
	}

	if startErr := ingestor.Start(gctx); startErr != nil {
		return shutdown(fmt.Errorf("starting telemetry ingestor: %w", startErr))
	}
	g.Go(func() error { ingestor.Run(gctx); return nil })
	if subErr := mqttClient.Subscribe(cfg.Telemetry.Topic, mqttClient.QoS(), ingestor.HandleMessage); subErr != nil {
		return shutdown(fmt.Errorf("subscribing to %s: %w", cfg.Telemetry.Topic, subErr))
	}
	log.Info("telemetry subscribed", "topic", cfg.Telemetry.Topic, "workers", cfg.Telemetry.Workers)

	if startErr := server.Start(gctx); startErr != nil {
		return shutdown(fmt.Errorf("starting API server: %w", startErr))
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls then run in reverse order: InfluxDB, MQTT,
	// database.
	if err := shutdown(nil); err != nil {
		return err
	}

	log.Info("Foundry Core stopped")
	return nil
}

// getConfigPath picks the configuration file: the --config flag, then
// FOUNDRY_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("FOUNDRY_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildKeyring loads the signing secret from file or config and applies
// the rotation policy.
func buildKeyring(cfg config.JWTConfig) (*auth.Keyring, error) {
	secret := []byte(cfg.Secret)
	if cfg.SecretFile != "" {
		var err error
		secret, err = auth.ReadSecretFile(cfg.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("reading JWT secret: %w", err)
		}
	}
	policy := auth.RotationPolicy(cfg.Rotation.Policy)
	if policy == "" {
		policy = auth.PolicyGrace
	}
	keys, err := auth.NewKeyring(secret, policy, cfg.Grace(), time.Now)
	if err != nil {
		return nil, fmt.Errorf("creating keyring: %w", err)
	}
	return keys, nil
}

// stopPipeline runs the producer stops in order, then cancels the drains
// and waits for every task in g.
func stopPipeline(g *errgroup.Group, stopDrain context.CancelFunc, producers ...func()) error {
	for _, stop := range producers {
		stop()
	}
	stopDrain()
	return g.Wait()
}

// healthCheck verifies every infrastructure connection, returning the
// first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, c := range checks {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// rotateKeys replaces the signing secret with a random one every interval.
func rotateKeys(ctx context.Context, keys *auth.Keyring, interval time.Duration, m *metrics.Metrics, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			secret, err := auth.RandomSecret()
			if err != nil {
				log.Error("generating signing secret", "error", err)
				continue
			}
			kid, err := keys.Rotate(secret)
			if err != nil {
				log.Error("scheduled key rotation failed", "error", err)
				continue
			}
			m.KeyRotated(string(keys.Policy()))
			log.Info("signing key rotated", "kid", kid, "policy", keys.Policy())
		}
	}
}

// pruneKeys drops retired keys once their grace period has passed.
func pruneKeys(ctx context.Context, keys *auth.Keyring, log *logging.Logger) {
	ticker := time.NewTicker(keyPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := keys.Prune(); n > 0 {
				log.Debug("retired signing keys pruned", "count", n)
			}
		}
	}
}
