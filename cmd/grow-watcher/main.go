package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/grow-watcher/internal/api/http"
	"github.com/i474232898/grow-watcher/internal/config"
	"github.com/i474232898/grow-watcher/internal/credentials"
	"github.com/i474232898/grow-watcher/internal/logger"
	"github.com/i474232898/grow-watcher/internal/publish"
	"github.com/i474232898/grow-watcher/internal/scheduler"
	"github.com/i474232898/grow-watcher/internal/sensor"
	"github.com/i474232898/grow-watcher/internal/sensor/vendors"
	"github.com/i474232898/grow-watcher/internal/status"
	"github.com/i474232898/grow-watcher/internal/store"
	"github.com/i474232898/grow-watcher/internal/stream"
)

const serviceName = "grow-watcher"

// In-memory retention when no database is configured.
const (
	memoryMaxHistory = 10000
	memoryMaxAge     = 7 * 24 * time.Hour
)

// persistence is what the watcher needs from its storage backend.
type persistence interface {
	sensor.Sink
	credentials.Repository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared HTTP client for outbound vendor and stream calls.
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var (
		db       *sql.DB
		backend  persistence
		settings sensor.SettingsProvider
	)
	if cfg.DatabaseURL != "" {
		db, err = store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			lg.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()

		pg := store.NewPostgresStore(db, cfg.Settings(), lg)
		if err := pg.Migrate(ctx); err != nil {
			lg.Fatal("failed to migrate schema", zap.Error(err))
		}
		backend, settings = pg, pg
	} else {
		lg.Warn("DATABASE_URL not set, readings are kept in memory only")
		backend = store.NewMemoryStore(memoryMaxHistory, memoryMaxAge)
		settings = config.StaticSettings{S: cfg.Settings()}
	}

	var mirror status.Mirror
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("redis unreachable, status mirror will retry on each update", zap.Error(err))
		}
		mirror = status.NewRedisMirror(rdb, cfg.RedisStatusPrefix)
	}
	tracker := status.NewTracker(status.DefaultDegradeAfter, mirror, lg)

	observers := sensor.Observers{tracker}
	if cfg.MQTTBroker != "" {
		mq, err := publish.Connect(publish.BrokerConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		})
		if err != nil {
			lg.Error("mqtt publishing disabled", zap.Error(err))
		} else {
			defer mq.Disconnect()
			observers = append(observers, publish.NewReadingPublisher(mq, cfg.MQTTTopicPrefix, lg))
		}
	}

	creds := credentials.NewStore(backend, cfg.CredentialSafetyMargin, lg)
	if cfg.CloudUsername != "" {
		err := creds.Seed(ctx, sensor.Credential{
			Vendor:   sensor.VendorCloud,
			Username: cfg.CloudUsername,
			Secret:   cfg.CloudPassword,
		})
		if err != nil {
			lg.Fatal("failed to seed cloud credential", zap.Error(err))
		}
	}

	cloud := sensor.NewCloudPoller(
		vendors.NewACInfinityClient(httpClient, cfg.CloudBaseURL, lg),
		creds,
		backend,
		lg,
		sensor.WithCallTimeout(cfg.CloudCallTimeout),
		sensor.WithObserver(observers),
	)
	local := sensor.NewLocalPoller(
		vendors.NewEcowittClient(httpClient, cfg.LocalDeviceID, lg),
		backend,
		observers,
		cfg.HTTPTimeout,
		lg,
	)
	grabber := stream.NewGrabber(stream.Config{
		Dir:              cfg.SnapshotDir,
		FailureThreshold: cfg.StreamFailureThreshold,
		MaxBackoff:       cfg.StreamMaxBackoff,
		CaptureTimeout:   cfg.StreamCaptureTimeout,
		Client:           httpClient,
	}, backend, lg)

	sched := scheduler.New(settings, tracker, grabber, scheduler.Config{
		SettingsRefresh: cfg.SettingsRefresh,
		CycleTimeout:    cfg.CycleTimeout,
	}, lg)
	sched.AddVendor(scheduler.TaskCloud, cloud, func(s sensor.Settings) bool { return s.CloudEnabled })
	sched.AddVendor(scheduler.TaskLocal, local, func(s sensor.Settings) bool { return s.LocalEnabled })
	if err := sched.Start(ctx); err != nil {
		lg.Fatal("failed to start scheduler", zap.Error(err))
	}

	app := httpapi.NewApp(serviceName)
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": serviceName,
			"tasks":   sched.Tasks(),
		})
	})
	httpapi.RegisterRoutes(app, tracker)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			lg.Error("fiber server stopped", zap.Error(err))
		}
	}()
	lg.Info("status api listening", zap.String("port", cfg.Port))

	<-ctx.Done()
	lg.Info("shutting down")

	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		lg.Error("error during shutdown", zap.Error(err))
	}
}
