package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/catalog"
	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/geo"
	httpapi "github.com/example/taxi-dispatch/internal/http"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/routing"
	"github.com/example/taxi-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	cat := catalog.Default()
	if cfg.CatalogPath != "" {
		loaded, err := catalog.Load(cfg.CatalogPath)
		if err != nil {
			return err
		}
		cat = loaded
	}
	reg := registry.New(cat.Places, cat.Drivers)
	logger.Info("registry seeded", "places", len(cat.Places), "drivers", len(cat.Drivers))
	logger.Warn("orders and driver state are held in memory and are lost on restart")

	checks := map[string]httpapi.ReadinessCheck{}
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var index geo.Index = geo.NewMemoryIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		logger.Info("geo index", "backend", "redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var journal storage.Journal = storage.NewMemoryJournal()
	if cfg.PGDSN != "" {
		runID := uuid.NewString()
		pj, err := storage.NewPostgresJournal(ctx, cfg.PGDSN, runID)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		closers = append(closers, pj.Close)
		if cfg.RunMigrations {
			if err := pj.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate journal: %w", err)
			}
			logger.Info("journal migrations applied")
		}
		checks["postgres"] = pj.Ping
		journal = pj
		logger.Info("order journal", "backend", "postgres", "run_id", runID)
	}

	var rclient routing.Client
	if cfg.OSRMEndpoint != "" {
		rclient = &routing.Cached{
			Next:  routing.NewOSRMClient(cfg.OSRMEndpoint, cfg.RoutingTimeout),
			Cache: routing.NewCache(cfg.RoutingCacheTTL),
		}
		logger.Info("road distance", "endpoint", cfg.OSRMEndpoint, "timeout", cfg.RoutingTimeout)
	}

	m := &matcher.Service{
		Registry:       reg,
		Geo:            index,
		Routing:        rclient,
		RoutingTimeout: cfg.RoutingTimeout,
		SearchRadiusKm: cfg.SearchRadiusKm,
		TopN:           cfg.MatcherTopN,
		Logger:         logger,
	}

	ws := dispatch.NewWSRegistry(logger)
	ws.Allow = func(driverID int64, o models.Order) bool {
		d, err := reg.GetDriver(driverID)
		return err == nil && d.Status == models.DriverAvailable && matcher.FilterEligible(o, d)
	}
	notifiers := dispatch.Fanout{ws}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, dispatch.NewWebhookNotifier(cfg.WebhookURL, 2*time.Second))
	}

	opts := []lifecycle.Option{
		lifecycle.WithIndex(index),
		lifecycle.WithJournal(journal),
		lifecycle.WithNotifier(notifiers),
		lifecycle.WithLogger(logger),
	}
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic, cfg.KafkaPositionsTopic)
		closers = append(closers, producer.Close)
		opts = append(opts, lifecycle.WithPublisher(producer))
	}
	lc := lifecycle.New(reg, opts...)
	// closers run in reverse, so queued events drain before the sinks close
	closers = append(closers, func() error { lc.Close(); return nil })

	if err := lc.SyncIndex(ctx); err != nil {
		logger.Warn("initial geo index sync failed", "error", err)
	}

	if producer != nil {
		reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaPositionsTopic, cfg.KafkaGroup)
		pc := &ingest.PositionConsumer{Reader: reader, Apply: lc.ApplyPosition, Logger: logger, Attempts: 3, Delay: 200 * time.Millisecond}
		go pc.Run(ctx)
		logger.Info("kafka wired", "brokers", cfg.KafkaBrokers, "events_topic", cfg.KafkaEventsTopic, "positions_topic", cfg.KafkaPositionsTopic)
	}

	api := httpapi.NewServer(reg, lc, m, ws, httpapi.Options{Logger: logger, CORSOrigins: cfg.CORSOrigins, Checks: checks})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("taxi-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
