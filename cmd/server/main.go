package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/eta"
	"github.com/example/ambulance-dispatch/internal/geo"
	httpapi "github.com/example/ambulance-dispatch/internal/http"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/registry"
	"github.com/example/ambulance-dispatch/internal/telemetry"
)

const serviceName = "ambulance-dispatch"

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(serviceName, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	checks := map[string]httpapi.ReadyCheck{}

	var reg registry.Registry
	if cfg.PGDSN != "" {
		pg, err := registry.NewPostgresRegistry(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			script, err := os.ReadFile(cfg.MigrationFile)
			if err != nil {
				return err
			}
			if err := pg.Migrate(ctx, string(script)); err != nil {
				return err
			}
			logger.Info("migration applied", "file", cfg.MigrationFile)
		}
		checks["postgres"] = pg.Ping
		reg = pg
		logger.Info("registry backend", "kind", "postgres")
	} else {
		reg = registry.NewMemoryRegistry()
		logger.Info("registry backend", "kind", "memory")
	}

	var index geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		checks["redis"] = rg.Ping
		index = rg
		logger.Info("geo backend", "kind", "redis", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewIndex()
		logger.Info("geo backend", "kind", "memory")
	}

	var publisher dispatch.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventsTopic)
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("kafka producer close", "error", err)
			}
		}()
		publisher = producer
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers)
	}

	var directions eta.Client
	if cfg.OSRMEndpoint != "" {
		directions = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(directions, cfg.ETACacheTTL, cfg.DefaultSpeedMps)

	h := hub.New(reg, index, hub.Options{
		AdvisoryRadiusMeters: cfg.AdvisoryRadiusMeters,
		AdvisoryLimit:        cfg.AdvisoryLimit,
		StaleAfter:           cfg.DriverStaleAfter,
		StaleCheckInterval:   cfg.StaleCheckInterval,
		TerminalRetention:    cfg.TerminalRetention,
		LocationRate:         rate.Limit(cfg.LocationRatePerSec),
		LocationBurst:        cfg.LocationBurst,
		Estimator:            estimator,
	}, logger)
	svc := dispatch.NewService(reg, h, publisher, logger)
	api := httpapi.NewServer(svc, h, logger, checks)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      otelhttp.NewHandler(api, serviceName),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server gracefully stopped")
	return nil
}
