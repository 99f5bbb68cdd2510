// Command consumer drains the driver location stream into the shared Redis
// geo index, so every dispatch instance sees the same vicinity data.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ambulance-dispatch/internal/config"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/logging"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("location-consumer", cfg.LogLevel)

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	updater := &redisAdapter{c: rc, geoKey: cfg.RedisGeoKey}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.KafkaLocationTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationTopic, "brokers", brokers, "group", cfg.KafkaGroup)
	consume(ctx, r, updater, logger)
	logger.Info("shutting down consumer")
}

// MessageReader is the part of kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func consume(ctx context.Context, r MessageReader, updater LocationWriter, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		u, err := ingest.DecodeLocation(m.Value)
		if err != nil {
			observability.ConsumerMessages.WithLabelValues("invalid").Inc()
			logger.Warn("invalid location message", "offset", m.Offset, "error", err)
			continue
		}
		if err := applyWithRetry(ctx, updater, u, 3, 200*time.Millisecond); err != nil {
			observability.ConsumerMessages.WithLabelValues("redis_error").Inc()
			logger.Error("redis update failed", "driver_id", u.DriverID, "error", err)
			continue
		}
		observability.ConsumerMessages.WithLabelValues("applied").Inc()
	}
}

// LocationWriter is the subset of redis operations the consumer needs.
type LocationWriter interface {
	GeoAdd(ctx context.Context, loc *redis.GeoLocation) error
	GeoRemove(ctx context.Context, driverID string) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct {
	c      *redis.Client
	geoKey string
}

func (r *redisAdapter) GeoAdd(ctx context.Context, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, r.geoKey, loc).Err()
}

func (r *redisAdapter) GeoRemove(ctx context.Context, driverID string) error {
	return r.c.ZRem(ctx, r.geoKey, driverID).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// applyWithRetry writes one update. Unavailable drivers leave the geo set so
// they stop receiving advisories; the meta hash is written either way.
func applyWithRetry(ctx context.Context, w LocationWriter, u models.LocationUpdate, attempts int, delay time.Duration) error {
	presence := models.Presence{DriverID: u.DriverID, LastKnown: &u.Location, LastSeenAt: u.At, Available: u.Available}
	var err error
	for i := 0; i < attempts; i++ {
		if err = apply(ctx, w, presence); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func apply(ctx context.Context, w LocationWriter, p models.Presence) error {
	if p.Available {
		if err := w.GeoAdd(ctx, &redis.GeoLocation{Name: p.DriverID, Longitude: p.LastKnown.Lng, Latitude: p.LastKnown.Lat}); err != nil {
			return err
		}
	} else if err := w.GeoRemove(ctx, p.DriverID); err != nil {
		return err
	}
	return w.HSet(ctx, geo.MetaKey(p.DriverID), geo.MetaFields(p))
}
