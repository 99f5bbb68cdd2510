package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures every tunable of the dispatch server. Defaults come
// first, then an optional YAML file named by CONFIG_FILE, then environment
// variables, so a bare binary still runs locally against in-memory backends.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	PGDSN         string `yaml:"pg_dsn"`
	RunMigrations bool   `yaml:"migrate"`
	MigrationFile string `yaml:"migration_file"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic"`
	KafkaEventsTopic   string   `yaml:"kafka_events_topic"`
	KafkaGroup         string   `yaml:"kafka_group"`

	OSRMEndpoint    string        `yaml:"osrm_endpoint"`
	ETACacheTTL     time.Duration `yaml:"eta_cache_ttl"`
	DefaultSpeedMps float64       `yaml:"default_speed_mps"`

	AdvisoryRadiusMeters float64       `yaml:"advisory_radius_meters"`
	AdvisoryLimit        int           `yaml:"advisory_limit"`
	DriverStaleAfter     time.Duration `yaml:"driver_stale_after"`
	StaleCheckInterval   time.Duration `yaml:"stale_check_interval"`
	LocationRatePerSec   float64       `yaml:"location_rate_per_sec"`
	LocationBurst        int           `yaml:"location_burst"`
	TerminalRetention    time.Duration `yaml:"terminal_retention"`

	LogLevel string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		MigrationFile:        "migrations/001_create_requests.sql",
		RedisGeoKey:          "drivers_geo",
		KafkaLocationTopic:   "driver-locations",
		KafkaEventsTopic:     "request-events",
		KafkaGroup:           "ambulance-dispatch-consumer",
		ETACacheTTL:          2 * time.Minute,
		DefaultSpeedMps:      10,
		AdvisoryRadiusMeters: 5000,
		AdvisoryLimit:        20,
		DriverStaleAfter:     30 * time.Second,
		StaleCheckInterval:   5 * time.Second,
		LocationRatePerSec:   2,
		LocationBurst:        4,
		TerminalRetention:    10 * time.Minute,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}
	setStringFromEnv(&cfg.MigrationFile, "MIGRATION_FILE")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.AdvisoryRadiusMeters, "ADVISORY_RADIUS_METERS", &errs)
	setIntFromEnv(&cfg.AdvisoryLimit, "ADVISORY_LIMIT", &errs)
	setDurationFromEnv(&cfg.DriverStaleAfter, "DRIVER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.StaleCheckInterval, "STALE_CHECK_INTERVAL", &errs)
	setFloatFromEnv(&cfg.LocationRatePerSec, "LOCATION_RATE_PER_SEC", &errs)
	setIntFromEnv(&cfg.LocationBurst, "LOCATION_BURST", &errs)
	setDurationFromEnv(&cfg.TerminalRetention, "TERMINAL_RETENTION", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.AdvisoryRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("ADVISORY_RADIUS_METERS must be > 0"))
	}
	if c.AdvisoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("ADVISORY_LIMIT must be > 0"))
	}
	if c.DriverStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_STALE_AFTER must be > 0"))
	}
	if c.StaleCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("STALE_CHECK_INTERVAL must be > 0"))
	}
	if c.LocationRatePerSec <= 0 || c.LocationBurst <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_RATE_PER_SEC and LOCATION_BURST must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	return errs
}

func loadYAML(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
