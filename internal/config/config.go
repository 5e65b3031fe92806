package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables (optionally seeded from a
// .env file) with defaults that run locally without any backend.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	CatalogPath string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaPositionsTopic string
	KafkaGroup          string

	PGDSN string

	OSRMEndpoint    string
	RoutingTimeout  time.Duration
	RoutingCacheTTL time.Duration
	SearchRadiusKm  float64
	MatcherTopN     int

	WebhookURL string

	LogLevel      string
	RunMigrations bool
}

const maxRoutingTimeout = 3 * time.Second

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		CORSOrigins:         []string{"*"},
		RedisGeoKey:         "drivers_geo",
		KafkaEventsTopic:    "order-events",
		KafkaPositionsTopic: "driver-positions",
		KafkaGroup:          "taxi-dispatch",
		RoutingTimeout:      2 * time.Second,
		RoutingCacheTTL:     time.Minute,
		SearchRadiusKm:      15,
		MatcherTopN:         8,
		LogLevel:            "info",
	}
}

// LoadServerConfig reads ENV_FILE (default .env) if present, then the
// environment. All parse errors are reported together.
func LoadServerConfig() (ServerConfig, error) {
	var errs []error
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("load %s: %w", envFile, err))
	}

	cfg := defaultServerConfig()

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}

	cfg.CatalogPath = strings.TrimSpace(os.Getenv("CATALOG_PATH"))

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaPositionsTopic, "KAFKA_POSITIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RoutingCacheTTL, "ROUTING_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.SearchRadiusKm, "MATCHER_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.RoutingTimeout <= 0 || cfg.RoutingTimeout > maxRoutingTimeout {
		errs = append(errs, fmt.Errorf("ROUTING_TIMEOUT must be in (0, %s]", maxRoutingTimeout))
	}

	return cfg, errors.Join(errs...)
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
