package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-hail/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	StripeKey string

	BroadcastTimeout time.Duration
	TargetedTimeout  time.Duration
	SweepInterval    time.Duration

	// RegionVertices bounds the operating area as "lat,lon;lat,lon;..."
	// pairs. Empty means the service accepts rides everywhere.
	RegionVertices []models.Coord

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGeoKey:      "drivers_geo",
		KafkaTopic:       "driver-locations",
		BroadcastTimeout: 15 * time.Second,
		TargetedTimeout:  60 * time.Second,
		SweepInterval:    30 * time.Second,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeKey = os.Getenv("STRIPE_KEY")

	setDurationFromEnv(&cfg.BroadcastTimeout, "DISPATCH_BROADCAST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.TargetedTimeout, "DISPATCH_TARGETED_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)

	if raw := strings.TrimSpace(os.Getenv("REGION_VERTICES")); raw != "" {
		verts, err := parseVertices(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid REGION_VERTICES: %w", err))
		} else {
			cfg.RegionVertices = verts
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BroadcastTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BROADCAST_TIMEOUT must be > 0"))
	}
	if cfg.TargetedTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TARGETED_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func parseVertices(raw string) ([]models.Coord, error) {
	pairs := strings.Split(raw, ";")
	out := make([]models.Coord, 0, len(pairs))
	for _, p := range pairs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.Split(p, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("vertex %q: want lat,lon", p)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("vertex %q: %w", p, err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("vertex %q: %w", p, err)
		}
		out = append(out, models.Coord{Lat: lat, Lon: lon})
	}
	if len(out) < 3 {
		return nil, fmt.Errorf("need at least 3 vertices, got %d", len(out))
	}
	return out, nil
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
