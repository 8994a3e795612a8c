package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// InstanceID tags every published message so subscribers can filter
	// out their own traffic.
	InstanceID string

	MetricsPort int
	LogLevel    string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReclaimWindow     time.Duration
	// ProxyReclaimAfter is the confirmed-dead window after which an
	// unavailable proxy id is deliberately recycled. Zero disables
	// automatic proxy reclaim entirely.
	ProxyReclaimAfter time.Duration

	RouteMaxRetries    int
	RouteWaitThreshold time.Duration
	PendingDrainEvery  time.Duration
	// ReservationTTL is how long a routed player has to arrive before
	// their reservation token expires on its own.
	ReservationTTL time.Duration

	Workers int
}

func Load() *Config {
	cfg := &Config{
		RedisHost:          strings.TrimSpace(getEnv("REGISTRY_REDIS_HOST", "127.0.0.1")),
		RedisPort:          getEnvInt("REGISTRY_REDIS_PORT", 6379),
		RedisPassword:      os.Getenv("REGISTRY_REDIS_PASSWORD"),
		RedisDB:            getEnvInt("REGISTRY_REDIS_DB", 0),
		InstanceID:         strings.TrimSpace(firstNonEmpty(os.Getenv("REGISTRY_INSTANCE_ID"), os.Getenv("HOSTNAME"), "fulcrum-registry")),
		MetricsPort:        getEnvInt("REGISTRY_METRICS_PORT", 8080),
		LogLevel:           strings.TrimSpace(getEnv("REGISTRY_LOG_LEVEL", "info")),
		HeartbeatInterval:  getEnvDuration("REGISTRY_HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatTimeout:   getEnvDuration("REGISTRY_HEARTBEAT_TIMEOUT", 30*time.Second),
		ReclaimWindow:      getEnvDuration("REGISTRY_RECLAIM_WINDOW", 10*time.Minute),
		ProxyReclaimAfter:  getEnvDuration("REGISTRY_PROXY_RECLAIM_AFTER", 0),
		RouteMaxRetries:    getEnvInt("REGISTRY_ROUTE_MAX_RETRIES", 5),
		RouteWaitThreshold: getEnvDuration("REGISTRY_ROUTE_WAIT_THRESHOLD", 30*time.Second),
		PendingDrainEvery:  getEnvDuration("REGISTRY_PENDING_DRAIN_EVERY", 2*time.Second),
		ReservationTTL:     getEnvDuration("REGISTRY_RESERVATION_TTL", 30*time.Second),
		Workers:            getEnvInt("REGISTRY_WORKERS", 16),
	}

	if cfg.RedisHost == "" {
		log.Warn().Msg("Redis host not set; set REGISTRY_REDIS_HOST")
	}
	if cfg.Workers < 1 {
		log.Warn().Int("workers", cfg.Workers).Msg("invalid worker count; using 1")
		cfg.Workers = 1
	}
	return cfg
}

func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"redisAddr":          c.RedisAddr(),
		"redisDB":            c.RedisDB,
		"passwordProvided":   c.RedisPassword != "",
		"instanceID":         c.InstanceID,
		"metricsPort":        c.MetricsPort,
		"logLevel":           c.LogLevel,
		"heartbeatInterval":  c.HeartbeatInterval.String(),
		"heartbeatTimeout":   c.HeartbeatTimeout.String(),
		"reclaimWindow":      c.ReclaimWindow.String(),
		"proxyReclaimAfter":  c.ProxyReclaimAfter.String(),
		"routeMaxRetries":    c.RouteMaxRetries,
		"routeWaitThreshold": c.RouteWaitThreshold.String(),
		"reservationTTL":     c.ReservationTTL.String(),
		"workers":            c.Workers,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment; using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment; using default")
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
