// Package config builds runtime configuration from environment variables
// so main stays lean.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "rosterd/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// Sync captures the engine's own knobs: the deployment-wide conflict
// strategy and the client liveness windows.
type Sync struct {
	ConflictStrategy  string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ClientQueueDepth  int
}

// Postgres captures the durable store connection. Empty URL disables the
// sink.
type Postgres struct {
	URL string
}

// Redis captures the snapshot cache connection. Empty URL disables the
// sink.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka captures the change topic producer. No brokers disables the sink.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Config is the full runtime configuration.
type Config struct {
	Server   Server
	Sync     Sync
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr: envOr("ROSTERD_ADDR", ":8080"),
		},
		Sync: Sync{
			ConflictStrategy:  envOr("CONFLICT_STRATEGY", "lww"),
			HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			HeartbeatTimeout:  envDuration("HEARTBEAT_TIMEOUT", 45*time.Second),
			ClientQueueDepth:  envInt("CLIENT_QUEUE_DEPTH", 64),
		},
		Postgres: Postgres{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   envOr("KAFKA_CHANGE_TOPIC", "roster.changes"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return platformstrings.DedupeAndTrim(strings.Split(v, ","))
}
