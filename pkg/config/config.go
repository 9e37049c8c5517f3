// Package config loads service settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverScylla = "scylla"
	DriverSQLite = "sqlite3"

	// DefaultSecret is only acceptable for local development.
	DefaultSecret = "default_secret_key_please_change_in_env"
)

type Config struct {
	Port          string
	JWTSecret     string
	JWTTTL        time.Duration
	StoreDriver   string
	ScyllaHosts   []string
	Keyspace      string
	SQLiteDSN     string
	RedisAddr     string
	KafkaBrokers  []string
	KafkaTopic    string
	NodeID        int64
	LogLevel      string
	LogFormat     string
	AllowedOrigin string
}

// Load reads .env (if present) and the process environment. defaultPort is
// used when PORT is unset, so each binary keeps its own default.
func Load(defaultPort string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	ttl, err := time.ParseDuration(getenv("JWT_TTL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("config: JWT_TTL: %w", err)
	}
	nodeID, err := strconv.ParseInt(getenv("NODE_ID", "1"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("config: NODE_ID: %w", err)
	}

	cfg := &Config{
		Port:          getenv("PORT", defaultPort),
		JWTSecret:     getenv("JWT_SECRET", DefaultSecret),
		JWTTTL:        ttl,
		StoreDriver:   getenv("STORE_DRIVER", DriverScylla),
		ScyllaHosts:   splitList(getenv("SCYLLA_HOSTS", "localhost:9042")),
		Keyspace:      getenv("SCYLLA_KEYSPACE", "chat"),
		SQLiteDSN:     getenv("SQLITE_DSN", "chat.db"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		KafkaBrokers:  splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getenv("KAFKA_TOPIC", "chat-deliveries"),
		NodeID:        nodeID,
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "console"),
		AllowedOrigin: getenv("ALLOWED_ORIGIN", "*"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverScylla:
		if len(c.ScyllaHosts) == 0 {
			return errors.New("config: SCYLLA_HOSTS is empty")
		}
	case DriverSQLite:
		if c.SQLiteDSN == "" {
			return errors.New("config: SQLITE_DSN is empty")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config: NODE_ID %d out of range", c.NodeID)
	}
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if c.Port == "" {
		return errors.New("config: PORT is empty")
	}
	return nil
}

// InsecureSecret reports whether the development secret is in use.
func (c *Config) InsecureSecret() bool {
	return c.JWTSecret == DefaultSecret
}

// Addr is the listen address for PORT.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
