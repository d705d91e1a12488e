package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"spendwise/internal/log"
)

// Backends lists the accepted DATA_BACKEND values.
var Backends = []string{"memory", "sqlite", "postgres"}

type Config struct {
	// HTTP Server
	Port string

	// Backend selection
	DataBackend string

	// SQLite
	SQLiteDBPath      string
	SnapshotCacheSize int
	SnapshotCacheTTL  time.Duration

	// Postgres
	DatabaseURL string

	// AMQP change notifications, optional
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8081"),
		DataBackend: getEnv("DATA_BACKEND", "memory"),

		SQLiteDBPath:      getEnv("SQLITE_DB_PATH", "./data/spendwise.db"),
		SnapshotCacheSize: getEnvInt("SNAPSHOT_CACHE_SIZE", 100),
		SnapshotCacheTTL:  getEnvDuration("SNAPSHOT_CACHE_TTL", 5*time.Minute),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "spendwise.changes"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "spendwise"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if !slices.Contains(Backends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, Backends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		}
		if c.SnapshotCacheSize < 1 {
			errors = append(errors, fmt.Sprintf("invalid snapshot cache size %d: must be at least 1", c.SnapshotCacheSize))
		}
		if c.SnapshotCacheTTL < time.Second {
			errors = append(errors, fmt.Sprintf("invalid snapshot cache TTL %v: must be at least 1 second", c.SnapshotCacheTTL))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres backend")
		} else if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errors = append(errors, "invalid DATABASE_URL: must be a postgres:// or postgresql:// URL")
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
		if c.DataBackend != "sqlite" {
			errors = append(errors, "AMQP change notifications are only used by the sqlite backend")
		}
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
