package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Document store
	DBDriver      string
	DBPath        string
	DBBusyTimeout time.Duration
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBLogSQL      bool

	// Persistence scheduler
	FlushInterval   time.Duration
	FlushMaxRetries int
	FlushMaxBackoff time.Duration
	FlushWorkers    int

	// Rooms and sessions
	LockTimeout       time.Duration
	SessionSendBuffer int
	SessionRateLimit  float64
	SessionRateBurst  int

	// Optional cluster-wide lock leases
	RedisURL string

	// Observability
	JaegerEndpoint string
	MetricsEnabled bool
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		DBDriver:      strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		DBPath:        getEnv("DB_PATH", "./data/notesync.db"),
		DBBusyTimeout: time.Duration(getEnvInt("DB_BUSY_TIMEOUT_MS", 5000)) * time.Millisecond,
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "notesync"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		DBLogSQL:      getEnvBool("DB_LOG_SQL", false),

		FlushInterval:   getEnvDuration("FLUSH_INTERVAL", 2*time.Second),
		FlushMaxRetries: getEnvInt("FLUSH_MAX_RETRIES", 20),
		FlushMaxBackoff: getEnvDuration("FLUSH_MAX_BACKOFF", 30*time.Second),
		FlushWorkers:    getEnvInt("FLUSH_WORKERS", 4),

		LockTimeout:       getEnvDuration("LOCK_TIMEOUT", 30*time.Second),
		SessionSendBuffer: getEnvInt("SESSION_SEND_BUFFER", 256),
		SessionRateLimit:  getEnvFloat("SESSION_RATE_LIMIT", 100),
		SessionRateBurst:  getEnvInt("SESSION_RATE_BURST", 200),

		RedisURL: getEnv("REDIS_URL", ""),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive")
	}
	if c.FlushMaxRetries < 0 {
		return fmt.Errorf("FLUSH_MAX_RETRIES must be >= 0 (0 retries forever)")
	}
	if c.FlushWorkers <= 0 {
		return fmt.Errorf("FLUSH_WORKERS must be positive")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.SessionSendBuffer <= 0 {
		return fmt.Errorf("SESSION_SEND_BUFFER must be positive")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// SQLiteDSN enables WAL and a busy timeout so writers queue instead of failing
// with SQLITE_BUSY while a flush holds the write lock.
func (c *Config) SQLiteDSN() string {
	return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		c.DBPath, c.DBBusyTimeout.Milliseconds())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("2s", "500ms")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
