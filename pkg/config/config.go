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
	ServiceName    = "library-lending"
	ServiceVersion = "0.1.0"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	HTTPAddr string
	LogLevel string
	Seed     bool

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	SQLitePath string

	ReminderInterval time.Duration

	KafkaBroker string
	KafkaTopic  string

	OtelEndpoint string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "info: no .env file found, reading configuration from the environment")
	}
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*Config, error) {
	interval, err := time.ParseDuration(getEnv("REMINDER_INTERVAL", "24h"))
	if err != nil {
		return nil, fmt.Errorf("REMINDER_INTERVAL: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("REMINDER_INTERVAL must be positive, got %s", interval)
	}

	seed, err := strconv.ParseBool(getEnv("SEED", "false"))
	if err != nil {
		return nil, fmt.Errorf("SEED: %w", err)
	}

	cfg := &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Seed:             seed,
		DBDriver:         strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DBHost:           getEnv("DB_HOST", "postgres"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "program"),
		DBPassword:       getEnv("DB_PASSWORD", "test"),
		DBName:           getEnv("DB_NAME", "library"),
		SQLitePath:       getEnv("SQLITE_PATH", "data/library.db"),
		ReminderInterval: interval,
		KafkaBroker:      os.Getenv("KAFKA_BROKER"),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "LoanReminders"),
		OtelEndpoint:     os.Getenv("OTEL_ENDPOINT"),
	}

	switch cfg.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DBDriver)
	}

	return cfg, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	return value
}
