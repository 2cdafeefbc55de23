package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"airquality-platform/pkg/database"
)

// Config holds all runtime configuration, loaded from the environment with
// an optional .env file for local development.
type Config struct {
	Server         ServerConfig
	Database       database.Config
	Logging        LoggingConfig
	Aggregation    AggregationConfig
	Summary        SummaryConfig
	Reconciliation ReconciliationConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string
}

// AggregationConfig holds outlier filtering settings
type AggregationConfig struct {
	CurrentAlpha  float64
	CityAlpha     float64
	CurrentWindow time.Duration
}

// SummaryConfig holds summary snapshot cache settings
type SummaryConfig struct {
	MaxAge          time.Duration
	RefreshInterval time.Duration
}

// ReconciliationConfig holds external feed reconciliation settings
type ReconciliationConfig struct {
	FeedURL       string
	TargetCountry string
	Interval      time.Duration
	HTTPTimeout   time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is fine in production where the environment is injected.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: database.Config{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "airquality"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "airquality"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Aggregation: AggregationConfig{
			CurrentAlpha:  getEnvFloat("AGG_CURRENT_ALPHA", 0.01),
			CityAlpha:     getEnvFloat("AGG_CITY_ALPHA", 0.1),
			CurrentWindow: getEnvDuration("AGG_CURRENT_WINDOW", 20*time.Minute),
		},
		Summary: SummaryConfig{
			MaxAge:          getEnvDuration("SUMMARY_MAX_AGE", 10*time.Minute),
			RefreshInterval: getEnvDuration("SUMMARY_REFRESH_INTERVAL", 5*time.Minute),
		},
		Reconciliation: ReconciliationConfig{
			FeedURL:       getEnv("RECONCILE_FEED_URL", ""),
			TargetCountry: getEnv("RECONCILE_TARGET_COUNTRY", "AT"),
			Interval:      getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			HTTPTimeout:   getEnvDuration("RECONCILE_HTTP_TIMEOUT", 60*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("db max open conns must be positive, got %d", c.Database.MaxOpenConns)
	}
	if c.Aggregation.CurrentAlpha < 0 || c.Aggregation.CurrentAlpha >= 1 {
		return fmt.Errorf("current alpha must be in [0, 1), got %g", c.Aggregation.CurrentAlpha)
	}
	if c.Aggregation.CityAlpha < 0 || c.Aggregation.CityAlpha >= 1 {
		return fmt.Errorf("city alpha must be in [0, 1), got %g", c.Aggregation.CityAlpha)
	}
	if c.Aggregation.CurrentWindow <= 0 {
		return fmt.Errorf("current window must be positive, got %s", c.Aggregation.CurrentWindow)
	}
	if c.Summary.MaxAge <= 0 {
		return fmt.Errorf("summary max age must be positive, got %s", c.Summary.MaxAge)
	}
	if c.Summary.RefreshInterval <= 0 {
		return fmt.Errorf("summary refresh interval must be positive, got %s", c.Summary.RefreshInterval)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
