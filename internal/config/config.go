package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Upstream inference
	UpstreamAPIToken       string // single shared bearer token forwarded to tenant endpoints
	UpstreamConnectTimeout time.Duration
	UpstreamRetryDelay     time.Duration

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Persistence worker pool
	PersistenceWorkerPoolSize int
	PersistenceBufferSize     int
	PersistenceTimeoutSeconds int

	// Maintenance
	EventRetention   time.Duration // streaming events purged after this age
	SessionRetention time.Duration // conversation/streaming sessions purged after this age
	PurgeSchedule    string        `yaml:"purge_schedule"` // cron spec for the purge job

	// Integrations (ticketing / order lookup proxies)
	IntegrationTimeoutSeconds int
	IntegrationMaxRetries     int
	FreshdeskDomain           string
	FreshdeskAPIKey           string
	OrderLookupURL            string

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/chatcore?sslmode=disable"),

		// Upstream inference
		UpstreamAPIToken:       getEnvOrDefault("UPSTREAM_API_TOKEN", ""),
		UpstreamConnectTimeout: getEnvAsDuration("UPSTREAM_CONNECT_TIMEOUT", 30*time.Second),
		UpstreamRetryDelay:     getEnvAsDuration("UPSTREAM_RETRY_DELAY", time.Second),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Persistence worker pool
		PersistenceWorkerPoolSize: getEnvAsInt("PERSISTENCE_WORKER_POOL_SIZE", 5),
		PersistenceBufferSize:     getEnvAsInt("PERSISTENCE_BUFFER_SIZE", 500),
		PersistenceTimeoutSeconds: getEnvAsInt("PERSISTENCE_TIMEOUT_SECONDS", 30),

		// Maintenance
		EventRetention:   getEnvAsDuration("EVENT_RETENTION", time.Hour),
		SessionRetention: getEnvAsDuration("SESSION_RETENTION", 24*time.Hour),
		PurgeSchedule:    getEnvOrDefault("PURGE_SCHEDULE", "@every 10m"),

		// Integrations
		IntegrationTimeoutSeconds: getEnvAsInt("INTEGRATION_TIMEOUT_SECONDS", 30),
		IntegrationMaxRetries:     getEnvAsInt("INTEGRATION_MAX_RETRIES", 2),
		FreshdeskDomain:           getEnvOrDefault("FRESHDESK_DOMAIN", ""),
		FreshdeskAPIKey:           getEnvOrDefault("FRESHDESK_API_KEY", ""),
		OrderLookupURL:            getEnvOrDefault("ORDER_LOOKUP_URL", ""),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional YAML overlay for settings that should not come from env
	// (tuning knobs shared across deployments).
	configFilePath := getEnvOrDefault("CONFIG_FILE", "")
	if configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.UpstreamAPIToken == "" {
		log.Println("Warning: Upstream API token is missing. Please set UPSTREAM_API_TOKEN environment variable.")
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
