package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Auth       AuthConfig
	Billing    BillingConfig
	Generation GenerationConfig
	RateLimit  RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	MetricsPort     int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	UsageTTL time.Duration
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// AuthConfig holds JWT configuration
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// BillingConfig holds the external subscription provider configuration
type BillingConfig struct {
	SubscriptionURL string
	Timeout         time.Duration
}

// GenerationConfig holds the external completion API configuration
type GenerationConfig struct {
	Endpoint         string
	APIKey           string
	Model            string
	Timeout          time.Duration
	DefaultTokenCost int64
}

// RateLimitConfig holds per-client rate limit configuration
type RateLimitConfig struct {
	RPS   int
	Burst int
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.metricsPort", 9091)
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "licensing")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.usageTTL", "30s")

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "")
	viper.SetDefault("auth.tokenTTL", "720h") // 30 days

	// Billing defaults
	viper.SetDefault("billing.subscriptionURL", "")
	viper.SetDefault("billing.timeout", "10s")

	// Generation defaults
	viper.SetDefault("generation.endpoint", "")
	viper.SetDefault("generation.apiKey", "")
	viper.SetDefault("generation.model", "gpt-4o-mini")
	viper.SetDefault("generation.timeout", "60s")
	viper.SetDefault("generation.defaultTokenCost", 1)

	// Rate limit defaults
	viper.SetDefault("ratelimit.rps", 10)
	viper.SetDefault("ratelimit.burst", 20)
}
