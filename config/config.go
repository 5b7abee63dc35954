package config

import (
	"os"
	"strconv"
	"time"

	"mpesa-relay/internal/services/gateway/daraja"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Daraja gateway configuration
	Daraja daraja.Config

	// Reconciliation configuration
	StatusQueryTimeout time.Duration
	SweepInterval      time.Duration
	StaleInitiationAge time.Duration
	CallbackSeenTTL    time.Duration

	// Rate limiting
	InitiateRateLimit  int
	InitiateRateWindow time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Daraja
		Daraja: daraja.Config{
			BaseURL:          getEnv("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:      getEnv("DARAJA_CONSUMER_KEY", ""),
			ConsumerSecret:   getEnv("DARAJA_CONSUMER_SECRET", ""),
			ShortCode:        getEnv("DARAJA_SHORT_CODE", ""),
			PassKey:          getEnv("DARAJA_PASS_KEY", ""),
			CallbackBaseURL:  getEnv("DARAJA_CALLBACK_BASE_URL", ""),
			AccountReference: getEnv("DARAJA_ACCOUNT_REFERENCE", "mpesa-relay"),
		},

		// Reconciliation
		StatusQueryTimeout: getEnvAsDuration("STATUS_QUERY_TIMEOUT", "5s"),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", "10m"),
		StaleInitiationAge: getEnvAsDuration("STALE_INITIATION_AGE", "30m"),
		CallbackSeenTTL:    getEnvAsDuration("CALLBACK_SEEN_TTL", "24h"),

		// Rate limiting
		InitiateRateLimit:  getEnvAsInt("INITIATE_RATE_LIMIT", 30),
		InitiateRateWindow: getEnvAsDuration("INITIATE_RATE_WINDOW", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
