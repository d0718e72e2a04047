package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all environment configuration values for the application.
// These values are loaded from a .env file at startup.
type Config struct {
	// ServerPort is the port the HTTP server listens on
	ServerPort string

	// JWTSecret signs and verifies connection access tokens
	JWTSecret string

	// RedisAddr is the address of the Redis instance backing the presence
	// store, unread counters and the cross-process broadcast bus
	RedisAddr string

	// KafkaBrokers is the list of Kafka broker addresses
	KafkaBrokers []string

	// KafkaTopic is the topic chat messages are produced to and consumed from
	KafkaTopic string

	// KafkaGroupID is the consumer group id for the persistence consumer
	KafkaGroupID string

	// ChatStoreURL is the base URL of the chat-store CRUD service that owns
	// conversations, users and persisted messages
	ChatStoreURL string

	// ChatStoreKey is the service key for backend calls to the chat store
	ChatStoreKey string

	// ConsumerCooldown is how long the consumer pauses after a processing
	// failure before retrying or moving on
	ConsumerCooldown time.Duration

	// ReconcileInterval is how often the presence reconciler sweeps for
	// users left online by a crashed process
	ReconcileInterval time.Duration

	// ShutdownTimeout bounds how long in-flight work may flush on exit
	ShutdownTimeout time.Duration
}

// Load reads environment variables and returns a populated Config struct.
// It will load from a .env file if present, then read from environment variables.
// Falls back to sensible defaults if values are not set.
func Load() *Config {
	// Attempt to load .env file - not an error if it doesn't exist
	// as we may be running in production with real environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		ServerPort:        getEnv("PORT", "8080"),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:      getEnvList("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "chat-messages"),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "chat-persister"),
		ChatStoreURL:      getEnv("CHAT_STORE_URL", ""),
		ChatStoreKey:      getEnv("CHAT_STORE_KEY", ""),
		ConsumerCooldown:  getEnvDuration("CONSUMER_COOLDOWN", 5*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	// Validate required configuration
	if config.JWTSecret == "" {
		log.Println("WARNING: JWT_SECRET is not set")
	}
	if config.ChatStoreURL == "" {
		log.Println("WARNING: CHAT_STORE_URL is not set")
	}
	if config.ChatStoreKey == "" {
		log.Println("WARNING: CHAT_STORE_KEY is not set")
	}

	return config
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList retrieves a comma-separated environment variable as a slice
func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// getEnvDuration retrieves an environment variable as a duration.
// Accepts Go duration strings ("5s") or a plain number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("WARNING: invalid duration for %s: %q, using default", key, raw)
	return defaultValue
}
