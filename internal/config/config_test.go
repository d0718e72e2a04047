package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "JWT_SECRET", "REDIS_ADDR", "KAFKA_BROKERS", "KAFKA_TOPIC",
		"KAFKA_GROUP_ID", "CHAT_STORE_URL", "CHAT_STORE_KEY",
		"CONSUMER_COOLDOWN", "RECONCILE_INTERVAL", "SHUTDOWN_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "chat-messages", cfg.KafkaTopic)
	assert.Equal(t, "chat-persister", cfg.KafkaGroupID)
	assert.Equal(t, 5*time.Second, cfg.ConsumerCooldown)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CONSUMER_COOLDOWN", "250ms")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, cfg.ConsumerCooldown)
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{name: "go duration string", value: "30s", want: 30 * time.Second},
		{name: "plain seconds", value: "10", want: 10 * time.Second},
		{name: "garbage falls back", value: "soon", want: time.Minute},
		{name: "unset falls back", value: "", want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, getEnvDuration("TEST_DURATION", time.Minute))
		})
	}
}
