package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.Bundling.MaxMessageCount)
	assert.Equal(t, uint(5), cfg.Transaction.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, "log", cfg.Broker.Type)
	assert.False(t, cfg.IsProduction())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EDI_BUNDLING_MAX_MESSAGE_COUNT", "7")
	t.Setenv("EDI_OUTBOX_INTERVAL", "250ms")
	t.Setenv("EDI_BROKER_TYPE", "kafka")
	t.Setenv("EDI_BROKER_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Bundling.MaxMessageCount)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.Interval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.Kafka.Brokers)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("EDI_DATABASE_DRIVER", "mysql")

	_, err := Load()
	assert.ErrorContains(t, err, "invalid config")
}

func TestValidateRabbitRequiresURL(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Broker.Type = "rabbitmq"
	cfg.Broker.RabbitMQ.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "rabbitmq")
}
