package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "7530", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1000, cfg.Broker.MaxQueueSize)
	assert.Equal(t, time.Hour, cfg.Broker.MessageRetention)
	assert.Equal(t, 3, cfg.Broker.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Broker.RequestTimeout)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 100.0, cfg.Auth.RateLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAYMQ_PORT", "9000")
	t.Setenv("RELAYMQ_MAX_QUEUE_SIZE", "50")
	t.Setenv("RELAYMQ_MESSAGE_RETENTION", "10m")
	t.Setenv("RELAYMQ_STORAGE", "redis")
	t.Setenv("RELAYMQ_DLQ_NOTIFY", "true")
	t.Setenv("RELAYMQ_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Broker.MaxQueueSize)
	assert.Equal(t, 10*time.Minute, cfg.Broker.MessageRetention)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.True(t, cfg.Broker.DeadLetterNotify)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RELAYMQ_MAX_QUEUE_SIZE", "not-a-number")
	t.Setenv("RELAYMQ_MESSAGE_RETENTION", "soon")

	cfg := Load()
	assert.Equal(t, 1000, cfg.Broker.MaxQueueSize)
	assert.Equal(t, time.Hour, cfg.Broker.MessageRetention)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Load()
	cfg.Storage.Backend = "cassandra"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresDBPasswordInRelease(t *testing.T) {
	cfg := Load()
	cfg.Storage.Backend = "postgres"
	cfg.Server.Mode = "release"
	cfg.Database.Password = ""
	require.Error(t, cfg.Validate())

	cfg.Database.Password = "secret"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveLimits(t *testing.T) {
	cfg := Load()
	cfg.Broker.MaxQueueSize = 0
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.Auth.RateLimit = -1
	require.Error(t, cfg.Validate())
}

func TestDSNAndAddr(t *testing.T) {
	cfg := Load()
	cfg.Database.User = "u"
	cfg.Database.Password = "p"
	cfg.Database.Host = "db"
	cfg.Database.Port = "5433"
	cfg.Database.Name = "mq"
	assert.Equal(t, "postgres://u:p@db:5433/mq?sslmode=disable", cfg.Database.DSN())

	cfg.Redis.Host = "cache"
	cfg.Redis.Port = "6380"
	assert.Equal(t, "cache:6380", cfg.Redis.Addr())
	assert.Equal(t, "0.0.0.0:7530", cfg.Server.ListenAddr())
}
