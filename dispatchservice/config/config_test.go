package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:  "base-project",
			ListenAddr: ":8080",
			FCM: config.FCMConfig{
				Protocol:           dispatch.ProtocolV1,
				ServiceAccountPath: "/secrets/base.json",
				Logging:            true,
			},
			TopicStore: config.TopicStoreConfig{Backend: config.StoreMemory},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("BATCH_WORKERS", "4")
		t.Setenv("FCM_PROTOCOL", "Legacy")
		t.Setenv("FCM_SERVER_KEY", "env-key")
		t.Setenv("FCM_PUSH_LOGGING", "false")
		t.Setenv("REQUEST_TIMEOUT", "3s")
		t.Setenv("LEGACY_BATCH_SIZE", "250")
		t.Setenv("TOPIC_STORE", "postgres")
		t.Setenv("POSTGRES_DSN", "postgres://localhost/topics")
		t.Setenv("REDIS_ADDR", "localhost:6379")
		t.Setenv("REDIS_DB", "2")
		t.Setenv("EVENTS_TOPIC_ID", "dispatch-events")
		t.Setenv("IDENTITY_SERVICE_URL", "http://identity:3000")
		t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.com, http://b.com,")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, 4, finalCfg.BatchWorkers)

		assert.Equal(t, dispatch.ProtocolLegacy, finalCfg.FCM.Protocol)
		assert.Equal(t, "env-key", finalCfg.FCM.ServerKey)
		assert.False(t, finalCfg.FCM.Logging)
		assert.Equal(t, 3*time.Second, finalCfg.FCM.RequestTimeout)
		assert.Equal(t, 250, finalCfg.FCM.LegacyBatchSize)

		assert.Equal(t, config.StorePostgres, finalCfg.TopicStore.Backend)
		assert.Equal(t, "postgres://localhost/topics", finalCfg.TopicStore.PostgresDSN)

		assert.True(t, finalCfg.Redis.Enabled)
		assert.Equal(t, "localhost:6379", finalCfg.Redis.Addr)
		assert.Equal(t, 2, finalCfg.Redis.DB)
		assert.Equal(t, time.Hour, finalCfg.Redis.TTL)

		assert.Equal(t, "dispatch-events", finalCfg.EventsTopicID)
		assert.True(t, finalCfg.Auth.Enabled)
		assert.Equal(t, "http://identity:3000", finalCfg.Auth.IdentityURL)
		assert.Equal(t, []string{"http://a.com", "http://b.com"}, finalCfg.CorsConfig.AllowedOrigins)
	})

	t.Run("Success - Defaults applied", func(t *testing.T) {
		cfg := baseConfig()
		cfg.ListenAddr = ""

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 8, finalCfg.BatchWorkers)
		assert.Equal(t, 10*time.Second, finalCfg.FCM.RequestTimeout)
		assert.False(t, finalCfg.Redis.Enabled)
	})

	t.Run("Success - Protocol defaults to v1", func(t *testing.T) {
		cfg := baseConfig()
		cfg.FCM.Protocol = ""

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, dispatch.ProtocolV1, finalCfg.FCM.Protocol)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := baseConfig()
		cfg.ProjectID = ""
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Legacy without server key", func(t *testing.T) {
		cfg := baseConfig()
		cfg.FCM.Protocol = dispatch.ProtocolLegacy
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "server_key")
	})

	t.Run("Validation Failure - V1 without service account", func(t *testing.T) {
		cfg := baseConfig()
		cfg.FCM.ServiceAccountPath = ""
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "service_account_path")
	})

	t.Run("Validation Failure - Unknown protocol", func(t *testing.T) {
		cfg := baseConfig()
		t.Setenv("FCM_PROTOCOL", "apns")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Postgres without DSN", func(t *testing.T) {
		cfg := baseConfig()
		cfg.TopicStore.Backend = config.StorePostgres
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "postgres_dsn")
	})

	t.Run("Validation Failure - Unknown store", func(t *testing.T) {
		cfg := baseConfig()
		cfg.TopicStore.Backend = "mongo"
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
