package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
	"gopkg.in/yaml.v3"
)

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		disabled := false
		yamlCfg := &config.YamlConfig{
			ProjectID:     "yaml-project",
			ListenAddr:    ":9000",
			BatchWorkers:  5,
			EventsTopicID: "yaml-events",
			FCMConfig: config.YamlFCMConfig{
				Protocol:        "legacy",
				ServerKey:       "yaml-key",
				Logging:         &disabled,
				RequestTimeout:  "2s",
				LegacyBatchSize: 100,
				LegacySendURL:   "http://fcm.local/fcm/send",
			},
			TopicStoreConfig: config.YamlTopicStoreConfig{
				Backend:    "firestore",
				Collection: "yaml_topics",
			},
			RedisConfig: config.YamlRedisConfig{
				Addr:    "redis:6379",
				Enabled: true,
				TTL:     "30m",
			},
			AuthConfig: config.YamlAuthConfig{Enabled: true, IdentityURL: "http://identity"},
			CorsConfig: config.YamlCorsConfig{
				AllowedOrigins: []string{"http://yaml.com"},
				Role:           "editor",
			},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)

		// 1. Direct Field Mapping
		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, 5, cfg.BatchWorkers)
		assert.Equal(t, "yaml-events", cfg.EventsTopicID)

		// 2. FCM
		assert.Equal(t, dispatch.ProtocolLegacy, cfg.FCM.Protocol)
		assert.Equal(t, "yaml-key", cfg.FCM.ServerKey)
		assert.False(t, cfg.FCM.Logging)
		assert.Equal(t, 2*time.Second, cfg.FCM.RequestTimeout)
		assert.Equal(t, 100, cfg.FCM.LegacyBatchSize)
		assert.Equal(t, "http://fcm.local/fcm/send", cfg.FCM.LegacySendURL)

		// 3. Stores
		assert.Equal(t, "firestore", cfg.TopicStore.Backend)
		assert.Equal(t, "yaml_topics", cfg.TopicStore.Collection)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, 30*time.Minute, cfg.Redis.TTL)

		// 4. CORS
		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)
		assert.Equal(t, "http://identity", cfg.Auth.IdentityURL)
	})

	t.Run("Success - logging defaults to on", func(t *testing.T) {
		cfg, err := config.NewConfigFromYaml(&config.YamlConfig{ProjectID: "p"}, logger)
		require.NoError(t, err)
		assert.True(t, cfg.FCM.Logging)
		assert.Zero(t, cfg.FCM.RequestTimeout)
	})

	t.Run("Failure - bad duration", func(t *testing.T) {
		_, err := config.NewConfigFromYaml(&config.YamlConfig{
			FCMConfig: config.YamlFCMConfig{RequestTimeout: "soon"},
		}, logger)
		assert.Error(t, err)
	})

	t.Run("Success - unmarshals from yaml", func(t *testing.T) {
		raw := []byte(`
project_id: from-file
fcm:
  protocol: v1
  service_account_path: /secrets/sa.json
  logging: true
topic_store:
  backend: memory
redis:
  enabled: false
`)
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal(raw, &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
		require.NoError(t, err)
		assert.Equal(t, "from-file", cfg.ProjectID)
		assert.Equal(t, dispatch.ProtocolV1, cfg.FCM.Protocol)
		assert.Equal(t, "/secrets/sa.json", cfg.FCM.ServiceAccountPath)
		assert.Equal(t, config.StoreMemory, cfg.TopicStore.Backend)
	})
}
