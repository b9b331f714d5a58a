package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlFCMConfig struct {
	Protocol           string `yaml:"protocol"`
	ServerKey          string `yaml:"server_key"`
	ServiceAccountPath string `yaml:"service_account_path"`
	Logging            *bool  `yaml:"logging"`
	RequestTimeout     string `yaml:"request_timeout"`
	LegacyBatchSize    int    `yaml:"legacy_batch_size"`
	LegacySendURL      string `yaml:"legacy_send_url"`
	V1BaseURL          string `yaml:"v1_base_url"`
	IIDBaseURL         string `yaml:"iid_base_url"`
}

type YamlTopicStoreConfig struct {
	Backend     string `yaml:"backend"`
	Collection  string `yaml:"collection"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type YamlAuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	IdentityURL string `yaml:"identity_url"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID        string               `yaml:"project_id"`
	ListenAddr       string               `yaml:"listen_addr"`
	BatchWorkers     int                  `yaml:"batch_workers"`
	EventsTopicID    string               `yaml:"events_topic_id"`
	FCMConfig        YamlFCMConfig        `yaml:"fcm"`
	TopicStoreConfig YamlTopicStoreConfig `yaml:"topic_store"`
	RedisConfig      YamlRedisConfig      `yaml:"redis"`
	AuthConfig       YamlAuthConfig       `yaml:"auth"`
	CorsConfig       YamlCorsConfig       `yaml:"cors"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	requestTimeout, err := parseDuration(baseCfg.FCMConfig.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("fcm.request_timeout: %w", err)
	}
	redisTTL, err := parseDuration(baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, fmt.Errorf("redis.ttl: %w", err)
	}

	// Logging defaults to on when the key is absent.
	logging := true
	if baseCfg.FCMConfig.Logging != nil {
		logging = *baseCfg.FCMConfig.Logging
	}

	cfg := &Config{
		ProjectID:     baseCfg.ProjectID,
		ListenAddr:    baseCfg.ListenAddr,
		BatchWorkers:  baseCfg.BatchWorkers,
		EventsTopicID: baseCfg.EventsTopicID,
		FCM: FCMConfig{
			Protocol:           dispatch.Protocol(baseCfg.FCMConfig.Protocol),
			ServerKey:          baseCfg.FCMConfig.ServerKey,
			ServiceAccountPath: baseCfg.FCMConfig.ServiceAccountPath,
			Logging:            logging,
			RequestTimeout:     requestTimeout,
			LegacyBatchSize:    baseCfg.FCMConfig.LegacyBatchSize,
			LegacySendURL:      baseCfg.FCMConfig.LegacySendURL,
			V1BaseURL:          baseCfg.FCMConfig.V1BaseURL,
			IIDBaseURL:         baseCfg.FCMConfig.IIDBaseURL,
		},
		TopicStore: TopicStoreConfig{
			Backend:     baseCfg.TopicStoreConfig.Backend,
			Collection:  baseCfg.TopicStoreConfig.Collection,
			PostgresDSN: baseCfg.TopicStoreConfig.PostgresDSN,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		Auth: AuthConfig{
			Enabled:     baseCfg.AuthConfig.Enabled,
			IdentityURL: baseCfg.AuthConfig.IdentityURL,
		},
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"protocol", cfg.FCM.Protocol,
		"topic_store", cfg.TopicStore.Backend,
	)

	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
