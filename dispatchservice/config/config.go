package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// Topic store backends.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

const (
	defaultListenAddr     = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultBatchWorkers   = 8
	defaultRedisTTL       = time.Hour
)

type FCMConfig struct {
	Protocol           dispatch.Protocol
	ServerKey          string
	ServiceAccountPath string
	// Logging false silences the dispatch components.
	Logging         bool
	RequestTimeout  time.Duration
	LegacyBatchSize int

	// Endpoint overrides, empty means the public FCM URLs.
	LegacySendURL string
	V1BaseURL     string
	IIDBaseURL    string
}

type TopicStoreConfig struct {
	Backend     string
	Collection  string
	PostgresDSN string
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type AuthConfig struct {
	Enabled     bool
	IdentityURL string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID    string
	ListenAddr   string
	BatchWorkers int

	FCM        FCMConfig
	TopicStore TopicStoreConfig
	Redis      RedisConfig
	Auth       AuthConfig
	CorsConfig middleware.CorsConfig

	// EventsTopicID enables dispatch event publishing when set.
	EventsTopicID string
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("BATCH_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "BATCH_WORKERS", "source", "env")
			cfg.BatchWorkers = workers
		}
	}

	// FCM Overrides
	if val := os.Getenv("FCM_PROTOCOL"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_PROTOCOL", "source", "env")
		cfg.FCM.Protocol = dispatch.Protocol(strings.ToLower(strings.TrimSpace(val)))
	}
	if val := os.Getenv("FCM_SERVER_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_SERVER_KEY", "source", "env")
		cfg.FCM.ServerKey = val
	}
	if val := os.Getenv("FCM_SERVICE_ACCOUNT_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "FCM_SERVICE_ACCOUNT_PATH", "source", "env")
		cfg.FCM.ServiceAccountPath = val
	}
	if val := os.Getenv("FCM_PUSH_LOGGING"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.FCM.Logging = enabled
		}
	}
	if val := os.Getenv("REQUEST_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			logger.Debug("Overriding config value", "key", "REQUEST_TIMEOUT", "source", "env")
			cfg.FCM.RequestTimeout = d
		}
	}
	if val := os.Getenv("LEGACY_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil && size > 0 {
			cfg.FCM.LegacyBatchSize = size
		}
	}

	// Topic Store Overrides
	if val := os.Getenv("TOPIC_STORE"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_STORE", "source", "env")
		cfg.TopicStore.Backend = val
	}
	if val := os.Getenv("POSTGRES_DSN"); val != "" {
		cfg.TopicStore.PostgresDSN = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	if val := os.Getenv("EVENTS_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "EVENTS_TOPIC_ID", "source", "env")
		cfg.EventsTopicID = val
	}
	if val := os.Getenv("IDENTITY_SERVICE_URL"); val != "" {
		cfg.Auth.IdentityURL = val
		cfg.Auth.Enabled = true
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.FCM.Protocol == "" {
		cfg.FCM.Protocol = dispatch.ProtocolV1
	}
	if _, err := dispatch.ParseProtocol(string(cfg.FCM.Protocol)); err != nil {
		return nil, fmt.Errorf("fcm.protocol: %w", err)
	}
	switch cfg.FCM.Protocol {
	case dispatch.ProtocolLegacy:
		if cfg.FCM.ServerKey == "" {
			return nil, fmt.Errorf("server_key is required for the legacy protocol (set via YAML or FCM_SERVER_KEY env var)")
		}
	case dispatch.ProtocolV1:
		if cfg.FCM.ServiceAccountPath == "" {
			return nil, fmt.Errorf("service_account_path is required for the v1 protocol (set via YAML or FCM_SERVICE_ACCOUNT_PATH env var)")
		}
	}

	if cfg.TopicStore.Backend == "" {
		cfg.TopicStore.Backend = StoreFirestore
	}
	switch cfg.TopicStore.Backend {
	case StoreMemory, StoreFirestore:
	case StorePostgres:
		if cfg.TopicStore.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres_dsn is required for the postgres topic store (set via YAML or POSTGRES_DSN env var)")
		}
	default:
		return nil, fmt.Errorf("unknown topic store backend %q", cfg.TopicStore.Backend)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	if cfg.FCM.RequestTimeout <= 0 {
		cfg.FCM.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = defaultRedisTTL
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
