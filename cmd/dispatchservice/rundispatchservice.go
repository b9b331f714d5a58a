package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-dispatch-service/internal/dispatcher"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/credentials"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/events"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcmhttp"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcmv1"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/legacy"

	"github.com/tinywideclouds/go-dispatch-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-dispatch-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-dispatch-service/internal/storage/memory"
	sqlStore "github.com/tinywideclouds/go-dispatch-service/internal/storage/sql"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"

	"github.com/tinywideclouds/go-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"

	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-dispatch-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// Dispatch components log through pushLogger so FCM_PUSH_LOGGING can
	// silence them without touching the service logs.
	pushLogger := logger
	if !cfg.FCM.Logging {
		pushLogger = slog.New(slog.DiscardHandler)
	}

	var closers []func() error

	// --- Topic Store (Decorated) ---
	topicStore, storeClosers, err := newTopicStore(ctx, cfg, pushLogger)
	if err != nil {
		logger.Error("Topic store failed", "backend", cfg.TopicStore.Backend, "err", err)
		os.Exit(1)
	}
	closers = append(closers, storeClosers...)
	logger.Info("TopicStore initialized", "type", cfg.TopicStore.Backend)

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		closers = append(closers, redisClient.Close)
		topicStore = cache.NewCachedTopicStore(topicStore, redisClient, cfg.Redis.TTL, pushLogger)
		logger.Info("TopicStore upgraded", "type", "redis_cached_"+cfg.TopicStore.Backend)
	}

	// --- Events ---
	var eventPublisher dispatch.EventPublisher
	if cfg.EventsTopicID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		if err := ensureTopic(ctx, psClient, cfg.ProjectID, cfg.EventsTopicID, logger); err != nil {
			logger.Error("Events topic unavailable", "err", err)
			os.Exit(1)
		}
		publisher := psClient.Publisher(cfg.EventsTopicID)
		closers = append(closers, psClient.Close, func() error { publisher.Stop(); return nil })
		eventPublisher = events.NewPublisher(publisher, pushLogger)
		logger.Info("Dispatch events enabled", "topic", cfg.EventsTopicID)
	}

	// --- Transports ---
	transports, err := newTransports(ctx, cfg, pushLogger)
	if err != nil {
		logger.Error("Transport setup failed", "err", err)
		os.Exit(1)
	}

	svc, err := dispatcher.NewService(
		dispatcher.Config{DefaultProtocol: cfg.FCM.Protocol, BatchWorkers: cfg.BatchWorkers},
		transports,
		topicStore,
		eventPublisher,
		pushLogger,
	)
	if err != nil {
		logger.Error("Dispatcher creation failed", "err", err)
		os.Exit(1)
	}

	// --- Auth ---
	var authMiddleware func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.Auth.IdentityURL, middleware.RSA256, logger)
		if err != nil {
			logger.Error("JWT discovery failed", "identity_url", cfg.Auth.IdentityURL, "err", err)
			os.Exit(1)
		}
		authMiddleware, err = middleware.NewJWKSAuthMiddleware(jwksURL, logger)
		if err != nil {
			logger.Error("Auth middleware failed", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("Authentication disabled, dispatch routes are open")
	}

	service, err := dispatchservice.New(cfg, svc, authMiddleware, logger, closers...)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr, "protocol", cfg.FCM.Protocol)
		if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		os.Exit(1)
	}
}

// newTransports builds every transport the configuration has credentials for.
func newTransports(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]dispatch.Transport, error) {
	httpClient := fcmhttp.NewHTTPClient(cfg.FCM.RequestTimeout)
	var transports []dispatch.Transport

	// A. Legacy (server key)
	if cfg.FCM.ServerKey != "" {
		transports = append(transports, legacy.NewTransport(legacy.Config{
			ServerKey:  cfg.FCM.ServerKey,
			SendURL:    cfg.FCM.LegacySendURL,
			IIDBaseURL: cfg.FCM.IIDBaseURL,
			BatchSize:  cfg.FCM.LegacyBatchSize,
		}, httpClient, logger))
	}

	if cfg.FCM.ServiceAccountPath == "" {
		return transports, nil
	}

	// B. HTTP v1 (service account bearer tokens)
	provider := credentials.NewProvider(cfg.FCM.ServiceAccountPath, httpClient, logger)
	transports = append(transports, fcmv1.NewTransport(fcmv1.Config{
		ProjectID:  cfg.ProjectID,
		BaseURL:    cfg.FCM.V1BaseURL,
		IIDBaseURL: cfg.FCM.IIDBaseURL,
	}, provider, httpClient, logger))

	// C. Admin SDK
	fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID},
		option.WithCredentialsFile(cfg.FCM.ServiceAccountPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
	}
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	transports = append(transports, fcm.NewTransport(fcmMessaging, logger))

	return transports, nil
}

func newTopicStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.TopicStore, []func() error, error) {
	switch cfg.TopicStore.Backend {
	case config.StoreMemory:
		return memory.NewTopicStore(), nil, nil
	case config.StorePostgres:
		store, err := sqlStore.Open(cfg.TopicStore.PostgresDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, []func() error{store.Close}, nil
	default:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client failed: %w", err)
		}
		return fsStore.NewTopicStore(fsClient, cfg.TopicStore.Collection), []func() error{fsClient.Close}, nil
	}
}

func ensureTopic(ctx context.Context, psClient *pubsub.Client, projectID, topicID string, logger *slog.Logger) error {
	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	logger.Debug("Ensuring topic exists", "topic", name)
	_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Topic already exists, skipping creation", "topic", name)
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", name, err)
	}
	return nil
}
