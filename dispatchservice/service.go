package dispatchservice

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/internal/api"
)

type Wrapper struct {
	*microservice.BaseServer
	closers []func() error
	logger  *slog.Logger
}

// New assembles the HTTP surface over the dispatch façade. closers run on
// Shutdown after the server stops, in reverse order.
func New(
	cfg *config.Config,
	dispatcher api.Dispatcher,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
	closers ...func() error,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. API
	dispatchAPI := api.NewDispatchAPI(dispatcher, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	if authMiddleware == nil {
		authMiddleware = func(next http.Handler) http.Handler { return next }
	}

	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(h)))
	}

	// OPTIONS
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	handle("POST /api/v1/messages/send", dispatchAPI.SendMessage)
	handle("POST /api/v1/messages/batch", dispatchAPI.SendBatch)
	handle("POST /api/v1/topics/{topic}/subscribe", dispatchAPI.Subscribe)
	handle("POST /api/v1/topics/{topic}/unsubscribe", dispatchAPI.Unsubscribe)
	handle("POST /api/v1/topics/{topic}/send", dispatchAPI.SendToTopic)
	handle("GET /api/v1/topics/{topic}", dispatchAPI.GetTopic)
	handle("DELETE /api/v1/topics/{topic}", dispatchAPI.DeleteTopic)

	return &Wrapper{
		BaseServer: baseServer,
		closers:    closers,
		logger:     logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			w.logger.Error("Component close failed.", "err", err)
			finalErr = err
		}
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
