package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/sopline/config"
	httpx "github.com/target/sopline/internal/http"
)

const (
	httpReadHeaderTimeout = 10 * time.Second
	// Uploads stream whole videos through the request body.
	httpReadTimeout  = 15 * time.Minute
	httpWriteTimeout = 5 * time.Minute
	httpIdleTimeout  = 2 * time.Minute
	httpDrainTimeout = 10 * time.Second
)

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
	// Errors receives a listen failure; a clean shutdown sends nothing.
	Errors chan<- error
}

// StartHTTPServer serves the API in the background and returns the server for shutdown.
func StartHTTPServer(cfg *HTTPServerConfig) *http.Server {
	if cfg == nil || cfg.Config == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := cfg.Config.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr: addr,
		Handler: httpx.NewRouter(httpx.RouterServices{
			Jobs:           cfg.Services.Jobs,
			Artifacts:      cfg.Services.Artifacts,
			Deliveries:     cfg.Services.Deliveries,
			MaxUploadBytes: cfg.Config.HTTP.MaxUploadBytes,
			Checks:         cfg.Services.Checks,
			Metrics:        cfg.Services.Metrics,
			Logger:         logger,
		}),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		WriteTimeout:      httpWriteTimeout,
		IdleTimeout:       httpIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		err := server.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("HTTP server failed", "error", err)
		if cfg.Errors != nil {
			cfg.Errors <- fmt.Errorf("http server: %w", err)
		}
	}()
	return server
}

// ShutdownConfig contains dependencies for HTTP server shutdown.
type ShutdownConfig struct {
	Context context.Context
	Server  *http.Server
	Logger  *slog.Logger
}

// ShutdownHTTPServer drains in-flight requests.
func ShutdownHTTPServer(cfg ShutdownConfig) error {
	if cfg.Server == nil {
		return nil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(cfg.Context, httpDrainTimeout)
	defer cancel()
	if err := cfg.Server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}
