// Package main is the entry point for the chat gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/backend"
	"github.com/capitalize-ai/assistant-client/internal/config"
	"github.com/capitalize-ai/assistant-client/internal/handler"
	natsclient "github.com/capitalize-ai/assistant-client/internal/nats"
	"github.com/capitalize-ai/assistant-client/internal/session"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
	"github.com/capitalize-ai/assistant-client/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting gateway", zap.String("backend", cfg.BackendURL))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "assistant-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(ctx, tp) }()
		}
	}

	client, err := backend.New(cfg.BackendURL,
		backend.WithToken(cfg.BackendToken),
		backend.WithUserAgent("assistant-gateway"),
		backend.WithRequestTimeout(cfg.RequestTimeout),
		backend.WithLogger(log),
	)
	if err != nil {
		return err
	}

	routes := handler.RouterConfig{
		Backend:           client,
		Sessions:          session.NewController(client, log),
		DefaultModel:      cfg.DefaultModel,
		AuthEnabled:       cfg.AuthEnabled,
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSAllowedOrigins,
		StreamHeartbeat:   cfg.StreamHeartbeat,
		Logger:            log,
	}

	if cfg.NATSEnabled {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			Name:     "assistant-gateway",
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		cancel()
		if err != nil {
			return err
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient, cfg.AuditMaxAge)
		if err := streamManager.EnsureStream(ctx); err != nil {
			return err
		}
		routes.Audit = streamManager
		routes.NATS = natsClient
	}

	if cfg.AuthEnabled && cfg.JWTSecret == config.DevelopmentJWTSecret {
		log.Warn("authentication uses the development JWT secret")
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(routes),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
