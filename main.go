// Command broker is the group-chat synchronization gateway: a WebSocket hub
// that authenticates connections, rate-limits inbound events, persists the
// message log, and fans every change out to all live clients, plus the REST
// surface clients use to resynchronise history after a reconnect.
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

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"pulsechat/broker/internal/config"
	"pulsechat/broker/internal/httpapi"
	"pulsechat/broker/internal/logging"
	"pulsechat/broker/internal/metrics"
	"pulsechat/broker/internal/ratelimit"
	"pulsechat/broker/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "broker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Path: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	messageStore, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer messageStore.Close()

	authenticator, err := newHMACWebsocketAuthenticator(cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("configure authenticator: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateWindow, cfg.EventLimits)
	limiter.StartSweeper(cfg.RateSweepInterval)
	defer limiter.Stop()

	m := metrics.New()
	broker := NewBroker(cfg, messageStore, limiter, m, logger, WithWebsocketAuthenticator(authenticator))

	router := mux.NewRouter()
	router.HandleFunc("/ws", broker.ServeWS)

	// The REST surface gets request logging and per-remote throttling; the
	// WebSocket endpoint stays outside both so the upgrade can hijack the
	// connection and the sliding-window limiter governs its traffic instead.
	api := router.PathPrefix("/").Subrouter()
	api.Use(httpapi.RequestLogger(logger))
	api.Use(httpapi.RateLimitMiddleware(cfg.HTTPRate, cfg.HTTPBurst))
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:          logger,
		History:         messageStore,
		Stats:           broker.Stats,
		Metrics:         m.Handler(),
		DefaultPageSize: cfg.HistoryPageSize,
	})
	handlers.Register(api)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if tlsEnabled {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
		close(errCh)
	}()

	logger.Info("gateway listening",
		zap.String("url", listenerURL(cfg.Address, tlsEnabled)),
		zap.String("websocket", websocketURL(cfg.Address, tlsEnabled)),
		zap.String("store", cfg.StorePath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr, ok := <-errCh:
		if ok && serveErr != nil {
			return fmt.Errorf("serve: %w", serveErr)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	broker.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}
