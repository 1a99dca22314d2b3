// Command walletproviderd runs the wallet provider.
// This file implements the serve command and the server lifecycle.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/config"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/nonce"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/server"
)

// nonceCleanupSchedule is the cron spec of the expired-nonce janitor.
const nonceCleanupSchedule = "@every 1m"

// newServeCmd runs the HTTP server. Flags override the matching environment
// variables.
func newServeCmd() *cobra.Command {
	var addr, backend string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet provider HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Address = addr
			}
			if backend != "" {
				cfg.StoreBackend = backend
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.LogLevel))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides WP_HTTP_ADDR")
	cmd.Flags().StringVar(&backend, "backend", "", "store backend (memory, postgres, mongo), overrides WP_STORE_BACKEND")
	return cmd
}

// serve runs until ctx is cancelled or a listener fails, then shuts both
// servers down gracefully.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	// Sentry is optional; without a DSN panics and conflicts are only logged
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN, Environment: cfg.Env}); err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	handler := a.handler.Router()
	if cfg.SentryDSN != "" {
		handler = sentryhttp.New(sentryhttp.Options{}).Handle(handler)
	}

	janitor, err := startNonceJanitor(ctx, a.nonces, logger)
	if err != nil {
		return err
	}
	defer janitor.Stop()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Metrics get their own listener unless it would collide with the main one
	servers := []*http.Server{srv}
	if cfg.MetricsAddress != "" && cfg.MetricsAddress != cfg.Address {
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           server.NewMetricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	errs := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("walletproviderd listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}(s)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
		logger.Error("server error", "error", serveErr)
	}

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "addr", s.Addr, "error", err)
		}
	}
	logger.Info("shutdown complete")
	return serveErr
}

// startNonceJanitor removes expired nonces every minute so persistent
// backends do not grow without bound.
func startNonceJanitor(ctx context.Context, nonces *nonce.Store, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(nonceCleanupSchedule, func() {
		if err := nonces.Cleanup(ctx); err != nil {
			logger.Warn("nonce cleanup failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
