// Command walletproviderd runs the wallet provider.
// This file wires the protocol components, the store and the HTTP handler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/assertion"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/attestation"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/config"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/configuration"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/did"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/nonce"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/notify"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/server"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

// app is the wired service, shared by serve and the integration test.
type app struct {
	handler *server.Handler
	nonces  *nonce.Store
	store   storage.Store
	close   func()
}

// buildApp wires every component from cfg. The returned close releases the
// store connection.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	// Provider signing key
	raw, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	key, err := jose.LoadServiceKey(raw, cfg.ProviderVM, cfg.ProviderDID)
	if err != nil {
		return nil, err
	}

	// Trust resolution goes through the universal resolvers, primary first
	user, password := cfg.ResolverCredentials()
	resolver, err := did.NewResolver(
		did.Endpoint{URL: cfg.ResolverPrimaryURL, Username: user, Password: password},
		did.Endpoint{URL: cfg.ResolverSecondaryURL},
		did.WithTimeout(cfg.ResolverTimeout),
		did.WithCacheTTL(cfg.ResolverCacheTTL),
		did.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Protocol components
	verifier := assertion.NewVerifier(resolver)
	nonces := nonce.New(store, nonce.WithTTL(cfg.NonceTTL))

	metadata := attestation.DefaultMetadata()
	metadata.Name = cfg.WalletName
	metadata.AuthorizationEndpoint = cfg.WalletAuthorizationEndpoint
	issuer := attestation.NewIssuer(verifier, nonces, key,
		attestation.WithValidity(cfg.AttestationValidity),
		attestation.WithMetadata(metadata),
		attestation.WithLogger(logger),
	)

	// Binding conflicts are always logged, and also sent to Sentry when configured
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.SentryDSN != "" {
		notifiers = append(notifiers, notify.NewSentry())
	}
	configs := configuration.NewService(store, verifier, assertion.NewTrustList(cfg.TrustedIssuers...), key,
		configuration.WithPolicy(configuration.Policy{
			RejectBindingConflicts:  cfg.RejectBindingConflicts,
			RejectSuspendedAccounts: cfg.RejectSuspendedAccounts,
		}),
		configuration.WithNotifier(notifiers, cfg.AdminEmail),
		configuration.WithValidity(cfg.ConfigurationValidity),
		configuration.WithLogger(logger),
	)

	svc := server.Services{
		Nonces:        nonces,
		Issuer:        issuer,
		Configuration: configs,
		ServiceKey:    key,
	}
	// Only database-backed stores have something to ping
	if p, ok := store.(storage.Pinger); ok {
		svc.Ready = p
	}
	handler, err := server.New(cfg, svc, logger)
	if err != nil {
		closeStore()
		return nil, err
	}
	return &app{handler: handler, nonces: nonces, store: store, close: closeStore}, nil
}

// openStore connects the configured backend, retrying while the database
// comes up.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	switch cfg.StoreBackend {
	case "", "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemory(), func() {}, nil

	case "postgres":
		var pg *storage.Postgres
		err := connectWithRetry(ctx, cfg.DBConnectRetries, logger, func() error {
			var err error
			pg, err = storage.NewPostgres(ctx, cfg.DatabaseDSN)
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := storage.MigratePostgres(ctx, pg.DB()); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil

	case "mongo":
		var mg *storage.Mongo
		err := connectWithRetry(ctx, cfg.DBConnectRetries, logger, func() error {
			var err error
			mg, err = storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
			return err
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		// NewMongo has already created the indexes
		return mg, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mg.Close(closeCtx)
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// connectWithRetry retries connect once a second, at most retries times.
func connectWithRetry(ctx context.Context, retries uint64, logger *slog.Logger, connect func() error) error {
	return backoff.RetryNotify(
		connect,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), retries), ctx),
		func(err error, wait time.Duration) {
			logger.Warn("failed to connect to storage, retrying", "error", err, "wait", wait)
		},
	)
}
