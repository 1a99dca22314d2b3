// Package nonce issues and redeems the single-use challenges a wallet must
// embed in its proof-of-possession assertion before requesting an attestation.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

// DefaultTTL is how long an issued nonce stays redeemable.
const DefaultTTL = 10 * time.Second

// Store issues nonces on top of a storage backend. Nonces are never reissued
// or extended; a value either gets consumed once or expires.
type Store struct {
	backend storage.NonceStore
	ttl     time.Duration
	clock   func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates a Store over backend.
func New(backend storage.NonceStore, opts ...Option) *Store {
	s := &Store{backend: backend, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime applied to issued nonces.
func (s *Store) TTL() time.Duration { return s.ttl }

// Issue generates a random value bound to the requesting host and stores it.
func (s *Store) Issue(ctx context.Context, host string) (string, error) {
	now := s.clock().UTC()
	for attempt := 0; attempt < 3; attempt++ {
		value, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate nonce: %w", err)
		}
		err = s.backend.PutNonce(ctx, model.Nonce{
			Value:     value.String(),
			Host:      host,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("store nonce: %w", err)
		}
		return value.String(), nil
	}
	return "", fmt.Errorf("store nonce: %w", storage.ErrConflict)
}

// Consume redeems value. It reports false when the nonce is unknown, expired
// or already redeemed; an error means the backend could not be asked.
func (s *Store) Consume(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	_, err := s.backend.ConsumeNonce(ctx, value, s.clock().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume nonce: %w", err)
	}
	return true, nil
}

// Cleanup drops expired nonces from the backend.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.backend.CleanupExpired(ctx, s.clock().UTC())
}
