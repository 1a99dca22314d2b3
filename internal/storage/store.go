// Package storage provides interfaces and implementations for persistent storage
// of wallet users, organization profiles, nonces and the wallet binding log.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the resource already exists or the operation would violate invariants.
	ErrConflict = errors.New("conflict")
	// ErrInvalidCredentials indicates an unknown email or a password that does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// NonceStore manages the nonce lifecycle for attestation issuance.
type NonceStore interface {
	// PutNonce stores a new nonce; an existing value is a conflict
	PutNonce(ctx context.Context, nonce model.Nonce) error
	// ConsumeNonce atomically removes the nonce if it has not expired at now.
	// Returns ErrNotFound when it is absent, expired or already consumed.
	ConsumeNonce(ctx context.Context, value string, now time.Time) (model.Nonce, error)
	// CleanupExpired removes expired nonces from storage
	CleanupExpired(ctx context.Context, now time.Time) error
}

// UserStore holds the wallet users provisioned by organizations.
type UserStore interface {
	// VerifyCredentials checks the password and returns the user's organization.
	// Returns ErrInvalidCredentials for an unknown email or wrong password.
	VerifyCredentials(ctx context.Context, email, password string) (string, error)
	// GetUser retrieves a user record by email
	GetUser(ctx context.Context, email string) (model.UserRecord, error)
	// PutUser creates or replaces a user record
	PutUser(ctx context.Context, user model.UserRecord) error
}

// OrganizationStore holds the wallet profile of each organization.
type OrganizationStore interface {
	// GetOrganizationConfig retrieves the profile of an organization
	GetOrganizationConfig(ctx context.Context, organization string) (model.OrganizationConfig, error)
	// PutOrganizationConfig creates or replaces an organization profile
	PutOrganizationConfig(ctx context.Context, cfg model.OrganizationConfig) error
}

// BindingLogStore captures the append-only history of wallet bindings.
type BindingLogStore interface {
	// AppendBinding adds a new entry to the binding log
	AppendBinding(ctx context.Context, entry model.BindingLogEntry) error
	// ListBindings retrieves all entries for a user, oldest first
	ListBindings(ctx context.Context, email string) ([]model.BindingLogEntry, error)
}

// Store aggregates all persistence capabilities required by the service.
type Store interface {
	NonceStore
	UserStore
	OrganizationStore
	BindingLogStore
}

// Pinger is implemented by stores backed by a remote database.
type Pinger interface {
	Ping(ctx context.Context) error
}
