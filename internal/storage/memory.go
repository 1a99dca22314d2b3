// Package storage contains persistence abstractions and in-memory
// implementations for wallet provider records used by the service.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
)

// memory keeps every record in maps guarded by a single RWMutex.
type memory struct {
	mu            sync.RWMutex
	nonces        map[string]model.Nonce
	users         map[string]model.UserRecord
	organizations map[string]model.OrganizationConfig
	bindings      map[string][]model.BindingLogEntry // by email
}

// NewMemory returns a concurrency-safe in-memory implementation of Store.
// Useful for tests, demos, or as a default ephemeral backend.
func NewMemory() Store {
	return &memory{
		nonces:        make(map[string]model.Nonce),
		users:         make(map[string]model.UserRecord),
		organizations: make(map[string]model.OrganizationConfig),
		bindings:      make(map[string][]model.BindingLogEntry),
	}
}

func (m *memory) PutNonce(ctx context.Context, nonce model.Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nonces[nonce.Value]; exists {
		return ErrConflict
	}
	m.nonces[nonce.Value] = nonce
	return nil
}

// ConsumeNonce deletes the nonce under the write lock so that two concurrent
// consumers cannot both observe it.
func (m *memory) ConsumeNonce(ctx context.Context, value string, now time.Time) (model.Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nonce, ok := m.nonces[value]
	if !ok {
		return model.Nonce{}, ErrNotFound
	}
	// Single use even when expired
	delete(m.nonces, value)
	if !now.Before(nonce.ExpiresAt) {
		return model.Nonce{}, ErrNotFound
	}
	return nonce, nil
}

// CleanupExpired drops every nonce whose expiry is not after now.
func (m *memory) CleanupExpired(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for value, nonce := range m.nonces {
		if !now.Before(nonce.ExpiresAt) {
			delete(m.nonces, value)
		}
	}
	return nil
}

func (m *memory) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[email]
	if !ok || !CheckPassword(user.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}
	return user.Organization, nil
}

func (m *memory) GetUser(ctx context.Context, email string) (model.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[email]
	if !ok {
		return model.UserRecord{}, ErrNotFound
	}
	return user, nil
}

func (m *memory) PutUser(ctx context.Context, user model.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.Email] = user
	return nil
}

func (m *memory) GetOrganizationConfig(ctx context.Context, organization string) (model.OrganizationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.organizations[organization]
	if !ok {
		return model.OrganizationConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (m *memory) PutOrganizationConfig(ctx context.Context, cfg model.OrganizationConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[cfg.Organization] = cfg
	return nil
}

func (m *memory) AppendBinding(ctx context.Context, entry model.BindingLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[entry.Email] = append(m.bindings[entry.Email], entry)
	return nil
}

// ListBindings returns a copy of the log for email, oldest first.
func (m *memory) ListBindings(ctx context.Context, email string) ([]model.BindingLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := append([]model.BindingLogEntry(nil), m.bindings[email]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].BoundAt.Before(entries[j].BoundAt) })
	return entries, nil
}
