// Package storage contains PostgreSQL implementation of the Store interface.
// Provides persistent storage for wallet users, organization profiles, nonces and the binding log.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
)

// queryTimeout bounds every statement issued by the postgres store.
const queryTimeout = 10 * time.Second

// Postgres implements Store using PostgreSQL as the backend.
// Complex values (confirmation keys, wallet profiles) are kept as JSONB.
type Postgres struct {
	db *sql.DB // Database connection pool
}

// NewPostgres opens a connection pool and checks it with a ping.
//
// Connection pool configuration:
// - Max 25 open connections to prevent overwhelming the database
// - Max 5 idle connections to maintain a warm pool
// - 5-minute lifetime and idle time to prevent stale connections
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an already configured pool.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB returns the underlying *sql.DB connection pool.
// This method is primarily used by migration functions that need direct database access.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Ping checks database connectivity for the readiness endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// PutNonce stores a new nonce for later validation.
func (p *Postgres) PutNonce(ctx context.Context, nonce model.Nonce) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `INSERT INTO nonces (value, host, created_at, expires_at) VALUES ($1, $2, $3, $4) ON CONFLICT (value) DO NOTHING`
	res, err := p.db.ExecContext(ctx, q, nonce.Value, nonce.Host, nonce.CreatedAt, nonce.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrConflict
	}
	return nil
}

// ConsumeNonce deletes and returns a live nonce in a single statement, so a
// value can be redeemed at most once even under concurrent requests.
// Returns ErrNotFound if the nonce doesn't exist or has expired.
func (p *Postgres) ConsumeNonce(ctx context.Context, value string, now time.Time) (model.Nonce, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `DELETE FROM nonces WHERE value = $1 AND expires_at > $2 RETURNING host, created_at, expires_at`
	nonce := model.Nonce{Value: value}
	err := p.db.QueryRowContext(ctx, q, value, now).Scan(&nonce.Host, &nonce.CreatedAt, &nonce.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Nonce{}, ErrNotFound
		}
		return model.Nonce{}, fmt.Errorf("consume nonce: %w", err)
	}
	return nonce, nil
}

// CleanupExpired removes expired nonces.
func (p *Postgres) CleanupExpired(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `DELETE FROM nonces WHERE expires_at <= $1`
	if _, err := p.db.ExecContext(ctx, q, now); err != nil {
		return fmt.Errorf("cleanup nonces: %w", err)
	}
	return nil
}

// VerifyCredentials checks a user's password and returns their organization.
func (p *Postgres) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `SELECT password_hash, organization FROM users WHERE email = $1`
	var hash, organization string
	err := p.db.QueryRowContext(ctx, q, email).Scan(&hash, &organization)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("query credentials: %w", err)
	}
	if !CheckPassword(hash, password) {
		return "", ErrInvalidCredentials
	}
	return organization, nil
}

// GetUser retrieves a user by email.
func (p *Postgres) GetUser(ctx context.Context, email string) (model.UserRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `SELECT email, password_hash, organization, status, wallet_key_thumbprint, wallet_attestation_jti, wallet_confirmation_key, attestation_issued_at FROM users WHERE email = $1`
	var (
		user     model.UserRecord
		status   string
		cnfBytes []byte
		issuedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, q, email).Scan(&user.Email, &user.PasswordHash, &user.Organization, &status,
		&user.WalletKeyThumbprint, &user.WalletAttestationJTI, &cnfBytes, &issuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserRecord{}, ErrNotFound
		}
		return model.UserRecord{}, fmt.Errorf("query user: %w", err)
	}
	user.Status = model.AccountStatus(status)
	if len(cnfBytes) > 0 {
		if err := json.Unmarshal(cnfBytes, &user.WalletConfirmationKey); err != nil {
			return model.UserRecord{}, fmt.Errorf("unmarshal confirmation key: %w", err)
		}
	}
	if issuedAt.Valid {
		user.AttestationIssuedAt = issuedAt.Time.UTC()
	}
	return user, nil
}

// PutUser inserts or replaces a user record.
func (p *Postgres) PutUser(ctx context.Context, user model.UserRecord) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var cnfBytes []byte
	if user.WalletConfirmationKey != nil {
		var err error
		if cnfBytes, err = json.Marshal(user.WalletConfirmationKey); err != nil {
			return fmt.Errorf("marshal confirmation key: %w", err)
		}
	}
	var issuedAt sql.NullTime
	if !user.AttestationIssuedAt.IsZero() {
		issuedAt = sql.NullTime{Time: user.AttestationIssuedAt, Valid: true}
	}
	status := user.Status
	if status == "" {
		status = model.AccountActive
	}

	const q = `INSERT INTO users (email, password_hash, organization, status, wallet_key_thumbprint, wallet_attestation_jti, wallet_confirmation_key, attestation_issued_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash, organization = EXCLUDED.organization,
            status = EXCLUDED.status, wallet_key_thumbprint = EXCLUDED.wallet_key_thumbprint,
            wallet_attestation_jti = EXCLUDED.wallet_attestation_jti, wallet_confirmation_key = EXCLUDED.wallet_confirmation_key,
            attestation_issued_at = EXCLUDED.attestation_issued_at`
	_, err := p.db.ExecContext(ctx, q, user.Email, user.PasswordHash, user.Organization, string(status),
		user.WalletKeyThumbprint, user.WalletAttestationJTI, cnfBytes, issuedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// GetOrganizationConfig retrieves the wallet profile of an organization.
func (p *Postgres) GetOrganizationConfig(ctx context.Context, organization string) (model.OrganizationConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `SELECT organization, active, profile_id, profile, updated_at FROM organizations WHERE organization = $1`
	var (
		cfg          model.OrganizationConfig
		profileBytes []byte
	)
	err := p.db.QueryRowContext(ctx, q, organization).Scan(&cfg.Organization, &cfg.Active, &cfg.ProfileID, &profileBytes, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OrganizationConfig{}, ErrNotFound
		}
		return model.OrganizationConfig{}, fmt.Errorf("query organization: %w", err)
	}
	if err := json.Unmarshal(profileBytes, &cfg.Profile); err != nil {
		return model.OrganizationConfig{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return cfg, nil
}

// PutOrganizationConfig inserts or replaces an organization profile.
func (p *Postgres) PutOrganizationConfig(ctx context.Context, cfg model.OrganizationConfig) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	profileBytes, err := json.Marshal(cfg.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	const q = `INSERT INTO organizations (organization, active, profile_id, profile, updated_at) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (organization) DO UPDATE SET active = EXCLUDED.active, profile_id = EXCLUDED.profile_id,
            profile = EXCLUDED.profile, updated_at = EXCLUDED.updated_at`
	if _, err := p.db.ExecContext(ctx, q, cfg.Organization, cfg.Active, cfg.ProfileID, profileBytes, cfg.UpdatedAt); err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

// AppendBinding adds a new entry to the wallet binding log.
func (p *Postgres) AppendBinding(ctx context.Context, entry model.BindingLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `INSERT INTO wallet_bindings (email, jti, thumbprint, bound_at, conflict, correlation_id) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := p.db.ExecContext(ctx, q, entry.Email, entry.JTI, entry.Thumbprint, entry.BoundAt, entry.Conflict, entry.CorrelationID); err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// ListBindings retrieves all binding log entries for a user, oldest first.
func (p *Postgres) ListBindings(ctx context.Context, email string) ([]model.BindingLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	const q = `SELECT email, jti, thumbprint, bound_at, conflict, correlation_id FROM wallet_bindings WHERE email = $1 ORDER BY bound_at ASC, id ASC`
	rows, err := p.db.QueryContext(ctx, q, email)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	var entries []model.BindingLogEntry
	for rows.Next() {
		var entry model.BindingLogEntry
		if err := rows.Scan(&entry.Email, &entry.JTI, &entry.Thumbprint, &entry.BoundAt, &entry.Conflict, &entry.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return entries, nil
}
