// Package storage contains PostgreSQL implementation of the Store interface.
// This file handles database schema migrations.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// MigratePostgres applies schema migrations to the PostgreSQL database.
// Uses IF NOT EXISTS clauses to make migrations idempotent.
//
// Tables created:
// - users: enterprise wallet users and the wallet instance bound to each
// - organizations: wallet profiles distributed to an organization's wallets
// - nonces: single-use challenges consumed by /token
// - wallet_bindings: append-only history of attestation bindings
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
            email TEXT PRIMARY KEY,
            password_hash TEXT NOT NULL,                 -- bcrypt, or hex SHA-256 for dashboard-created users
            organization TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'active',
            wallet_key_thumbprint TEXT NOT NULL DEFAULT '',
            wallet_attestation_jti TEXT NOT NULL DEFAULT '',
            wallet_confirmation_key JSONB,               -- cnf.jwk of the bound attestation
            attestation_issued_at TIMESTAMPTZ
        )`,
		`CREATE INDEX IF NOT EXISTS idx_users_organization ON users (organization)`,
		`CREATE TABLE IF NOT EXISTS organizations (
            organization TEXT PRIMARY KEY,
            active BOOLEAN NOT NULL DEFAULT TRUE,
            profile_id TEXT NOT NULL,
            profile JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS nonces (
            value TEXT PRIMARY KEY,
            host TEXT NOT NULL,                          -- host that requested the nonce
            created_at TIMESTAMPTZ NOT NULL,
            expires_at TIMESTAMPTZ NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces (expires_at)`,
		`CREATE TABLE IF NOT EXISTS wallet_bindings (
            id SERIAL PRIMARY KEY,
            email TEXT NOT NULL,
            jti TEXT NOT NULL,
            thumbprint TEXT NOT NULL,
            bound_at TIMESTAMPTZ NOT NULL,
            conflict BOOLEAN NOT NULL DEFAULT FALSE,     -- replaced a different, still bound attestation
            correlation_id TEXT NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_bindings_email ON wallet_bindings (email)`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
