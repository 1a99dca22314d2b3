// Package model defines internal and external data shapes for the wallet
// provider. Internal types are used by storage and the protocol services,
// while the DID document shapes are serialized on the wire.
package model

import "time"

// AccountStatus is the provisioning state of a wallet user account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// Nonce is a single-use challenge handed to a wallet before it requests an
// attestation. It is keyed by Value and bound to the host that requested it.
type Nonce struct {
	Value     string    // 36-character UUID
	Host      string    // request host the nonce was issued to
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UserRecord is the enterprise wallet user as provisioned by an organization.
// The Wallet* fields describe the wallet instance currently bound to the user.
type UserRecord struct {
	Email        string        // login, also the record key
	PasswordHash string        // bcrypt
	Organization string        // selects the OrganizationConfig
	Status       AccountStatus // empty is treated as active

	WalletKeyThumbprint   string         // cnf.jwk kid, or its RFC 7638 thumbprint
	WalletAttestationJTI  string         // jti of the bound attestation
	WalletConfirmationKey map[string]any // cnf.jwk of the bound attestation
	AttestationIssuedAt   time.Time      // when the binding was recorded
}

// Bound reports whether a wallet attestation is already bound to the user.
func (u UserRecord) Bound() bool {
	return u.WalletAttestationJTI != ""
}

// OrganizationConfig is the wallet profile an organization distributes to the
// wallets of its users. Profile is signed as-is into the configuration token.
type OrganizationConfig struct {
	Organization string
	Active       bool           // false answers configuration requests with invalid_client
	ProfileID    string         // generalOptions.profileId, signed as jti
	Profile      map[string]any // wallet profile document
	UpdatedAt    time.Time
}

// BindingLogEntry records a wallet attestation being bound to a user. Entries
// are append-only; a later entry supersedes an earlier one.
type BindingLogEntry struct {
	Email         string
	JTI           string    // attestation jti being bound
	Thumbprint    string    // wallet key identifier, see UserRecord.WalletKeyThumbprint
	BoundAt       time.Time // truncated to the minute
	Conflict      bool      // a different jti was already bound when this entry was written
	CorrelationID string    // request that produced the entry
}

// DIDDocument is the subset of a DID document the provider reads from
// resolvers and publishes for its own did:web identifier.
type DIDDocument struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	AssertionMethod    []string             `json:"assertionMethod,omitempty"`
	Authentication     []string             `json:"authentication,omitempty"`
}

// VerificationMethod carries a public key in one of the encodings the provider
// understands: publicKeyJwk, publicKeyBase58 or publicKeyMultibase.
type VerificationMethod struct {
	ID                 string         `json:"id"`
	Type               string         `json:"type"`
	Controller         string         `json:"controller"`
	PublicKeyJwk       map[string]any `json:"publicKeyJwk,omitempty"`
	PublicKeyBase58    string         `json:"publicKeyBase58,omitempty"`
	PublicKeyMultibase string         `json:"publicKeyMultibase,omitempty"`
}

// DIDResolutionResult is the universal resolver response envelope.
type DIDResolutionResult struct {
	DIDDocument *DIDDocument `json:"didDocument"`
}
