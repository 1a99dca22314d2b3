// Package jose encodes, decodes, signs and verifies compact JWS tokens.
// This file manages the provider signing key.
package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gojose "github.com/go-jose/go-jose/v3"
)

// keyFileField is the member holding the provider JWK in a keys file.
const keyFileField = "wallet_provider_key"

// ServiceKey is the wallet provider's P-256 signing key together with the
// identifiers stamped on every token it signs.
type ServiceKey struct {
	private *ecdsa.PrivateKey
	KeyID   string // verification method, e.g. did:web:talao.co#key-2
	Issuer  string // provider DID
}

// NewServiceKey wraps an existing private key.
func NewServiceKey(private *ecdsa.PrivateKey, keyID, issuer string) (*ServiceKey, error) {
	if private == nil {
		return nil, errors.New("service key: nil private key")
	}
	if private.Curve != elliptic.P256() {
		return nil, errors.New("service key: ES256 requires a P-256 key")
	}
	return &ServiceKey{private: private, KeyID: keyID, Issuer: issuer}, nil
}

// LoadServiceKey parses a private JWK, either bare or wrapped in a keys file
// object under "wallet_provider_key".
func LoadServiceKey(raw []byte, keyID, issuer string) (*ServiceKey, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("service key: %w", err)
	}
	if inner, ok := wrapper[keyFileField]; ok {
		raw = inner
	}
	var jwk gojose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("service key: %w", err)
	}
	private, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("service key: expected EC private key, got %T", jwk.Key)
	}
	return NewServiceKey(private, keyID, issuer)
}

// GenerateKeyFile creates a fresh P-256 key and returns it as a keys file.
func GenerateKeyFile() ([]byte, error) {
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	jwk, err := jwkToMap(gojose.JSONWebKey{Key: private, Algorithm: AlgES256, Use: "sig"})
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(map[string]any{keyFileField: jwk}, "", "  ")
}

// PublicJWK returns the public signing key as a JWK object.
func (k *ServiceKey) PublicJWK() (map[string]any, error) {
	return jwkToMap(gojose.JSONWebKey{
		Key:       &k.private.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: AlgES256,
		Use:       "sig",
	})
}

// Public returns the public half of the key.
func (k *ServiceKey) Public() *ecdsa.PublicKey {
	return &k.private.PublicKey
}

// Mint signs claims on behalf of the provider. iss, iat and exp are derived
// from the key and the validity window, truncated to the minute; claims with
// the same names override them.
func (k *ServiceKey) Mint(typ string, claims Claims, now time.Time, validity time.Duration) (string, error) {
	issuedAt := now.UTC().Truncate(time.Minute)
	out := Claims{
		"iss": k.Issuer,
		"iat": issuedAt.Unix(),
		"exp": issuedAt.Add(validity).Unix(),
	}
	for name, value := range claims {
		out[name] = value
	}
	return Sign(out, Header{Typ: typ, Kid: k.KeyID, Alg: AlgES256}, k.private)
}
