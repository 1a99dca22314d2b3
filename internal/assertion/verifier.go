// Package assertion verifies tokens presented by wallets. The key a token is
// checked against depends on its declared type: a proof-of-possession token
// is checked against the confirmation key it carries, a wallet attestation
// against the key its issuer publishes in its DID document.
package assertion

import (
	"context"
	"crypto"
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
)

var (
	// ErrUnsupportedType is returned for a typ header outside the known variants.
	ErrUnsupportedType = errors.New("unsupported assertion type")
	// ErrUnexpectedType is returned when a known variant arrives where another is required.
	ErrUnexpectedType = errors.New("unexpected assertion type")
	// ErrInvalidSignature is returned when no key could be determined or the
	// signature does not match it.
	ErrInvalidSignature = errors.New("invalid signature")
)

// Type is the closed set of assertion variants.
type Type int

const (
	// ProofOfPossession is signed by the wallet key it carries.
	ProofOfPossession Type = iota + 1
	// WalletAttestation is signed by a wallet provider.
	WalletAttestation
)

// ParseType maps a typ header value to its variant.
func ParseType(typ string) (Type, error) {
	switch typ {
	case jose.TypeProofOfPossession:
		return ProofOfPossession, nil
	case jose.TypeWalletAttestation:
		return WalletAttestation, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, typ)
}

// String returns the typ header value of t.
func (t Type) String() string {
	switch t {
	case ProofOfPossession:
		return jose.TypeProofOfPossession
	case WalletAttestation:
		return jose.TypeWalletAttestation
	}
	return "unknown"
}

// KeyResolver resolves a verification method reference to a public key.
type KeyResolver interface {
	ResolveKey(ctx context.Context, ref string) (crypto.PublicKey, error)
}

// Verified is an assertion whose signature has been checked. Expiry and
// audience are left to the caller.
type Verified struct {
	Type   Type
	Header jose.Header
	Claims jose.Claims
}

// keyStrategy determines the key a variant must be verified with.
type keyStrategy func(ctx context.Context, header jose.Header, claims jose.Claims) (crypto.PublicKey, error)

// Verifier checks assertion signatures.
type Verifier struct {
	strategies map[Type]keyStrategy
}

// NewVerifier creates a Verifier resolving wallet provider keys with resolver.
func NewVerifier(resolver KeyResolver) *Verifier {
	return &Verifier{strategies: map[Type]keyStrategy{
		ProofOfPossession: confirmationKey,
		WalletAttestation: func(ctx context.Context, header jose.Header, _ jose.Claims) (crypto.PublicKey, error) {
			if header.Kid == "" {
				return nil, errors.New("missing kid header")
			}
			return resolver.ResolveKey(ctx, header.Kid)
		},
	}}
}

// Verify decodes token, requires it to be of the wanted variant and checks
// its signature with fail-closed semantics.
func (v *Verifier) Verify(ctx context.Context, token string, want Type) (Verified, error) {
	header, claims, err := jose.Decode(token)
	if err != nil {
		return Verified{}, err
	}
	got, err := ParseType(header.Typ)
	if err != nil {
		return Verified{}, err
	}
	if got != want {
		return Verified{}, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedType, got, want)
	}
	strategy, ok := v.strategies[got]
	if !ok {
		return Verified{}, fmt.Errorf("%w: %s", ErrUnsupportedType, got)
	}

	key, err := strategy(ctx, header, claims)
	if err != nil {
		return Verified{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !jose.Verify(token, key) {
		return Verified{}, ErrInvalidSignature
	}
	return Verified{Type: got, Header: header, Claims: claims}, nil
}

// confirmationKey returns the self-asserted cnf.jwk. It is only acceptable
// because the token also has to carry a nonce the service handed out.
func confirmationKey(_ context.Context, _ jose.Header, claims jose.Claims) (crypto.PublicKey, error) {
	jwk, ok := ConfirmationJWK(claims)
	if !ok {
		return nil, errors.New("missing cnf.jwk claim")
	}
	return jose.PublicKeyFromJWK(jwk)
}

// ConfirmationJWK returns the cnf.jwk claim.
func ConfirmationJWK(claims jose.Claims) (map[string]any, bool) {
	cnf, ok := claims.Map("cnf")
	if !ok {
		return nil, false
	}
	jwk, ok := cnf["jwk"].(map[string]any)
	return jwk, ok && len(jwk) > 0
}
