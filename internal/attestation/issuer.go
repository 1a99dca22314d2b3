// Package attestation implements the /token exchange: a wallet proves it holds
// a key by signing a nonce it was handed, and receives a wallet attestation
// bound to that key.
package attestation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/assertion"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/oautherr"
)

// GrantTypeJWTBearer is the only grant accepted by /token.
const GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// DefaultValidity is the lifetime of an issued attestation.
const DefaultValidity = 365 * 24 * time.Hour

// Verifier checks assertion signatures.
type Verifier interface {
	Verify(ctx context.Context, token string, want assertion.Type) (assertion.Verified, error)
}

// NonceConsumer redeems single-use nonces.
type NonceConsumer interface {
	Consume(ctx context.Context, value string) (bool, error)
}

// Signer mints provider-signed tokens.
type Signer interface {
	Mint(typ string, claims jose.Claims, now time.Time, validity time.Duration) (string, error)
}

// WalletMetadata is advertised in every attestation.
type WalletMetadata struct {
	Name                               string
	KeyType                            string
	AuthorizationEndpoint              string
	ResponseTypesSupported             []string
	RequestObjectSigningAlgs           []string
	PresentationDefinitionURISupported bool
}

// DefaultMetadata describes the Talao/Altme wallet.
func DefaultMetadata() WalletMetadata {
	return WalletMetadata{
		Name:                               "Talao Altme wallet",
		KeyType:                            "software",
		AuthorizationEndpoint:              "https://app.altme.io/app/download/authorize",
		ResponseTypesSupported:             []string{"vp_token", "id_token"},
		RequestObjectSigningAlgs:           []string{jose.AlgES256},
		PresentationDefinitionURISupported: true,
	}
}

// TokenRequest holds the /token form fields.
type TokenRequest struct {
	Assertion string
	GrantType string
}

// Attestation is an issued wallet attestation.
type Attestation struct {
	Token   string
	JTI     string
	Subject string
}

// Issuer runs the attestation exchange.
type Issuer struct {
	verifier Verifier
	nonces   NonceConsumer
	signer   Signer
	metadata WalletMetadata
	validity time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// Option customizes an Issuer.
type Option func(*Issuer)

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// WithMetadata overrides DefaultMetadata.
func WithMetadata(m WalletMetadata) Option {
	return func(i *Issuer) { i.metadata = m }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(i *Issuer) { i.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIssuer wires an Issuer from its collaborators.
func NewIssuer(verifier Verifier, nonces NonceConsumer, signer Signer, opts ...Option) *Issuer {
	i := &Issuer{
		verifier: verifier,
		nonces:   nonces,
		signer:   signer,
		metadata: DefaultMetadata(),
		validity: DefaultValidity,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue validates a proof-of-possession request and signs an attestation for
// the key it carries. Every failure is an *oautherr.Error.
func (i *Issuer) Issue(ctx context.Context, req TokenRequest) (Attestation, error) {
	if req.Assertion == "" || req.GrantType == "" {
		return Attestation{}, oautherr.Request("assertion or grant_type missing")
	}
	if req.GrantType != GrantTypeJWTBearer {
		return Attestation{}, oautherr.New(oautherr.InvalidGrant, "Assertion expected")
	}

	_, claims, err := jose.Decode(req.Assertion)
	if err != nil {
		return Attestation{}, oautherr.Wrap(oautherr.InvalidRequest, "Assertion format is incorrect", err)
	}
	walletID := claims.String("iss")
	jwk, ok := assertion.ConfirmationJWK(claims)
	if walletID == "" || !ok {
		return Attestation{}, oautherr.Request("Assertion format is incorrect")
	}

	if _, err := i.verifier.Verify(ctx, req.Assertion, assertion.ProofOfPossession); err != nil {
		return Attestation{}, oautherr.Wrap(oautherr.InvalidRequest, "Assertion signature check failed", err)
	}

	nonce := claims.String("nonce")
	consumed, err := i.nonces.Consume(ctx, nonce)
	if err != nil {
		return Attestation{}, oautherr.Server("nonce store unavailable", err)
	}
	if !consumed {
		return Attestation{}, oautherr.Request("Nonce incorrect")
	}

	jti := uuid.NewString()
	token, err := i.signer.Mint(jose.TypeWalletAttestation, i.claims(walletID, jwk, nonce, jti), i.clock(), i.validity)
	if err != nil {
		return Attestation{}, oautherr.Server("Wallet attestation failed to be signed", err)
	}
	i.logger.Info("wallet attestation issued", "jti", jti, "sub", walletID)
	return Attestation{Token: token, JTI: jti, Subject: walletID}, nil
}

// claims builds the attestation body. The confirmation key is copied and
// tagged with the wallet identifier so later exchanges can match it.
func (i *Issuer) claims(walletID string, jwk map[string]any, nonce, jti string) jose.Claims {
	cnfJWK := make(map[string]any, len(jwk)+1)
	for k, v := range jwk {
		cnfJWK[k] = v
	}
	cnfJWK["kid"] = walletID

	return jose.Claims{
		"sub":                                   walletID,                      // wallet instance identifier
		"cnf":                                   map[string]any{"jwk": cnfJWK}, // key the wallet proved possession of
		"nonce":                                 nonce,                         // nonce from the wallet's proof
		"jti":                                   jti,                           // fresh UUID, later bound by /configuration
		"wallet_name":                           i.metadata.Name,
		"key_type":                              i.metadata.KeyType,
		"authorization_endpoint":                i.metadata.AuthorizationEndpoint,
		"response_types_supported":              i.metadata.ResponseTypesSupported,
		"presentation_definition_uri_supported": i.metadata.PresentationDefinitionURISupported,
		"request_object_signing_alg_values_supported": i.metadata.RequestObjectSigningAlgs,
	}
}
