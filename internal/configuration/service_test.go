package configuration

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/assertion"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/did"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/oautherr"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

const (
	providerDID = "did:web:talao.co"
	providerVM  = "did:web:talao.co#key-2"
	email       = "alice@acme.test"
	password    = "s3cret"
)

var now = time.Date(2026, 3, 1, 10, 30, 45, 0, time.UTC)

type staticResolver map[string]crypto.PublicKey

func (s staticResolver) ResolveKey(_ context.Context, ref string) (crypto.PublicKey, error) {
	if key, ok := s[ref]; ok {
		return key, nil
	}
	return nil, did.ErrResolution
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(_ context.Context, subject, recipient, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, recipient+"|"+body)
	return nil
}

type fixture struct {
	store    storage.Store
	provider *jose.ServiceKey
	notifier *recordingNotifier
	walletA  map[string]any
	walletB  map[string]any
}

func newKeyJWK(t *testing.T) map[string]any {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	key, err := jose.NewServiceKey(priv, "", "")
	require.NoError(t, err)
	jwk, err := key.PublicJWK()
	require.NoError(t, err)
	return jwk
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	provider, err := jose.NewServiceKey(priv, providerVM, providerDID)
	require.NoError(t, err)

	store := storage.NewMemory()
	hash, err := storage.HashPassword(password)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.PutUser(ctx, model.UserRecord{Email: email, PasswordHash: hash, Organization: "acme", Status: model.AccountActive}))
	require.NoError(t, store.PutOrganizationConfig(ctx, model.OrganizationConfig{
		Organization: "acme",
		Active:       true,
		ProfileID:    "profile-42",
		Profile: map[string]any{
			"generalOptions":     map[string]any{"profileId": "profile-42", "companyName": "Acme"},
			"organizationStatus": true,
		},
	}))

	return &fixture{
		store:    store,
		provider: provider,
		notifier: &recordingNotifier{},
		walletA:  newKeyJWK(t),
		walletB:  newKeyJWK(t),
	}
}

func (f *fixture) service(opts ...Option) *Service {
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithNotifier(f.notifier, "admin@provider.test"),
	}, opts...)
	return NewService(f.store,
		assertion.NewVerifier(staticResolver{providerVM: f.provider.Public()}),
		assertion.NewTrustList(providerDID),
		f.provider, opts...)
}

// attestation mints a wallet attestation the way the /token exchange does.
func (f *fixture) attestation(t *testing.T, walletID string, jwk map[string]any, jti string, extra jose.Claims) string {
	t.Helper()
	cnf := make(map[string]any, len(jwk)+1)
	for k, v := range jwk {
		cnf[k] = v
	}
	cnf["kid"] = walletID
	claims := jose.Claims{"sub": walletID, "jti": jti, "cnf": map[string]any{"jwk": cnf}}
	for k, v := range extra {
		claims[k] = v
	}
	token, err := f.provider.Mint(jose.TypeWalletAttestation, claims, now, 365*24*time.Hour)
	require.NoError(t, err)
	return token
}

func basic(user, pass string) string {
	return "Basic " + base64.RawURLEncoding.EncodeToString([]byte(user+":"+pass))
}

func requireOAuthError(t *testing.T, err error, code, description string) {
	t.Helper()
	var oe *oautherr.Error
	require.True(t, errors.As(err, &oe), "expected *oautherr.Error, got %v", err)
	assert.Equal(t, code, oe.Code)
	if description != "" {
		assert.Equal(t, description, oe.Description)
	}
}

func TestConfigureBindsWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service().Configure(ctx, Request{
		Authorization: basic(email, password),
		Assertion:     f.attestation(t, "wallet-a", f.walletA, "jti-a", nil),
		CorrelationID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "profile-42", res.ProfileID)
	assert.False(t, res.Conflict)

	assert.True(t, jose.Verify(res.Token, f.provider.Public()))
	header, claims, err := jose.Decode(res.Token)
	require.NoError(t, err)
	assert.Equal(t, jose.TypeJWT, header.Typ)
	assert.Equal(t, providerVM, header.Kid)
	assert.Equal(t, "profile-42", claims.String("jti"))
	assert.Equal(t, providerDID, claims.String("iss"))
	general, ok := claims.Map("generalOptions")
	require.True(t, ok)
	assert.Equal(t, "Acme", general["companyName"])
	iat, _ := claims.Time("iat")
	exp, _ := claims.Time("exp")
	assert.Equal(t, DefaultValidity, exp.Sub(iat))

	user, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, "wallet-a", user.WalletKeyThumbprint)
	assert.Equal(t, "jti-a", user.WalletAttestationJTI)
	assert.Equal(t, f.walletA["x"], user.WalletConfirmationKey["x"])
	assert.Equal(t, now.Truncate(time.Minute), user.AttestationIssuedAt)

	log, err := f.store.ListBindings(ctx, email)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "cid-1", log[0].CorrelationID)
	assert.Empty(t, f.notifier.calls)
}

func TestConfigureBindingConflictIsDetectedAndNotified(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service()

	_, err := svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)})
	require.NoError(t, err)

	res, err := svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-b", f.walletB, "jti-b", nil)})
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, "admin@provider.test|"+email+" is registering multiple configurations", f.notifier.calls[0])

	user, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, "jti-b", user.WalletAttestationJTI)

	log, err := f.store.ListBindings(ctx, email)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.True(t, log[1].Conflict)
}

func TestConfigureBindingConflictRejectedByPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service(WithPolicy(Policy{RejectBindingConflicts: true}))

	_, err := svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)})
	require.NoError(t, err)

	_, err = svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-b", f.walletB, "jti-b", nil)})
	requireOAuthError(t, err, oautherr.InvalidClient, "")

	user, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, "jti-a", user.WalletAttestationJTI)

	_, err = svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)})
	assert.NoError(t, err, "re-presenting the bound attestation is not a conflict")
}

func TestSuspendedAccountPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)
	user.Status = model.AccountSuspended
	require.NoError(t, f.store.PutUser(ctx, user))

	req := Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)}
	_, err = f.service().Configure(ctx, req)
	assert.NoError(t, err, "suspension is only logged by default")

	strict := f.service(WithPolicy(Policy{RejectSuspendedAccounts: true}))
	_, err = strict.Configure(ctx, req)
	requireOAuthError(t, err, oautherr.InvalidClient, "User has been suspended")
	_, err = strict.Update(ctx, req)
	requireOAuthError(t, err, oautherr.InvalidClient, "User has been suspended")
}

func TestUpdateRequiresBoundWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service()
	bound := f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)

	_, err := svc.Update(ctx, Request{Authorization: basic(email, password), Assertion: bound})
	requireOAuthError(t, err, oautherr.InvalidRequest, "incorrect wallet")

	_, err = svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: bound})
	require.NoError(t, err)

	res, err := svc.Update(ctx, Request{Authorization: basic(email, password), Assertion: bound})
	require.NoError(t, err)
	assert.Equal(t, "profile-42", res.ProfileID)
	assert.True(t, jose.Verify(res.Token, f.provider.Public()))
}

func TestUpdateRejectsOtherWalletWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service()
	_, err := svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)})
	require.NoError(t, err)
	before, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)

	_, err = svc.Update(ctx, Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-b", f.walletB, "jti-b", nil)})
	requireOAuthError(t, err, oautherr.InvalidRequest, "incorrect wallet")

	after, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	log, err := f.store.ListBindings(ctx, email)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestExpiredAttestationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service()

	expired := f.attestation(t, "wallet-a", f.walletA, "jti-a", jose.Claims{"exp": now.Add(-time.Minute).Truncate(time.Minute).Unix()})
	_, err := svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: expired})
	requireOAuthError(t, err, oautherr.InvalidRequest, "Wallet attestation expired")
	_, err = svc.Update(ctx, Request{Authorization: basic(email, password), Assertion: expired})
	requireOAuthError(t, err, oautherr.InvalidRequest, "Wallet attestation expired")

	// Expiry is compared at minute granularity.
	thisMinute := f.attestation(t, "wallet-a", f.walletA, "jti-a", jose.Claims{"exp": now.Truncate(time.Minute).Unix()})
	_, err = svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: thisMinute})
	assert.NoError(t, err)
}

func TestUntrustedIssuerRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	untrusted := f.attestation(t, "wallet-a", f.walletA, "jti-a", jose.Claims{"iss": "did:web:rogue.example"})
	svc := f.service()
	for name, call := range map[string]func(context.Context, Request) (Result, error){
		"configure": svc.Configure,
		"update":    svc.Update,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := call(ctx, Request{Authorization: basic(email, password), Assertion: untrusted})
			requireOAuthError(t, err, oautherr.InvalidClient, "Wallet attestation is not issued by trusted wallet provider")
		})
	}
}

func TestAttestationSignedByAnotherDIDRejected(t *testing.T) {
	f := newFixture(t)
	// The key is published by a trusted resolver entry, but under a DID other
	// than the claimed issuer.
	otherPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := jose.NewServiceKey(otherPriv, "did:web:other.example#key-1", providerDID)
	require.NoError(t, err)
	token, err := other.Mint(jose.TypeWalletAttestation, jose.Claims{
		"sub": "wallet-a", "jti": "jti-x", "cnf": map[string]any{"jwk": f.walletA},
	}, now, time.Hour)
	require.NoError(t, err)

	svc := NewService(f.store,
		assertion.NewVerifier(staticResolver{"did:web:other.example#key-1": other.Public()}),
		assertion.NewTrustList(providerDID), f.provider, WithClock(func() time.Time { return now }))
	_, err = svc.Configure(context.Background(), Request{Authorization: basic(email, password), Assertion: token})
	requireOAuthError(t, err, oautherr.InvalidClient, "Wallet attestation is not issued by trusted wallet provider")
}

func TestOrganizationChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)}

	cfg, err := f.store.GetOrganizationConfig(ctx, "acme")
	require.NoError(t, err)
	cfg.Active = false
	require.NoError(t, f.store.PutOrganizationConfig(ctx, cfg))

	_, err = f.service().Configure(ctx, req)
	requireOAuthError(t, err, oautherr.InvalidClient, "This organization is suspended")
	_, err = f.service().Update(ctx, req)
	requireOAuthError(t, err, oautherr.InvalidClient, "This organization is suspended")

	hash, err := storage.HashPassword("pw")
	require.NoError(t, err)
	require.NoError(t, f.store.PutUser(ctx, model.UserRecord{Email: "bob@nowhere.test", PasswordHash: hash, Organization: "nowhere"}))
	_, err = f.service().Configure(ctx, Request{Authorization: basic("bob@nowhere.test", "pw"), Assertion: req.Assertion})
	requireOAuthError(t, err, oautherr.InvalidRequest, "configuration is not found for this user")
}

func TestCredentialAndAssertionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := f.service()
	valid := f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)

	_, err := svc.Configure(ctx, Request{Authorization: "Bearer abc", Assertion: valid})
	requireOAuthError(t, err, oautherr.InvalidRequest, "basic authentication missing or incorrect")

	_, err = svc.Configure(ctx, Request{Authorization: basic(email, "wrong"), Assertion: valid})
	requireOAuthError(t, err, oautherr.InvalidRequest, "user not found")
	_, err = svc.Update(ctx, Request{Authorization: basic(email, "wrong"), Assertion: valid})
	requireOAuthError(t, err, oautherr.InvalidClient, "user not found in DB")

	_, err = svc.Configure(ctx, Request{Authorization: basic(email, password)})
	requireOAuthError(t, err, oautherr.InvalidRequest, "assertion missing")

	// A wallet cannot present its own proof-of-possession token as an attestation.
	walletPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	selfSigned, err := jose.Sign(jose.Claims{"iss": providerDID, "exp": now.Add(time.Hour).Unix(), "cnf": map[string]any{"jwk": f.walletA}},
		jose.Header{Typ: jose.TypeProofOfPossession}, walletPriv)
	require.NoError(t, err)
	_, err = svc.Configure(ctx, Request{Authorization: basic(email, password), Assertion: selfSigned})
	requireOAuthError(t, err, oautherr.InvalidRequest, "Wallet attestation signature check failed")
	_, err = svc.Update(ctx, Request{Authorization: basic(email, password), Assertion: selfSigned})
	requireOAuthError(t, err, oautherr.InvalidClient, "Wallet attestation signature check failed")

	user, err := f.store.GetUser(ctx, email)
	require.NoError(t, err)
	assert.False(t, user.Bound())
}

type failingSigner struct{}

func (failingSigner) Mint(string, jose.Claims, time.Time, time.Duration) (string, error) {
	return "", jose.ErrSigning
}

func TestSigningFailureIsServerError(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store,
		assertion.NewVerifier(staticResolver{providerVM: f.provider.Public()}),
		assertion.NewTrustList(providerDID), failingSigner{}, WithClock(func() time.Time { return now }))

	_, err := svc.Configure(context.Background(), Request{Authorization: basic(email, password), Assertion: f.attestation(t, "wallet-a", f.walletA, "jti-a", nil)})
	requireOAuthError(t, err, oautherr.ServerError, "Configuration fails to be signed")
}
