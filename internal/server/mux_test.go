package server

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/assertion"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/attestation"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/config"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/configuration"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/did"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/nonce"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

const (
	testProviderDID = "did:web:talao.co"
	testProviderVM  = "did:web:talao.co#key-2"
)

type providerResolver struct{ key crypto.PublicKey }

func (p providerResolver) ResolveKey(_ context.Context, ref string) (crypto.PublicKey, error) {
	if ref == testProviderVM {
		return p.key, nil
	}
	return nil, did.ErrKeyNotFound
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	handler  *Handler
	server   *httptest.Server
	store    storage.Store
	provider *jose.ServiceKey
}

func newTestEnv(t *testing.T, ready storage.Pinger) *testEnv {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	provider, err := jose.NewServiceKey(priv, testProviderVM, testProviderDID)
	if err != nil {
		t.Fatalf("service key: %v", err)
	}

	store := storage.NewMemory()
	hash, err := storage.HashPassword("pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ctx := context.Background()
	if err := store.PutUser(ctx, model.UserRecord{Email: "alice@acme.test", PasswordHash: hash, Organization: "acme"}); err != nil {
		t.Fatalf("put user: %v", err)
	}
	if err := store.PutOrganizationConfig(ctx, model.OrganizationConfig{
		Organization: "acme",
		Active:       true,
		ProfileID:    "profile-42",
		Profile:      map[string]any{"generalOptions": map[string]any{"profileId": "profile-42"}},
	}); err != nil {
		t.Fatalf("put org: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := assertion.NewVerifier(providerResolver{key: provider.Public()})
	nonces := nonce.New(store)
	svc := Services{
		Nonces:        nonces,
		Issuer:        attestation.NewIssuer(verifier, nonces, provider, attestation.WithLogger(logger)),
		Configuration: configuration.NewService(store, verifier, assertion.NewTrustList(testProviderDID), provider, configuration.WithLogger(logger)),
		ServiceKey:    provider,
		Ready:         ready,
	}
	h, err := New(config.Config{WalletAPIVersion: "0.3.1"}, svc, logger)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return &testEnv{handler: h, server: ts, store: store, provider: provider}
}

// proof builds the wallet's proof-of-possession assertion for a nonce.
func proof(t *testing.T, wallet *ecdsa.PrivateKey, nonceValue string) string {
	t.Helper()
	key, err := jose.NewServiceKey(wallet, "", "")
	if err != nil {
		t.Fatalf("wallet key: %v", err)
	}
	jwk, err := key.PublicJWK()
	if err != nil {
		t.Fatalf("wallet jwk: %v", err)
	}
	token, err := jose.Sign(jose.Claims{
		"iss":   "wallet-1",
		"aud":   testProviderDID,
		"nonce": nonceValue,
		"cnf":   map[string]any{"jwk": jwk},
	}, jose.Header{Typ: jose.TypeProofOfPossession}, wallet)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	return token
}

func (e *testEnv) fetchNonce(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(e.server.URL + "/nonce")
	if err != nil {
		t.Fatalf("GET /nonce error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nonce status = %d", resp.StatusCode)
	}
	var out struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	if out.Nonce == "" {
		t.Fatalf("empty nonce")
	}
	return out.Nonce
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, user, password string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func expectOAuthError(t *testing.T, resp *http.Response, status int, code string) errorBody {
	t.Helper()
	body := readBody(t, resp)
	if resp.StatusCode != status {
		t.Fatalf("status = %d want %d body=%s", resp.StatusCode, status, body)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q", got)
	}
	if got := resp.Header.Get("Content-Type"); got != contentTypeJSON {
		t.Fatalf("Content-Type = %q", got)
	}
	var out errorBody
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if out.Error != code {
		t.Fatalf("error = %q want %q (%s)", out.Error, code, out.ErrorDescription)
	}
	return out
}

func expectJWT(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != contentTypeJWT {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q", got)
	}
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	if body := readBody(t, resp); resp.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}
}

func TestWalletFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate wallet key: %v", err)
	}

	assertionToken := proof(t, wallet, env.fetchNonce(t))
	form := url.Values{"assertion": {assertionToken}, "grant_type": {attestation.GrantTypeJWTBearer}}
	walletAttestation := expectJWT(t, env.postForm(t, "/token", form, "", ""))
	if !jose.Verify(walletAttestation, env.provider.Public()) {
		t.Fatalf("attestation not signed by the provider key")
	}

	// The nonce is spent.
	resp := env.postForm(t, "/token", form, "", "")
	if out := expectOAuthError(t, resp, http.StatusBadRequest, "invalid_request"); out.ErrorDescription != "Nonce incorrect" {
		t.Fatalf("description = %q", out.ErrorDescription)
	}

	cfgForm := url.Values{"assertion": {walletAttestation}}
	configurationToken := expectJWT(t, env.postForm(t, "/configuration", cfgForm, "alice@acme.test", "pw"))
	if !jose.Verify(configurationToken, env.provider.Public()) {
		t.Fatalf("configuration not signed by the provider key")
	}
	_, claims, err := jose.Decode(configurationToken)
	if err != nil {
		t.Fatalf("decode configuration: %v", err)
	}
	if claims.String("jti") != "profile-42" {
		t.Fatalf("jti = %q", claims.String("jti"))
	}

	user, err := env.store.GetUser(context.Background(), "alice@acme.test")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.WalletKeyThumbprint != "wallet-1" {
		t.Fatalf("bound wallet = %q", user.WalletKeyThumbprint)
	}

	expectJWT(t, env.postForm(t, "/update", cfgForm, "alice@acme.test", "pw"))

	resp = env.postForm(t, "/update", cfgForm, "alice@acme.test", "wrong")
	expectOAuthError(t, resp, http.StatusBadRequest, "invalid_client")
}

func TestTokenValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postForm(t, "/token", url.Values{"grant_type": {attestation.GrantTypeJWTBearer}}, "", "")
	out := expectOAuthError(t, resp, http.StatusBadRequest, "invalid_request")
	if out.ErrorDescription != "assertion or grant_type missing" {
		t.Fatalf("description = %q", out.ErrorDescription)
	}

	resp = env.postForm(t, "/token", url.Values{"assertion": {"a.b.c"}, "grant_type": {"password"}}, "", "")
	expectOAuthError(t, resp, http.StatusBadRequest, "invalid_grant")
}

func TestConfigurationRequiresBasicAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.postForm(t, "/configuration", url.Values{"assertion": {"a.b.c"}}, "", "")
	out := expectOAuthError(t, resp, http.StatusBadRequest, "invalid_request")
	if out.ErrorDescription != "basic authentication missing or incorrect" {
		t.Fatalf("description = %q", out.ErrorDescription)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/token")
	if err != nil {
		t.Fatalf("GET /token error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestWalletAPIVersion(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/wallet_api_version")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	if body := readBody(t, resp); body != `"0.3.1"` {
		t.Fatalf("body = %s", body)
	}
}

func TestWellKnownDocument(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/.well-known/did.json")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	var doc model.DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ID != testProviderDID || len(doc.VerificationMethod) != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	key, err := did.PublicKey(doc.VerificationMethod[0])
	if err != nil {
		t.Fatalf("published key: %v", err)
	}
	if !env.provider.Public().Equal(key) {
		t.Fatalf("published key does not match the service key")
	}
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, pinger{})
	resp, err := http.Get(env.server.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready error: %v", err)
	}
	if readBody(t, resp); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}

	env = newTestEnv(t, pinger{err: errors.New("connection refused")})
	resp, err = http.Get(env.server.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready error: %v", err)
	}
	if readBody(t, resp); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
}

func TestPanicRecovered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.router.Handle("/boom", env.handler.wrap(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/boom", nil)
	req.Header.Set(headerCorrelationID, "cid-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /boom error: %v", err)
	}
	if got := resp.Header.Get(headerCorrelationID); got != "cid-123" {
		t.Fatalf("correlation id = %q", got)
	}
	expectOAuthError(t, resp, http.StatusInternalServerError, "server_error")
}
