// Package configuration implements /configuration and /update, which hand an
// authenticated wallet user the signed wallet profile of their organization.
// /configuration binds the user to the presented wallet attestation; /update
// only serves wallets already bound that way.
package configuration

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/assertion"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/jose"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/oautherr"
	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/storage"
)

// DefaultValidity is the lifetime of a configuration token.
const DefaultValidity = 90 * 24 * time.Hour

// Verifier checks assertion signatures.
type Verifier interface {
	Verify(ctx context.Context, token string, want assertion.Type) (assertion.Verified, error)
}

// Signer mints provider-signed tokens.
type Signer interface {
	Mint(typ string, claims jose.Claims, now time.Time, validity time.Duration) (string, error)
}

// Notifier delivers operational alerts to administrators.
type Notifier interface {
	Notify(ctx context.Context, subject, recipient, body string) error
}

// Store is the slice of persistence the service needs.
type Store interface {
	storage.UserStore
	storage.OrganizationStore
	storage.BindingLogStore
}

// Policy holds the enforcement switches for the two soft checks. Both default
// to detect-and-log.
type Policy struct {
	RejectBindingConflicts  bool
	RejectSuspendedAccounts bool
}

// Request carries what the HTTP layer extracted from the call.
type Request struct {
	Authorization string
	Assertion     string
	CorrelationID string
}

// Result is a signed configuration together with facts worth recording.
type Result struct {
	Token     string
	ProfileID string
	Email     string
	Conflict  bool
}

// Service serves organization configurations to bound wallets.
type Service struct {
	store      Store
	verifier   Verifier
	trust      assertion.TrustList
	signer     Signer
	notifier   Notifier
	adminEmail string
	policy     Policy
	validity   time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithPolicy sets the enforcement policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithNotifier sends binding conflict alerts to recipient.
func WithNotifier(n Notifier, recipient string) Option {
	return func(s *Service) {
		s.notifier = n
		s.adminEmail = recipient
	}
}

// WithValidity overrides DefaultValidity.
func WithValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires a Service.
func NewService(store Store, verifier Verifier, trust assertion.TrustList, signer Signer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		verifier: verifier,
		trust:    trust,
		signer:   signer,
		validity: DefaultValidity,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// endpoint selects the error codes that differ between the two exchanges.
type endpoint struct {
	name         string
	badLogin     string
	loginMessage string
	badSignature string
	badFormat    string
}

// The two exchanges report the same failures with different OAuth codes.
var (
	configureEndpoint = endpoint{
		name:         "configuration",
		badLogin:     oautherr.InvalidRequest,
		loginMessage: "user not found",
		badSignature: oautherr.InvalidRequest,
		badFormat:    oautherr.InvalidClient,
	}
	updateEndpoint = endpoint{
		name:         "update",
		badLogin:     oautherr.InvalidClient,
		loginMessage: "user not found in DB",
		badSignature: oautherr.InvalidClient,
		badFormat:    oautherr.InvalidRequest,
	}
)

// walletAttestation is what the shared preamble establishes.
type walletAttestation struct {
	email        string
	organization string
	jti          string
	subject      string
	cnfJWK       map[string]any
}

// Configure binds the user to the presented attestation and returns the
// organization's configuration.
func (s *Service) Configure(ctx context.Context, req Request) (Result, error) {
	att, err := s.preamble(ctx, req, configureEndpoint)
	if err != nil {
		return Result{}, err
	}
	logger := s.logger.With("correlationId", req.CorrelationID, "email", att.email)

	user, err := s.store.GetUser(ctx, att.email)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, oautherr.Client("user not found")
	}
	if err != nil {
		return Result{}, oautherr.Server("user data read failed", err)
	}

	// A different attestation for an already bound user is a conflict
	conflict := user.Bound() && user.WalletAttestationJTI != att.jti
	if conflict {
		logger.Warn("This user is already registered with another wallet attestation",
			"boundJti", user.WalletAttestationJTI, "jti", att.jti)
		s.notifyConflict(ctx, logger, att.email)
		if s.policy.RejectBindingConflicts {
			return Result{}, oautherr.Client("user is already bound to another wallet")
		}
	} else if user.Bound() {
		logger.Info("This user is already registered with same wallet attestation", "jti", att.jti)
	} else {
		logger.Info("new wallet binding", "jti", att.jti)
	}

	if err := s.checkStatus(logger, user); err != nil {
		return Result{}, err
	}

	thumbprint, err := bindingKey(att.subject, att.cnfJWK)
	if err != nil {
		return Result{}, oautherr.Wrap(configureEndpoint.badFormat, "incorrect wallet attestation format", err)
	}
	// Rebind to the presented wallet, even on a tolerated conflict
	now := s.clock().UTC().Truncate(time.Minute)
	user.WalletKeyThumbprint = thumbprint
	user.WalletAttestationJTI = att.jti
	user.WalletConfirmationKey = att.cnfJWK
	user.AttestationIssuedAt = now
	if err := s.store.PutUser(ctx, user); err != nil {
		return Result{}, oautherr.Server("user data update failed", err)
	}
	if err := s.store.AppendBinding(ctx, model.BindingLogEntry{
		Email:         att.email,
		JTI:           att.jti,
		Thumbprint:    thumbprint,
		BoundAt:       now,
		Conflict:      conflict,
		CorrelationID: req.CorrelationID,
	}); err != nil {
		// The binding itself is stored; a lost log entry does not fail the call
		logger.Error("binding log append failed", "error", err)
	}
	logger.Info("user data is now updated", "jti", att.jti)

	res, err := s.sign(ctx, logger, att.organization)
	if err != nil {
		return Result{}, err
	}
	res.Email = att.email
	res.Conflict = conflict
	return res, nil
}

// Update returns the configuration to the wallet already bound to the user.
// It never changes the binding.
func (s *Service) Update(ctx context.Context, req Request) (Result, error) {
	att, err := s.preamble(ctx, req, updateEndpoint)
	if err != nil {
		return Result{}, err
	}
	logger := s.logger.With("correlationId", req.CorrelationID, "email", att.email)

	user, err := s.store.GetUser(ctx, att.email)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, oautherr.Client("User data not found for " + att.email)
	}
	if err != nil {
		return Result{}, oautherr.Server("user data read failed", err)
	}
	if err := s.checkStatus(logger, user); err != nil {
		return Result{}, err
	}

	// Match the presented key the same way Configure recorded it
	presented := stringMember(att.cnfJWK, "kid")
	if presented == "" {
		if presented, err = jose.Thumbprint(att.cnfJWK); err != nil {
			return Result{}, oautherr.Wrap(oautherr.InvalidRequest, "incorrect wallet attestation format", err)
		}
	}
	if user.WalletKeyThumbprint == "" || presented != user.WalletKeyThumbprint {
		return Result{}, oautherr.Request("incorrect wallet")
	}
	logger.Info("correct wallet for update")

	res, err := s.sign(ctx, logger, att.organization)
	if err != nil {
		return Result{}, err
	}
	res.Email = att.email
	return res, nil
}

// preamble authenticates the user and validates the wallet attestation.
func (s *Service) preamble(ctx context.Context, req Request, ep endpoint) (walletAttestation, error) {
	// Login
	creds, err := ParseBasic(req.Authorization)
	if err != nil {
		return walletAttestation{}, oautherr.Request(err.Error())
	}
	organization, err := s.store.VerifyCredentials(ctx, creds.Email, creds.Password)
	if errors.Is(err, storage.ErrInvalidCredentials) {
		return walletAttestation{}, oautherr.New(ep.badLogin, ep.loginMessage)
	}
	if err != nil {
		return walletAttestation{}, oautherr.Server("credential check failed", err)
	}
	s.logger.Info("login/password is fine", "email", creds.Email, "endpoint", ep.name, "correlationId", req.CorrelationID)

	// Wallet attestation
	if req.Assertion == "" {
		return walletAttestation{}, oautherr.Request("assertion missing")
	}
	if _, _, err := jose.Decode(req.Assertion); err != nil {
		return walletAttestation{}, oautherr.Wrap(oautherr.InvalidRequest, "assertion missing", err)
	}

	verified, err := s.verifier.Verify(ctx, req.Assertion, assertion.WalletAttestation)
	if err != nil {
		return walletAttestation{}, oautherr.Wrap(ep.badSignature, "Wallet attestation signature check failed", err)
	}
	claims := verified.Claims

	// Required claims
	issuer := claims.String("iss")
	exp, hasExp := claims.Time("exp")
	cnfJWK, hasCnf := assertion.ConfirmationJWK(claims)
	if issuer == "" || !hasExp || !hasCnf {
		return walletAttestation{}, oautherr.New(ep.badFormat, "incorrect wallet attestation format")
	}

	if !s.trust.Trusts(issuer, verified.Header.Kid) {
		return walletAttestation{}, oautherr.Client("Wallet attestation is not issued by trusted wallet provider")
	}
	if exp.Before(s.clock().UTC().Truncate(time.Minute)) {
		return walletAttestation{}, oautherr.Request("Wallet attestation expired")
	}

	return walletAttestation{
		email:        creds.Email,
		organization: organization,
		jti:          claims.String("jti"),
		subject:      claims.String("sub"),
		cnfJWK:       cnfJWK,
	}, nil
}

// checkStatus logs the account status and rejects suspended accounts only
// when the policy says so.
func (s *Service) checkStatus(logger *slog.Logger, user model.UserRecord) error {
	status := user.Status
	if status == "" {
		status = model.AccountActive
	}
	logger.Info("user status", "status", string(status))
	if status != model.AccountActive && s.policy.RejectSuspendedAccounts {
		return oautherr.Client("User has been suspended")
	}
	return nil
}

// sign mints the configuration token of an organization.
func (s *Service) sign(ctx context.Context, logger *slog.Logger, organization string) (Result, error) {
	cfg, err := s.store.GetOrganizationConfig(ctx, organization)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, oautherr.Request("configuration is not found for this user")
	}
	if err != nil {
		return Result{}, oautherr.Server("incorrect configuration file", err)
	}
	logger.Info("organization status", "organization", organization, "active", cfg.Active)
	if !cfg.Active {
		return Result{}, oautherr.Client("This organization is suspended")
	}
	if cfg.ProfileID == "" {
		return Result{}, oautherr.Server("incorrect configuration file", errors.New("profile id missing"))
	}

	// The profile id doubles as the token jti
	claims := make(jose.Claims, len(cfg.Profile)+1)
	for k, v := range cfg.Profile {
		claims[k] = v
	}
	claims["jti"] = cfg.ProfileID

	token, err := s.signer.Mint(jose.TypeJWT, claims, s.clock(), s.validity)
	if err != nil {
		return Result{}, oautherr.Server("Configuration fails to be signed", err)
	}
	logger.Info("configuration is sent to wallet", "profileId", cfg.ProfileID)
	return Result{Token: token, ProfileID: cfg.ProfileID}, nil
}

// notifyConflict alerts the administrator. Delivery failures are only logged.
func (s *Service) notifyConflict(ctx context.Context, logger *slog.Logger, email string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx,
		"This user is already registered with another wallet attestation",
		s.adminEmail,
		email+" is registering multiple configurations")
	if err != nil {
		logger.Error("binding conflict notification failed", "error", err)
	}
}

// bindingKey is the identifier a wallet is bound by: the attestation subject,
// which the issuer copies into cnf.jwk.kid, or else the key's thumbprint.
func bindingKey(subject string, jwk map[string]any) (string, error) {
	if subject != "" {
		return subject, nil
	}
	return jose.Thumbprint(jwk)
}

// stringMember returns m[name] when it is a string.
func stringMember(m map[string]any, name string) string {
	s, _ := m[name].(string)
	return s
}
