// Package config provides configuration loading for the wallet provider.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// init loads .env and .env.local when present. godotenv never overrides
// variables already set in the environment.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the wallet provider.
type Config struct {
	// Server settings
	Env            string `validate:"required"`
	Address        string `validate:"required"`
	MetricsAddress string
	LogLevel       string `validate:"oneof=debug info warn error"`

	// Storage backend and connection settings
	StoreBackend     string `validate:"oneof=memory postgres mongo"`
	DatabaseDSN      string `validate:"required_if=StoreBackend postgres"`
	MongoURI         string `validate:"required_if=StoreBackend mongo"`
	MongoDatabase    string
	DBConnectRetries uint64

	// Provider identity and trust anchors
	SigningKeyFile string // required by serve, see SigningKey
	SigningKeyJWK  string
	ProviderDID    string   `validate:"required,startswith=did:"`
	ProviderVM     string   `validate:"required,startswith=did:,contains=#"`
	TrustedIssuers []string `validate:"min=1,dive,startswith=did:"`

	// Universal resolver endpoints used to fetch issuer keys
	ResolverPrimaryURL   string        `validate:"required,url"`
	ResolverPrimaryAuth  string        // user:password
	ResolverSecondaryURL string        `validate:"omitempty,url"`
	ResolverTimeout      time.Duration `validate:"gt=0"`
	ResolverCacheTTL     time.Duration

	// Token lifetimes
	NonceTTL              time.Duration `validate:"gt=0"`
	AttestationValidity   time.Duration `validate:"gt=0"`
	ConfigurationValidity time.Duration `validate:"gt=0"`

	// Values published to wallets
	WalletAPIVersion            string `validate:"required"`
	WalletName                  string
	WalletAuthorizationEndpoint string `validate:"omitempty,url"`

	// Operations
	AdminEmail  string `validate:"omitempty,email"`
	SentryDSN   string `validate:"omitempty,url"`
	CORSOrigins []string

	// Policy switches; both default to allow and log
	RejectSuspendedAccounts bool
	RejectBindingConflicts  bool
}

// Defaults applied when the matching variable is unset.
const (
	defaultAddress           = ":8080"
	defaultMetricsAddress    = ":9090"
	defaultMongoDatabase     = "wallet_provider"
	defaultConnectRetries    = 5
	defaultProviderDID       = "did:web:talao.co"
	defaultProviderVM        = "did:web:talao.co#key-2"
	defaultResolverPrimary   = "https://unires.talao.co/1.0/identifiers/"
	defaultResolverSecondary = "https://dev.uniresolver.io/1.0/identifiers/"
	defaultResolverTimeout   = 5 * time.Second
	defaultResolverCacheTTL  = 5 * time.Minute
	defaultNonceTTL          = 10 * time.Second
	defaultAttestationDays   = 365
	defaultConfigurationDays = 90
	defaultWalletAPIVersion  = "0.3.1"
	defaultWalletName        = "Talao Altme wallet"
	defaultAuthorizationURL  = "https://app.altme.io/app/download/authorize"
)

// Load reads environment variables, applies defaults and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("WP_ENV", "dev"),
		Address:        getEnv("WP_HTTP_ADDR", defaultAddress),
		MetricsAddress: getEnv("WP_METRICS_ADDR", defaultMetricsAddress),
		LogLevel:       strings.ToLower(getEnv("WP_LOG_LEVEL", "info")),

		StoreBackend:  strings.ToLower(getEnv("WP_STORE_BACKEND", "memory")),
		DatabaseDSN:   os.Getenv("WP_DB_DSN"),
		MongoURI:      os.Getenv("WP_MONGO_URI"),
		MongoDatabase: getEnv("WP_MONGO_DATABASE", defaultMongoDatabase),

		SigningKeyFile: os.Getenv("WP_SIGNING_KEY_FILE"),
		SigningKeyJWK:  os.Getenv("WP_SIGNING_KEY_JWK"),
		ProviderDID:    getEnv("WP_PROVIDER_DID", defaultProviderDID),
		ProviderVM:     getEnv("WP_PROVIDER_VM", defaultProviderVM),
		TrustedIssuers: splitList(getEnv("WP_TRUSTED_ISSUERS", defaultProviderDID)),

		ResolverPrimaryURL:   getEnv("WP_RESOLVER_PRIMARY_URL", defaultResolverPrimary),
		ResolverPrimaryAuth:  os.Getenv("WP_RESOLVER_PRIMARY_AUTH"),
		ResolverSecondaryURL: getEnv("WP_RESOLVER_SECONDARY_URL", defaultResolverSecondary),

		WalletAPIVersion:            getEnv("WP_WALLET_API_VERSION", defaultWalletAPIVersion),
		WalletName:                  getEnv("WP_WALLET_NAME", defaultWalletName),
		WalletAuthorizationEndpoint: getEnv("WP_WALLET_AUTHORIZATION_ENDPOINT", defaultAuthorizationURL),

		AdminEmail:  os.Getenv("WP_ADMIN_EMAIL"),
		SentryDSN:   os.Getenv("WP_SENTRY_DSN"),
		CORSOrigins: splitList(os.Getenv("WP_CORS_ORIGINS")),

		RejectSuspendedAccounts: parseBool(os.Getenv("WP_REJECT_SUSPENDED_ACCOUNTS")),
		RejectBindingConflicts:  parseBool(os.Getenv("WP_REJECT_BINDING_CONFLICTS")),
	}

	// Numeric settings are parsed strictly; a malformed value is an error
	var err error
	if cfg.DBConnectRetries, err = parseCount("WP_DB_CONNECT_RETRIES", defaultConnectRetries); err != nil {
		return Config{}, err
	}
	durations := []struct {
		env    string
		unit   time.Duration
		def    time.Duration
		target *time.Duration
	}{
		{"WP_RESOLVER_TIMEOUT_SECONDS", time.Second, defaultResolverTimeout, &cfg.ResolverTimeout},
		{"WP_RESOLVER_CACHE_SECONDS", time.Second, defaultResolverCacheTTL, &cfg.ResolverCacheTTL},
		{"WP_NONCE_TTL_SECONDS", time.Second, defaultNonceTTL, &cfg.NonceTTL},
		{"WP_ATTESTATION_DAYS", 24 * time.Hour, defaultAttestationDays * 24 * time.Hour, &cfg.AttestationValidity},
		{"WP_CONFIGURATION_DAYS", 24 * time.Hour, defaultConfigurationDays * 24 * time.Hour, &cfg.ConfigurationValidity},
	}
	for _, d := range durations {
		raw, exists := os.LookupEnv(d.env)
		if !exists {
			*d.target = d.def
			continue
		}
		v, err := parseUnits(raw, d.unit)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.env, err)
		}
		*d.target = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct constraints.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SigningKey returns the raw provider key: the inline JWK when set, otherwise
// the contents of the keys file.
func (c Config) SigningKey() ([]byte, error) {
	if c.SigningKeyJWK != "" {
		return []byte(c.SigningKeyJWK), nil
	}
	if c.SigningKeyFile == "" {
		return nil, errors.New("WP_SIGNING_KEY_FILE or WP_SIGNING_KEY_JWK is required")
	}
	raw, err := os.ReadFile(c.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return raw, nil
}

// ResolverCredentials splits ResolverPrimaryAuth into user and password.
func (c Config) ResolverCredentials() (string, string) {
	user, password, _ := strings.Cut(c.ResolverPrimaryAuth, ":")
	return user, password
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// parseCount reads a non-negative integer variable, or fallback when unset.
func parseCount(key string, fallback uint64) (uint64, error) {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// parseUnits converts a whole number of units to a time.Duration. Zero is
// allowed here; Validate rejects it where it makes no sense.
func parseUnits(raw string, unit time.Duration) (time.Duration, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("value must be >= 0")
	}
	return time.Duration(n) * unit, nil
}

// splitList splits a comma separated list, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
