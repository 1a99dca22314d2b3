package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WP_SIGNING_KEY_JWK", `{"kty":"EC"}`)
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != ":8080" || cfg.StoreBackend != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.NonceTTL != 10*time.Second {
		t.Fatalf("nonce ttl = %s", cfg.NonceTTL)
	}
	if cfg.AttestationValidity != 365*24*time.Hour || cfg.ConfigurationValidity != 90*24*time.Hour {
		t.Fatalf("validity = %s / %s", cfg.AttestationValidity, cfg.ConfigurationValidity)
	}
	if !reflect.DeepEqual(cfg.TrustedIssuers, []string{"did:web:talao.co"}) {
		t.Fatalf("trusted issuers = %v", cfg.TrustedIssuers)
	}
	if cfg.RejectBindingConflicts || cfg.RejectSuspendedAccounts {
		t.Fatalf("policies must default to detect-and-log")
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WP_NONCE_TTL_SECONDS", "30")
	t.Setenv("WP_RESOLVER_CACHE_SECONDS", "0")
	t.Setenv("WP_TRUSTED_ISSUERS", " did:web:talao.co , did:web:altme.io,")
	t.Setenv("WP_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("WP_RESOLVER_PRIMARY_AUTH", "unires:s3:cret")
	t.Setenv("WP_REJECT_BINDING_CONFLICTS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NonceTTL != 30*time.Second {
		t.Fatalf("nonce ttl = %s", cfg.NonceTTL)
	}
	if cfg.ResolverCacheTTL != 0 {
		t.Fatalf("cache ttl = %s", cfg.ResolverCacheTTL)
	}
	if !reflect.DeepEqual(cfg.TrustedIssuers, []string{"did:web:talao.co", "did:web:altme.io"}) {
		t.Fatalf("trusted issuers = %v", cfg.TrustedIssuers)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("cors origins = %v", cfg.CORSOrigins)
	}
	if user, password := cfg.ResolverCredentials(); user != "unires" || password != "s3:cret" {
		t.Fatalf("credentials = %q %q", user, password)
	}
	if !cfg.RejectBindingConflicts {
		t.Fatalf("expected binding conflicts to be rejected")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without dsn":  {"WP_SIGNING_KEY_JWK": "{}", "WP_STORE_BACKEND": "postgres"},
		"unknown backend":       {"WP_SIGNING_KEY_JWK": "{}", "WP_STORE_BACKEND": "redis"},
		"bad ttl":               {"WP_SIGNING_KEY_JWK": "{}", "WP_NONCE_TTL_SECONDS": "ten"},
		"zero ttl":              {"WP_SIGNING_KEY_JWK": "{}", "WP_NONCE_TTL_SECONDS": "0"},
		"zero resolver timeout": {"WP_SIGNING_KEY_JWK": "{}", "WP_RESOLVER_TIMEOUT_SECONDS": "0"},
		"bad admin email":       {"WP_SIGNING_KEY_JWK": "{}", "WP_ADMIN_EMAIL": "not-an-email"},
		"bad issuer":            {"WP_SIGNING_KEY_JWK": "{}", "WP_TRUSTED_ISSUERS": "talao.co"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSigningKeyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, []byte(`{"wallet_provider_key":{}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := Config{SigningKeyFile: path}
	raw, err := cfg.SigningKey()
	if err != nil {
		t.Fatalf("SigningKey: %v", err)
	}
	if string(raw) != `{"wallet_provider_key":{}}` {
		t.Fatalf("raw = %s", raw)
	}

	if _, err := (Config{}).SigningKey(); err == nil {
		t.Fatalf("expected error without a key")
	}

	cfg.SigningKeyJWK = `{"kty":"EC"}`
	if raw, _ = cfg.SigningKey(); string(raw) != `{"kty":"EC"}` {
		t.Fatalf("inline key must win, got %s", raw)
	}
}
