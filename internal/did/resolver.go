// Package did resolves verification keys of decentralized identifiers.
// This file implements the universal resolver client with fallback and caching.
package did

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"github.com/RegistryAccord/registryaccord-wallet-provider-go/internal/model"
)

var (
	// ErrResolution is returned when no resolver endpoint produced a document.
	ErrResolution = errors.New("did resolution failed")
	// ErrKeyNotFound is returned when the document has no matching verification method.
	ErrKeyNotFound = errors.New("verification method not found")
)

const (
	didLDJson       = "application/did+ld+json"
	maxDocumentSize = 1 << 20 // 1 MiB
	defaultTimeout  = 5 * time.Second
	defaultCacheTTL = 5 * time.Minute
	cacheSize       = 256 // verification methods
)

// Endpoint is a universal resolver base URL, such as
// https://dev.uniresolver.io/1.0/identifiers/, with optional basic auth.
type Endpoint struct {
	URL      string
	Username string
	Password string
}

// Resolver resolves verification method references to public keys, asking
// the primary endpoint first and the secondary one on any failure.
type Resolver struct {
	primary   Endpoint
	secondary Endpoint
	client    *http.Client
	cache     gcache.Cache
	cacheTTL  time.Duration
	logger    *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each resolver request. Values of zero or less keep the
// default timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Resolver) {
		if timeout > 0 {
			r.client.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithCacheTTL sets how long resolved keys are reused; zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cacheTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a Resolver for the given endpoints.
func NewResolver(primary, secondary Endpoint, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		primary:   primary,
		secondary: secondary,
		client:    &http.Client{Timeout: defaultTimeout},
		cacheTTL:  defaultCacheTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, ep := range []Endpoint{primary, secondary} {
		if ep.URL == "" {
			continue
		}
		if _, err := url.ParseRequestURI(ep.URL); err != nil {
			return nil, fmt.Errorf("resolver URL invalid: %w", err)
		}
	}
	if primary.URL == "" && secondary.URL == "" {
		return nil, errors.New("at least one resolver endpoint is required")
	}
	if r.cacheTTL > 0 {
		r.cache = gcache.New(cacheSize).LRU().Expiration(r.cacheTTL).Build()
	}
	return r, nil
}

// ResolveKey returns the public key of the verification method ref points to.
// It never falls back to a default key: a failure on both endpoints yields
// ErrResolution, a document without the method yields ErrKeyNotFound.
func (r *Resolver) ResolveKey(ctx context.Context, ref string) (crypto.PublicKey, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	// Cache is keyed by the full reference, DID plus fragment
	if r.cache != nil {
		if cached, err := r.cache.Get(parsed.String()); err == nil {
			if key, ok := cached.(crypto.PublicKey); ok {
				resolutions.WithLabelValues("cache", "success").Inc()
				return key, nil
			}
		}
	}

	doc, err := r.Document(ctx, parsed.DID)
	if err != nil {
		return nil, err
	}
	// First method matching the fragment wins
	for _, vm := range doc.VerificationMethod {
		if !parsed.Matches(vm.ID) {
			continue
		}
		key, err := PublicKey(vm)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrKeyNotFound, vm.ID, err)
		}
		if r.cache != nil {
			_ = r.cache.Set(parsed.String(), key)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, parsed)
}

// Document resolves a DID document, falling back to the secondary endpoint.
func (r *Resolver) Document(ctx context.Context, id string) (*model.DIDDocument, error) {
	var errs []error
	for _, ep := range []struct {
		name     string
		endpoint Endpoint
	}{{"primary", r.primary}, {"secondary", r.secondary}} {
		if ep.endpoint.URL == "" {
			continue
		}
		doc, err := r.fetch(ctx, ep.endpoint, id)
		if err != nil {
			resolutions.WithLabelValues(ep.name, "failure").Inc()
			r.logger.Warn("did resolver failed", "endpoint", ep.name, "did", id, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ep.name, err))
			continue
		}
		resolutions.WithLabelValues(ep.name, "success").Inc()
		r.logger.Debug("did resolved", "endpoint", ep.name, "did", id)
		return doc, nil
	}
	r.logger.Error("cannot access resolvers", "did", id)
	return nil, fmt.Errorf("%w: %s: %v", ErrResolution, id, errors.Join(errs...))
}

// identifierEscaper escapes only what would end the path segment. DID syntax
// keeps the rest URL-safe and did:web ports arrive already percent-encoded.
var identifierEscaper = strings.NewReplacer("/", "%2F", "?", "%3F", "#", "%23")

// fetch asks a single endpoint for the document of id.
func (r *Resolver) fetch(ctx context.Context, ep Endpoint, id string) (*model.DIDDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(ep.URL, "/")+"/"+identifierEscaper.Replace(id), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Add("Accept", didLDJson+", application/json")
	if ep.Username != "" {
		req.SetBasicAuth(ep.Username, ep.Password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer r.closeResponseBody(resp.Body)

	// Read the body before checking the status so the connection can be reused
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading response body failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseDocument(body)
}

// parseDocument accepts a resolution result envelope or a bare document.
func parseDocument(body []byte) (*model.DIDDocument, error) {
	var result model.DIDResolutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("malformed resolution result: %w", err)
	}
	if result.DIDDocument != nil && result.DIDDocument.ID != "" {
		return result.DIDDocument, nil
	}
	var doc model.DIDDocument
	if err := json.Unmarshal(body, &doc); err != nil || doc.ID == "" {
		return nil, errors.New("response carries no did document")
	}
	return &doc, nil
}

// closeResponseBody closes body and logs a failure.
func (r *Resolver) closeResponseBody(body io.Closer) {
	if err := body.Close(); err != nil {
		r.logger.Warn("failed to close response body", "error", err)
	}
}
