// Package jose encodes, decodes, signs and verifies compact JWS tokens.
// This file handles JSON Web Keys and their RFC 7638 thumbprints.
package jose

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	gojose "github.com/go-jose/go-jose/v3"
)

// ErrInvalidJWK is returned when a JSON Web Key cannot be parsed.
var ErrInvalidJWK = errors.New("invalid jwk")

// ParseJWK parses a JSON Web Key given as a decoded JSON object.
func ParseJWK(m map[string]any) (*gojose.JSONWebKey, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidJWK)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWK, err)
	}
	var key gojose.JSONWebKey
	if err := key.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWK, err)
	}
	if !key.Valid() {
		return nil, fmt.Errorf("%w: key material rejected", ErrInvalidJWK)
	}
	return &key, nil
}

// PublicKeyFromJWK returns the public half of the JWK, suitable for Verify.
func PublicKeyFromJWK(m map[string]any) (crypto.PublicKey, error) {
	key, err := ParseJWK(m)
	if err != nil {
		return nil, err
	}
	if !key.IsPublic() {
		pub := key.Public()
		return pub.Key, nil
	}
	return key.Key, nil
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of a JWK, base64url
// encoded without padding.
func Thumbprint(m map[string]any) (string, error) {
	key, err := ParseJWK(m)
	if err != nil {
		return "", err
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidJWK, err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// jwkToMap round-trips key through JSON to get its generic form.
func jwkToMap(key gojose.JSONWebKey) (map[string]any, error) {
	raw, err := key.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
