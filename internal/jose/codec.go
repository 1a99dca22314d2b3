// Package jose encodes, decodes, signs and verifies the compact JWS tokens
// exchanged with wallets. It knows nothing about the attestation protocol.
package jose

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ header.
const (
	TypeProofOfPossession = "wiar+jwt"
	TypeWalletAttestation = "wallet-attestation+jwt"
	TypeJWT               = "JWT"

	AlgES256 = "ES256"
)

var (
	// ErrMalformedToken is returned when a token is not three base64url
	// segments or its header or claims are not JSON objects.
	ErrMalformedToken = errors.New("malformed token")
	// ErrSigning is returned when the signing key cannot produce a signature.
	ErrSigning = errors.New("signing failed")
)

// verifyMethods are the algorithms a wallet or wallet provider may sign with.
// "none" is never accepted.
var verifyMethods = []string{"ES256", "ES384", "ES512", "EdDSA", "RS256", "PS256"}

// Header is the protected JOSE header of a token.
type Header struct {
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// Claims is the decoded claims segment of a token. Numbers are kept as
// json.Number so re-encoding does not lose precision.
type Claims map[string]any

// String returns the named claim when it is a string.
func (c Claims) String(name string) string {
	s, _ := c[name].(string)
	return s
}

// Map returns the named claim when it is a JSON object.
func (c Claims) Map(name string) (map[string]any, bool) {
	m, ok := c[name].(map[string]any)
	return m, ok
}

// Time returns a NumericDate claim such as exp or iat.
func (c Claims) Time(name string) (time.Time, bool) {
	var secs float64
	switch v := c[name].(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		secs = f
	case float64:
		secs = v
	case int64:
		secs = float64(v)
	case int:
		secs = float64(v)
	default:
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0).UTC(), true
}

// Decode fills v with the claims through a JSON round trip.
func (c Claims) Decode(v any) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Decode splits a compact token and parses its header and claims without
// checking the signature. Missing base64 padding is tolerated.
func Decode(token string) (Header, Claims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return Header{}, nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	var header Header
	if err := decodeSegment(parts[0], &header); err != nil {
		return Header{}, nil, fmt.Errorf("header: %w", err)
	}
	claims := Claims{}
	if err := decodeSegment(parts[1], &claims); err != nil {
		return Header{}, nil, fmt.Errorf("claims: %w", err)
	}
	return header, claims, nil
}

// decodeSegment base64url-decodes one token segment into v. Numbers are kept
// as json.Number.
func decodeSegment(segment string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(segment, "="))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	// A segment holds exactly one JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON value", ErrMalformedToken)
	}
	return nil
}

// Sign produces a compact ES256 token. The header's typ and kid are copied;
// alg is always ES256.
func Sign(claims Claims, header Header, key *ecdsa.PrivateKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no signing key", ErrSigning)
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodES256, jwtlib.MapClaims(claims))
	if header.Typ != "" {
		token.Header["typ"] = header.Typ
	}
	if header.Kid != "" {
		token.Header["kid"] = header.Kid
	}
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

// Verify reports whether the token's signature validates against key. It
// fails closed: a parse error, an unsupported or mismatched algorithm, a nil
// key or a panic inside the crypto code all yield false. Expiry and audience
// are not checked here.
func Verify(token string, key crypto.PublicKey) (ok bool) {
	if key == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	parsed, err := jwtlib.Parse(token, func(*jwtlib.Token) (any, error) {
		return key, nil
	},
		jwtlib.WithValidMethods(verifyMethods),
		jwtlib.WithoutClaimsValidation(),
		jwtlib.WithPaddingAllowed(),
	)
	if err != nil {
		return false
	}
	return parsed.Valid
}
