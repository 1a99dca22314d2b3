package jose

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoadKeyFile(t *testing.T) {
	file, err := GenerateKeyFile()
	require.NoError(t, err)

	key, err := LoadServiceKey(file, "did:web:example.com#key-2", "did:web:example.com")
	require.NoError(t, err)
	assert.Equal(t, "did:web:example.com", key.Issuer)

	var wrapper map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(file, &wrapper))
	bare, err := LoadServiceKey(wrapper["wallet_provider_key"], "kid", "iss")
	require.NoError(t, err)
	assert.True(t, bare.Public().Equal(key.Public()))
}

func TestLoadServiceKeyRejectsPublicKey(t *testing.T) {
	file, err := GenerateKeyFile()
	require.NoError(t, err)
	key, err := LoadServiceKey(file, "kid", "iss")
	require.NoError(t, err)

	pub, err := key.PublicJWK()
	require.NoError(t, err)
	raw, err := json.Marshal(pub)
	require.NoError(t, err)

	_, err = LoadServiceKey(raw, "kid", "iss")
	assert.Error(t, err)
}

func TestMintStampsCommonClaims(t *testing.T) {
	key, err := NewServiceKey(newKey(t), "did:web:example.com#key-2", "did:web:example.com")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 10, 30, 45, 0, time.UTC)
	token, err := key.Mint(TypeWalletAttestation, Claims{"sub": "wallet", "jti": "abc"}, now, 24*time.Hour)
	require.NoError(t, err)

	header, claims, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, TypeWalletAttestation, header.Typ)
	assert.Equal(t, "did:web:example.com#key-2", header.Kid)
	assert.Equal(t, "did:web:example.com", claims.String("iss"))

	iat, _ := claims.Time("iat")
	exp, _ := claims.Time("exp")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), iat)
	assert.Equal(t, iat.Add(24*time.Hour), exp)
	assert.True(t, Verify(token, key.Public()))
}

func TestMintClaimsOverrideCommon(t *testing.T) {
	key, err := NewServiceKey(newKey(t), "kid", "did:web:example.com")
	require.NoError(t, err)

	token, err := key.Mint(TypeJWT, Claims{"iss": "someone-else"}, time.Now(), time.Hour)
	require.NoError(t, err)
	_, claims, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", claims.String("iss"))
}

func TestThumbprintMatchesPublicJWK(t *testing.T) {
	key, err := NewServiceKey(newKey(t), "kid", "iss")
	require.NoError(t, err)
	pub, err := key.PublicJWK()
	require.NoError(t, err)

	first, err := Thumbprint(pub)
	require.NoError(t, err)
	delete(pub, "kid")
	second, err := Thumbprint(pub)
	require.NoError(t, err)
	assert.Equal(t, first, second, "thumbprint only covers required members")
	assert.Len(t, first, 43)

	parsed, err := PublicKeyFromJWK(pub)
	require.NoError(t, err)
	assert.True(t, key.Public().Equal(parsed))

	_, err = Thumbprint(map[string]any{"kty": "EC"})
	assert.ErrorIs(t, err, ErrInvalidJWK)
}
