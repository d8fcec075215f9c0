package dpop

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseProof verifies a proof against the public key embedded in its own
// header and returns the parsed claims.
func parseProof(t *testing.T, proof string) (jwt.MapClaims, map[string]any) {
	t.Helper()

	var header map[string]any
	parsed, err := jwt.Parse(proof, func(token *jwt.Token) (any, error) {
		header = token.Header
		embedded, err := json.Marshal(token.Header["jwk"])
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(embedded)
		if err != nil {
			return nil, err
		}
		var publicKey ecdsa.PublicKey
		if err := jwk.Export(key, &publicKey); err != nil {
			return nil, err
		}
		return &publicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims, header
}

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp.PublicJWK())

	// Two key pairs must never share key material.
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	first, err := json.Marshal(kp.PublicJWK())
	require.NoError(t, err)
	second, err := json.Marshal(other.PublicJWK())
	require.NoError(t, err)
	assert.NotEqual(t, string(first), string(second))
}

func TestCreateProofClaims(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	proof, err := CreateProof(kp, ProofOptions{
		Method: "post",
		URL:    "https://pds.example.com/oauth/par?x=1",
	})
	require.NoError(t, err)

	claims, header := parseProof(t, proof)
	assert.Equal(t, "POST", claims["htm"], "method is upper-cased")
	assert.Equal(t, "https://pds.example.com/oauth/par?x=1", claims["htu"], "URL is byte-exact including query")
	assert.NotEmpty(t, claims["jti"])
	assert.NotEmpty(t, claims["iat"])
	assert.NotContains(t, claims, "nonce")
	assert.NotContains(t, claims, "ath")

	assert.Equal(t, "dpop+jwt", header["typ"])
	assert.Equal(t, "ES256", header["alg"])
	require.Contains(t, header, "jwk")
}

func TestCreateProofFreshJTI(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	opts := ProofOptions{Method: "GET", URL: "https://pds.example.com/xrpc/test"}
	first, err := CreateProof(kp, opts)
	require.NoError(t, err)
	second, err := CreateProof(kp, opts)
	require.NoError(t, err)

	firstClaims, _ := parseProof(t, first)
	secondClaims, _ := parseProof(t, second)
	assert.NotEqual(t, firstClaims["jti"], secondClaims["jti"], "jti must be unique per proof")
}

func TestCreateProofNonceAndTokenHash(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	const accessToken = "test-access-token"
	proof, err := CreateProof(kp, ProofOptions{
		Method:      "POST",
		URL:         "https://pds.example.com/xrpc/com.atproto.repo.createRecord",
		Nonce:       "server-nonce-1",
		AccessToken: accessToken,
	})
	require.NoError(t, err)

	claims, _ := parseProof(t, proof)
	assert.Equal(t, "server-nonce-1", claims["nonce"])

	hash := sha256.Sum256([]byte(accessToken))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(hash[:]), claims["ath"])
}

func TestCreateProofRequiresMethodAndURL(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = CreateProof(kp, ProofOptions{URL: "https://pds.example.com"})
	assert.Error(t, err)
	_, err = CreateProof(kp, ProofOptions{Method: "GET"})
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	stored, err := kp.Export()
	require.NoError(t, err)
	require.NotEmpty(t, stored.PrivateJWK)
	require.NotEmpty(t, stored.PublicJWK)

	restored, err := ImportKeyPair(stored)
	require.NoError(t, err)

	// A proof signed by the restored pair verifies just like one signed
	// by the original.
	proof, err := CreateProof(restored, ProofOptions{Method: "POST", URL: "https://pds.example.com/oauth/token"})
	require.NoError(t, err)
	claims, _ := parseProof(t, proof)
	assert.Equal(t, "https://pds.example.com/oauth/token", claims["htu"])

	// The restored public JWK matches the original.
	assert.JSONEq(t, string(stored.PublicJWK), mustMarshal(t, restored.PublicJWK()))
}

func TestImportKeyPairMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stored *SerializedKeyPair
	}{
		{name: "nil", stored: nil},
		{name: "empty", stored: &SerializedKeyPair{}},
		{
			name: "garbage private JWK",
			stored: &SerializedKeyPair{
				PrivateJWK: json.RawMessage(`{"kty":"what"}`),
				PublicJWK:  json.RawMessage(`{"kty":"EC"}`),
			},
		},
		{
			name: "truncated JSON",
			stored: &SerializedKeyPair{
				PrivateJWK: json.RawMessage(`{"kty":`),
				PublicJWK:  json.RawMessage(`{"kty":`),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ImportKeyPair(tc.stored)
			require.ErrorIs(t, err, ErrMalformedKey)
		})
	}
}

func mustMarshal(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
